package strata

import (
	"context"
	"encoding/binary"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
	"github.com/learn-decentralized-systems/toyqueue"
	"github.com/pkg/errors"

	"github.com/stratadb/strata/schema"
	"github.com/stratadb/strata/strata_errors"
	"github.com/stratadb/strata/utils"
)

// Tx is a read-write transaction bound to one schema version. Reads
// observe the store as of Begin plus the transaction's own writes
// (pebble indexed batch); nothing is visible to others before Commit.
//
// A Tx is not safe for concurrent use.
type Tx struct {
	store *Store
	id    uuid.UUID
	batch *pebble.Batch
	sch   *schema.Schema
	log   utils.Logger
	done  bool

	// objects written this transaction, checked by Validate
	dirty map[schema.ObjId]struct{}
	// objects mid-migration, so hook writes skip re-entry
	migrating map[schema.ObjId]struct{}
	// serialized change records for the feeds, drained at Commit
	changes toyqueue.Records
}

func newTx(store *Store, sch *schema.Schema) *Tx {
	return &Tx{
		store:     store,
		id:        uuid.New(),
		batch:     store.db.NewIndexedBatch(),
		sch:       sch,
		log:       store.log,
		dirty:     make(map[schema.ObjId]struct{}),
		migrating: make(map[schema.ObjId]struct{}),
	}
}

func (tx *Tx) Id() uuid.UUID           { return tx.id }
func (tx *Tx) Schema() *schema.Schema  { return tx.sch }
func (tx *Tx) Version() int            { return tx.sch.Version() }
func (tx *Tx) Store() *Store           { return tx.store }

// Commit atomically applies the transaction. Under
// ValidateAutomatically a commit with pending violations fails with
// ValidationError and the transaction stays open for correction.
// Storage errors propagate as returned by the KV layer.
func (tx *Tx) Commit(ctx context.Context) error {
	if tx.done {
		return strata_errors.ErrTxDone
	}
	if tx.store.opts.ValidationMode == ValidateAutomatically {
		if err := tx.Validate(); err != nil {
			TxValidationFailures.Inc()
			return err
		}
	}
	err := tx.batch.Commit(tx.store.opts.PebbleWriteOptions)
	if err != nil {
		TxCommitCount.WithLabelValues("error").Inc()
		tx.log.ErrorCtx(ctx, "commit failed", "tx", tx.id.String(), "error", err)
		return err
	}
	tx.done = true
	TxCommitCount.WithLabelValues("ok").Inc()
	tx.store.broadcast(tx.changes)
	tx.changes = nil
	return nil
}

// Rollback discards the transaction. Rolling back twice, or after
// Commit, returns ErrTxDone.
func (tx *Tx) Rollback() error {
	if tx.done {
		return strata_errors.ErrTxDone
	}
	tx.done = true
	return tx.batch.Close()
}

// kv plumbing; get returns nil for an absent key

func (tx *Tx) get(key []byte) ([]byte, error) {
	if tx.done {
		return nil, strata_errors.ErrTxDone
	}
	val, closer, err := tx.batch.Get(key)
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ret := make([]byte, len(val))
	copy(ret, val)
	return ret, closer.Close()
}

func (tx *Tx) set(key, value []byte) error {
	if tx.done {
		return strata_errors.ErrTxDone
	}
	return tx.batch.Set(key, value, nil)
}

func (tx *Tx) del(key []byte) error {
	if tx.done {
		return strata_errors.ErrTxDone
	}
	return tx.batch.Delete(key, nil)
}

func (tx *Tx) merge(key, value []byte) error {
	if tx.done {
		return strata_errors.ErrTxDone
	}
	return tx.batch.Merge(key, value, nil)
}

func (tx *Tx) newIter(lo, hi []byte) (*pebble.Iterator, error) {
	if tx.done {
		return nil, strata_errors.ErrTxDone
	}
	return tx.batch.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
}

// object header: type storage id (2 bytes) and schema version (4)

func headerValue(tid uint16, ver int) []byte {
	ret := make([]byte, 6)
	binary.BigEndian.PutUint16(ret[0:2], tid)
	binary.BigEndian.PutUint32(ret[2:6], uint32(ver))
	return ret
}

func parseHeader(val []byte) (tid uint16, ver int, ok bool) {
	if len(val) != 6 {
		return 0, 0, false
	}
	return binary.BigEndian.Uint16(val[0:2]), int(binary.BigEndian.Uint32(val[2:6])), true
}

// header reads the raw stored type and version of an object, without
// migrating it.
func (tx *Tx) header(oid schema.ObjId) (tid uint16, ver int, err error) {
	val, err := tx.get(headerKey(oid))
	if err != nil {
		return 0, 0, err
	}
	if val == nil {
		return 0, 0, errors.Wrapf(strata_errors.ErrDeletedObject, "object %s", oid.String())
	}
	tid, ver, ok := parseHeader(val)
	if !ok {
		return 0, 0, errors.Wrapf(strata_errors.ErrBadValue, "corrupt header of %s", oid.String())
	}
	return tid, ver, nil
}

// typeOf migrates the object to the transaction's schema version if
// needed and returns its type definition there.
func (tx *Tx) typeOf(oid schema.ObjId) (*schema.TypeDef, error) {
	if err := tx.ensureMigrated(oid); err != nil {
		return nil, err
	}
	tdef := tx.sch.TypeByStorageId(oid.Type())
	if tdef == nil {
		return nil, errors.Wrapf(strata_errors.ErrTypeUnknown, "type #%x of %s", oid.Type(), oid.String())
	}
	return tdef, nil
}

func (tx *Tx) field(oid schema.ObjId, name string) (*schema.TypeDef, *schema.Field, error) {
	tdef, err := tx.typeOf(oid)
	if err != nil {
		return nil, nil, err
	}
	f := tdef.Field(name)
	if f == nil {
		return nil, nil, errors.Wrapf(strata_errors.ErrFieldUnknown, "%s.%s", tdef.Name, name)
	}
	return tdef, f, nil
}

// GetField reads a simple field; an unset field reads as the zero
// value of its encoding.
func (tx *Tx) GetField(oid schema.ObjId, name string) (any, error) {
	_, f, err := tx.field(oid, name)
	if err != nil {
		return nil, err
	}
	if f.Kind != schema.KindSimple {
		return nil, errors.Wrapf(strata_errors.ErrWrongKind, "%s is a %s field", name, f.Kind.String())
	}
	return tx.readSimple(oid, f)
}

func (tx *Tx) readSimple(oid schema.ObjId, f *schema.Field) (any, error) {
	val, err := tx.get(OKey(oid, f.StorageId))
	if err != nil {
		return nil, err
	}
	if val == nil {
		return schema.ZeroValue(f.Elem), nil
	}
	return schema.ValueFromTLV(f.Elem, val)
}

// SetField writes a simple field, maintaining its value index and, for
// reference fields, the reverse reference index.
func (tx *Tx) SetField(oid schema.ObjId, name string, v any) error {
	tdef, f, err := tx.field(oid, name)
	if err != nil {
		return err
	}
	if f.Kind != schema.KindSimple {
		return errors.Wrapf(strata_errors.ErrWrongKind, "%s is a %s field", name, f.Kind.String())
	}
	v, err = schema.Coerce(f.Elem, v)
	if err != nil {
		return errors.Wrapf(err, "%s.%s", tdef.Name, name)
	}
	if f.IsRef() {
		if err = tx.checkRefTarget(f, v.(schema.ObjId)); err != nil {
			return err
		}
	}
	return tx.writeSimple(oid, tdef, f, v)
}

// writeSimple stores a coerced simple value, maintaining the value
// index and the reverse reference index.
func (tx *Tx) writeSimple(oid schema.ObjId, tdef *schema.TypeDef, f *schema.Field, v any) error {
	old, err := tx.readSimple(oid, f)
	if err != nil {
		return err
	}
	if f.Indexed {
		if err = tx.retractIndex(oid, f, old); err != nil {
			return err
		}
		if err = tx.insertIndex(oid, f, v); err != nil {
			return err
		}
	}
	if f.IsRef() {
		if err = tx.adjustRef(f.StorageId, old.(schema.ObjId), oid, -1); err != nil {
			return err
		}
		if err = tx.adjustRef(f.StorageId, v.(schema.ObjId), oid, +1); err != nil {
			return err
		}
	}
	tlv, err := schema.ValueTLV(f.Elem, v)
	if err != nil {
		return err
	}
	if err = tx.set(OKey(oid, f.StorageId), tlv); err != nil {
		return err
	}
	tx.dirty[oid] = struct{}{}
	return tx.notify(Change{Kind: ChangeSet, Object: oid, Type: tdef, Field: f, Old: old, New: v})
}

// checkRefTarget verifies a reference points at a live object of an
// allowed type. Nil references are always allowed.
func (tx *Tx) checkRefTarget(f *schema.Field, target schema.ObjId) error {
	if target == schema.ObjIdNil {
		return nil
	}
	tid, _, err := tx.header(target)
	if err != nil {
		return err
	}
	for _, t := range tx.sch.ResolveTarget(f.Target) {
		if t.StorageId == tid {
			return nil
		}
	}
	return errors.Wrapf(strata_errors.ErrBadValue,
		"%s does not satisfy reference target %q", target.String(), f.Target)
}

// adjustRef bumps the reverse reference index count; delta -1 entries
// that reach zero are removed eagerly on the read path, not here.
func (tx *Tx) adjustRef(fid uint32, target, referrer schema.ObjId, delta int64) error {
	if target == schema.ObjIdNil {
		return nil
	}
	return tx.merge(refKey(fid, target, referrer), cellBytes(delta))
}
