package strata

import (
	"github.com/cockroachdb/pebble/vfs"
	"github.com/pkg/errors"

	"github.com/stratadb/strata/schema"
	"github.com/stratadb/strata/strata_errors"
)

// OpenInMemory opens a store on an in-memory filesystem: a detached
// scratch store for staging edits, then copied back, or a throwaway
// store in tests.
func OpenInMemory(opts Options) (*Store, error) {
	opts.Options.FS = vfs.NewMem()
	return Open("strata-mem", opts)
}

// CopyTo copies the object, plus everything reachable from it along
// the given path expressions, into the destination transaction's
// store. Object ids are preserved; an existing destination object of
// the same id is replaced. Both transactions must run the same schema
// layout.
func (tx *Tx) CopyTo(dst *Tx, oid schema.ObjId, paths ...string) error {
	if dst.sch.Id() != tx.sch.Id() {
		return errors.Wrap(strata_errors.ErrSchemaConflict, "destination runs a different schema layout")
	}
	if err := tx.copyObject(dst, oid); err != nil {
		return err
	}
	for _, expr := range paths {
		reached, err := tx.Follow(oid, expr)
		if err != nil {
			return err
		}
		for _, r := range reached {
			if err = tx.copyObject(dst, r); err != nil {
				return err
			}
		}
	}
	return nil
}

// CopyAll copies every live object of a type or trait.
func (tx *Tx) CopyAll(dst *Tx, typeName string) error {
	if dst.sch.Id() != tx.sch.Id() {
		return errors.Wrap(strata_errors.ErrSchemaConflict, "destination runs a different schema layout")
	}
	return tx.EachObject(typeName, func(oid schema.ObjId) (bool, error) {
		return true, tx.copyObject(dst, oid)
	})
}

func (tx *Tx) copyObject(dst *Tx, oid schema.ObjId) error {
	if err := tx.ensureMigrated(oid); err != nil {
		return err
	}
	tdef := tx.sch.TypeByStorageId(oid.Type())
	if tdef == nil {
		return errors.Wrapf(strata_errors.ErrTypeUnknown, "type #%x of %s", oid.Type(), oid.String())
	}
	// replace, not merge: the destination copy goes away first
	if live, err := dst.Exists(oid); err != nil {
		return err
	} else if live {
		if err = dst.ensureMigrated(oid); err != nil {
			return err
		}
		if err = dst.retractObjectIndexes(oid, tdef); err != nil {
			return err
		}
		if err = dst.adjustOutgoingRefs(oid, tdef, -1); err != nil {
			return err
		}
		lo, hi := objectKeyRange(oid)
		if err = dst.delRange(lo, hi); err != nil {
			return err
		}
	}

	lo, hi := objectKeyRange(oid)
	it, err := tx.newIter(lo, hi)
	if err != nil {
		return err
	}
	for valid := it.First(); valid; valid = it.Next() {
		key := make([]byte, len(it.Key()))
		copy(key, it.Key())
		val := make([]byte, len(it.Value()))
		copy(val, it.Value())
		if err = dst.set(key, val); err != nil {
			_ = it.Close()
			return err
		}
	}
	if err = it.Close(); err != nil {
		return err
	}

	// version numbers are per-registry registration order; the copied
	// header must carry the destination's number for this layout
	if err = dst.set(headerKey(oid), headerValue(tdef.StorageId, dst.sch.Version())); err != nil {
		return err
	}
	if err = dst.set(typeKey(tdef.StorageId, oid), nil); err != nil {
		return err
	}
	if err = dst.set(versionKey(dst.sch.Version(), oid), nil); err != nil {
		return err
	}
	if err = dst.rebuildObjectIndexes(oid, tdef); err != nil {
		return err
	}
	if err = dst.adjustOutgoingRefs(oid, tdef, +1); err != nil {
		return err
	}
	// keep the destination's allocator ahead of copied-in ids
	seq := oid.Seq()
	for {
		cur := dst.store.alloc.Load()
		if cur >= seq || dst.store.alloc.CompareAndSwap(cur, seq) {
			break
		}
	}
	if err = dst.merge(allocKey(), cellBytes(int64(seq))); err != nil {
		return err
	}
	dst.dirty[oid] = struct{}{}
	return dst.notify(Change{Kind: ChangeCreate, Object: oid, Type: tdef})
}
