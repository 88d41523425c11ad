package strata

import (
	"encoding/binary"

	"github.com/learn-decentralized-systems/toytlv"

	"github.com/stratadb/strata/schema"
	"github.com/stratadb/strata/strata_errors"
)

type ChangeKind byte

const (
	ChangeCreate ChangeKind = 'C'
	ChangeDelete ChangeKind = 'D'
	// ChangeSet is a simple field write; Old and New carry the values.
	ChangeSet ChangeKind = 'W'
	// ChangeAdd and ChangeRemove are collection element changes.
	ChangeAdd    ChangeKind = 'A'
	ChangeRemove ChangeKind = 'R'
	// ChangePut is a map entry write; Old is nil for a fresh key.
	ChangePut ChangeKind = 'P'
)

// Change describes one mutation, delivered to in-transaction hooks
// with values attached and to feeds as a compact record after commit.
// Counter adjustments are merge operations and produce no changes.
type Change struct {
	Kind   ChangeKind
	Object schema.ObjId
	Type   *schema.TypeDef
	// Field is nil for object creation and deletion.
	Field *schema.Field
	Old   any
	New   any
}

// ChangeHook observes one field of one type, synchronously, inside the
// writing transaction.
type ChangeHook func(tx *Tx, ch Change) error

// OnChange registers a hook on writes to typeName.fieldName.
func (store *Store) OnChange(typeName, fieldName string, hook ChangeHook) {
	appendHook(store.changeHooks, typeName+"."+fieldName, hook)
}

func (tx *Tx) notify(ch Change) error {
	if ch.Field != nil {
		if hooks, ok := tx.store.changeHooks.Load(ch.Type.Name + "." + ch.Field.Name); ok {
			for _, h := range hooks {
				if err := h(tx, ch); err != nil {
					return err
				}
			}
		}
	}
	tx.changes = append(tx.changes, changeTLV(ch))
	return nil
}

// changeTLV is the feed form of a change: kind, object, field storage
// id (zero for create/delete). Values stay out of the feed; a consumer
// reads what it needs in its own transaction.
func changeTLV(ch Change) []byte {
	var fid [4]byte
	if ch.Field != nil {
		binary.BigEndian.PutUint32(fid[:], ch.Field.StorageId)
	}
	return toytlv.Record('C',
		toytlv.Record('K', []byte{byte(ch.Kind)}),
		toytlv.Record('O', ch.Object.Bytes()),
		toytlv.Record('F', fid[:]),
	)
}

// FeedChange is the decoded form of one feed record.
type FeedChange struct {
	Kind    ChangeKind
	Object  schema.ObjId
	FieldId uint32
}

// ParseChangeTLV decodes a record drained from a change feed.
func ParseChangeTLV(rec []byte) (ch FeedChange, err error) {
	body, _ := toytlv.Take('C', rec)
	if body == nil {
		return ch, strata_errors.ErrBadValue
	}
	kind, rest := toytlv.Take('K', body)
	if len(kind) != 1 {
		return ch, strata_errors.ErrBadValue
	}
	oid, rest := toytlv.Take('O', rest)
	if len(oid) != 8 {
		return ch, strata_errors.ErrBadValue
	}
	fid, _ := toytlv.Take('F', rest)
	if len(fid) != 4 {
		return ch, strata_errors.ErrBadValue
	}
	ch.Kind = ChangeKind(kind[0])
	ch.Object = schema.ObjIdFromBytes(oid)
	ch.FieldId = binary.BigEndian.Uint32(fid)
	return ch, nil
}
