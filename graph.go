package strata

import (
	"github.com/stratadb/strata/refpath"
	"github.com/stratadb/strata/schema"
)

// Tx is the object graph a reference path walks: forward hops read the
// object's own reference rows, inverse hops and reverse walks read the
// reference index.

var _ refpath.Graph = (*Tx)(nil)

// ForwardRefs returns the referents of one reference field of one
// object, null references omitted.
func (tx *Tx) ForwardRefs(oid schema.ObjId, f *schema.Field, sub refpath.SubKind) ([]schema.ObjId, error) {
	if err := tx.ensureMigrated(oid); err != nil {
		return nil, err
	}
	if f.Kind == schema.KindSimple {
		v, err := tx.readSimple(oid, f)
		if err != nil {
			return nil, err
		}
		if ref := v.(schema.ObjId); ref != schema.ObjIdNil {
			return []schema.ObjId{ref}, nil
		}
		return nil, nil
	}
	var ret []schema.ObjId
	keep := func(v any) {
		if ref, ok := v.(schema.ObjId); ok && ref != schema.ObjIdNil {
			ret = append(ret, ref)
		}
	}
	err := tx.eachCollectionRow(oid, f, func(_ byte, rowKey, rowVal []byte) error {
		if f.Kind == schema.KindMap {
			k, v, err := mapEntryValue(f, rowKey, rowVal)
			if err != nil {
				return err
			}
			if sub == refpath.SubKey {
				keep(k)
			} else {
				keep(v)
			}
			return nil
		}
		v, err := schema.ValueFromTLV(f.Elem, rowVal)
		if err != nil {
			return err
		}
		keep(v)
		return nil
	})
	return ret, err
}

// Referrers returns the live objects referencing target through the
// field with the given storage id, ascending by id.
func (tx *Tx) Referrers(fieldStorageId uint32, target schema.ObjId) ([]schema.ObjId, error) {
	return tx.inboundRefs(fieldStorageId, target)
}

// ParsePath compiles a path expression against the transaction's
// schema; compiled paths are cached per schema on the store.
func (tx *Tx) ParsePath(startType, expr string) (*refpath.Path, error) {
	return tx.store.parsePath(tx.sch, startType, expr)
}

// Follow evaluates a path expression forward from one object; the
// start type is the object's own type.
func (tx *Tx) Follow(oid schema.ObjId, expr string) ([]schema.ObjId, error) {
	tdef, err := tx.typeOf(oid)
	if err != nil {
		return nil, err
	}
	p, err := tx.ParsePath(tdef.Name, expr)
	if err != nil {
		return nil, err
	}
	return p.Eval(tx, []schema.ObjId{oid})
}

// FollowOne evaluates a singular path from one object; ok is false
// when a null reference breaks the chain.
func (tx *Tx) FollowOne(oid schema.ObjId, expr string) (schema.ObjId, bool, error) {
	tdef, err := tx.typeOf(oid)
	if err != nil {
		return schema.ObjIdNil, false, err
	}
	p, err := tx.ParsePath(tdef.Name, expr)
	if err != nil {
		return schema.ObjIdNil, false, err
	}
	return p.EvalOne(tx, oid)
}

// InvertPath returns the startType objects whose path evaluation hits
// any of the targets, without scanning all startType objects.
func (tx *Tx) InvertPath(startType, expr string, targets []schema.ObjId) ([]schema.ObjId, error) {
	p, err := tx.ParsePath(startType, expr)
	if err != nil {
		return nil, err
	}
	return p.Invert(tx, targets)
}
