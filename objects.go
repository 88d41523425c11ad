package strata

import (
	"github.com/pkg/errors"

	"github.com/stratadb/strata/schema"
	"github.com/stratadb/strata/strata_errors"
)

// Create allocates a fresh object of the named type under the
// transaction's schema version. Indexed simple fields immediately get
// index entries for their zero values, so a created object is visible
// to index queries before any write.
func (tx *Tx) Create(typeName string) (schema.ObjId, error) {
	tdef := tx.sch.Type(typeName)
	if tdef == nil {
		return schema.BadOid, errors.Wrapf(strata_errors.ErrTypeUnknown, "%q", typeName)
	}
	seq := tx.store.alloc.Add(1)
	oid := schema.MakeObjId(tdef.StorageId, seq)
	if err := tx.merge(allocKey(), cellBytes(int64(seq))); err != nil {
		return schema.BadOid, err
	}
	ver := tx.sch.Version()
	if err := tx.set(headerKey(oid), headerValue(tdef.StorageId, ver)); err != nil {
		return schema.BadOid, err
	}
	if err := tx.set(typeKey(tdef.StorageId, oid), nil); err != nil {
		return schema.BadOid, err
	}
	if err := tx.set(versionKey(ver, oid), nil); err != nil {
		return schema.BadOid, err
	}
	for i := range tdef.Fields {
		f := &tdef.Fields[i]
		if f.Kind == schema.KindSimple && f.Indexed {
			if err := tx.insertIndex(oid, f, schema.ZeroValue(f.Elem)); err != nil {
				return schema.BadOid, err
			}
		}
	}
	tx.dirty[oid] = struct{}{}
	if err := tx.notify(Change{Kind: ChangeCreate, Object: oid, Type: tdef}); err != nil {
		return schema.BadOid, err
	}
	if hooks, ok := tx.store.createHooks.Load(tdef.Name); ok {
		for _, h := range hooks {
			if err := h(tx, oid); err != nil {
				return schema.BadOid, err
			}
		}
	}
	return oid, nil
}

// Exists reports whether the object is live, without migrating it.
func (tx *Tx) Exists(oid schema.ObjId) (bool, error) {
	val, err := tx.get(headerKey(oid))
	return val != nil, err
}

// TypeOf returns the object's type under the transaction's schema,
// migrating the object first if it is behind.
func (tx *Tx) TypeOf(oid schema.ObjId) (*schema.TypeDef, error) {
	return tx.typeOf(oid)
}

// EachObject walks the live objects of the named type (or of every
// type carrying the named trait), ascending by id within each type.
func (tx *Tx) EachObject(typeName string, fn func(oid schema.ObjId) (bool, error)) error {
	declared := tx.sch.ResolveTarget(typeName)
	if len(declared) == 0 {
		return errors.Wrapf(strata_errors.ErrTypeUnknown, "%q", typeName)
	}
	for _, tdef := range declared {
		lo, hi := typeKeyRange(tdef.StorageId)
		it, err := tx.newIter(lo, hi)
		if err != nil {
			return err
		}
		for valid := it.First(); valid; valid = it.Next() {
			oid := typeKeyId(it.Key())
			if oid == schema.BadOid {
				continue
			}
			more, err := fn(oid)
			if err != nil || !more {
				_ = it.Close()
				return err
			}
		}
		if err = it.Close(); err != nil {
			return err
		}
	}
	return nil
}

// GetAll collects the live objects of a type or trait.
func (tx *Tx) GetAll(typeName string) (ret []schema.ObjId, err error) {
	err = tx.EachObject(typeName, func(oid schema.ObjId) (bool, error) {
		ret = append(ret, oid)
		return true, nil
	})
	return
}

// inboundRef is one discovered reference into the deletion set.
type inboundRef struct {
	referrer schema.ObjId
	field    *schema.Field
	target   schema.ObjId
}

// Delete removes an object. References into the deleted set decide
// the outcome per their on-delete action: a blocking reference from a
// survivor fails the whole deletion with ReferencedObjectError,
// cascading references enlarge the set, unreferencing ones are cut.
// Deleting an already-deleted object reports false.
func (tx *Tx) Delete(oid schema.ObjId) (bool, error) {
	if live, err := tx.Exists(oid); err != nil || !live {
		return false, err
	}
	if err := tx.ensureMigrated(oid); err != nil {
		return false, err
	}
	refSids := tx.refFieldSids()

	doomed := map[schema.ObjId]struct{}{oid: {}}
	queue := []schema.ObjId{oid}
	var inbound []inboundRef
	for len(queue) > 0 {
		obj := queue[0]
		queue = queue[1:]
		for sid := range refSids {
			refs, err := tx.inboundRefs(sid, obj)
			if err != nil {
				return false, err
			}
			for _, referrer := range refs {
				rdef, err := tx.typeOf(referrer)
				if err != nil {
					return false, err
				}
				f := rdef.FieldByStorageId(sid)
				if f == nil {
					continue
				}
				if f.OnDelete == schema.DeleteCascade {
					if _, dead := doomed[referrer]; !dead {
						doomed[referrer] = struct{}{}
						queue = append(queue, referrer)
					}
					continue
				}
				inbound = append(inbound, inboundRef{referrer: referrer, field: f, target: obj})
			}
		}
	}

	// pass 1: a blocking reference from any survivor wins
	for _, in := range inbound {
		if _, dead := doomed[in.referrer]; dead {
			continue
		}
		if in.field.OnDelete == schema.DeleteBlock {
			return false, &strata_errors.ReferencedObjectError{
				Id:       in.target.String(),
				Referrer: in.referrer.String(),
				Field:    in.field.Name,
			}
		}
	}

	// pass 2: notify, cut surviving references, purge
	for obj := range doomed {
		if err := tx.fireDeleteWatches(obj); err != nil {
			return false, err
		}
	}
	for obj := range doomed {
		tdef := tx.sch.TypeByStorageId(obj.Type())
		if tdef == nil {
			continue
		}
		if hooks, ok := tx.store.deleteHooks.Load(tdef.Name); ok {
			for _, h := range hooks {
				if err := h(tx, obj); err != nil {
					return false, err
				}
			}
		}
	}
	for _, in := range inbound {
		if _, dead := doomed[in.referrer]; dead {
			continue
		}
		if err := tx.cutReference(in); err != nil {
			return false, err
		}
	}
	for obj := range doomed {
		if err := tx.purgeObject(obj, refSids); err != nil {
			return false, err
		}
	}
	return true, nil
}

// refFieldSids collects the storage ids that any type of the schema
// declares as a reference-bearing field.
func (tx *Tx) refFieldSids() map[uint32]struct{} {
	ret := make(map[uint32]struct{})
	for _, tdef := range tx.sch.Types() {
		for i := range tdef.Fields {
			if tdef.Fields[i].IsRef() {
				ret[tdef.Fields[i].StorageId] = struct{}{}
			}
		}
	}
	return ret
}

// inboundRefs lists the live referrers of target through one field,
// straight off the reverse reference index.
func (tx *Tx) inboundRefs(sid uint32, target schema.ObjId) ([]schema.ObjId, error) {
	lo, hi := refKeyRange(sid, target)
	it, err := tx.newIter(lo, hi)
	if err != nil {
		return nil, err
	}
	defer it.Close()
	var ret []schema.ObjId
	for valid := it.First(); valid; valid = it.Next() {
		if cellInt64(it.Value()) <= 0 {
			continue
		}
		referrer := refKeyReferrer(it.Key())
		if referrer != schema.BadOid {
			ret = append(ret, referrer)
		}
	}
	return ret, nil
}

// fireDeleteWatches runs the path-registered deletion hooks: each
// registered path ending at the deleted object's type is walked
// backwards to find the watchers.
func (tx *Tx) fireDeleteWatches(deleted schema.ObjId) error {
	watches, ok := tx.store.deleteWatches.Load(deleted.Type())
	if !ok {
		return nil
	}
	for _, w := range watches {
		watchers, err := w.path.Invert(tx, []schema.ObjId{deleted})
		if err != nil {
			return err
		}
		for _, watcher := range watchers {
			if err = w.hook(tx, watcher, deleted); err != nil {
				return err
			}
		}
	}
	return nil
}

// cutReference severs one surviving reference into the deletion set.
func (tx *Tx) cutReference(in inboundRef) error {
	rdef, err := tx.typeOf(in.referrer)
	if err != nil {
		return err
	}
	f := in.field
	switch f.Kind {
	case schema.KindSimple:
		cur, err := tx.readSimple(in.referrer, f)
		if err != nil {
			return err
		}
		if cur == in.target {
			return tx.writeSimple(in.referrer, rdef, f, schema.ObjIdNil)
		}
		return nil
	case schema.KindSet:
		s := &SetRef{tx: tx, oid: in.referrer, f: f, tdef: rdef}
		_, err = s.Remove(in.target)
		return err
	case schema.KindList:
		l := &ListRef{tx: tx, oid: in.referrer, f: f, tdef: rdef}
		_, vals, err := l.positions()
		if err != nil {
			return err
		}
		for i := len(vals) - 1; i >= 0; i-- {
			if vals[i] == any(in.target) {
				if _, err = l.RemoveAt(i); err != nil {
					return err
				}
			}
		}
		return nil
	case schema.KindMap:
		m := &MapRef{tx: tx, oid: in.referrer, f: f, tdef: rdef}
		if f.Key == schema.EncRef {
			if _, err = m.Delete(in.target); err != nil {
				return err
			}
		}
		if f.Elem == schema.EncRef {
			var doomedKeys []any
			err = m.Entries(func(k, v any) (bool, error) {
				if v == any(in.target) {
					doomedKeys = append(doomedKeys, k)
				}
				return true, nil
			})
			if err != nil {
				return err
			}
			for _, k := range doomedKeys {
				if _, err = m.Delete(k); err != nil {
					return err
				}
			}
		}
		return nil
	}
	return nil
}

// purgeObject removes every row and bookkeeping entry of one object.
// Outgoing reference counts are decremented first so surviving
// referents keep an accurate reverse index.
func (tx *Tx) purgeObject(oid schema.ObjId, refSids map[uint32]struct{}) error {
	tdef := tx.sch.TypeByStorageId(oid.Type())
	if tdef == nil {
		return errors.Wrapf(strata_errors.ErrTypeUnknown, "type #%x of %s", oid.Type(), oid.String())
	}
	_, ver, err := tx.header(oid)
	if err != nil {
		return err
	}
	if err = tx.retractObjectIndexes(oid, tdef); err != nil {
		return err
	}
	if err = tx.adjustOutgoingRefs(oid, tdef, -1); err != nil {
		return err
	}
	lo, hi := objectKeyRange(oid)
	if err = tx.delRange(lo, hi); err != nil {
		return err
	}
	if err = tx.del(typeKey(tdef.StorageId, oid)); err != nil {
		return err
	}
	if err = tx.del(versionKey(ver, oid)); err != nil {
		return err
	}
	// stale inbound entries; the live ones were cut above
	for sid := range refSids {
		rlo, rhi := refKeyRange(sid, oid)
		if err = tx.delRange(rlo, rhi); err != nil {
			return err
		}
	}
	delete(tx.dirty, oid)
	return tx.notify(Change{Kind: ChangeDelete, Object: oid, Type: tdef})
}

func (tx *Tx) adjustOutgoingRefs(oid schema.ObjId, tdef *schema.TypeDef, delta int64) error {
	for i := range tdef.Fields {
		f := &tdef.Fields[i]
		if !f.IsRef() {
			continue
		}
		switch f.Kind {
		case schema.KindSimple:
			v, err := tx.readSimple(oid, f)
			if err != nil {
				return err
			}
			if err = tx.adjustRef(f.StorageId, v.(schema.ObjId), oid, delta); err != nil {
				return err
			}
		default:
			err := tx.eachCollectionRow(oid, f, func(sub byte, rowKey, rowVal []byte) error {
				if f.Kind == schema.KindMap {
					k, v, err := mapEntryValue(f, rowKey, rowVal)
					if err != nil {
						return err
					}
					if f.Key == schema.EncRef {
						if err = tx.adjustRef(f.StorageId, k.(schema.ObjId), oid, delta); err != nil {
							return err
						}
					}
					if f.Elem == schema.EncRef {
						return tx.adjustRef(f.StorageId, v.(schema.ObjId), oid, delta)
					}
					return nil
				}
				if f.Elem != schema.EncRef {
					return nil
				}
				v, err := schema.ValueFromTLV(f.Elem, rowVal)
				if err != nil {
					return err
				}
				return tx.adjustRef(f.StorageId, v.(schema.ObjId), oid, delta)
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (tx *Tx) delRange(lo, hi []byte) error {
	if tx.done {
		return strata_errors.ErrTxDone
	}
	return tx.batch.DeleteRange(lo, hi, nil)
}
