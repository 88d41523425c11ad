package strata

import (
	"encoding/binary"

	"github.com/learn-decentralized-systems/toytlv"
	"github.com/pkg/errors"

	"github.com/stratadb/strata/schema"
	"github.com/stratadb/strata/strata_errors"
)

// Collection fields live in per-element rows under the field key, one
// row per element/entry, so a large collection never loads whole.
// Every mutation rewrites the matching index entries and reference
// counts in the same batch.

// SetRef is a handle on one set field of one object.
type SetRef struct {
	tx   *Tx
	oid  schema.ObjId
	f    *schema.Field
	tdef *schema.TypeDef
}

func (tx *Tx) SetOf(oid schema.ObjId, name string) (*SetRef, error) {
	tdef, f, err := tx.collectionField(oid, name, schema.KindSet)
	if err != nil {
		return nil, err
	}
	return &SetRef{tx: tx, oid: oid, f: f, tdef: tdef}, nil
}

func (tx *Tx) collectionField(oid schema.ObjId, name string, kind schema.Kind) (*schema.TypeDef, *schema.Field, error) {
	tdef, f, err := tx.field(oid, name)
	if err != nil {
		return nil, nil, err
	}
	if f.Kind != kind {
		return nil, nil, errors.Wrapf(strata_errors.ErrWrongKind,
			"%s.%s is a %s field", tdef.Name, name, f.Kind.String())
	}
	return tdef, f, nil
}

// Add puts the element in; false means it was already there.
func (s *SetRef) Add(v any) (bool, error) {
	v, err := schema.Coerce(s.f.Elem, v)
	if err != nil {
		return false, err
	}
	if s.f.Elem == schema.EncRef {
		if err = s.tx.checkRefTarget(s.f, v.(schema.ObjId)); err != nil {
			return false, err
		}
	}
	elemKey, err := schema.IndexKey(s.f.Elem, v)
	if err != nil {
		return false, err
	}
	row := setElemKey(s.oid, s.f.StorageId, elemKey)
	if old, err := s.tx.get(row); err != nil {
		return false, err
	} else if old != nil {
		return false, nil
	}
	tlv, err := schema.ValueTLV(s.f.Elem, v)
	if err != nil {
		return false, err
	}
	if err = s.tx.set(row, tlv); err != nil {
		return false, err
	}
	if s.f.Indexed {
		if err = s.tx.insertIndexRaw(s.oid, s.f, elemKey, nil); err != nil {
			return false, err
		}
	}
	if s.f.Elem == schema.EncRef {
		if err = s.tx.adjustRef(s.f.StorageId, v.(schema.ObjId), s.oid, +1); err != nil {
			return false, err
		}
	}
	s.tx.dirty[s.oid] = struct{}{}
	return true, s.tx.notify(Change{Kind: ChangeAdd, Object: s.oid, Type: s.tdef, Field: s.f, New: v})
}

// Remove takes the element out; false means it was not there.
func (s *SetRef) Remove(v any) (bool, error) {
	v, err := schema.Coerce(s.f.Elem, v)
	if err != nil {
		return false, err
	}
	elemKey, err := schema.IndexKey(s.f.Elem, v)
	if err != nil {
		return false, err
	}
	row := setElemKey(s.oid, s.f.StorageId, elemKey)
	if old, err := s.tx.get(row); err != nil {
		return false, err
	} else if old == nil {
		return false, nil
	}
	if err = s.tx.del(row); err != nil {
		return false, err
	}
	if s.f.Indexed {
		if err = s.tx.retractIndexRaw(s.oid, s.f, elemKey, nil); err != nil {
			return false, err
		}
	}
	if s.f.Elem == schema.EncRef {
		if err = s.tx.adjustRef(s.f.StorageId, v.(schema.ObjId), s.oid, -1); err != nil {
			return false, err
		}
	}
	s.tx.dirty[s.oid] = struct{}{}
	return true, s.tx.notify(Change{Kind: ChangeRemove, Object: s.oid, Type: s.tdef, Field: s.f, Old: v})
}

func (s *SetRef) Has(v any) (bool, error) {
	v, err := schema.Coerce(s.f.Elem, v)
	if err != nil {
		return false, err
	}
	elemKey, err := schema.IndexKey(s.f.Elem, v)
	if err != nil {
		return false, err
	}
	row, err := s.tx.get(setElemKey(s.oid, s.f.StorageId, elemKey))
	return row != nil, err
}

// Elements returns the set in element order (the order-preserving key
// order of the encoding).
func (s *SetRef) Elements() (ret []any, err error) {
	err = s.tx.eachCollectionRow(s.oid, s.f, func(sub byte, rowKey, rowVal []byte) error {
		v, err := schema.ValueFromTLV(s.f.Elem, rowVal)
		if err != nil {
			return err
		}
		ret = append(ret, v)
		return nil
	})
	return
}

func (s *SetRef) Len() (n int, err error) {
	err = s.tx.eachCollectionRow(s.oid, s.f, func(byte, []byte, []byte) error {
		n++
		return nil
	})
	return
}

func (s *SetRef) Clear() error {
	elems, err := s.Elements()
	if err != nil {
		return err
	}
	for _, v := range elems {
		if _, err = s.Remove(v); err != nil {
			return err
		}
	}
	return nil
}

// Lists key elements by sparse uint64 positions; appends and inserts
// pick midpoints, and a full gap triggers an even renumbering of the
// whole list.
const listPosGap = 1 << 32

// ListRef is a handle on one list field of one object.
type ListRef struct {
	tx   *Tx
	oid  schema.ObjId
	f    *schema.Field
	tdef *schema.TypeDef
}

func (tx *Tx) ListOf(oid schema.ObjId, name string) (*ListRef, error) {
	tdef, f, err := tx.collectionField(oid, name, schema.KindList)
	if err != nil {
		return nil, err
	}
	return &ListRef{tx: tx, oid: oid, f: f, tdef: tdef}, nil
}

func (l *ListRef) positions() (pos []uint64, vals []any, err error) {
	err = l.tx.eachCollectionRow(l.oid, l.f, func(sub byte, rowKey, rowVal []byte) error {
		if len(rowKey) != 8 {
			return errors.Wrap(strata_errors.ErrBadValue, "corrupt list row")
		}
		v, err := schema.ValueFromTLV(l.f.Elem, rowVal)
		if err != nil {
			return err
		}
		pos = append(pos, binary.BigEndian.Uint64(rowKey))
		vals = append(vals, v)
		return nil
	})
	return
}

func (l *ListRef) Len() (int, error) {
	pos, _, err := l.positions()
	return len(pos), err
}

func (l *ListRef) All() ([]any, error) {
	_, vals, err := l.positions()
	return vals, err
}

func (l *ListRef) Get(i int) (any, error) {
	_, vals, err := l.positions()
	if err != nil {
		return nil, err
	}
	if i < 0 || i >= len(vals) {
		return nil, errors.Wrapf(strata_errors.ErrBadValue, "list index %d of %d", i, len(vals))
	}
	return vals[i], nil
}

func (l *ListRef) Append(v any) error {
	pos, _, err := l.positions()
	if err != nil {
		return err
	}
	at := uint64(listPosGap)
	if len(pos) > 0 {
		last := pos[len(pos)-1]
		if last > ^uint64(0)-listPosGap {
			if pos, err = l.renumber(); err != nil {
				return err
			}
			last = pos[len(pos)-1]
		}
		at = last + listPosGap
	}
	return l.writeElem(at, v)
}

func (l *ListRef) Insert(i int, v any) error {
	pos, _, err := l.positions()
	if err != nil {
		return err
	}
	if i < 0 || i > len(pos) {
		return errors.Wrapf(strata_errors.ErrBadValue, "list index %d of %d", i, len(pos))
	}
	if i == len(pos) {
		return l.Append(v)
	}
	var lo uint64
	if i > 0 {
		lo = pos[i-1]
	}
	hi := pos[i]
	if hi-lo < 2 {
		if pos, err = l.renumber(); err != nil {
			return err
		}
		if i > 0 {
			lo = pos[i-1]
		} else {
			lo = 0
		}
		hi = pos[i]
	}
	return l.writeElem(lo+(hi-lo)/2, v)
}

func (l *ListRef) RemoveAt(i int) (any, error) {
	pos, vals, err := l.positions()
	if err != nil {
		return nil, err
	}
	if i < 0 || i >= len(pos) {
		return nil, errors.Wrapf(strata_errors.ErrBadValue, "list index %d of %d", i, len(pos))
	}
	if err = l.deleteElem(pos[i], vals[i]); err != nil {
		return nil, err
	}
	l.tx.dirty[l.oid] = struct{}{}
	return vals[i], l.tx.notify(Change{Kind: ChangeRemove, Object: l.oid, Type: l.tdef, Field: l.f, Old: vals[i]})
}

func (l *ListRef) writeElem(at uint64, v any) error {
	v, err := schema.Coerce(l.f.Elem, v)
	if err != nil {
		return err
	}
	if l.f.Elem == schema.EncRef {
		if err = l.tx.checkRefTarget(l.f, v.(schema.ObjId)); err != nil {
			return err
		}
	}
	tlv, err := schema.ValueTLV(l.f.Elem, v)
	if err != nil {
		return err
	}
	if err = l.tx.set(listElemKey(l.oid, l.f.StorageId, at), tlv); err != nil {
		return err
	}
	if l.f.Indexed {
		vk, err := schema.IndexKey(l.f.Elem, v)
		if err != nil {
			return err
		}
		var tail [8]byte
		binary.BigEndian.PutUint64(tail[:], at)
		if err = l.tx.insertIndexRaw(l.oid, l.f, vk, tail[:]); err != nil {
			return err
		}
	}
	if l.f.Elem == schema.EncRef {
		if err = l.tx.adjustRef(l.f.StorageId, v.(schema.ObjId), l.oid, +1); err != nil {
			return err
		}
	}
	l.tx.dirty[l.oid] = struct{}{}
	return l.tx.notify(Change{Kind: ChangeAdd, Object: l.oid, Type: l.tdef, Field: l.f, New: v})
}

// deleteElem removes the row and its index/ref bookkeeping, without
// notifying; callers notify with list-level context.
func (l *ListRef) deleteElem(at uint64, v any) error {
	if err := l.tx.del(listElemKey(l.oid, l.f.StorageId, at)); err != nil {
		return err
	}
	if l.f.Indexed {
		vk, err := schema.IndexKey(l.f.Elem, v)
		if err != nil {
			return err
		}
		var tail [8]byte
		binary.BigEndian.PutUint64(tail[:], at)
		if err = l.tx.retractIndexRaw(l.oid, l.f, vk, tail[:]); err != nil {
			return err
		}
	}
	if l.f.Elem == schema.EncRef {
		return l.tx.adjustRef(l.f.StorageId, v.(schema.ObjId), l.oid, -1)
	}
	return nil
}

// renumber rewrites the whole list with even gaps; ref counts are
// untouched since membership does not change.
func (l *ListRef) renumber() ([]uint64, error) {
	pos, vals, err := l.positions()
	if err != nil {
		return nil, err
	}
	for i := range pos {
		if err = l.tx.del(listElemKey(l.oid, l.f.StorageId, pos[i])); err != nil {
			return nil, err
		}
		if l.f.Indexed {
			vk, err := schema.IndexKey(l.f.Elem, vals[i])
			if err != nil {
				return nil, err
			}
			var tail [8]byte
			binary.BigEndian.PutUint64(tail[:], pos[i])
			if err = l.tx.retractIndexRaw(l.oid, l.f, vk, tail[:]); err != nil {
				return nil, err
			}
		}
	}
	ret := make([]uint64, len(pos))
	for i := range vals {
		at := uint64(i+1) * listPosGap
		ret[i] = at
		tlv, err := schema.ValueTLV(l.f.Elem, vals[i])
		if err != nil {
			return nil, err
		}
		if err = l.tx.set(listElemKey(l.oid, l.f.StorageId, at), tlv); err != nil {
			return nil, err
		}
		if l.f.Indexed {
			vk, err := schema.IndexKey(l.f.Elem, vals[i])
			if err != nil {
				return nil, err
			}
			var tail [8]byte
			binary.BigEndian.PutUint64(tail[:], at)
			if err = l.tx.insertIndexRaw(l.oid, l.f, vk, tail[:]); err != nil {
				return nil, err
			}
		}
	}
	return ret, nil
}

// MapRef is a handle on one map field of one object. An entry row
// stores the key record then the value record; the key also lives in
// the row key in its order-preserving form, so entries scan in key
// order.
type MapRef struct {
	tx   *Tx
	oid  schema.ObjId
	f    *schema.Field
	tdef *schema.TypeDef
}

func (tx *Tx) MapOf(oid schema.ObjId, name string) (*MapRef, error) {
	tdef, f, err := tx.collectionField(oid, name, schema.KindMap)
	if err != nil {
		return nil, err
	}
	return &MapRef{tx: tx, oid: oid, f: f, tdef: tdef}, nil
}

func mapEntryValue(f *schema.Field, rowKey, rowVal []byte) (k, v any, err error) {
	k, rest, err := schema.TakeValue(f.Key, rowVal)
	if err != nil {
		return nil, nil, err
	}
	v, _, err = schema.TakeValue(f.Elem, rest)
	return k, v, err
}

// Put stores an entry; the old value (or nil) is returned.
func (m *MapRef) Put(k, v any) (old any, err error) {
	k, err = schema.Coerce(m.f.Key, k)
	if err != nil {
		return nil, err
	}
	v, err = schema.Coerce(m.f.Elem, v)
	if err != nil {
		return nil, err
	}
	if m.f.Key == schema.EncRef {
		if err = m.tx.checkRefTarget(m.f, k.(schema.ObjId)); err != nil {
			return nil, err
		}
	}
	if m.f.Elem == schema.EncRef {
		if err = m.tx.checkRefTarget(m.f, v.(schema.ObjId)); err != nil {
			return nil, err
		}
	}
	keyKey, err := schema.IndexKey(m.f.Key, k)
	if err != nil {
		return nil, err
	}
	row := mapEntryKey(m.oid, m.f.StorageId, keyKey)
	oldRow, err := m.tx.get(row)
	if err != nil {
		return nil, err
	}
	if oldRow != nil {
		if _, old, err = mapEntryValue(m.f, keyKey, oldRow); err != nil {
			return nil, err
		}
		if m.f.Indexed {
			ovk, err := schema.IndexKey(m.f.Elem, old)
			if err != nil {
				return nil, err
			}
			if err = m.tx.retractIndexRaw(m.oid, m.f, ovk, keyKey); err != nil {
				return nil, err
			}
		}
		if m.f.Elem == schema.EncRef {
			if err = m.tx.adjustRef(m.f.StorageId, old.(schema.ObjId), m.oid, -1); err != nil {
				return nil, err
			}
		}
	}
	kTLV, err := schema.ValueTLV(m.f.Key, k)
	if err != nil {
		return nil, err
	}
	vTLV, err := schema.ValueTLV(m.f.Elem, v)
	if err != nil {
		return nil, err
	}
	if err = m.tx.set(row, toytlv.Concat(kTLV, vTLV)); err != nil {
		return nil, err
	}
	if m.f.Indexed {
		vk, err := schema.IndexKey(m.f.Elem, v)
		if err != nil {
			return nil, err
		}
		if err = m.tx.insertIndexRaw(m.oid, m.f, vk, keyKey); err != nil {
			return nil, err
		}
	}
	if oldRow == nil {
		if m.f.KeyIndexed {
			if err = m.tx.insertKeyIndex(m.oid, m.f, keyKey); err != nil {
				return nil, err
			}
		}
		if m.f.Key == schema.EncRef {
			if err = m.tx.adjustRef(m.f.StorageId, k.(schema.ObjId), m.oid, +1); err != nil {
				return nil, err
			}
		}
	}
	if m.f.Elem == schema.EncRef {
		if err = m.tx.adjustRef(m.f.StorageId, v.(schema.ObjId), m.oid, +1); err != nil {
			return nil, err
		}
	}
	m.tx.dirty[m.oid] = struct{}{}
	return old, m.tx.notify(Change{Kind: ChangePut, Object: m.oid, Type: m.tdef, Field: m.f, Old: old, New: v})
}

// Get reads the value at the key; ok is false for an absent key.
func (m *MapRef) Get(k any) (v any, ok bool, err error) {
	k, err = schema.Coerce(m.f.Key, k)
	if err != nil {
		return nil, false, err
	}
	keyKey, err := schema.IndexKey(m.f.Key, k)
	if err != nil {
		return nil, false, err
	}
	row, err := m.tx.get(mapEntryKey(m.oid, m.f.StorageId, keyKey))
	if err != nil || row == nil {
		return nil, false, err
	}
	_, v, err = mapEntryValue(m.f, keyKey, row)
	return v, err == nil, err
}

// Delete removes the entry at the key; false means it was absent.
func (m *MapRef) Delete(k any) (bool, error) {
	k, err := schema.Coerce(m.f.Key, k)
	if err != nil {
		return false, err
	}
	keyKey, err := schema.IndexKey(m.f.Key, k)
	if err != nil {
		return false, err
	}
	row := mapEntryKey(m.oid, m.f.StorageId, keyKey)
	oldRow, err := m.tx.get(row)
	if err != nil || oldRow == nil {
		return false, err
	}
	_, old, err := mapEntryValue(m.f, keyKey, oldRow)
	if err != nil {
		return false, err
	}
	if err = m.tx.del(row); err != nil {
		return false, err
	}
	if m.f.Indexed {
		ovk, err := schema.IndexKey(m.f.Elem, old)
		if err != nil {
			return false, err
		}
		if err = m.tx.retractIndexRaw(m.oid, m.f, ovk, keyKey); err != nil {
			return false, err
		}
	}
	if m.f.KeyIndexed {
		if err = m.tx.retractKeyIndex(m.oid, m.f, keyKey); err != nil {
			return false, err
		}
	}
	if m.f.Key == schema.EncRef {
		if err = m.tx.adjustRef(m.f.StorageId, k.(schema.ObjId), m.oid, -1); err != nil {
			return false, err
		}
	}
	if m.f.Elem == schema.EncRef {
		if err = m.tx.adjustRef(m.f.StorageId, old.(schema.ObjId), m.oid, -1); err != nil {
			return false, err
		}
	}
	m.tx.dirty[m.oid] = struct{}{}
	return true, m.tx.notify(Change{Kind: ChangeRemove, Object: m.oid, Type: m.tdef, Field: m.f, Old: old})
}

// Entries walks the map in key order.
func (m *MapRef) Entries(fn func(k, v any) (bool, error)) error {
	stop := errors.New("stop")
	err := m.tx.eachCollectionRow(m.oid, m.f, func(sub byte, rowKey, rowVal []byte) error {
		k, v, err := mapEntryValue(m.f, rowKey, rowVal)
		if err != nil {
			return err
		}
		more, err := fn(k, v)
		if err != nil {
			return err
		}
		if !more {
			return stop
		}
		return nil
	})
	if err == stop {
		return nil
	}
	return err
}

func (m *MapRef) Keys() (ret []any, err error) {
	err = m.Entries(func(k, v any) (bool, error) {
		ret = append(ret, k)
		return true, nil
	})
	return
}

func (m *MapRef) Len() (n int, err error) {
	err = m.Entries(func(k, v any) (bool, error) {
		n++
		return true, nil
	})
	return
}
