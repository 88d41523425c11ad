package strata

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"

	"github.com/stratadb/strata/schema"
	"github.com/stratadb/strata/strata_errors"
)

// Value indexes are plain keyspace entries, rewritten in the same
// batch as the field row they mirror:
//
//	'I' fid valkey oid          simple field, set element
//	'I' fid valkey oid pos      list element
//	'I' fid valkey oid keykey   map value
//	'K' fid keykey oid          map key
//
// An index is keyed by field storage id, so types sharing a storage id
// share the index; a typed view filters by the object id's type bits.

func (tx *Tx) insertIndex(oid schema.ObjId, f *schema.Field, v any) error {
	valKey, err := schema.IndexKey(f.Elem, v)
	if err != nil {
		return err
	}
	return tx.insertIndexRaw(oid, f, valKey, nil)
}

func (tx *Tx) retractIndex(oid schema.ObjId, f *schema.Field, v any) error {
	valKey, err := schema.IndexKey(f.Elem, v)
	if err != nil {
		return err
	}
	return tx.retractIndexRaw(oid, f, valKey, nil)
}

// tail is the second index column: the list position or the map key.
func (tx *Tx) insertIndexRaw(oid schema.ObjId, f *schema.Field, valKey, tail []byte) error {
	err := tx.set(append(indexKey(f.StorageId, valKey, oid), tail...), nil)
	if err == nil {
		IndexEntryCount.WithLabelValues(f.Name, "insert").Inc()
	}
	return err
}

func (tx *Tx) retractIndexRaw(oid schema.ObjId, f *schema.Field, valKey, tail []byte) error {
	err := tx.del(append(indexKey(f.StorageId, valKey, oid), tail...))
	if err == nil {
		IndexEntryCount.WithLabelValues(f.Name, "retract").Inc()
	}
	return err
}

func (tx *Tx) insertKeyIndex(oid schema.ObjId, f *schema.Field, keyKey []byte) error {
	err := tx.set(keyIndexKey(f.StorageId, keyKey, oid), nil)
	if err == nil {
		IndexEntryCount.WithLabelValues(f.Name, "insert").Inc()
	}
	return err
}

func (tx *Tx) retractKeyIndex(oid schema.ObjId, f *schema.Field, keyKey []byte) error {
	err := tx.del(keyIndexKey(f.StorageId, keyKey, oid))
	if err == nil {
		IndexEntryCount.WithLabelValues(f.Name, "retract").Inc()
	}
	return err
}

// IndexEntry is one hit of an index query. Pos is set for list element
// indexes, Key for map value indexes; both stay zero otherwise.
type IndexEntry struct {
	Object schema.ObjId
	Pos    uint64
	Key    any
}

// IndexView queries the value index of one field, restricted to the
// named type (or every type carrying the named trait).
type IndexView struct {
	tx    *Tx
	field *schema.Field
	types map[uint16]struct{}
}

// Index opens a view over the value index of typeName.fieldName. The
// field must be declared indexed.
func (tx *Tx) Index(typeName, fieldName string) (*IndexView, error) {
	f, types, err := tx.indexedField(typeName, fieldName, func(f *schema.Field) bool { return f.Indexed })
	if err != nil {
		return nil, err
	}
	return &IndexView{tx: tx, field: f, types: types}, nil
}

func (tx *Tx) indexedField(typeName, fieldName string, want func(*schema.Field) bool) (*schema.Field, map[uint16]struct{}, error) {
	declared := tx.sch.ResolveTarget(typeName)
	if len(declared) == 0 {
		return nil, nil, errors.Wrapf(strata_errors.ErrTypeUnknown, "%q", typeName)
	}
	var field *schema.Field
	types := make(map[uint16]struct{})
	for _, t := range declared {
		f := t.Field(fieldName)
		if f == nil || !want(f) {
			continue
		}
		if field == nil {
			field = f
		} else if field.StorageId != f.StorageId {
			return nil, nil, errors.Wrapf(strata_errors.ErrFieldUnknown,
				"%q.%q is not one index", typeName, fieldName)
		}
		types[t.StorageId] = struct{}{}
	}
	if field == nil {
		return nil, nil, errors.Wrapf(strata_errors.ErrFieldUnknown,
			"no indexed field %q.%q", typeName, fieldName)
	}
	return field, types, nil
}

// Get returns the distinct objects holding the value, ascending by id.
func (iv *IndexView) Get(value any) ([]schema.ObjId, error) {
	entries, err := iv.Entries(value)
	if err != nil {
		return nil, err
	}
	ret := make([]schema.ObjId, 0, len(entries))
	for _, e := range entries {
		if len(ret) == 0 || ret[len(ret)-1] != e.Object {
			ret = append(ret, e.Object)
		}
	}
	return ret, nil
}

// Entries returns every index entry for the value, with the second
// column (list position or map key) decoded.
func (iv *IndexView) Entries(value any) ([]IndexEntry, error) {
	valKey, err := schema.IndexKey(iv.field.Elem, value)
	if err != nil {
		return nil, err
	}
	lo, hi := indexValueRange(iv.field.StorageId, valKey)
	it, err := iv.tx.newIter(lo, hi)
	if err != nil {
		return nil, err
	}
	defer it.Close()
	var ret []IndexEntry
	for valid := it.First(); valid; valid = it.Next() {
		e, err := iv.decodeEntry(it.Key()[len(lo):])
		if err != nil {
			return nil, err
		}
		if _, ok := iv.types[e.Object.Type()]; !ok {
			continue
		}
		ret = append(ret, e)
	}
	return ret, nil
}

// Scan walks the whole index ascending by value, then by object id.
// The walk stops early when fn returns false.
func (iv *IndexView) Scan(fn func(value any, e IndexEntry) (bool, error)) error {
	lo := binary.BigEndian.AppendUint32([]byte{keyIndex}, iv.field.StorageId)
	it, err := iv.tx.newIter(lo, prefixSuccessor(lo))
	if err != nil {
		return err
	}
	defer it.Close()
	for valid := it.First(); valid; valid = it.Next() {
		suffix := it.Key()[len(lo):]
		valKey, _, err := schema.IndexKeyTail(iv.field.Elem, suffix)
		if err != nil {
			return err
		}
		value, err := indexKeyValue(iv.field.Elem, valKey)
		if err != nil {
			return err
		}
		e, err := iv.decodeEntry(suffix[len(valKey):])
		if err != nil {
			return err
		}
		if _, ok := iv.types[e.Object.Type()]; !ok {
			continue
		}
		more, err := fn(value, e)
		if err != nil || !more {
			return err
		}
	}
	return nil
}

func (iv *IndexView) decodeEntry(suffix []byte) (e IndexEntry, err error) {
	if len(suffix) < 8 {
		return e, errors.Wrap(strata_errors.ErrBadValue, "short index entry")
	}
	e.Object = schema.ObjIdFromBytes(suffix[:8])
	tail := suffix[8:]
	switch iv.field.Kind {
	case schema.KindList:
		if len(tail) != 8 {
			return e, errors.Wrap(strata_errors.ErrBadValue, "short list index entry")
		}
		e.Pos = binary.BigEndian.Uint64(tail)
	case schema.KindMap:
		e.Key, err = indexKeyValue(iv.field.Key, tail)
	}
	return e, err
}

// indexKeyValue decodes an order-preserving key back to the value.
func indexKeyValue(enc schema.Encoding, key []byte) (any, error) {
	switch enc {
	case schema.EncInt:
		if len(key) != 8 {
			return nil, strata_errors.ErrBadValue
		}
		return int64(binary.BigEndian.Uint64(key) ^ (1 << 63)), nil
	case schema.EncFloat:
		if len(key) != 8 {
			return nil, strata_errors.ErrBadValue
		}
		bits := binary.BigEndian.Uint64(key)
		if bits&(1<<63) != 0 {
			bits &^= 1 << 63
		} else {
			bits = ^bits
		}
		return math.Float64frombits(bits), nil
	case schema.EncString:
		raw, err := unescapeKey(key)
		return string(raw), err
	case schema.EncBytes:
		return unescapeKey(key)
	case schema.EncBool:
		return len(key) == 1 && key[0] == 1, nil
	case schema.EncRef:
		if len(key) != 8 {
			return nil, strata_errors.ErrBadValue
		}
		return schema.ObjIdFromBytes(key), nil
	case schema.EncEnum:
		if len(key) != 4 {
			return nil, strata_errors.ErrBadValue
		}
		// ordinal only; the name lives in the field row
		return schema.Enum{Ordinal: int32(binary.BigEndian.Uint32(key))}, nil
	}
	return nil, strata_errors.ErrBadValue
}

func unescapeKey(key []byte) ([]byte, error) {
	if len(key) < 2 || key[len(key)-2] != 0 || key[len(key)-1] != 1 {
		return nil, strata_errors.ErrBadValue
	}
	key = key[:len(key)-2]
	ret := make([]byte, 0, len(key))
	for i := 0; i < len(key); i++ {
		if key[i] == 0 {
			i++
			if i == len(key) || key[i] != 0xff {
				return nil, strata_errors.ErrBadValue
			}
			ret = append(ret, 0)
		} else {
			ret = append(ret, key[i])
		}
	}
	return ret, nil
}

// KeyIndexView queries the key index of a map field.
type KeyIndexView struct {
	tx    *Tx
	field *schema.Field
	types map[uint16]struct{}
}

// MapKeyIndex opens a view over the key index of a key-indexed map.
func (tx *Tx) MapKeyIndex(typeName, fieldName string) (*KeyIndexView, error) {
	f, types, err := tx.indexedField(typeName, fieldName, func(f *schema.Field) bool {
		return f.Kind == schema.KindMap && f.KeyIndexed
	})
	if err != nil {
		return nil, err
	}
	return &KeyIndexView{tx: tx, field: f, types: types}, nil
}

// Get returns the objects whose map contains the key, ascending by id.
func (kv *KeyIndexView) Get(key any) ([]schema.ObjId, error) {
	keyKey, err := schema.IndexKey(kv.field.Key, key)
	if err != nil {
		return nil, err
	}
	lo, hi := keyIndexValueRange(kv.field.StorageId, keyKey)
	it, err := kv.tx.newIter(lo, hi)
	if err != nil {
		return nil, err
	}
	defer it.Close()
	var ret []schema.ObjId
	for valid := it.First(); valid; valid = it.Next() {
		suffix := it.Key()[len(lo):]
		if len(suffix) != 8 {
			return nil, errors.Wrap(strata_errors.ErrBadValue, "short key index entry")
		}
		oid := schema.ObjIdFromBytes(suffix)
		if _, ok := kv.types[oid.Type()]; ok {
			ret = append(ret, oid)
		}
	}
	return ret, nil
}

// ObjectsAtVersion lists the objects still stored under the given
// schema version. Lazy migration drains old versions as objects are
// touched; this index is how a sweeper finds the stragglers.
func (tx *Tx) ObjectsAtVersion(ver int) ([]schema.ObjId, error) {
	lo, hi := versionKeyRange(ver)
	it, err := tx.newIter(lo, hi)
	if err != nil {
		return nil, err
	}
	defer it.Close()
	var ret []schema.ObjId
	for valid := it.First(); valid; valid = it.Next() {
		oid := versionKeyId(it.Key())
		if oid != schema.BadOid {
			ret = append(ret, oid)
		}
	}
	return ret, nil
}

// retractObjectIndexes drops every index entry of the object, reading
// the entries back from the object's own rows under tdef's layout.
func (tx *Tx) retractObjectIndexes(oid schema.ObjId, tdef *schema.TypeDef) error {
	return tx.eachIndexEntry(oid, tdef, (*Tx).retractIndexRaw, (*Tx).retractKeyIndex)
}

// rebuildObjectIndexes re-creates every index entry of the object from
// its current rows; paired with retractObjectIndexes around a layout
// change.
func (tx *Tx) rebuildObjectIndexes(oid schema.ObjId, tdef *schema.TypeDef) error {
	IndexRebuildCount.WithLabelValues(tdef.Name).Inc()
	return tx.eachIndexEntry(oid, tdef, (*Tx).insertIndexRaw, (*Tx).insertKeyIndex)
}

func (tx *Tx) eachIndexEntry(
	oid schema.ObjId, tdef *schema.TypeDef,
	val func(*Tx, schema.ObjId, *schema.Field, []byte, []byte) error,
	key func(*Tx, schema.ObjId, *schema.Field, []byte) error,
) error {
	for i := range tdef.Fields {
		f := &tdef.Fields[i]
		if !f.AnyIndex() {
			continue
		}
		switch f.Kind {
		case schema.KindSimple:
			v, err := tx.readSimple(oid, f)
			if err != nil {
				return err
			}
			valKey, err := schema.IndexKey(f.Elem, v)
			if err != nil {
				return err
			}
			if err = val(tx, oid, f, valKey, nil); err != nil {
				return err
			}
		case schema.KindSet, schema.KindList, schema.KindMap:
			err := tx.eachCollectionRow(oid, f, func(sub byte, rowKey, rowVal []byte) error {
				switch {
				case f.Kind == schema.KindSet:
					return val(tx, oid, f, rowKey, nil)
				case f.Kind == schema.KindList:
					v, err := schema.ValueFromTLV(f.Elem, rowVal)
					if err != nil {
						return err
					}
					vk, err := schema.IndexKey(f.Elem, v)
					if err != nil {
						return err
					}
					return val(tx, oid, f, vk, rowKey)
				default: // map
					if f.Indexed {
						_, mv, err := mapEntryValue(f, rowKey, rowVal)
						if err != nil {
							return err
						}
						vk, err := schema.IndexKey(f.Elem, mv)
						if err != nil {
							return err
						}
						if err = val(tx, oid, f, vk, rowKey); err != nil {
							return err
						}
					}
					if f.KeyIndexed {
						return key(tx, oid, f, rowKey)
					}
					return nil
				}
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// eachCollectionRow walks the element rows of a collection field. The
// rowKey passed to fn is the sub-key past the kind tag: the element
// key for sets, the 8-byte position for lists, the key key for maps.
func (tx *Tx) eachCollectionRow(oid schema.ObjId, f *schema.Field, fn func(sub byte, rowKey, rowVal []byte) error) error {
	lo, hi := fieldKeyRange(oid, f.StorageId)
	it, err := tx.newIter(lo, hi)
	if err != nil {
		return err
	}
	defer it.Close()
	prefix := len(lo)
	for valid := it.First(); valid; valid = it.Next() {
		suffix := it.Key()[prefix:]
		if len(suffix) == 0 {
			continue
		}
		rowVal := make([]byte, len(it.Value()))
		copy(rowVal, it.Value())
		rowKey := make([]byte, len(suffix)-1)
		copy(rowKey, suffix[1:])
		if err = fn(suffix[0], rowKey, rowVal); err != nil {
			return err
		}
	}
	return nil
}
