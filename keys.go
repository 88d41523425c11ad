package strata

import (
	"encoding/binary"

	"github.com/stratadb/strata/schema"
)

// The whole store lives in one byte-tagged pebble keyspace:
//
//	'A'                              last allocated object sequence
//	'O' oid(8) fid(4)                object rows (fid 0 is the header)
//	'O' oid(8) fid(4) 'E' elemkey    set element
//	'O' oid(8) fid(4) 'L' pos(8)     list element
//	'O' oid(8) fid(4) 'M' keykey     map entry
//	'O' oid(8) fid(4) 'N'            counter cell
//	'T' tid(2) oid(8)                type membership
//	'I' fid(4) valkey oid(8) ...     value index (list: +pos, map: +keykey)
//	'K' fid(4) keykey oid(8)         map key index
//	'R' fid(4) target(8) ref(8)      reference index (merge-counted)
//	'V' ver(4) oid(8)                schema version index
//	'S' ver(4)                       persisted schema layout
const (
	keyAlloc   = 'A'
	keyObject  = 'O'
	keyType    = 'T'
	keyIndex   = 'I'
	keyKeyIdx  = 'K'
	keyRef     = 'R'
	keyVersion = 'V'
	keySchema  = 'S'
)

const (
	subSet     = 'E'
	subList    = 'L'
	subMap     = 'M'
	subCounter = 'N'
)

func allocKey() []byte {
	return []byte{keyAlloc}
}

// OKey addresses a field row; fid 0 addresses the object header.
func OKey(oid schema.ObjId, fid uint32) (key []byte) {
	key = make([]byte, 0, 13)
	key = append(key, keyObject)
	key = append(key, oid.Bytes()...)
	return binary.BigEndian.AppendUint32(key, fid)
}

func OKeyIdField(key []byte) (oid schema.ObjId, fid uint32) {
	if len(key) < 13 || key[0] != keyObject {
		return schema.BadOid, 0
	}
	return schema.ObjIdFromBytes(key[1:9]), binary.BigEndian.Uint32(key[9:13])
}

func headerKey(oid schema.ObjId) []byte {
	return OKey(oid, 0)
}

func setElemKey(oid schema.ObjId, fid uint32, elemKey []byte) []byte {
	return append(append(OKey(oid, fid), subSet), elemKey...)
}

func listElemKey(oid schema.ObjId, fid uint32, pos uint64) []byte {
	return binary.BigEndian.AppendUint64(append(OKey(oid, fid), subList), pos)
}

func mapEntryKey(oid schema.ObjId, fid uint32, keyKey []byte) []byte {
	return append(append(OKey(oid, fid), subMap), keyKey...)
}

func counterKey(oid schema.ObjId, fid uint32) []byte {
	return append(OKey(oid, fid), subCounter)
}

// objectKeyRange bounds every row of one object.
func objectKeyRange(oid schema.ObjId) (lo, hi []byte) {
	lo = append([]byte{keyObject}, oid.Bytes()...)
	hi = append([]byte{keyObject}, (oid + 1).Bytes()...)
	return
}

// fieldKeyRange bounds every row of one field of one object, the
// header row excluded.
func fieldKeyRange(oid schema.ObjId, fid uint32) (lo, hi []byte) {
	return OKey(oid, fid), OKey(oid, fid+1)
}

func typeKey(tid uint16, oid schema.ObjId) (key []byte) {
	key = make([]byte, 0, 11)
	key = append(key, keyType)
	key = binary.BigEndian.AppendUint16(key, tid)
	return append(key, oid.Bytes()...)
}

func typeKeyRange(tid uint16) (lo, hi []byte) {
	lo = binary.BigEndian.AppendUint16([]byte{keyType}, tid)
	hi = binary.BigEndian.AppendUint16([]byte{keyType}, tid+1)
	return
}

func typeKeyId(key []byte) schema.ObjId {
	if len(key) != 11 {
		return schema.BadOid
	}
	return schema.ObjIdFromBytes(key[3:])
}

func indexKey(fid uint32, valKey []byte, oid schema.ObjId) (key []byte) {
	key = make([]byte, 0, 5+len(valKey)+8)
	key = append(key, keyIndex)
	key = binary.BigEndian.AppendUint32(key, fid)
	key = append(key, valKey...)
	return append(key, oid.Bytes()...)
}

// indexValueRange bounds every entry of one indexed value. Value key
// encodings are prefix-free, so the prefix successor is a tight bound.
func indexValueRange(fid uint32, valKey []byte) (lo, hi []byte) {
	lo = append(binary.BigEndian.AppendUint32([]byte{keyIndex}, fid), valKey...)
	return lo, prefixSuccessor(lo)
}

func prefixSuccessor(prefix []byte) []byte {
	hi := append([]byte{}, prefix...)
	for i := len(hi) - 1; i >= 0; i-- {
		if hi[i] != 0xff {
			hi[i]++
			return hi[:i+1]
		}
	}
	return nil // unbounded
}

func keyIndexKey(fid uint32, keyKey []byte, oid schema.ObjId) (key []byte) {
	key = append(binary.BigEndian.AppendUint32([]byte{keyKeyIdx}, fid), keyKey...)
	return append(key, oid.Bytes()...)
}

func keyIndexValueRange(fid uint32, keyKey []byte) (lo, hi []byte) {
	lo = append(binary.BigEndian.AppendUint32([]byte{keyKeyIdx}, fid), keyKey...)
	return lo, prefixSuccessor(lo)
}

func refKey(fid uint32, target, referrer schema.ObjId) (key []byte) {
	key = make([]byte, 0, 21)
	key = append(key, keyRef)
	key = binary.BigEndian.AppendUint32(key, fid)
	key = append(key, target.Bytes()...)
	return append(key, referrer.Bytes()...)
}

func refKeyRange(fid uint32, target schema.ObjId) (lo, hi []byte) {
	lo = append(binary.BigEndian.AppendUint32([]byte{keyRef}, fid), target.Bytes()...)
	hi = append(binary.BigEndian.AppendUint32([]byte{keyRef}, fid), (target + 1).Bytes()...)
	return
}

func refKeyReferrer(key []byte) schema.ObjId {
	if len(key) != 21 {
		return schema.BadOid
	}
	return schema.ObjIdFromBytes(key[13:])
}

func versionKey(ver int, oid schema.ObjId) (key []byte) {
	key = binary.BigEndian.AppendUint32([]byte{keyVersion}, uint32(ver))
	return append(key, oid.Bytes()...)
}

func versionKeyRange(ver int) (lo, hi []byte) {
	lo = binary.BigEndian.AppendUint32([]byte{keyVersion}, uint32(ver))
	hi = binary.BigEndian.AppendUint32([]byte{keyVersion}, uint32(ver)+1)
	return
}

func versionKeyId(key []byte) schema.ObjId {
	if len(key) != 13 {
		return schema.BadOid
	}
	return schema.ObjIdFromBytes(key[5:])
}

func schemaKey(ver int) []byte {
	return binary.BigEndian.AppendUint32([]byte{keySchema}, uint32(ver))
}

func schemaKeyRange() (lo, hi []byte) {
	return []byte{keySchema}, []byte{keySchema + 1}
}
