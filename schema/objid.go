package schema

import (
	"encoding/binary"
	"strconv"
)

/*
	ObjId is a 64-bit object locator/identifier.

0...............16...............................................64
+-------+-------+-------+-------+-------+-------+-------+-------+
|.type.(16.bits)|................sequence.(48.bits)..............|

The declared type's storage id lives in the top bits so that a plain
byte-wise scan of the keyspace groups objects of one type together
and orders them by allocation sequence.
*/
type ObjId uint64

const seqBits = 48
const SeqMask = ObjId(1)<<seqBits - 1

// ObjIdNil is the null reference.
var ObjIdNil = ObjId(0)

var BadOid = ObjId(^uint64(0))

func MakeObjId(tid uint16, seq uint64) ObjId {
	return ObjId(tid)<<seqBits | ObjId(seq)&SeqMask
}

// Type is the storage id of the object's declared type.
func (oid ObjId) Type() uint16 {
	return uint16(oid >> seqBits)
}

// Seq is the allocation sequence number within the type.
func (oid ObjId) Seq() uint64 {
	return uint64(oid & SeqMask)
}

func (oid ObjId) Bytes() []byte {
	var ret [8]byte
	binary.BigEndian.PutUint64(ret[:], uint64(oid))
	return ret[:]
}

func ObjIdFromBytes(by []byte) ObjId {
	if len(by) < 8 {
		return BadOid
	}
	return ObjId(binary.BigEndian.Uint64(by[:8]))
}

func (oid ObjId) String() string {
	var buf [40]byte
	b := buf[:0]
	b = strconv.AppendUint(b, uint64(oid.Type()), 16)
	b = append(b, '-')
	b = strconv.AppendUint(b, oid.Seq(), 16)
	return string(b)
}

func ParseObjId(s string) ObjId {
	var parts [2]uint64
	p := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= '0' && c <= '9' {
			parts[p] = parts[p]<<4 | uint64(c-'0')
		} else if c >= 'a' && c <= 'f' {
			parts[p] = parts[p]<<4 | uint64(10+c-'a')
		} else if c >= 'A' && c <= 'F' {
			parts[p] = parts[p]<<4 | uint64(10+c-'A')
		} else if c == '-' && p == 0 {
			p++
		} else {
			return BadOid
		}
	}
	if p != 1 || parts[0] > 0xffff || parts[1] > uint64(SeqMask) {
		return BadOid
	}
	return MakeObjId(uint16(parts[0]), parts[1])
}
