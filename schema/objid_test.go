package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestObjIdParts(t *testing.T) {
	oid := MakeObjId(0x12ab, 42)
	assert.Equal(t, uint16(0x12ab), oid.Type())
	assert.Equal(t, uint64(42), oid.Seq())

	round := ObjIdFromBytes(oid.Bytes())
	assert.Equal(t, oid, round)
}

func TestObjIdString(t *testing.T) {
	oid := MakeObjId(0xbeef, 0x1c)
	assert.Equal(t, oid, ParseObjId(oid.String()))
	assert.Equal(t, BadOid, ParseObjId("not-an-id-at-all"))
}

func TestObjIdOrdering(t *testing.T) {
	// ids of one type sort by sequence
	a := MakeObjId(7, 1)
	b := MakeObjId(7, 2)
	assert.True(t, a < b)
	// and the byte form preserves that
	assert.True(t, string(a.Bytes()) < string(b.Bytes()))
}
