package refpath

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/stratadb/strata/schema"
	"github.com/stratadb/strata/strata_errors"
)

func menagerie(t *testing.T) *schema.Schema {
	t.Helper()
	sch, err := schema.NewRegistry().Register(
		&schema.TypeDef{
			Name: "Person", StorageId: 1, Traits: []string{"Mammal"},
			Fields: schema.Fields{
				{Name: "spouse", Kind: schema.KindSimple, Elem: schema.EncRef, Target: "Person"},
				{Name: "pets", Kind: schema.KindSet, Elem: schema.EncRef, Target: "Pet", Indexed: true},
				{Name: "ratings", Kind: schema.KindMap, Key: schema.EncRef, Target: "Pet", Elem: schema.EncInt},
				{Name: "nick", Kind: schema.KindSimple, Elem: schema.EncString},
			},
		},
		&schema.TypeDef{
			Name: "Pet", StorageId: 2, Traits: []string{"Mammal"},
			Fields: schema.Fields{
				{Name: "owner", Kind: schema.KindSimple, Elem: schema.EncRef, Target: "Person"},
				{Name: "name", Kind: schema.KindSimple, Elem: schema.EncString},
			},
		},
		&schema.TypeDef{
			Name: "Toy", StorageId: 3,
			Fields: schema.Fields{
				{Name: "owner", Kind: schema.KindSimple, Elem: schema.EncRef, Target: "Mammal"},
			},
		},
	)
	assert.NoError(t, err)
	return sch
}

func TestParseIdentity(t *testing.T) {
	sch := menagerie(t)
	p, err := Parse(sch, "Person", "")
	assert.NoError(t, err)
	assert.True(t, p.IsIdentity())
	assert.True(t, p.Singular)
	assert.Equal(t, "Person", p.Target)
}

func TestParseForwardChain(t *testing.T) {
	sch := menagerie(t)
	p, err := Parse(sch, "Person", "spouse->spouse")
	assert.NoError(t, err)
	assert.Len(t, p.Hops, 2)
	assert.True(t, p.Singular)
	assert.Equal(t, "Person", p.Target)

	// dots work as separators too
	q, err := Parse(sch, "Person", "spouse.spouse")
	assert.NoError(t, err)
	assert.Len(t, q.Hops, 2)
}

func TestParseCollectionSub(t *testing.T) {
	sch := menagerie(t)
	p, err := Parse(sch, "Person", "pets.element")
	assert.NoError(t, err)
	assert.False(t, p.Singular)
	assert.Equal(t, "Pet", p.Target)
	assert.Equal(t, SubElement, p.Hops[0].Sub)

	k, err := Parse(sch, "Person", "ratings.key")
	assert.NoError(t, err)
	assert.Equal(t, "Pet", k.Target)
	assert.Equal(t, SubKey, k.Hops[0].Sub)

	// chained past the pseudo-field
	o, err := Parse(sch, "Person", "pets.element->owner")
	assert.NoError(t, err)
	assert.Equal(t, "Person", o.Target)
	assert.False(t, o.Singular)
}

func TestParseInverse(t *testing.T) {
	sch := menagerie(t)
	p, err := Parse(sch, "Person", "<-Pet.owner")
	assert.NoError(t, err)
	assert.False(t, p.Singular)
	assert.Equal(t, "Pet", p.Target)
	assert.True(t, p.Hops[0].Inverse)

	// the referenced field must be able to reach the current types
	_, err = Parse(sch, "Pet", "<-Pet.owner")
	assert.ErrorIs(t, err, strata_errors.ErrIllegalPath)
}

func TestParseTypeQualifier(t *testing.T) {
	sch := menagerie(t)
	// from the trait both Person and Pet are in scope; Person.spouse
	// narrows to the one declarer
	p, err := Parse(sch, "Mammal", "Person.spouse")
	assert.NoError(t, err)
	assert.Equal(t, "Person", p.Target)

	// an unknown name fails at parse time, not at evaluation
	_, err = Parse(sch, "Mammal", "doesnotexist")
	assert.ErrorIs(t, err, strata_errors.ErrIllegalPath)
}

func TestParseStorageIdQualifier(t *testing.T) {
	sch := menagerie(t)
	sid := sch.Type("Person").Field("spouse").StorageId
	p, err := Parse(sch, "Person", "spouse#"+uitoa(sid))
	assert.NoError(t, err)
	assert.Equal(t, sid, p.Hops[0].StorageId)

	_, err = Parse(sch, "Person", "spouse#7")
	assert.ErrorIs(t, err, strata_errors.ErrIllegalPath)
}

func uitoa(n uint32) (s string) {
	if n == 0 {
		return "0"
	}
	for n > 0 {
		s = string(rune('0'+n%10)) + s
		n /= 10
	}
	return
}

func TestParseRejections(t *testing.T) {
	sch := menagerie(t)
	for _, expr := range []string{
		"nick",               // not a reference
		"pets",               // collection without pseudo-field
		"pets.key",           // wrong pseudo-field for a set
		"ratings.value",      // map values are ints, not refs
		"spouse->",           // dangling separator
		"<-owner",            // inverse without Type.
		"<-Pet.name",         // inverse through a non-reference
		"spouse->unknown",    // unknown field after a hop
		"spouse##3",          // malformed storage id
		"spouse->nick->nick", // non-ref mid-path
	} {
		_, err := Parse(sch, "Person", expr)
		assert.ErrorIs(t, err, strata_errors.ErrIllegalPath, "expr %q", expr)
	}
	_, err := Parse(sch, "Klingon", "spouse")
	assert.ErrorIs(t, err, strata_errors.ErrIllegalPath)
}

func TestCommonSupertypeTarget(t *testing.T) {
	sch := menagerie(t)
	// Toy.owner targets the trait; both Person and Pet remain, and the
	// only shared trait names the return type
	p, err := Parse(sch, "Toy", "owner")
	assert.NoError(t, err)
	assert.Equal(t, "Mammal", p.Target)
	assert.Len(t, p.TargetTypes, 2)
}

func TestRequireTarget(t *testing.T) {
	sch := menagerie(t)
	p, err := Parse(sch, "Person", "pets.element")
	assert.NoError(t, err)
	assert.NoError(t, p.RequireTarget(sch, "Pet"))
	assert.NoError(t, p.RequireTarget(sch, "Mammal"))
	assert.Error(t, p.RequireTarget(sch, "Toy"))
}
