package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func personType() *TypeDef {
	return &TypeDef{
		Name:      "Person",
		StorageId: 1,
		Traits:    []string{"HasName"},
		Fields: Fields{
			{Name: "name", Kind: KindSimple, Elem: EncString, Indexed: true},
			{Name: "age", Kind: KindSimple, Elem: EncInt},
			{Name: "friend", Kind: KindSimple, Elem: EncRef, Target: "Person"},
		},
	}
}

func TestRegisterDerivesStorageIds(t *testing.T) {
	reg := NewRegistry()
	sch, err := reg.Register(personType())
	assert.NoError(t, err)
	assert.Equal(t, 1, sch.Version())

	p := sch.Type("Person")
	assert.NotNil(t, p)
	for _, f := range p.Fields {
		assert.NotZero(t, f.StorageId)
	}
	assert.Equal(t, DeriveStorageId("Person", "name"), p.Field("name").StorageId)
}

func TestSchemaIdStable(t *testing.T) {
	a, err := NewRegistry().Register(personType())
	assert.NoError(t, err)
	b, err := NewRegistry().Register(personType())
	assert.NoError(t, err)
	assert.Equal(t, a.Id(), b.Id())

	// adding a type changes the identity
	c, err := NewRegistry().Register(personType(), &TypeDef{
		Name: "Aardvark", StorageId: 2,
		Fields: Fields{{Name: "weight", Kind: KindSimple, Elem: EncFloat}},
	})
	assert.NoError(t, err)
	assert.NotEqual(t, a.Id(), c.Id())
}

func TestRegisterDedupesIdenticalLayout(t *testing.T) {
	reg := NewRegistry()
	a, err := reg.Register(personType())
	assert.NoError(t, err)
	b, err := reg.Register(personType())
	assert.NoError(t, err)
	assert.Equal(t, a.Version(), b.Version())
	assert.Equal(t, 1, reg.Len())

	changed := personType()
	changed.Fields = append(changed.Fields, Field{Name: "email", Kind: KindSimple, Elem: EncString})
	c, err := reg.Register(changed)
	assert.NoError(t, err)
	assert.Equal(t, 2, c.Version())
	assert.Equal(t, 2, reg.Len())
}

func TestRegisterConflicts(t *testing.T) {
	// two types on one storage id
	_, err := NewRegistry().Register(personType(), &TypeDef{
		Name: "Impostor", StorageId: 1,
		Fields: Fields{{Name: "x", Kind: KindSimple, Elem: EncInt}},
	})
	assert.Error(t, err)

	// a reference to nowhere
	_, err = NewRegistry().Register(&TypeDef{
		Name: "Lost", StorageId: 3,
		Fields: Fields{{Name: "to", Kind: KindSimple, Elem: EncRef, Target: "Nowhere"}},
	})
	assert.Error(t, err)

	// shared storage id, different names
	_, err = NewRegistry().Register(
		&TypeDef{Name: "A", StorageId: 4,
			Fields: Fields{{Name: "one", StorageId: 99, Kind: KindSimple, Elem: EncInt}}},
		&TypeDef{Name: "B", StorageId: 5,
			Fields: Fields{{Name: "two", StorageId: 99, Kind: KindSimple, Elem: EncInt}}},
	)
	assert.Error(t, err)

	// shared storage id, indexed, non-congruent encodings
	_, err = NewRegistry().Register(
		&TypeDef{Name: "A", StorageId: 4,
			Fields: Fields{{Name: "v", StorageId: 99, Kind: KindSimple, Elem: EncInt, Indexed: true}}},
		&TypeDef{Name: "B", StorageId: 5,
			Fields: Fields{{Name: "v", StorageId: 99, Kind: KindSimple, Elem: EncString}}},
	)
	assert.Error(t, err)

	// for maps the key encoding counts as part of congruence
	_, err = NewRegistry().Register(
		&TypeDef{Name: "A", StorageId: 4,
			Fields: Fields{{Name: "m", StorageId: 99, Kind: KindMap, Key: EncString, Elem: EncInt, Indexed: true}}},
		&TypeDef{Name: "B", StorageId: 5,
			Fields: Fields{{Name: "m", StorageId: 99, Kind: KindMap, Key: EncInt, Elem: EncInt}}},
	)
	assert.Error(t, err)

	// same declaration twice across types is fine when unindexed
	_, err = NewRegistry().Register(
		&TypeDef{Name: "A", StorageId: 4,
			Fields: Fields{{Name: "v", StorageId: 99, Kind: KindSimple, Elem: EncInt}}},
		&TypeDef{Name: "B", StorageId: 5,
			Fields: Fields{{Name: "v", StorageId: 99, Kind: KindSimple, Elem: EncString}}},
	)
	assert.NoError(t, err)
}

func TestResolveTarget(t *testing.T) {
	sch, err := NewRegistry().Register(
		&TypeDef{Name: "Dog", StorageId: 1, Traits: []string{"Animal"},
			Fields: Fields{{Name: "name", Kind: KindSimple, Elem: EncString}}},
		&TypeDef{Name: "Cat", StorageId: 2, Traits: []string{"Animal"},
			Fields: Fields{{Name: "name", Kind: KindSimple, Elem: EncString}}},
		&TypeDef{Name: "Rock", StorageId: 3,
			Fields: Fields{{Name: "mass", Kind: KindSimple, Elem: EncFloat}}},
	)
	assert.NoError(t, err)
	assert.Len(t, sch.ResolveTarget("Animal"), 2)
	assert.Len(t, sch.ResolveTarget("Dog"), 1)
	assert.Empty(t, sch.ResolveTarget("Plant"))
}

func TestSchemaTLVRoundtrip(t *testing.T) {
	orig, err := NewRegistry().Register(personType())
	assert.NoError(t, err)

	types, err := ParseSchemaTLV(orig.TLV())
	assert.NoError(t, err)
	back, err := NewRegistry().Register(types...)
	assert.NoError(t, err)
	assert.Equal(t, orig.Id(), back.Id())

	p := back.Type("Person")
	assert.NotNil(t, p)
	assert.True(t, p.HasTrait("HasName"))
	assert.True(t, p.Field("name").Indexed)
	assert.Equal(t, "Person", p.Field("friend").Target)
}

func TestSchemaTLVRoundtripNoTraits(t *testing.T) {
	// with no trait records the first record after the storage id is a
	// field record; every field must survive the round trip
	orig, err := NewRegistry().Register(&TypeDef{
		Name: "Plain", StorageId: 7,
		Fields: Fields{{Name: "value", Kind: KindSimple, Elem: EncInt}},
	})
	assert.NoError(t, err)

	types, err := ParseSchemaTLV(orig.TLV())
	assert.NoError(t, err)
	assert.Len(t, types, 1)
	assert.Len(t, types[0].Fields, 1)
	assert.Equal(t, "value", types[0].Fields[0].Name)

	back, err := NewRegistry().Register(types...)
	assert.NoError(t, err)
	assert.Equal(t, orig.Id(), back.Id())
}
