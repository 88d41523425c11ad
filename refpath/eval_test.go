package refpath

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/stratadb/strata/schema"
)

// fakeGraph is an in-memory object graph keyed by field storage id.
type fakeGraph struct {
	fwd map[schema.ObjId]map[uint32][]schema.ObjId
}

func (g *fakeGraph) link(from schema.ObjId, sid uint32, to ...schema.ObjId) {
	if g.fwd == nil {
		g.fwd = map[schema.ObjId]map[uint32][]schema.ObjId{}
	}
	if g.fwd[from] == nil {
		g.fwd[from] = map[uint32][]schema.ObjId{}
	}
	g.fwd[from][sid] = append(g.fwd[from][sid], to...)
}

func (g *fakeGraph) ForwardRefs(oid schema.ObjId, f *schema.Field, sub SubKind) ([]schema.ObjId, error) {
	return g.fwd[oid][f.StorageId], nil
}

func (g *fakeGraph) Referrers(sid uint32, target schema.ObjId) (ret []schema.ObjId, _ error) {
	for from, fields := range g.fwd {
		for _, to := range fields[sid] {
			if to == target {
				ret = append(ret, from)
				break
			}
		}
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i] < ret[j] })
	return
}

func TestEvalAndInvert(t *testing.T) {
	sch := menagerie(t)
	person := sch.Type("Person")
	pet := sch.Type("Pet")
	spouse := person.Field("spouse").StorageId
	pets := person.Field("pets").StorageId
	owner := pet.Field("owner").StorageId

	alice := schema.MakeObjId(person.StorageId, 1)
	bob := schema.MakeObjId(person.StorageId, 2)
	rex := schema.MakeObjId(pet.StorageId, 1)
	tom := schema.MakeObjId(pet.StorageId, 2)

	g := &fakeGraph{}
	g.link(alice, spouse, bob)
	g.link(bob, spouse, alice)
	g.link(alice, pets, rex, tom)
	g.link(rex, owner, alice)
	g.link(tom, owner, alice)

	follow := func(start schema.ObjId, expr string) []schema.ObjId {
		p, err := Parse(sch, sch.TypeByStorageId(start.Type()).Name, expr)
		assert.NoError(t, err)
		out, err := p.Eval(g, []schema.ObjId{start})
		assert.NoError(t, err)
		return out
	}

	assert.Equal(t, []schema.ObjId{bob}, follow(alice, "spouse"))
	assert.Equal(t, []schema.ObjId{alice}, follow(alice, "spouse->spouse"))
	assert.Equal(t, []schema.ObjId{rex, tom}, follow(alice, "pets.element"))
	assert.Equal(t, []schema.ObjId{alice}, follow(alice, "pets.element->owner"))
	assert.Equal(t, []schema.ObjId{rex, tom}, follow(alice, "<-Pet.owner"))
	assert.Empty(t, follow(bob, "pets.element"))

	// identity returns the input
	assert.Equal(t, []schema.ObjId{bob}, follow(bob, ""))

	// a singular chain from a dead end resolves to nothing, not an error
	p, err := Parse(sch, "Person", "spouse")
	assert.NoError(t, err)
	_, ok, err := p.EvalOne(g, schema.MakeObjId(person.StorageId, 99))
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestInvertMatchesForward(t *testing.T) {
	sch := menagerie(t)
	person := sch.Type("Person")
	pet := sch.Type("Pet")
	spouse := person.Field("spouse").StorageId
	pets := person.Field("pets").StorageId
	owner := pet.Field("owner").StorageId

	alice := schema.MakeObjId(person.StorageId, 1)
	bob := schema.MakeObjId(person.StorageId, 2)
	carol := schema.MakeObjId(person.StorageId, 3)
	rex := schema.MakeObjId(pet.StorageId, 1)
	tom := schema.MakeObjId(pet.StorageId, 2)

	g := &fakeGraph{}
	g.link(alice, spouse, bob)
	g.link(alice, pets, rex)
	g.link(carol, pets, rex, tom)
	g.link(rex, owner, carol)

	for _, expr := range []string{"spouse", "pets.element", "pets.element->owner", "<-Pet.owner"} {
		p, err := Parse(sch, "Person", expr)
		assert.NoError(t, err)
		// invert, then check every reported starter actually reaches a target
		for _, target := range []schema.ObjId{alice, bob, carol, rex, tom} {
			starters, err := p.Invert(g, []schema.ObjId{target})
			assert.NoError(t, err)
			for _, s := range starters {
				out, err := p.Eval(g, []schema.ObjId{s})
				assert.NoError(t, err)
				assert.Contains(t, out, target, "path %q starter %s", expr, s.String())
			}
		}
	}
}
