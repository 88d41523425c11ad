package refpath

import (
	"sort"

	"github.com/stratadb/strata/schema"
)

// Graph is the object-graph surface a path evaluates against; the
// store's transaction implements it.
type Graph interface {
	// ForwardRefs returns the referents of a reference field: the
	// single value for a simple reference, the elements/keys/values for
	// collection sub-paths. Null references are omitted.
	ForwardRefs(oid schema.ObjId, f *schema.Field, sub SubKind) ([]schema.ObjId, error)
	// Referrers returns every object whose field with the given
	// storage id currently references target, in ObjId order.
	Referrers(fieldStorageId uint32, target schema.ObjId) ([]schema.ObjId, error)
}

type oidSet map[schema.ObjId]struct{}

func (s oidSet) sorted() []schema.ObjId {
	ret := make([]schema.ObjId, 0, len(s))
	for oid := range s {
		ret = append(ret, oid)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i] < ret[j] })
	return ret
}

func typeSet(types []*schema.TypeDef) map[uint16]*schema.TypeDef {
	ret := make(map[uint16]*schema.TypeDef, len(types))
	for _, t := range types {
		ret[t.StorageId] = t
	}
	return ret
}

// Eval walks the path forward from the start set and returns every
// reachable object, ordered by ObjId. The identity path returns the
// start set itself.
func (p *Path) Eval(g Graph, start []schema.ObjId) ([]schema.ObjId, error) {
	cur := make(oidSet, len(start))
	for _, oid := range start {
		cur[oid] = struct{}{}
	}
	for i := range p.Hops {
		next, err := p.Hops[i].forward(g, cur)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return cur.sorted(), nil
}

// EvalOne evaluates a singular path from a single object: ok is false
// when the path resolves to nothing (a null reference along the way).
func (p *Path) EvalOne(g Graph, start schema.ObjId) (oid schema.ObjId, ok bool, err error) {
	out, err := p.Eval(g, []schema.ObjId{start})
	if err != nil || len(out) == 0 {
		return schema.ObjIdNil, false, err
	}
	return out[0], true, nil
}

// Invert returns the start-type objects whose forward path evaluation
// intersects the target set. The path is walked hop by hop in reverse:
// forward hops turn into reference-index queries and inverse hops into
// plain dereferences, so no scan over all start-type objects happens.
func (p *Path) Invert(g Graph, targets []schema.ObjId) ([]schema.ObjId, error) {
	cur := make(oidSet, len(targets))
	for _, oid := range targets {
		cur[oid] = struct{}{}
	}
	for i := len(p.Hops) - 1; i >= 0; i-- {
		next, err := p.Hops[i].backward(g, cur)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	starters := typeSet(p.Start)
	out := make(oidSet, len(cur))
	for oid := range cur {
		if _, ok := starters[oid.Type()]; ok {
			out[oid] = struct{}{}
		}
	}
	return out.sorted(), nil
}

func (h *Hop) forward(g Graph, cur oidSet) (oidSet, error) {
	next := make(oidSet)
	if h.Inverse {
		landing := typeSet(h.Types)
		for oid := range cur {
			refs, err := g.Referrers(h.StorageId, oid)
			if err != nil {
				return nil, err
			}
			for _, r := range refs {
				if _, ok := landing[r.Type()]; ok {
					next[r] = struct{}{}
				}
			}
		}
		return next, nil
	}
	declarers := declarerSet(h)
	landing := typeSet(h.Types)
	for oid := range cur {
		f, ok := declarers[oid.Type()]
		if !ok {
			continue
		}
		refs, err := g.ForwardRefs(oid, f, h.Sub)
		if err != nil {
			return nil, err
		}
		for _, r := range refs {
			if _, ok := landing[r.Type()]; ok {
				next[r] = struct{}{}
			}
		}
	}
	return next, nil
}

func (h *Hop) backward(g Graph, cur oidSet) (oidSet, error) {
	next := make(oidSet)
	if h.Inverse {
		// Reversed inverse hop: dereference the field on the referrers.
		feeding := typeSet(h.InTypes)
		declarers := declarerSet(h)
		for oid := range cur {
			f, ok := declarers[oid.Type()]
			if !ok {
				continue
			}
			sub := SubNone
			if f.Kind != schema.KindSimple {
				sub = SubElement
				if f.Kind == schema.KindMap {
					sub = SubValue
					if f.Key == schema.EncRef {
						sub = SubKey
					}
				}
			}
			refs, err := g.ForwardRefs(oid, f, sub)
			if err != nil {
				return nil, err
			}
			for _, r := range refs {
				if _, ok := feeding[r.Type()]; ok {
					next[r] = struct{}{}
				}
			}
		}
		return next, nil
	}
	// Reversed forward hop: a reference-index query.
	feeding := typeSet(h.InTypes)
	for oid := range cur {
		refs, err := g.Referrers(h.StorageId, oid)
		if err != nil {
			return nil, err
		}
		for _, r := range refs {
			if _, ok := feeding[r.Type()]; ok {
				next[r] = struct{}{}
			}
		}
	}
	return next, nil
}

// declarerSet maps a declaring type's storage id to its own descriptor
// of the hop field. For inverse hops the declarers are the hop types
// themselves; for forward hops, the feeding types.
func declarerSet(h *Hop) map[uint16]*schema.Field {
	scope := h.InTypes
	if h.Inverse {
		scope = h.Types
	}
	ret := make(map[uint16]*schema.Field, len(scope))
	for _, t := range scope {
		if f := t.FieldByStorageId(h.StorageId); f != nil {
			ret[t.StorageId] = f
		}
	}
	return ret
}
