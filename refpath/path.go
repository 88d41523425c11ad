// Package refpath parses and evaluates reference path expressions over
// the object graph: forward hops (`->field`) follow references out of
// an object, inverse hops (`<-Type.field`) find the objects referring
// to it. Paths are fully checked against the schema at parse time;
// evaluation never raises syntax or typing errors.
package refpath

import (
	"github.com/stratadb/strata/schema"
)

type SubKind byte

const (
	SubNone    SubKind = 0
	SubElement SubKind = 'e'
	SubKey     SubKind = 'k'
	SubValue   SubKind = 'v'
)

// Hop is one parsed path step. For a forward hop, Types are the
// reachable declaring types; for an inverse hop, the referrer types.
type Hop struct {
	Inverse   bool
	Sub       SubKind
	FieldName string
	StorageId uint32
	Field     schema.Field
	// Types the hop lands on objects of (declarers for forward hops,
	// referrers for inverse hops).
	Types []*schema.TypeDef
	// InTypes are the types feeding the hop, used when walking the
	// path in reverse.
	InTypes []*schema.TypeDef
}

// Path is an immutable, executable reference path plan.
type Path struct {
	Expr  string
	Start []*schema.TypeDef
	Hops  []Hop
	// Singular paths produce at most one result per input object.
	Singular bool
	// Target is the most specific common supertype of the reachable
	// leaf types: a type name, or a trait when several types remain.
	Target      string
	TargetTypes []*schema.TypeDef
}

// IsIdentity reports whether the path is the empty identity path.
func (p *Path) IsIdentity() bool {
	return len(p.Hops) == 0
}

// RequireTarget checks a statically declared return type against the
// inferred one; a mismatch is an IllegalPathError at registration
// time, not at evaluation time.
func (p *Path) RequireTarget(sch *schema.Schema, target string) error {
	allowed := sch.ResolveTarget(target)
	if len(allowed) == 0 {
		return illegalf("declared target %q names no type or trait", target)
	}
	ok := make(map[string]bool, len(allowed))
	for _, t := range allowed {
		ok[t.Name] = true
	}
	for _, t := range p.TargetTypes {
		if !ok[t.Name] {
			return illegalf("path %q reaches %q, outside declared target %q", p.Expr, t.Name, target)
		}
	}
	return nil
}

func typeNames(types []*schema.TypeDef) []string {
	ret := make([]string, 0, len(types))
	for _, t := range types {
		ret = append(ret, t.Name)
	}
	return ret
}
