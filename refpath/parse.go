package refpath

import (
	"sort"
	"strconv"

	"github.com/pkg/errors"

	"github.com/stratadb/strata/schema"
	"github.com/stratadb/strata/strata_errors"
)

func illegalf(format string, a ...any) error {
	return errors.Wrapf(strata_errors.ErrIllegalPath, format, a...)
}

type lexer struct {
	src string
	pos int
}

func (lx *lexer) eof() bool { return lx.pos >= len(lx.src) }

func (lx *lexer) accept(tok string) bool {
	if len(lx.src)-lx.pos < len(tok) || lx.src[lx.pos:lx.pos+len(tok)] != tok {
		return false
	}
	lx.pos += len(tok)
	return true
}

func isIdentByte(c byte, first bool) bool {
	if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '_' {
		return true
	}
	return !first && c >= '0' && c <= '9'
}

func (lx *lexer) ident() string {
	start := lx.pos
	for lx.pos < len(lx.src) && isIdentByte(lx.src[lx.pos], lx.pos == start) {
		lx.pos++
	}
	return lx.src[start:lx.pos]
}

func (lx *lexer) digits() (uint32, bool) {
	start := lx.pos
	for lx.pos < len(lx.src) && lx.src[lx.pos] >= '0' && lx.src[lx.pos] <= '9' {
		lx.pos++
	}
	if lx.pos == start {
		return 0, false
	}
	n, err := strconv.ParseUint(lx.src[start:lx.pos], 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}

// acceptSub consumes a trailing ".element"/".key"/".value" pseudo-field
// if present; anything else after the dot belongs to the next segment.
func (lx *lexer) acceptSub() SubKind {
	save := lx.pos
	if !lx.accept(".") {
		return SubNone
	}
	switch lx.ident() {
	case "element":
		return SubElement
	case "key":
		return SubKey
	case "value":
		return SubValue
	}
	lx.pos = save
	return SubNone
}

// Parse compiles a path expression starting at the given type (or
// trait) into an executable plan. Every hop is checked against the
// schema here; malformed syntax, unknown or ambiguous fields, hops
// through non-reference fields and inexpressible target types all fail
// now, never at evaluation time. The empty expression is the identity
// path.
func Parse(sch *schema.Schema, start string, expr string) (*Path, error) {
	startTypes := sch.ResolveTarget(start)
	if len(startTypes) == 0 {
		return nil, illegalf("unknown start type %q", start)
	}
	p := &Path{
		Expr:     expr,
		Start:    startTypes,
		Singular: true,
	}
	cur := startTypes
	lx := &lexer{src: expr}
	first := true

	for !lx.eof() {
		var inverse bool
		switch {
		case lx.accept("->"):
		case lx.accept("<-"):
			inverse = true
		case lx.accept("."):
		default:
			if !first {
				return nil, illegalf("expected '->', '<-' or '.' at offset %d of %q", lx.pos, expr)
			}
		}
		first = false

		var hop Hop
		var err error
		if inverse {
			hop, err = parseInverseHop(sch, lx, cur)
		} else {
			hop, err = parseForwardHop(sch, lx, cur)
		}
		if err != nil {
			return nil, err
		}
		hop.InTypes = cur
		cur = hop.Types
		if hop.Inverse || hop.Sub != SubNone || hop.Field.Kind != schema.KindSimple {
			p.Singular = false
		}
		p.Hops = append(p.Hops, hop)
	}

	p.TargetTypes = cur
	target, err := commonSupertype(cur)
	if err != nil {
		return nil, errors.Wrapf(err, "path %q", expr)
	}
	p.Target = target
	return p, nil
}

func parseForwardHop(sch *schema.Schema, lx *lexer, cur []*schema.TypeDef) (hop Hop, err error) {
	name := lx.ident()
	if name == "" {
		return hop, illegalf("expected field name at offset %d", lx.pos)
	}
	qualifier := ""
	// `Type.field` prefix: only when the identifier names a schema type
	// and the dot is not introducing a pseudo-field or a next segment.
	save := lx.pos
	if sch.Type(name) != nil && lx.accept(".") {
		next := lx.ident()
		switch next {
		case "", "element", "key", "value":
			lx.pos = save
		default:
			qualifier, name = name, next
		}
	}
	var sid uint32
	if lx.accept("#") {
		n, ok := lx.digits()
		if !ok {
			return hop, illegalf("expected storage id digits after '#' at offset %d", lx.pos)
		}
		sid = n
	}
	sub := lx.acceptSub()

	scope := cur
	if qualifier != "" {
		scope = nil
		for _, t := range cur {
			if t.Name == qualifier {
				scope = append(scope, t)
			}
		}
		if len(scope) == 0 {
			return hop, illegalf("type %q is not reachable at hop %q", qualifier, name)
		}
	}

	var field *schema.Field
	sids := map[uint32]bool{}
	var declarers []*schema.TypeDef
	for _, t := range scope {
		f := t.Field(name)
		if f == nil || (sid != 0 && f.StorageId != sid) {
			continue
		}
		sids[f.StorageId] = true
		declarers = append(declarers, t)
		field = f
	}
	if field == nil {
		return hop, illegalf("no field %q on %v", name, typeNames(scope))
	}
	if len(sids) > 1 {
		return hop, illegalf("field %q is ambiguous across %v, qualify with Type.%s or %s#storageId",
			name, typeNames(declarers), name, name)
	}
	if err = checkRefHop(*field, sub); err != nil {
		return hop, err
	}

	hop = Hop{
		Sub:       sub,
		FieldName: name,
		StorageId: field.StorageId,
		Field:     *field,
	}
	hop.Types = dedupeTypes(sch.ResolveTarget(field.Target))
	if len(hop.Types) == 0 {
		return hop, illegalf("field %q references target %q which resolves to no type", name, field.Target)
	}
	return hop, nil
}

func parseInverseHop(sch *schema.Schema, lx *lexer, cur []*schema.TypeDef) (hop Hop, err error) {
	typeName := lx.ident()
	if typeName == "" || !lx.accept(".") {
		return hop, illegalf("inverse hop requires Type.field at offset %d", lx.pos)
	}
	name := lx.ident()
	if name == "" {
		return hop, illegalf("inverse hop requires a field name at offset %d", lx.pos)
	}
	var sid uint32
	if lx.accept("#") {
		n, ok := lx.digits()
		if !ok {
			return hop, illegalf("expected storage id digits after '#' at offset %d", lx.pos)
		}
		sid = n
	}

	refTypes := sch.ResolveTarget(typeName)
	if len(refTypes) == 0 {
		return hop, illegalf("unknown type %q in inverse hop", typeName)
	}
	var field *schema.Field
	sids := map[uint32]bool{}
	var declarers []*schema.TypeDef
	for _, t := range refTypes {
		f := t.Field(name)
		if f == nil || (sid != 0 && f.StorageId != sid) {
			continue
		}
		sids[f.StorageId] = true
		declarers = append(declarers, t)
		field = f
	}
	if field == nil {
		return hop, illegalf("no field %q on %v", name, typeNames(refTypes))
	}
	if len(sids) > 1 {
		return hop, illegalf("field %q is ambiguous across %v, qualify with %s#storageId",
			name, typeNames(declarers), name)
	}
	if !field.IsRef() {
		return hop, illegalf("inverse hop through non-reference field %q", name)
	}
	if !overlaps(sch.ResolveTarget(field.Target), cur) {
		return hop, illegalf("field %s.%s does not reference %v", typeName, name, typeNames(cur))
	}

	return Hop{
		Inverse:   true,
		FieldName: name,
		StorageId: field.StorageId,
		Field:     *field,
		Types:     dedupeTypes(declarers),
	}, nil
}

func checkRefHop(f schema.Field, sub SubKind) error {
	switch sub {
	case SubNone:
		if f.Kind != schema.KindSimple || f.Elem != schema.EncRef {
			return illegalf("hop through %q which is not a simple reference", f.Name)
		}
	case SubElement:
		if (f.Kind != schema.KindSet && f.Kind != schema.KindList) || f.Elem != schema.EncRef {
			return illegalf("%q.element requires a set or list of references", f.Name)
		}
	case SubKey:
		if f.Kind != schema.KindMap || f.Key != schema.EncRef {
			return illegalf("%q.key requires a map with reference keys", f.Name)
		}
	case SubValue:
		if f.Kind != schema.KindMap || f.Elem != schema.EncRef {
			return illegalf("%q.value requires a map with reference values", f.Name)
		}
	}
	return nil
}

// commonSupertype names the most specific common supertype of the
// reachable leaf types: the type itself when only one remains, else a
// trait carried by all of them.
func commonSupertype(types []*schema.TypeDef) (string, error) {
	if len(types) == 0 {
		return "", illegalf("path reaches no type")
	}
	if len(types) == 1 {
		return types[0].Name, nil
	}
	shared := append([]string(nil), types[0].Traits...)
	for _, t := range types[1:] {
		keep := shared[:0]
		for _, c := range shared {
			if t.HasTrait(c) {
				keep = append(keep, c)
			}
		}
		shared = keep
	}
	if len(shared) == 0 {
		return "", illegalf("types %v share no common trait", typeNames(types))
	}
	sort.Strings(shared)
	return shared[0], nil
}

func overlaps(a, b []*schema.TypeDef) bool {
	for _, x := range a {
		for _, y := range b {
			if x.Name == y.Name {
				return true
			}
		}
	}
	return false
}

func dedupeTypes(types []*schema.TypeDef) []*schema.TypeDef {
	seen := make(map[string]bool, len(types))
	ret := types[:0:0]
	for _, t := range types {
		if !seen[t.Name] {
			seen[t.Name] = true
			ret = append(ret, t)
		}
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].Name < ret[j].Name })
	return ret
}
