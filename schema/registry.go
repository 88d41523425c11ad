package schema

import (
	"encoding/binary"
	"sort"
	"strconv"
	"sync"

	"github.com/cespare/xxhash"
	"github.com/learn-decentralized-systems/toytlv"
	"github.com/pkg/errors"

	"github.com/stratadb/strata/strata_errors"
)

// SchemaId is the stable identifier of a schema layout: identical
// type/field shape hashes to the identical id across runs.
type SchemaId uint64

func (id SchemaId) Bytes() []byte {
	var ret [8]byte
	binary.BigEndian.PutUint64(ret[:], uint64(id))
	return ret[:]
}

func (id SchemaId) String() string {
	return strconv.FormatUint(uint64(id), 16)
}

// Schema is an immutable, registered set of type definitions.
type Schema struct {
	types   []*TypeDef // sorted by name
	byName  map[string]*TypeDef
	bySid   map[uint16]*TypeDef
	version int
	id      SchemaId
}

func (s *Schema) Id() SchemaId  { return s.id }
func (s *Schema) Version() int  { return s.version }
func (s *Schema) Types() []*TypeDef {
	return s.types
}

func (s *Schema) Type(name string) *TypeDef {
	return s.byName[name]
}

func (s *Schema) TypeByStorageId(sid uint16) *TypeDef {
	return s.bySid[sid]
}

func (s *Schema) TypesWithTrait(trait string) (ret []*TypeDef) {
	for _, t := range s.types {
		if t.HasTrait(trait) {
			ret = append(ret, t)
		}
	}
	return
}

// ResolveTarget maps a reference target (a type name or a trait) to
// the set of concrete types it may point at.
func (s *Schema) ResolveTarget(target string) (ret []*TypeDef) {
	if t := s.byName[target]; t != nil {
		return []*TypeDef{t}
	}
	return s.TypesWithTrait(target)
}

// Registry keeps every registered schema version. Version numbers are
// assigned in registration order, starting at 1; re-registering an
// identical layout returns the already-assigned version.
type Registry struct {
	lock     sync.RWMutex
	versions []*Schema
	byId     map[SchemaId]int
}

func NewRegistry() *Registry {
	return &Registry{byId: make(map[SchemaId]int)}
}

func (reg *Registry) Register(types ...*TypeDef) (*Schema, error) {
	for _, t := range types {
		t.Normalize()
		if !t.Valid() {
			return nil, errors.Wrapf(strata_errors.ErrSchemaConflict, "invalid type declaration %q", t.Name)
		}
	}
	sorted := make([]*TypeDef, len(types))
	copy(sorted, types)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	if err := checkConflicts(sorted); err != nil {
		return nil, err
	}

	sch := &Schema{
		types:  sorted,
		byName: make(map[string]*TypeDef, len(sorted)),
		bySid:  make(map[uint16]*TypeDef, len(sorted)),
	}
	for _, t := range sorted {
		sch.byName[t.Name] = t
		sch.bySid[t.StorageId] = t
	}
	sch.id = SchemaId(xxhash.Sum64(sch.TLV()))

	reg.lock.Lock()
	defer reg.lock.Unlock()
	if v, ok := reg.byId[sch.id]; ok {
		return reg.versions[v-1], nil
	}
	sch.version = len(reg.versions) + 1
	reg.versions = append(reg.versions, sch)
	reg.byId[sch.id] = sch.version
	return sch, nil
}

func (reg *Registry) Version(v int) *Schema {
	reg.lock.RLock()
	defer reg.lock.RUnlock()
	if v < 1 || v > len(reg.versions) {
		return nil
	}
	return reg.versions[v-1]
}

func (reg *Registry) ById(id SchemaId) *Schema {
	reg.lock.RLock()
	defer reg.lock.RUnlock()
	if v, ok := reg.byId[id]; ok {
		return reg.versions[v-1]
	}
	return nil
}

func (reg *Registry) Latest() *Schema {
	reg.lock.RLock()
	defer reg.lock.RUnlock()
	if len(reg.versions) == 0 {
		return nil
	}
	return reg.versions[len(reg.versions)-1]
}

func (reg *Registry) Len() int {
	reg.lock.RLock()
	defer reg.lock.RUnlock()
	return len(reg.versions)
}

// checkConflicts rejects incompatible redeclarations instead of
// silently picking one. Fields sharing a storage id must agree on the
// name, and must be storage-congruent whenever either side is indexed
// (for maps that includes the key encoding, because index entries
// embed the key). Name collisions under independent storage ids are
// permitted.
func checkConflicts(types []*TypeDef) error {
	seenType := make(map[uint16]string)
	names := make(map[string]bool)
	traits := make(map[string]bool)
	for _, t := range types {
		if names[t.Name] {
			return errors.Wrapf(strata_errors.ErrSchemaConflict, "duplicate type name %q", t.Name)
		}
		names[t.Name] = true
		if prev, ok := seenType[t.StorageId]; ok {
			return errors.Wrapf(strata_errors.ErrSchemaConflict,
				"types %q and %q share storage id %d", prev, t.Name, t.StorageId)
		}
		seenType[t.StorageId] = t.Name
		for _, c := range t.Traits {
			traits[c] = true
		}
	}

	type decl struct {
		typeName string
		field    Field
	}
	byStorage := make(map[uint32]decl)
	for _, t := range types {
		local := make(map[uint32]bool)
		for _, f := range t.Fields {
			if local[f.StorageId] {
				return errors.Wrapf(strata_errors.ErrSchemaConflict,
					"type %q declares storage id %d twice", t.Name, f.StorageId)
			}
			local[f.StorageId] = true
			if f.IsRef() && !names[f.Target] && !traits[f.Target] {
				return errors.Wrapf(strata_errors.ErrSchemaConflict,
					"field %q.%q references unknown target %q", t.Name, f.Name, f.Target)
			}
			prev, ok := byStorage[f.StorageId]
			if !ok {
				byStorage[f.StorageId] = decl{t.Name, f}
				continue
			}
			if prev.field.Name != f.Name {
				return errors.Wrapf(strata_errors.ErrSchemaConflict,
					"storage id %d is %q.%q but also %q.%q", f.StorageId,
					prev.typeName, prev.field.Name, t.Name, f.Name)
			}
			if (prev.field.AnyIndex() || f.AnyIndex()) && !prev.field.Congruent(f) {
				return errors.Wrapf(strata_errors.ErrSchemaConflict,
					"indexed field %q has non-congruent encodings in %q and %q",
					f.Name, prev.typeName, t.Name)
			}
		}
	}
	return nil
}

// TLV is the canonical wire form of the schema: it is both the hashing
// input for the SchemaId and the persisted layout record.
func (s *Schema) TLV() (ret []byte) {
	for _, t := range s.types {
		body := toytlv.Record('N', []byte(t.Name))
		var sid [2]byte
		binary.BigEndian.PutUint16(sid[:], t.StorageId)
		body = append(body, toytlv.Record('I', sid[:])...)
		sortedTraits := append([]string(nil), t.Traits...)
		sort.Strings(sortedTraits)
		for _, c := range sortedTraits {
			body = append(body, toytlv.Record('C', []byte(c))...)
		}
		for _, f := range t.Fields {
			body = append(body, toytlv.Record('F', fieldTLV(f))...)
		}
		ret = append(ret, toytlv.Record('T', body)...)
	}
	return
}

func fieldTLV(f Field) (ret []byte) {
	ret = toytlv.Record('N', []byte(f.Name))
	var blob [12]byte
	binary.BigEndian.PutUint32(blob[:4], f.StorageId)
	blob[4] = byte(f.Kind)
	blob[5] = byte(f.Elem)
	blob[6] = byte(f.Key)
	if f.Indexed {
		blob[7] = 1
	}
	if f.KeyIndexed {
		blob[8] = 1
	}
	blob[9] = byte(f.OnDelete)
	ret = append(ret, toytlv.Record('B', blob[:])...)
	ret = append(ret, toytlv.Record('R', []byte(f.Target))...)
	ret = append(ret, toytlv.Record('V', []byte(f.Rules))...)
	return
}

var ErrBadSchemaRecord = errors.New("strata: bad schema record")

// ParseSchemaTLV decodes a persisted schema layout back into type
// declarations; Register-ing them reproduces the identical SchemaId.
func ParseSchemaTLV(tlv []byte) (types []*TypeDef, err error) {
	rest := tlv
	for len(rest) > 0 {
		var body []byte
		body, rest = toytlv.Take('T', rest)
		if body == nil {
			return nil, ErrBadSchemaRecord
		}
		t := &TypeDef{}
		var name, sid []byte
		name, body = toytlv.Take('N', body)
		sid, body = toytlv.Take('I', body)
		if name == nil || len(sid) != 2 {
			return nil, ErrBadSchemaRecord
		}
		t.Name = string(name)
		t.StorageId = binary.BigEndian.Uint16(sid)
		// Take nils everything on a literal mismatch, so the remaining
		// records are dispatched by their own literal
		for len(body) > 0 {
			lit, rec, tail := toytlv.TakeAny(body)
			if rec == nil {
				return nil, ErrBadSchemaRecord
			}
			switch lit {
			case 'C':
				t.Traits = append(t.Traits, string(rec))
			case 'F':
				f, e := parseFieldTLV(rec)
				if e != nil {
					return nil, e
				}
				t.Fields = append(t.Fields, f)
			default:
				return nil, ErrBadSchemaRecord
			}
			body = tail
		}
		types = append(types, t)
	}
	return
}

func parseFieldTLV(tlv []byte) (f Field, err error) {
	name, rest := toytlv.Take('N', tlv)
	blob, rest := toytlv.Take('B', rest)
	target, rest := toytlv.Take('R', rest)
	rules, _ := toytlv.Take('V', rest)
	if name == nil || len(blob) != 12 {
		return f, ErrBadSchemaRecord
	}
	f.Name = string(name)
	f.StorageId = binary.BigEndian.Uint32(blob[:4])
	f.Kind = Kind(blob[4])
	f.Elem = Encoding(blob[5])
	f.Key = Encoding(blob[6])
	f.Indexed = blob[7] == 1
	f.KeyIndexed = blob[8] == 1
	f.OnDelete = DeleteAction(blob[9])
	f.Target = string(target)
	f.Rules = string(rules)
	return
}
