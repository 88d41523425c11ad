package schema

// A type contains a number of fields. Each field has a kind (simple,
// set, list, map, counter) and a value encoding. Every field is keyed
// in the database by its storage id, either declared explicitly or
// derived from the type and field names. The storage id, not the name,
// is the *actual key* for the field; entries sharing a storage id
// across types are the same field as far as indexes are concerned.

import (
	"unicode/utf8"

	"github.com/cespare/xxhash"
)

type Kind byte

const (
	KindSimple  Kind = 'v'
	KindSet     Kind = 's'
	KindList    Kind = 'l'
	KindMap     Kind = 'm'
	KindCounter Kind = 'c'
)

type Encoding byte

const (
	EncNone   Encoding = 0
	EncInt    Encoding = 'i'
	EncFloat  Encoding = 'f'
	EncString Encoding = 's'
	EncBool   Encoding = 'b'
	EncBytes  Encoding = 'x'
	EncRef    Encoding = 'r'
	EncEnum   Encoding = 'e'
)

// DeleteAction tells what happens to a reference field when its
// referent is deleted.
type DeleteAction byte

const (
	// DeleteBlock refuses the deletion with a ReferencedObjectError.
	DeleteBlock DeleteAction = 0
	// DeleteUnreference nulls the reference (removes the element).
	DeleteUnreference DeleteAction = 'u'
	// DeleteCascade deletes the referring object too.
	DeleteCascade DeleteAction = 'd'
)

type Field struct {
	Name      string
	StorageId uint32
	Kind      Kind
	// Elem is the encoding of the field value itself, of set/list
	// elements, or of map values.
	Elem Encoding
	// Key is the map key encoding, EncNone otherwise.
	Key Encoding
	// Target names the referent type or trait when Elem or Key is EncRef.
	Target string
	// Indexed maintains a value index over the field (per element for
	// collections, per value for maps).
	Indexed bool
	// KeyIndexed maintains a key index over a map field.
	KeyIndexed bool
	OnDelete   DeleteAction
	// Rules is a declarative validation tag, applied by the
	// bean-validation delegate at Validate()/commit time.
	Rules string
}

type Fields []Field

func (f Field) Valid() bool {
	for _, l := range f.Name {
		if l < ' ' {
			return false
		}
	}
	if len(f.Name) == 0 || !utf8.ValidString(f.Name) {
		return false
	}
	switch f.Kind {
	case KindSimple, KindSet, KindList:
		return f.Elem != EncNone && f.Key == EncNone
	case KindMap:
		return f.Elem != EncNone && f.Key != EncNone
	case KindCounter:
		return f.Elem == EncNone && f.Key == EncNone && !f.Indexed
	}
	return false
}

func (f Field) IsRef() bool {
	return f.Elem == EncRef || f.Key == EncRef
}

// Congruent reports whether two declarations describe the same storage
// layout and may therefore share a storage id under polymorphic queries.
func (f Field) Congruent(other Field) bool {
	return f.Kind == other.Kind && f.Elem == other.Elem && f.Key == other.Key
}

func (f Field) AnyIndex() bool {
	return f.Indexed || f.KeyIndexed
}

func (fs Fields) FindName(name string) (ndx int) {
	for i := 0; i < len(fs); i++ {
		if fs[i].Name == name {
			return i
		}
	}
	return -1
}

func (fs Fields) FindStorageId(sid uint32) (ndx int) {
	for i := 0; i < len(fs); i++ {
		if fs[i].StorageId == sid {
			return i
		}
	}
	return -1
}

// DeriveStorageId produces a stable per-type storage id for a field
// declared without one. Same-named fields of unrelated types get
// independent ids; sharing an index across types requires declaring
// the storage id explicitly.
func DeriveStorageId(typeName, fieldName string) uint32 {
	h := xxhash.Sum64String(typeName + "." + fieldName)
	return uint32(h)>>2 | 1<<30
}
