package schema

import "unicode/utf8"

// TypeDef is a declared model type: a named bag of field descriptors
// plus a set of capability traits. Traits stand in for supertypes:
// types sharing a trait are queried together polymorphically, and a
// reference target may name either a concrete type or a trait.
type TypeDef struct {
	Name      string
	StorageId uint16
	Fields    Fields
	Traits    []string
}

func (t *TypeDef) Valid() bool {
	if len(t.Name) == 0 || !utf8.ValidString(t.Name) || t.StorageId == 0 {
		return false
	}
	for _, f := range t.Fields {
		if !f.Valid() {
			return false
		}
	}
	return true
}

func (t *TypeDef) HasTrait(trait string) bool {
	for _, c := range t.Traits {
		if c == trait {
			return true
		}
	}
	return false
}

func (t *TypeDef) Field(name string) *Field {
	if ndx := t.Fields.FindName(name); ndx >= 0 {
		return &t.Fields[ndx]
	}
	return nil
}

func (t *TypeDef) FieldByStorageId(sid uint32) *Field {
	if ndx := t.Fields.FindStorageId(sid); ndx >= 0 {
		return &t.Fields[ndx]
	}
	return nil
}

// Normalize fills in derived storage ids and sorts nothing: field
// order is the declaration order, which also fixes callback order.
func (t *TypeDef) Normalize() {
	for i := range t.Fields {
		if t.Fields[i].StorageId == 0 {
			t.Fields[i].StorageId = DeriveStorageId(t.Name, t.Fields[i].Name)
		}
	}
}
