package schema

import (
	"encoding/xml"
	"fmt"
)

// Document is the inspection/tooling serialization of a registered
// schema. It is descriptive only; the TLV form remains the canonical
// layout record.
type Document struct {
	XMLName xml.Name       `xml:"Schema"`
	Id      string         `xml:"id,attr"`
	Version int            `xml:"version,attr"`
	Types   []DocumentType `xml:"ObjectType"`
}

type DocumentType struct {
	Name      string          `xml:"name,attr"`
	StorageId uint16          `xml:"storageId,attr"`
	Traits    []string        `xml:"Trait,omitempty"`
	Fields    []DocumentField `xml:"Field"`
}

type DocumentField struct {
	Name      string `xml:"name,attr"`
	StorageId uint32 `xml:"storageId,attr"`
	Kind      string `xml:"kind,attr"`
	Encoding  string `xml:"encoding,attr,omitempty"`
	Key       string `xml:"key,attr,omitempty"`
	Target    string `xml:"target,attr,omitempty"`
	Indexed   bool   `xml:"indexed,attr,omitempty"`
}

func (k Kind) String() string {
	switch k {
	case KindSimple:
		return "simple"
	case KindSet:
		return "set"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	case KindCounter:
		return "counter"
	}
	return "?"
}

func (e Encoding) String() string {
	switch e {
	case EncNone:
		return ""
	case EncInt:
		return "int"
	case EncFloat:
		return "float"
	case EncString:
		return "string"
	case EncBool:
		return "bool"
	case EncBytes:
		return "bytes"
	case EncRef:
		return "reference"
	case EncEnum:
		return "enum"
	}
	return "?"
}

func (s *Schema) Document() *Document {
	doc := &Document{
		Id:      fmt.Sprintf("%016x", uint64(s.id)),
		Version: s.version,
	}
	for _, t := range s.types {
		dt := DocumentType{
			Name:      t.Name,
			StorageId: t.StorageId,
			Traits:    t.Traits,
		}
		for _, f := range t.Fields {
			dt.Fields = append(dt.Fields, DocumentField{
				Name:      f.Name,
				StorageId: f.StorageId,
				Kind:      f.Kind.String(),
				Encoding:  f.Elem.String(),
				Key:       f.Key.String(),
				Target:    f.Target,
				Indexed:   f.Indexed,
			})
		}
		doc.Types = append(doc.Types, dt)
	}
	return doc
}

func (s *Schema) MarshalXML() ([]byte, error) {
	return xml.MarshalIndent(s.Document(), "", "  ")
}
