package schema

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
)

// ParseDefinition decodes one JSON schema definition.
func ParseDefinition(r io.Reader) (Definition, error) {
	var def Definition
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&def); err != nil {
		return Definition{}, fmt.Errorf("parse schema definition: %w", err)
	}
	if err := def.Validate(); err != nil {
		return Definition{}, err
	}
	return def, nil
}

// LoadDefinition reads and parses the schema definition file at path.
func LoadDefinition(path string) (Definition, error) {
	f, err := os.Open(path)
	if err != nil {
		return Definition{}, fmt.Errorf("open schema definition: %w", err)
	}
	defer f.Close()
	return ParseDefinition(f)
}

// Validate checks structural consistency of the definition.
func (d *Definition) Validate() error {
	if len(d.Entities) == 0 {
		return fmt.Errorf("schema definition declares no entities")
	}

	classes := make(map[string]bool, len(d.ObjectClasses))
	for _, oc := range d.ObjectClasses {
		if oc.Name == "" {
			return fmt.Errorf("object class with empty name")
		}
		classes[strings.ToLower(oc.Name)] = true
	}

	attrs := make(map[string]bool, len(d.AttributeTypes))
	for _, at := range d.AttributeTypes {
		if at.Name == "" {
			return fmt.Errorf("attribute type with empty name")
		}
		attrs[strings.ToLower(at.Name)] = true
	}

	seen := make(map[string]bool, len(d.Entities))
	for i := range d.Entities {
		e := &d.Entities[i]
		switch {
		case e.Name == "":
			return fmt.Errorf("entity with empty name")
		case seen[e.Name]:
			return fmt.Errorf("entity %q declared twice", e.Name)
		case e.Table == "":
			return fmt.Errorf("entity %q: no table", e.Name)
		case e.KeyColumn == "":
			return fmt.Errorf("entity %q: no key column", e.Name)
		case e.RDNAttribute == "":
			return fmt.Errorf("entity %q: no rdn attribute", e.Name)
		case e.ParentRDN == "":
			return fmt.Errorf("entity %q: no parent rdn", e.Name)
		}
		seen[e.Name] = true

		if _, ok := e.Column(e.RDNAttribute); !ok {
			return fmt.Errorf("entity %q: rdn attribute %q has no column mapping", e.Name, e.RDNAttribute)
		}
		for _, oc := range e.ObjectClasses {
			if !classes[strings.ToLower(oc)] {
				return fmt.Errorf("entity %q: unknown object class %q", e.Name, oc)
			}
		}
		for attr := range e.Columns {
			if len(attrs) > 0 && !attrs[strings.ToLower(attr)] {
				return fmt.Errorf("entity %q: attribute %q has no attribute type", e.Name, attr)
			}
		}
		for _, j := range e.Joins {
			if j.Attribute == "" || j.Table == "" || j.ForeignKey == "" || j.ValueColumn == "" {
				return fmt.Errorf("entity %q: incomplete join attribute", e.Name)
			}
		}
		for _, rr := range e.RowRules {
			if rr.Table == "" || rr.EntityColumn == "" || rr.MemberColumn == "" {
				return fmt.Errorf("entity %q: incomplete row rule", e.Name)
			}
		}
	}
	return nil
}
