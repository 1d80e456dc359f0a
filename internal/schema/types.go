// Package schema holds the directory schema the bridge exposes: object
// classes, attribute types, and the mapping between the directory tree and
// the relational identity tables. Definitions are published as immutable
// versioned snapshots; sessions keep the snapshot they started under.
package schema

import "strings"

// AttributeType describes one attribute the directory exposes.
type AttributeType struct {
	Name        string `json:"name"`
	SingleValue bool   `json:"singleValue"`
	// NoUserModification marks operational attributes (entryUUID).
	NoUserModification bool `json:"noUserModification"`
}

// ObjectClass names the attribute sets an entry may declare.
type ObjectClass struct {
	Name string   `json:"name"`
	Must []string `json:"must"`
	May  []string `json:"may"`
}

// JoinAttribute is a multi-valued attribute backed by a join table rather
// than a column, e.g. committee membership.
type JoinAttribute struct {
	Attribute   string `json:"attribute"`
	Table       string `json:"table"`
	ForeignKey  string `json:"foreignKey"`  // column referencing the entity key
	ValueColumn string `json:"valueColumn"` // column holding the attribute value
	// ValueIsMemberDN renders the value as a member entry DN instead of
	// the raw column value.
	ValueIsMemberDN bool `json:"valueIsMemberDN"`
}

// RowRule restricts which rows of an entity a principal may see. Principals
// holding one of the exempt roles see every row; everyone else sees only
// rows they participate in through the join table.
type RowRule struct {
	ExemptRoles  []string `json:"exemptRoles"`
	Table        string   `json:"table"`        // participation join table
	EntityColumn string   `json:"entityColumn"` // references the entity key
	MemberColumn string   `json:"memberColumn"` // references the member key
}

// EntityMapping projects one relational table into a directory subtree.
type EntityMapping struct {
	Name          string            `json:"name"`
	Table         string            `json:"table"`
	KeyColumn     string            `json:"keyColumn"`
	RDNAttribute  string            `json:"rdnAttribute"`
	ParentRDN     string            `json:"parentRdn"` // e.g. "ou=members"
	ObjectClasses []string          `json:"objectClasses"`
	Columns       map[string]string `json:"columns"` // attribute -> column
	Joins         []JoinAttribute   `json:"joins"`
	RowRules      []RowRule         `json:"rowRules"`
}

// Column returns the relational column backing attr, case-insensitively.
func (e *EntityMapping) Column(attr string) (string, bool) {
	for a, col := range e.Columns {
		if strings.EqualFold(a, attr) {
			return col, true
		}
	}
	return "", false
}

// Join returns the join-backed attribute named attr, case-insensitively.
func (e *EntityMapping) Join(attr string) (*JoinAttribute, bool) {
	for i := range e.Joins {
		if strings.EqualFold(e.Joins[i].Attribute, attr) {
			return &e.Joins[i], true
		}
	}
	return nil, false
}

// HasObjectClass reports whether the entity declares the given class.
func (e *EntityMapping) HasObjectClass(name string) bool {
	for _, oc := range e.ObjectClasses {
		if strings.EqualFold(oc, name) {
			return true
		}
	}
	return false
}

// AttributeNames lists every attribute the entity can serve, RDN attribute
// and joins included.
func (e *EntityMapping) AttributeNames() []string {
	names := make([]string, 0, len(e.Columns)+len(e.Joins))
	for a := range e.Columns {
		names = append(names, a)
	}
	for _, j := range e.Joins {
		names = append(names, j.Attribute)
	}
	return names
}

// Definition is one parseable schema snapshot, before versioning.
type Definition struct {
	AttributeTypes []AttributeType `json:"attributeTypes"`
	ObjectClasses  []ObjectClass   `json:"objectClasses"`
	Entities       []EntityMapping `json:"entities"`
}

// HasAttribute reports whether any entity serves the attribute.
func (d *Definition) HasAttribute(name string) bool {
	for i := range d.Entities {
		if _, ok := d.Entities[i].Column(name); ok {
			return true
		}
		if _, ok := d.Entities[i].Join(name); ok {
			return true
		}
	}
	return false
}

// Entity returns the mapping with the given name.
func (d *Definition) Entity(name string) (*EntityMapping, bool) {
	for i := range d.Entities {
		if d.Entities[i].Name == name {
			return &d.Entities[i], true
		}
	}
	return nil, false
}

// EntityByParentRDN returns the mapping whose subtree hangs under rdn.
func (d *Definition) EntityByParentRDN(rdn string) (*EntityMapping, bool) {
	for i := range d.Entities {
		if strings.EqualFold(d.Entities[i].ParentRDN, rdn) {
			return &d.Entities[i], true
		}
	}
	return nil, false
}
