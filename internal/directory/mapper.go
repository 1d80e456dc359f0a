package directory

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
	ldap "github.com/lor00x/goldap/message"

	"github.com/memberbase/ldapbridge/internal/privilege"
	"github.com/memberbase/ldapbridge/internal/schema"
)

// Search scopes, numbered as on the wire.
const (
	ScopeBase = 0
	ScopeOne  = 1
	ScopeSub  = 2
)

// entryUUIDSpace namespaces the deterministic entryUUID derivation.
var entryUUIDSpace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("ldapbridge"))

// Mapper owns the translation between the directory tree rooted at one
// base DN and the relational identity tables of a schema version.
type Mapper struct {
	base string
}

// NewMapper validates the configured base DN and returns a mapper for the
// tree rooted there.
func NewMapper(baseDN string) (*Mapper, error) {
	norm, err := NormalizeDN(baseDN)
	if err != nil || norm == "" {
		return nil, fmt.Errorf("invalid base dn %q", baseDN)
	}
	return &Mapper{base: norm}, nil
}

// BaseDN returns the normalized base DN of the tree.
func (m *Mapper) BaseDN() string {
	return m.base
}

// EntityQuery is one relational query produced by search planning: the
// entity to scan, the columns to select, and the predicate restricting the
// rows. Columns[0] is always the key column; Attrs runs parallel to
// Columns with the attribute each column serves ("" for the bare key).
type EntityQuery struct {
	Entity  *schema.EntityMapping
	Columns []string
	Attrs   []string
	Pred    Predicate
}

// Plan is what one search request maps to: structural entries served from
// memory and relational queries to run. The queries are built per request
// and never shared across principals; the row predicates they embed are
// principal-specific.
type Plan struct {
	Static  []*Entry
	Queries []EntityQuery
}

// Attributes lists every attribute name the plan's queries reference, for
// schema-conflict accounting.
func (p *Plan) Attributes() []string {
	seen := make(map[string]bool)
	var out []string
	for _, q := range p.Queries {
		for _, a := range q.Attrs {
			if a != "" && !seen[a] {
				seen[a] = true
				out = append(out, a)
			}
		}
	}
	return out
}

// Plan maps (baseObject, scope, filter) to the structural entries and
// entity queries it covers. Structural entries are filtered here; entity
// rows are filtered by the translated predicate in the store.
func (m *Mapper) Plan(v *schema.Version, baseObject string, scope int, f ldap.Filter, p *privilege.Principal) (*Plan, error) {
	base, err := NormalizeDN(baseObject)
	if err != nil {
		return nil, err
	}

	plan := &Plan{}

	addStatic := func(entries ...*Entry) error {
		for _, e := range entries {
			ok, err := MatchEntry(f, e)
			if err != nil {
				return err
			}
			if ok {
				plan.Static = append(plan.Static, e)
			}
		}
		return nil
	}

	addEntity := func(ent *schema.EntityMapping, rdnValue string) error {
		pred, err := m.translateFilter(ent, f)
		if err != nil {
			return err
		}
		conj := And{pred}
		if rdnValue != "" {
			// The DN names the row through its RDN attribute, which is
			// not necessarily backed by the key column.
			rdnCol, _ := ent.Column(ent.RDNAttribute)
			conj = append(conj, Equals{Column: rdnCol, Value: rdnValue})
		}
		if row := m.rowRulePredicate(ent, p); row != nil {
			conj = append(conj, row)
		}
		plan.Queries = append(plan.Queries, m.entityQuery(ent, conj))
		return nil
	}

	switch {
	case equalDN(base, m.base):
		switch scope {
		case ScopeBase:
			return plan, addStatic(m.rootEntry())
		case ScopeOne:
			return plan, addStatic(m.unitEntries(v)...)
		default:
			if err := addStatic(m.rootEntry()); err != nil {
				return nil, err
			}
			if err := addStatic(m.unitEntries(v)...); err != nil {
				return nil, err
			}
			for i := range v.Entities() {
				if err := addEntity(&v.Entities()[i], ""); err != nil {
					return nil, err
				}
			}
			return plan, nil
		}

	case strings.HasSuffix(strings.ToLower(base), ","+strings.ToLower(m.base)):
		prefix := base[:len(base)-len(m.base)-1]
		if ent, ok := v.EntityByParentRDN(prefix); ok {
			// base is one of the unit entries.
			switch scope {
			case ScopeBase:
				return plan, addStatic(m.unitEntry(ent))
			default:
				if err := addEntity(ent, ""); err != nil {
					return nil, err
				}
				if scope == ScopeSub {
					if err := addStatic(m.unitEntry(ent)); err != nil {
						return nil, err
					}
				}
				return plan, nil
			}
		}

		// base names one mapped entry.
		ent, rdnValue, err := m.DNToKey(v, base)
		if err != nil {
			return nil, err
		}
		if scope == ScopeOne {
			return plan, nil // mapped entries are leaves
		}
		return plan, addEntity(ent, rdnValue)

	default:
		return nil, fmt.Errorf("%w: %q", ErrNotInTree, baseObject)
	}
}

func (m *Mapper) entityQuery(ent *schema.EntityMapping, pred Predicate) EntityQuery {
	cols := []string{ent.KeyColumn}
	attrs := []string{""}
	for attr, col := range ent.Columns {
		cols = append(cols, col)
		attrs = append(attrs, strings.ToLower(attr))
	}
	return EntityQuery{Entity: ent, Columns: cols, Attrs: attrs, Pred: pred}
}

// rowRulePredicate translates the entity's row-level rules for the
// principal. Returns nil when every row is visible.
func (m *Mapper) rowRulePredicate(ent *schema.EntityMapping, p *privilege.Principal) Predicate {
	var conj And
	for _, rule := range ent.RowRules {
		exempt := false
		for _, role := range rule.ExemptRoles {
			if p != nil && p.HasRole(role) {
				exempt = true
				break
			}
		}
		if exempt {
			continue
		}
		if p == nil || p.IsAnonymous() {
			// No participation to match against: the rule hides
			// every row, it does not error.
			conj = append(conj, False{})
			continue
		}
		conj = append(conj, Participates{
			Table:        rule.Table,
			EntityColumn: rule.EntityColumn,
			MemberColumn: rule.MemberColumn,
			MemberKey:    p.Key,
		})
	}
	if len(conj) == 0 {
		return nil
	}
	return conj
}

// translateFilter walks the standard filter grammar and produces the
// neutral relational predicate for one entity. Operators outside the
// supported grammar fail with ErrUnsupportedFilter.
func (m *Mapper) translateFilter(ent *schema.EntityMapping, f ldap.Filter) (Predicate, error) {
	switch filter := f.(type) {
	case ldap.FilterAnd:
		conj := make(And, 0, len(filter))
		for _, child := range filter {
			p, err := m.translateFilter(ent, child)
			if err != nil {
				return nil, err
			}
			conj = append(conj, p)
		}
		return conj, nil

	case ldap.FilterOr:
		disj := make(Or, 0, len(filter))
		for _, child := range filter {
			p, err := m.translateFilter(ent, child)
			if err != nil {
				return nil, err
			}
			disj = append(disj, p)
		}
		return disj, nil

	case ldap.FilterNot:
		p, err := m.translateFilter(ent, filter.Filter)
		if err != nil {
			return nil, err
		}
		return Not{P: p}, nil

	case ldap.FilterEqualityMatch:
		attr := string(filter.AttributeDesc())
		value := string(filter.AssertionValue())
		if strings.EqualFold(attr, AttrObjectClass) {
			if ent.HasObjectClass(value) || strings.EqualFold(value, "top") {
				return True{}, nil
			}
			return False{}, nil
		}
		if col, ok := ent.Column(attr); ok {
			return Equals{Column: col, Value: value}, nil
		}
		if j, ok := ent.Join(attr); ok {
			if j.ValueIsMemberDN {
				value = memberKeyFromDN(value)
			}
			return JoinContains{Table: j.Table, ForeignKey: j.ForeignKey, Column: j.ValueColumn, Value: value}, nil
		}
		// An assertion on an attribute the entity does not serve is
		// Undefined, so it cannot match even under negation.
		return Undefined{}, nil

	case ldap.FilterPresent:
		attr := string(filter)
		if strings.EqualFold(attr, AttrObjectClass) || strings.EqualFold(attr, AttrEntryUUID) {
			return True{}, nil
		}
		if col, ok := ent.Column(attr); ok {
			return Present{Column: col}, nil
		}
		if j, ok := ent.Join(attr); ok {
			return JoinContains{Table: j.Table, ForeignKey: j.ForeignKey, Column: j.ValueColumn}, nil
		}
		return Undefined{}, nil

	case ldap.FilterSubstrings:
		attr := string(filter.Type_())
		col, ok := ent.Column(attr)
		if !ok {
			return Undefined{}, nil
		}
		sub := Substring{Column: col}
		for _, s := range filter.Substrings() {
			switch part := s.(type) {
			case ldap.SubstringInitial:
				sub.Initial = string(part)
			case ldap.SubstringAny:
				sub.Any = append(sub.Any, string(part))
			case ldap.SubstringFinal:
				sub.Final = string(part)
			}
		}
		return sub, nil

	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedFilter, f)
	}
}

// RenderRow turns one result row, aligned with the query's columns, into a
// directory entry. Null columns simply have no value.
func (m *Mapper) RenderRow(q EntityQuery, vals []sql.NullString) (*Entry, error) {
	if len(vals) != len(q.Columns) {
		return nil, fmt.Errorf("row has %d columns, query selects %d", len(vals), len(q.Columns))
	}

	var rdnValue string
	rdnCol, _ := q.Entity.Column(q.Entity.RDNAttribute)
	for i, col := range q.Columns {
		if col == rdnCol && vals[i].Valid {
			rdnValue = vals[i].String
			break
		}
	}
	if rdnValue == "" {
		return nil, fmt.Errorf("row of %s has no %s value", q.Entity.Table, q.Entity.RDNAttribute)
	}

	e := NewEntry(m.EntryDN(q.Entity, rdnValue))
	e.AddAttribute(AttrObjectClass, q.Entity.ObjectClasses...)
	e.AddAttribute(AttrEntryUUID, uuid.NewSHA1(entryUUIDSpace, []byte(e.DN)).String())
	for i, attr := range q.Attrs {
		if attr == "" || !vals[i].Valid || vals[i].String == "" {
			continue
		}
		e.AddAttribute(attr, vals[i].String)
	}
	return e, nil
}

// RenderJoin appends join-backed attribute values to an entry.
func (m *Mapper) RenderJoin(v *schema.Version, e *Entry, j *schema.JoinAttribute, values []string) {
	for _, val := range values {
		if j.ValueIsMemberDN {
			if members, ok := v.Entity("members"); ok {
				val = m.EntryDN(members, val)
			}
		}
		e.AddAttribute(j.Attribute, val)
	}
}

// Key returns the relational key of a rendered row (column 0).
func (q EntityQuery) Key(vals []sql.NullString) string {
	if len(vals) == 0 || !vals[0].Valid {
		return ""
	}
	return vals[0].String
}

func (m *Mapper) rootEntry() *Entry {
	e := NewEntry(m.base)
	e.AddAttribute(AttrObjectClass, "top", "organization")
	if _, v, _, err := firstRDN(m.base); err == nil {
		e.AddAttribute("o", v)
	}
	return e
}

func (m *Mapper) unitEntry(ent *schema.EntityMapping) *Entry {
	e := NewEntry(strings.ToLower(ent.ParentRDN) + "," + m.base)
	e.AddAttribute(AttrObjectClass, "top", "organizationalUnit")
	if _, v, ok := strings.Cut(strings.ToLower(ent.ParentRDN), "="); ok {
		e.AddAttribute("ou", v)
	}
	return e
}

func (m *Mapper) unitEntries(v *schema.Version) []*Entry {
	ents := v.Entities()
	out := make([]*Entry, 0, len(ents))
	for i := range ents {
		out = append(out, m.unitEntry(&ents[i]))
	}
	return out
}
