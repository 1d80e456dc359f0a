// Package privilege converts the relational store's role-based column
// grants into per-attribute, per-principal read/write decisions.
package privilege

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/memberbase/ldapbridge/internal/schema"
)

var (
	// ErrAttributeNotWritable is returned when a write touches an
	// attribute no role of the principal may update.
	ErrAttributeNotWritable = errors.New("attribute not writable")

	// ErrAttributeNotReadable is returned when a read names an attribute
	// no role of the principal may select.
	ErrAttributeNotReadable = errors.New("attribute not readable")
)

// AnonymousRole is the pseudo-role carried by unauthenticated sessions.
const AnonymousRole = "anonymous"

// Mode selects the grant direction being checked.
type Mode int

const (
	Read Mode = iota
	Write
)

// Principal is the authenticated identity of one session. The role set and
// its grant snapshot are resolved once at bind and never refreshed; a role
// change in the relational store takes effect on the next bind.
type Principal struct {
	DN     string
	Key    string // relational member key, empty for anonymous
	Roles  []string
	Grants *Grants
}

// Anonymous returns the pre-bind principal of a session.
func Anonymous() *Principal {
	return &Principal{Roles: []string{AnonymousRole}}
}

// IsAnonymous reports whether the principal never completed a bind.
func (p *Principal) IsAnonymous() bool {
	return p.Key == ""
}

// HasRole reports whether the principal holds the role.
func (p *Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// ColumnGrant mirrors one relational GRANT row: role may exercise privilege
// on table.column. A REVOKE is represented by the row's absence.
type ColumnGrant struct {
	Role      string
	Table     string
	Column    string
	Privilege string // SELECT or UPDATE
}

// GrantSource provides the grant metadata the relational store encodes.
type GrantSource interface {
	ColumnGrants(ctx context.Context, roles []string) ([]ColumnGrant, error)
}

// Grants is the attribute-level snapshot of a principal's access, the union
// of every grant across the principal's role set. Absence means no access.
type Grants struct {
	read  map[string]struct{}
	write map[string]struct{}
}

func newGrants() *Grants {
	return &Grants{
		read:  make(map[string]struct{}),
		write: make(map[string]struct{}),
	}
}

func (g *Grants) allow(attr string, mode Mode) {
	attr = strings.ToLower(attr)
	switch mode {
	case Read:
		g.read[attr] = struct{}{}
	case Write:
		g.write[attr] = struct{}{}
	}
}

// CanRead reports whether some role grants SELECT on the attribute's column.
func (g *Grants) CanRead(attr string) bool {
	_, ok := g.read[strings.ToLower(attr)]
	return ok
}

// CanWrite reports whether some role grants UPDATE on the attribute's column.
func (g *Grants) CanWrite(attr string) bool {
	_, ok := g.write[strings.ToLower(attr)]
	return ok
}

// FilterReadable returns the subset of attrs the principal may read.
// Attributes without a grant are dropped, not errored: search responses
// simply omit them.
func (g *Grants) FilterReadable(attrs map[string][]string) map[string][]string {
	out := make(map[string][]string, len(attrs))
	for name, values := range attrs {
		if g.CanRead(name) {
			out[name] = values
		}
	}
	return out
}

// CheckWrite verifies every named attribute is writable. A single
// unauthorized attribute fails the whole write; partial application would
// break the store's transactional grant semantics.
func (g *Grants) CheckWrite(attrs []string) error {
	for _, a := range attrs {
		if !g.CanWrite(a) {
			return fmt.Errorf("%w: %s", ErrAttributeNotWritable, strings.ToLower(a))
		}
	}
	return nil
}

// Translator resolves grant snapshots against a schema version.
type Translator struct {
	src GrantSource
}

func NewTranslator(src GrantSource) *Translator {
	return &Translator{src: src}
}

// Resolve fetches the column grants for the role set and translates them to
// attribute grants using the entity mappings of the given schema version.
// Column grants on unmapped columns are ignored; they concern data the
// directory does not expose.
func (t *Translator) Resolve(ctx context.Context, v *schema.Version, roles []string) (*Grants, error) {
	rows, err := t.src.ColumnGrants(ctx, roles)
	if err != nil {
		return nil, fmt.Errorf("resolve grants: %w", err)
	}

	g := newGrants()
	for _, cg := range rows {
		for _, ent := range v.Entities() {
			if !strings.EqualFold(ent.Table, cg.Table) {
				continue
			}
			for attr, col := range ent.Columns {
				if !strings.EqualFold(col, cg.Column) {
					continue
				}
				switch strings.ToUpper(cg.Privilege) {
				case "SELECT":
					g.allow(attr, Read)
				case "UPDATE":
					g.allow(attr, Write)
				}
			}
			// Join-backed attributes are granted through their join
			// table's value column.
			for _, j := range ent.Joins {
				if strings.EqualFold(j.Table, cg.Table) && strings.EqualFold(j.ValueColumn, cg.Column) &&
					strings.ToUpper(cg.Privilege) == "SELECT" {
					g.allow(j.Attribute, Read)
				}
			}
		}
	}
	return g, nil
}
