package store

import (
	"fmt"
	"strings"

	"github.com/memberbase/ldapbridge/internal/directory"
)

// renderPredicate turns a neutral predicate into a SQL condition with $n
// placeholders. outerKey is the qualified key column of the entity table,
// used to correlate EXISTS subqueries; offset is the number of
// placeholders already consumed by the caller.
func renderPredicate(p directory.Predicate, outerKey string, offset int) (string, []any, error) {
	r := &sqlRenderer{outerKey: outerKey, n: offset}
	cond, err := r.render(p)
	if err != nil {
		return "", nil, err
	}
	return cond, r.args, nil
}

type sqlRenderer struct {
	outerKey string
	n        int
	args     []any
}

func (r *sqlRenderer) bind(v any) string {
	r.n++
	r.args = append(r.args, v)
	return fmt.Sprintf("$%d", r.n)
}

func (r *sqlRenderer) render(p directory.Predicate) (string, error) {
	switch p := p.(type) {
	case nil:
		return "TRUE", nil
	case directory.True:
		return "TRUE", nil
	case directory.False:
		return "FALSE", nil
	case directory.Undefined:
		// SQL's three-valued logic gives the LDAP Undefined semantics
		// for free: NULL stays NULL under NOT, and only TRUE selects.
		return "NULL", nil
	case directory.And:
		return r.renderList([]directory.Predicate(p), " AND ", "TRUE")
	case directory.Or:
		return r.renderList([]directory.Predicate(p), " OR ", "FALSE")
	case directory.Not:
		inner, err := r.render(p.P)
		if err != nil {
			return "", err
		}
		return "NOT (" + inner + ")", nil
	case directory.Equals:
		return fmt.Sprintf("lower(%s::text) = lower(%s)", p.Column, r.bind(p.Value)), nil
	case directory.Present:
		return fmt.Sprintf("%s IS NOT NULL", p.Column), nil
	case directory.Substring:
		return fmt.Sprintf("%s::text ILIKE %s", p.Column, r.bind(likePattern(p))), nil
	case directory.JoinContains:
		if p.Value == "" {
			return fmt.Sprintf("EXISTS (SELECT 1 FROM %s j WHERE j.%s = %s)",
				p.Table, p.ForeignKey, r.outerKey), nil
		}
		return fmt.Sprintf("EXISTS (SELECT 1 FROM %s j WHERE j.%s = %s AND lower(j.%s::text) = lower(%s))",
			p.Table, p.ForeignKey, r.outerKey, p.Column, r.bind(p.Value)), nil
	case directory.Participates:
		return fmt.Sprintf("EXISTS (SELECT 1 FROM %s j WHERE j.%s = %s AND j.%s = %s)",
			p.Table, p.EntityColumn, r.outerKey, p.MemberColumn, r.bind(p.MemberKey)), nil
	default:
		return "", fmt.Errorf("unrenderable predicate %T", p)
	}
}

func (r *sqlRenderer) renderList(ps []directory.Predicate, sep, empty string) (string, error) {
	if len(ps) == 0 {
		return empty, nil
	}
	parts := make([]string, 0, len(ps))
	for _, p := range ps {
		cond, err := r.render(p)
		if err != nil {
			return "", err
		}
		parts = append(parts, "("+cond+")")
	}
	return strings.Join(parts, sep), nil
}

// likePattern builds the ILIKE pattern for an LDAP substring assertion,
// escaping the pattern metacharacters in the assertion pieces.
func likePattern(s directory.Substring) string {
	var b strings.Builder
	b.WriteString(escapeLike(s.Initial))
	b.WriteString("%")
	for _, a := range s.Any {
		b.WriteString(escapeLike(a))
		b.WriteString("%")
	}
	b.WriteString(escapeLike(s.Final))
	return b.String()
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}
