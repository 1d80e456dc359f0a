package directory

import (
	"fmt"
	"strings"

	goldap "github.com/go-ldap/ldap/v3"

	"github.com/memberbase/ldapbridge/internal/schema"
)

// NormalizeDN parses and re-renders a DN with lowercased attribute types,
// single-comma separators and RFC 4514 value escaping, so string
// comparison becomes reliable.
func NormalizeDN(dn string) (string, error) {
	if dn == "" {
		return "", nil
	}
	parsed, err := goldap.ParseDN(dn)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrNotInTree, dn)
	}
	return renderRDNs(parsed.RDNs), nil
}

// renderRDNs re-renders parsed RDNs, escaping the values the parser
// unescaped.
func renderRDNs(rdns []*goldap.RelativeDN) string {
	parts := make([]string, 0, len(rdns))
	for _, rdn := range rdns {
		avas := make([]string, 0, len(rdn.Attributes))
		for _, ava := range rdn.Attributes {
			avas = append(avas, strings.ToLower(ava.Type)+"="+goldap.EscapeDN(ava.Value))
		}
		parts = append(parts, strings.Join(avas, "+"))
	}
	return strings.Join(parts, ",")
}

// equalDN compares two normalized DNs, value case included, the way LDAP
// caseIgnoreMatch does.
func equalDN(a, b string) bool {
	return strings.EqualFold(a, b)
}

// firstRDN splits a DN into its first naming attribute, that attribute's
// raw (unescaped) value, and the remainder of the DN.
func firstRDN(dn string) (attr, value, rest string, err error) {
	parsed, err := goldap.ParseDN(dn)
	if err != nil || len(parsed.RDNs) == 0 || len(parsed.RDNs[0].Attributes) == 0 {
		return "", "", "", fmt.Errorf("%w: %q", ErrNotInTree, dn)
	}
	first := parsed.RDNs[0].Attributes[0]
	return first.Type, first.Value, renderRDNs(parsed.RDNs[1:]), nil
}

// DNToKey resolves a DN inside the tree to the entity it belongs to and
// the value of its naming attribute, unescaped.
func (m *Mapper) DNToKey(v *schema.Version, dn string) (*schema.EntityMapping, string, error) {
	norm, err := NormalizeDN(dn)
	if err != nil {
		return nil, "", err
	}

	attr, value, rest, err := firstRDN(norm)
	if err != nil {
		return nil, "", err
	}

	parentRDN, base, _ := strings.Cut(rest, ",")
	if !equalDN(base, m.base) && !equalDN(rest, m.base) {
		return nil, "", fmt.Errorf("%w: %q", ErrNotInTree, dn)
	}
	if !equalDN(base, m.base) {
		// dn is directly under the base: a structural entry, no key.
		return nil, "", fmt.Errorf("%w: %q has no relational key", ErrNotInTree, dn)
	}

	ent, ok := v.EntityByParentRDN(parentRDN)
	if !ok {
		return nil, "", fmt.Errorf("%w: no entity under %q", ErrNotInTree, parentRDN)
	}
	if !strings.EqualFold(attr, ent.RDNAttribute) {
		return nil, "", fmt.Errorf("%w: %q is not the naming attribute of %s", ErrNotInTree, attr, ent.Name)
	}
	return ent, value, nil
}

// EntryDN builds the DN of an entity row from its RDN attribute value.
func (m *Mapper) EntryDN(ent *schema.EntityMapping, rdnValue string) string {
	return strings.ToLower(ent.RDNAttribute) + "=" + goldap.EscapeDN(rdnValue) + "," + strings.ToLower(ent.ParentRDN) + "," + m.base
}

// memberKeyFromDN extracts the member key from a member entry DN, used when
// a filter asserts equality on a DN-valued attribute. Falls back to the
// raw value when it does not parse as a DN.
func memberKeyFromDN(value string) string {
	norm, err := NormalizeDN(value)
	if err != nil {
		return value
	}
	_, v, _, err := firstRDN(norm)
	if err != nil {
		return value
	}
	return v
}
