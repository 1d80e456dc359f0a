package directory

import (
	"fmt"
	"strings"

	ldap "github.com/lor00x/goldap/message"
)

// Filter evaluation is three-valued: an assertion on an attribute the
// entry does not carry is Undefined, and Undefined cannot match under
// either polarity. Presence is the exception: an absent attribute is
// plainly not present.
type matchResult int

const (
	matchFalse matchResult = iota
	matchTrue
	matchUndefined
)

// MatchEntry evaluates a filter against an in-memory entry. Used for the
// structural entries the bridge synthesizes; mapped entries are filtered
// relationally instead. The supported grammar is the same as in
// translateFilter, and unsupported operators fail the same way.
func MatchEntry(f ldap.Filter, e *Entry) (bool, error) {
	r, err := matchEntry(f, e)
	return r == matchTrue, err
}

func matchEntry(f ldap.Filter, e *Entry) (matchResult, error) {
	switch filter := f.(type) {
	case ldap.FilterAnd:
		out := matchTrue
		for _, child := range filter {
			r, err := matchEntry(child, e)
			if err != nil || r == matchFalse {
				return matchFalse, err
			}
			if r == matchUndefined {
				out = matchUndefined
			}
		}
		return out, nil

	case ldap.FilterOr:
		out := matchFalse
		for _, child := range filter {
			r, err := matchEntry(child, e)
			if err != nil {
				return matchFalse, err
			}
			if r == matchTrue {
				return matchTrue, nil
			}
			if r == matchUndefined {
				out = matchUndefined
			}
		}
		return out, nil

	case ldap.FilterNot:
		r, err := matchEntry(filter.Filter, e)
		switch r {
		case matchTrue:
			return matchFalse, err
		case matchFalse:
			return matchTrue, err
		default:
			return matchUndefined, err
		}

	case ldap.FilterEqualityMatch:
		attr := string(filter.AttributeDesc())
		if !e.Has(attr) {
			return matchUndefined, nil
		}
		want := string(filter.AssertionValue())
		for _, v := range e.Get(attr) {
			if strings.EqualFold(v, want) {
				return matchTrue, nil
			}
		}
		return matchFalse, nil

	case ldap.FilterPresent:
		if e.Has(string(filter)) {
			return matchTrue, nil
		}
		return matchFalse, nil

	case ldap.FilterSubstrings:
		attr := string(filter.Type_())
		if !e.Has(attr) {
			return matchUndefined, nil
		}
		var initial, final string
		var any []string
		for _, s := range filter.Substrings() {
			switch part := s.(type) {
			case ldap.SubstringInitial:
				initial = string(part)
			case ldap.SubstringAny:
				any = append(any, string(part))
			case ldap.SubstringFinal:
				final = string(part)
			}
		}
		for _, v := range e.Get(attr) {
			if matchSubstring(v, initial, any, final) {
				return matchTrue, nil
			}
		}
		return matchFalse, nil

	default:
		return matchFalse, fmt.Errorf("%w: %T", ErrUnsupportedFilter, f)
	}
}

// matchSubstring implements the LDAP substring assertion, case-folded.
func matchSubstring(value, initial string, any []string, final string) bool {
	v := strings.ToLower(value)
	if initial != "" {
		in := strings.ToLower(initial)
		if !strings.HasPrefix(v, in) {
			return false
		}
		v = v[len(in):]
	}
	for _, a := range any {
		a = strings.ToLower(a)
		idx := strings.Index(v, a)
		if idx < 0 {
			return false
		}
		v = v[idx+len(a):]
	}
	if final != "" {
		return strings.HasSuffix(v, strings.ToLower(final))
	}
	return true
}
