// Package directory maps relational identity records onto an LDAP tree:
// distinguished names to relational keys, LDAP filters to relational
// predicates, and result rows back to directory entries.
package directory

import (
	"errors"
	"sort"
	"strings"
)

var (
	// ErrUnsupportedFilter marks a search filter using an operator the
	// bridge does not translate. Surfaced, never silently widened or
	// narrowed: both would change what the client is authorized to see.
	ErrUnsupportedFilter = errors.New("unsupported search filter")

	// ErrNotInTree marks a DN outside the configured directory tree.
	ErrNotInTree = errors.New("dn not in directory tree")
)

// Attribute names every entry carries regardless of grants. They describe
// the tree itself, not relational data.
const (
	AttrObjectClass = "objectclass"
	AttrEntryUUID   = "entryuuid"
)

// Entry is the projection of one relational record (or a structural
// aggregate like an organizational unit) into LDAP terms. Attribute names
// are stored lowercased.
type Entry struct {
	DN    string
	Attrs map[string][]string
}

// NewEntry returns an empty entry with the given DN.
func NewEntry(dn string) *Entry {
	return &Entry{DN: dn, Attrs: make(map[string][]string)}
}

// AddAttribute appends values under the (lowercased) attribute name.
func (e *Entry) AddAttribute(name string, values ...string) {
	name = strings.ToLower(name)
	e.Attrs[name] = append(e.Attrs[name], values...)
}

// Get returns the values stored under the attribute name.
func (e *Entry) Get(name string) []string {
	return e.Attrs[strings.ToLower(name)]
}

// Has reports whether the entry carries the attribute with at least one
// value.
func (e *Entry) Has(name string) bool {
	return len(e.Get(name)) > 0
}

// IsStructural reports whether the attribute belongs to the tree structure
// rather than to relational data, and so bypasses attribute grants.
func IsStructural(name string) bool {
	switch strings.ToLower(name) {
	case AttrObjectClass, AttrEntryUUID, "ou", "o", "dc":
		return true
	}
	return false
}

// AttributeNames returns the entry's attribute names, sorted for stable
// responses.
func (e *Entry) AttributeNames() []string {
	names := make([]string, 0, len(e.Attrs))
	for n := range e.Attrs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Project reduces the entry to the requested attribute selection. An empty
// selection, or "*", keeps everything.
func (e *Entry) Project(requested []string) {
	if len(requested) == 0 {
		return
	}
	keep := make(map[string]bool, len(requested))
	for _, r := range requested {
		if r == "*" {
			return
		}
		keep[strings.ToLower(r)] = true
	}
	for name := range e.Attrs {
		if !keep[name] {
			delete(e.Attrs, name)
		}
	}
}
