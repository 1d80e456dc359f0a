package directory

// Predicate is the neutral relational form of a translated LDAP filter.
// The store renders it to SQL; tests evaluate it in memory. Keeping the
// form neutral means filter semantics are fixed here, not per backend.
type Predicate interface {
	pred()
}

// True matches every row.
type True struct{}

// False matches no row.
type False struct{}

// Undefined is the translation of an assertion on an attribute the entity
// does not serve. Like an SQL NULL condition it matches no row under
// either polarity: Not{Undefined} does not match anything either.
type Undefined struct{}

// And matches rows satisfying every child predicate.
type And []Predicate

// Or matches rows satisfying at least one child predicate.
type Or []Predicate

// Not matches rows not satisfying the child predicate.
type Not struct {
	P Predicate
}

// Equals matches rows whose column equals the value, case-insensitively.
type Equals struct {
	Column string
	Value  string
}

// Present matches rows whose column is non-null.
type Present struct {
	Column string
}

// Substring matches rows whose column satisfies an LDAP substring
// assertion (initial*any*final).
type Substring struct {
	Column  string
	Initial string
	Any     []string
	Final   string
}

// JoinContains matches rows of the entity whose join table carries the
// given value for them. An empty Value matches rows with any join row
// (presence on a join-backed attribute).
type JoinContains struct {
	Table      string
	ForeignKey string
	Column     string
	Value      string
}

// Participates matches rows the member participates in, through a
// participation join table. This is the row-level counterpart of
// attribute grants.
type Participates struct {
	Table        string
	EntityColumn string
	MemberColumn string
	MemberKey    string
}

func (True) pred()         {}
func (False) pred()        {}
func (Undefined) pred()    {}
func (And) pred()          {}
func (Or) pred()           {}
func (Not) pred()          {}
func (Equals) pred()       {}
func (Present) pred()      {}
func (Substring) pred()    {}
func (JoinContains) pred() {}
func (Participates) pred() {}
