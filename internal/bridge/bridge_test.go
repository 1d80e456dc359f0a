package bridge_test

import (
	"context"
	"database/sql"
	"net"
	"os"
	"strings"
	"sync"
	"testing"

	goldap "github.com/go-ldap/ldap/v3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/memberbase/ldapbridge/internal/bridge"
	"github.com/memberbase/ldapbridge/internal/credential"
	"github.com/memberbase/ldapbridge/internal/directory"
	"github.com/memberbase/ldapbridge/internal/ldapserver"
	"github.com/memberbase/ldapbridge/internal/privilege"
	"github.com/memberbase/ldapbridge/internal/schema"
)

func TestMain(m *testing.M) {
	ldapserver.Logger = zerolog.Nop()
	os.Exit(m.Run())
}

// --- fixture ---

func testDefinition() schema.Definition {
	return schema.Definition{
		ObjectClasses: []schema.ObjectClass{
			{Name: "inetOrgPerson"},
			{Name: "clubMember"},
			{Name: "clubEvent"},
			{Name: "clubCommittee"},
		},
		Entities: []schema.EntityMapping{
			{
				Name:          "members",
				Table:         "members",
				KeyColumn:     "login",
				RDNAttribute:  "uid",
				ParentRDN:     "ou=members",
				ObjectClasses: []string{"inetOrgPerson", "clubMember"},
				Columns: map[string]string{
					"uid":          "login",
					"cn":           "full_name",
					"mail":         "email",
					"memberstatus": "status",
				},
			},
			{
				Name:          "events",
				Table:         "events",
				KeyColumn:     "slug",
				RDNAttribute:  "cn",
				ParentRDN:     "ou=events",
				ObjectClasses: []string{"clubEvent"},
				Columns: map[string]string{
					"cn":          "title",
					"title":       "title",
					"budgetcents": "budget_cents",
				},
				RowRules: []schema.RowRule{{
					ExemptRoles:  []string{"board"},
					Table:        "event_participants",
					EntityColumn: "event_slug",
					MemberColumn: "member_login",
				}},
			},
			{
				Name:          "committees",
				Table:         "committees",
				KeyColumn:     "name",
				RDNAttribute:  "cn",
				ParentRDN:     "ou=committees",
				ObjectClasses: []string{"clubCommittee"},
				Columns:       map[string]string{"cn": "name"},
				Joins: []schema.JoinAttribute{{
					Attribute:       "member",
					Table:           "committee_members",
					ForeignKey:      "committee_name",
					ValueColumn:     "member_login",
					ValueIsMemberDN: true,
				}},
			},
		},
	}
}

func mustHash(t *testing.T, secret string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	anaHash := mustHash(t, "secret")
	boHash := mustHash(t, "hunter2")
	carolHash := mustHash(t, "carousel")

	return &fakeBackend{
		tables: map[string][]map[string]string{
			"members": {
				{"login": "ana", "full_name": "Ana Moreno", "email": "ana@example.org",
					"status": "active", "password_hash": anaHash, "password_crypt": "{CRYPT}" + anaHash},
				{"login": "bo", "full_name": "Bo Lindqvist", "email": "bo@example.org",
					"status": "active", "password_hash": boHash, "password_crypt": "{CRYPT}" + boHash},
				{"login": "carol", "full_name": "Carol Abena", "email": "carol@example.org",
					"status": "lapsed", "password_hash": carolHash, "password_crypt": "{CRYPT}" + carolHash},
			},
			"events": {
				{"slug": "spring-fling", "title": "Spring Fling", "budget_cents": "120000"},
				{"slug": "winter-gala", "title": "Winter Gala", "budget_cents": "480000"},
			},
			"event_participants": {
				{"event_slug": "spring-fling", "member_login": "ana"},
				{"event_slug": "winter-gala", "member_login": "bo"},
			},
			"committees": {
				{"name": "social"},
			},
			"committee_members": {
				{"committee_name": "social", "member_login": "ana"},
				{"committee_name": "social", "member_login": "bo"},
			},
		},
		roles: map[string][]string{
			"ana":   {"member"},
			"bo":    {"member", "board"},
			"carol": {"member"},
		},
		grants: []privilege.ColumnGrant{
			{Role: "member", Table: "members", Column: "login", Privilege: "SELECT"},
			{Role: "member", Table: "members", Column: "full_name", Privilege: "SELECT"},
			{Role: "member", Table: "members", Column: "email", Privilege: "SELECT"},
			{Role: "member", Table: "events", Column: "slug", Privilege: "SELECT"},
			{Role: "member", Table: "events", Column: "title", Privilege: "SELECT"},
			{Role: "member", Table: "committees", Column: "name", Privilege: "SELECT"},
			{Role: "member", Table: "committee_members", Column: "member_login", Privilege: "SELECT"},
			{Role: "board", Table: "events", Column: "budget_cents", Privilege: "SELECT"},
			{Role: "board", Table: "members", Column: "status", Privilege: "SELECT"},
			{Role: "board", Table: "members", Column: "email", Privilege: "UPDATE"},
			{Role: "board", Table: "events", Column: "title", Privilege: "UPDATE"},
		},
	}
}

// fakeBackend is an in-memory bridge.Backend that evaluates the planner's
// predicates directly, standing in for the SQL renderer.
type fakeBackend struct {
	mu          sync.Mutex
	tables      map[string][]map[string]string
	roles       map[string][]string
	grants      []privilege.ColumnGrant
	updateCalls int
}

func (f *fakeBackend) memberRow(key string) map[string]string {
	for _, row := range f.tables["members"] {
		if row["login"] == key {
			return row
		}
	}
	return nil
}

func (f *fakeBackend) Credential(ctx context.Context, key string) (credential.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row := f.memberRow(key)
	if row == nil {
		return credential.Record{}, credential.ErrNotFound
	}
	return credential.Record{Canonical: row["password_hash"], Crypt: row["password_crypt"]}, nil
}

func (f *fakeBackend) Roles(ctx context.Context, key string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.roles[key], nil
}

func (f *fakeBackend) SetCryptHash(ctx context.Context, key string, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if row := f.memberRow(key); row != nil {
		row["password_crypt"] = hash
	}
	return nil
}

func (f *fakeBackend) CredentialKeys(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for _, row := range f.tables["members"] {
		keys = append(keys, row["login"])
	}
	return keys, nil
}

func (f *fakeBackend) ColumnGrants(ctx context.Context, roles []string) ([]privilege.ColumnGrant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []privilege.ColumnGrant
	for _, g := range f.grants {
		for _, r := range roles {
			if g.Role == r {
				out = append(out, g)
			}
		}
	}
	return out, nil
}

func (f *fakeBackend) Query(ctx context.Context, q directory.EntityQuery, fn func(vals []sql.NullString) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.tables[q.Entity.Table] {
		if f.eval(q.Pred, row, row[q.Entity.KeyColumn]) != evalTrue {
			continue
		}
		vals := make([]sql.NullString, len(q.Columns))
		for i, col := range q.Columns {
			if v, ok := row[col]; ok && v != "" {
				vals[i] = sql.NullString{String: v, Valid: true}
			}
		}
		if err := fn(vals); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeBackend) JoinValues(ctx context.Context, j *schema.JoinAttribute, key string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, row := range f.tables[j.Table] {
		if row[j.ForeignKey] == key {
			out = append(out, row[j.ValueColumn])
		}
	}
	return out, nil
}

func (f *fakeBackend) Update(ctx context.Context, ent *schema.EntityMapping, rdnValue string, set map[string]string, cred *credential.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateCalls++
	rdnCol, _ := ent.Column(ent.RDNAttribute)
	for _, row := range f.tables[ent.Table] {
		if !strings.EqualFold(row[rdnCol], rdnValue) {
			continue
		}
		for col, val := range set {
			row[col] = val
		}
		if cred != nil {
			row["password_hash"] = cred.Canonical
			row["password_crypt"] = cred.Crypt
		}
		return nil
	}
	return sql.ErrNoRows
}

// eval mirrors the store's SQL rendering of the neutral predicates,
// three-valued logic included: only a definite true selects a row, and
// Undefined stays undefined under negation like a SQL NULL.
const (
	evalFalse = iota
	evalTrue
	evalUnknown
)

func (f *fakeBackend) eval(p directory.Predicate, row map[string]string, key string) int {
	switch p := p.(type) {
	case nil, directory.True:
		return evalTrue
	case directory.False:
		return evalFalse
	case directory.Undefined:
		return evalUnknown
	case directory.And:
		out := evalTrue
		for _, c := range p {
			switch f.eval(c, row, key) {
			case evalFalse:
				return evalFalse
			case evalUnknown:
				out = evalUnknown
			}
		}
		return out
	case directory.Or:
		out := evalFalse
		for _, c := range p {
			switch f.eval(c, row, key) {
			case evalTrue:
				return evalTrue
			case evalUnknown:
				out = evalUnknown
			}
		}
		return out
	case directory.Not:
		switch f.eval(p.P, row, key) {
		case evalTrue:
			return evalFalse
		case evalFalse:
			return evalTrue
		default:
			return evalUnknown
		}
	case directory.Equals:
		return boolEval(strings.EqualFold(row[p.Column], p.Value))
	case directory.Present:
		return boolEval(row[p.Column] != "")
	case directory.Substring:
		v := strings.ToLower(row[p.Column])
		if p.Initial != "" {
			in := strings.ToLower(p.Initial)
			if !strings.HasPrefix(v, in) {
				return evalFalse
			}
			v = v[len(in):]
		}
		for _, a := range p.Any {
			idx := strings.Index(v, strings.ToLower(a))
			if idx < 0 {
				return evalFalse
			}
			v = v[idx+len(a):]
		}
		return boolEval(p.Final == "" || strings.HasSuffix(v, strings.ToLower(p.Final)))
	case directory.JoinContains:
		for _, jrow := range f.tables[p.Table] {
			if jrow[p.ForeignKey] != key {
				continue
			}
			if p.Value == "" || strings.EqualFold(jrow[p.Column], p.Value) {
				return evalTrue
			}
		}
		return evalFalse
	case directory.Participates:
		for _, jrow := range f.tables[p.Table] {
			if jrow[p.EntityColumn] == key && jrow[p.MemberColumn] == p.MemberKey {
				return evalTrue
			}
		}
		return evalFalse
	default:
		return evalFalse
	}
}

func boolEval(b bool) int {
	if b {
		return evalTrue
	}
	return evalFalse
}

// --- harness ---

func startBridge(t *testing.T) (addr string, fb *fakeBackend, reg *schema.Registry, stop func()) {
	t.Helper()

	reg, err := schema.NewRegistry(testDefinition())
	require.NoError(t, err)

	fb = newFakeBackend(t)
	b, err := bridge.New(reg, fb, "dc=club,dc=example")
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	server := ldapserver.NewServerWithHandlerSource(b)
	go server.Serve(ln)

	return ln.Addr().String(), fb, reg, func() { server.Stop() }
}

func bind(t *testing.T, addr, dn, secret string) *goldap.Conn {
	t.Helper()
	conn, err := goldap.Dial("tcp", addr)
	require.NoError(t, err)
	if err := conn.Bind(dn, secret); err != nil {
		conn.Close()
		t.Fatalf("bind %s: %v", dn, err)
	}
	return conn
}

func search(t *testing.T, conn *goldap.Conn, base string, scope int, filter string, attrs []string) *goldap.SearchResult {
	t.Helper()
	sr, err := conn.Search(goldap.NewSearchRequest(
		base, scope, goldap.NeverDerefAliases, 0, 0, false, filter, attrs, nil))
	require.NoError(t, err)
	return sr
}

const (
	anaDN   = "uid=ana,ou=members,dc=club,dc=example"
	boDN    = "uid=bo,ou=members,dc=club,dc=example"
	carolDN = "uid=carol,ou=members,dc=club,dc=example"
)

func ldapCode(t *testing.T, err error) uint16 {
	t.Helper()
	require.Error(t, err)
	ldapErr, ok := err.(*goldap.Error)
	require.True(t, ok, "expected *ldap.Error, got %T: %v", err, err)
	return uint16(ldapErr.ResultCode)
}

// --- tests ---

func TestBind(t *testing.T) {
	addr, _, _, stop := startBridge(t)
	defer stop()

	conn := bind(t, addr, anaDN, "secret")
	conn.Close()

	conn, err := goldap.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	err = conn.Bind(anaDN, "wrong")
	assert.EqualValues(t, goldap.LDAPResultInvalidCredentials, ldapCode(t, err))

	err = conn.Bind("uid=ghost,ou=members,dc=club,dc=example", "whatever")
	assert.EqualValues(t, goldap.LDAPResultInvalidCredentials, ldapCode(t, err))

	// a DN outside the members branch can never authenticate
	err = conn.Bind("cn=social,ou=committees,dc=club,dc=example", "whatever")
	assert.EqualValues(t, goldap.LDAPResultInvalidCredentials, ldapCode(t, err))
}

func TestSearchMembersAsMember(t *testing.T) {
	addr, _, _, stop := startBridge(t)
	defer stop()

	conn := bind(t, addr, anaDN, "secret")
	defer conn.Close()

	sr := search(t, conn, "ou=members,dc=club,dc=example", goldap.ScopeSingleLevel,
		"(objectclass=clubMember)", nil)
	require.Len(t, sr.Entries, 3)

	for _, e := range sr.Entries {
		assert.NotEmpty(t, e.GetAttributeValue("cn"), "cn on %s", e.DN)
		assert.NotEmpty(t, e.GetAttributeValue("mail"), "mail on %s", e.DN)
		assert.NotEmpty(t, e.GetAttributeValue("entryuuid"), "entryuuid on %s", e.DN)
		// no SELECT grant on the status column for plain members
		assert.Empty(t, e.GetAttributeValue("memberstatus"), "memberstatus on %s", e.DN)
	}
}

func TestSearchEventsRowRule(t *testing.T) {
	addr, _, _, stop := startBridge(t)
	defer stop()

	// ana participates only in spring-fling
	conn := bind(t, addr, anaDN, "secret")
	sr := search(t, conn, "ou=events,dc=club,dc=example", goldap.ScopeSingleLevel,
		"(objectclass=clubEvent)", nil)
	require.Len(t, sr.Entries, 1)
	assert.Equal(t, "cn=Spring Fling,ou=events,dc=club,dc=example", sr.Entries[0].DN)
	assert.Equal(t, "Spring Fling", sr.Entries[0].GetAttributeValue("title"))
	assert.Empty(t, sr.Entries[0].GetAttributeValue("budgetcents"))
	conn.Close()

	// board sees every event, budget included
	conn = bind(t, addr, boDN, "hunter2")
	defer conn.Close()
	sr = search(t, conn, "ou=events,dc=club,dc=example", goldap.ScopeSingleLevel,
		"(objectclass=clubEvent)", nil)
	require.Len(t, sr.Entries, 2)
	for _, e := range sr.Entries {
		assert.NotEmpty(t, e.GetAttributeValue("budgetcents"), "budgetcents on %s", e.DN)
	}
}

func TestSearchEventEntryByDN(t *testing.T) {
	addr, _, _, stop := startBridge(t)
	defer stop()

	conn := bind(t, addr, boDN, "hunter2")
	defer conn.Close()

	// events are named by title while their rows are keyed by slug, so the
	// base-scope lookup has to constrain on the naming column
	sr := search(t, conn, "cn=Winter Gala,ou=events,dc=club,dc=example",
		goldap.ScopeBaseObject, "(objectclass=*)", nil)
	require.Len(t, sr.Entries, 1)
	assert.Equal(t, "cn=Winter Gala,ou=events,dc=club,dc=example", sr.Entries[0].DN)
	assert.Equal(t, "Winter Gala", sr.Entries[0].GetAttributeValue("title"))
	assert.Equal(t, "480000", sr.Entries[0].GetAttributeValue("budgetcents"))
}

func TestSearchAnonymousReturnsNoEntries(t *testing.T) {
	addr, _, _, stop := startBridge(t)
	defer stop()

	conn, err := goldap.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.UnauthenticatedBind(""))

	sr := search(t, conn, "ou=members,dc=club,dc=example", goldap.ScopeSingleLevel,
		"(objectclass=*)", nil)
	assert.Empty(t, sr.Entries)
}

func TestSearchCommitteeMemberDNs(t *testing.T) {
	addr, _, _, stop := startBridge(t)
	defer stop()

	conn := bind(t, addr, anaDN, "secret")
	defer conn.Close()

	sr := search(t, conn, "ou=committees,dc=club,dc=example", goldap.ScopeSingleLevel,
		"(objectclass=*)", nil)
	require.Len(t, sr.Entries, 1)
	assert.ElementsMatch(t, []string{anaDN, boDN}, sr.Entries[0].GetAttributeValues("member"))
}

func TestSearchSubtreeFromRoot(t *testing.T) {
	addr, _, _, stop := startBridge(t)
	defer stop()

	conn := bind(t, addr, boDN, "hunter2")
	defer conn.Close()

	sr := search(t, conn, "dc=club,dc=example", goldap.ScopeWholeSubtree, "(objectclass=*)", nil)

	var dns []string
	for _, e := range sr.Entries {
		dns = append(dns, e.DN)
	}
	// root, 3 units, 3 members, 2 events, 1 committee
	assert.Len(t, sr.Entries, 10)
	assert.Contains(t, dns, "dc=club,dc=example")
	assert.Contains(t, dns, "ou=events,dc=club,dc=example")
	assert.Contains(t, dns, "cn=Winter Gala,ou=events,dc=club,dc=example")
}

func TestSearchRequestedAttributeProjection(t *testing.T) {
	addr, _, _, stop := startBridge(t)
	defer stop()

	conn := bind(t, addr, anaDN, "secret")
	defer conn.Close()

	sr := search(t, conn, anaDN, goldap.ScopeBaseObject, "(objectclass=*)", []string{"mail"})
	require.Len(t, sr.Entries, 1)
	assert.NotEmpty(t, sr.Entries[0].GetAttributeValue("mail"))
	assert.Empty(t, sr.Entries[0].GetAttributeValue("cn"))
}

func TestSearchSizeLimit(t *testing.T) {
	addr, _, _, stop := startBridge(t)
	defer stop()

	conn := bind(t, addr, anaDN, "secret")
	defer conn.Close()

	_, err := conn.Search(goldap.NewSearchRequest(
		"ou=members,dc=club,dc=example", goldap.ScopeSingleLevel,
		goldap.NeverDerefAliases, 1, 0, false, "(objectclass=*)", nil, nil))
	assert.EqualValues(t, goldap.LDAPResultSizeLimitExceeded, ldapCode(t, err))
}

func TestSearchUnsupportedFilter(t *testing.T) {
	addr, _, _, stop := startBridge(t)
	defer stop()

	conn := bind(t, addr, boDN, "hunter2")
	defer conn.Close()

	_, err := conn.Search(goldap.NewSearchRequest(
		"ou=events,dc=club,dc=example", goldap.ScopeSingleLevel,
		goldap.NeverDerefAliases, 0, 0, false, "(budgetcents>=100)", nil, nil))
	assert.EqualValues(t, goldap.LDAPResultProtocolError, ldapCode(t, err))
}

func TestSearchOutsideTree(t *testing.T) {
	addr, _, _, stop := startBridge(t)
	defer stop()

	conn := bind(t, addr, anaDN, "secret")
	defer conn.Close()

	_, err := conn.Search(goldap.NewSearchRequest(
		"dc=other,dc=example", goldap.ScopeWholeSubtree,
		goldap.NeverDerefAliases, 0, 0, false, "(objectclass=*)", nil, nil))
	assert.EqualValues(t, goldap.LDAPResultNoSuchObject, ldapCode(t, err))
}

func TestRootDSE(t *testing.T) {
	addr, _, _, stop := startBridge(t)
	defer stop()

	conn, err := goldap.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	sr := search(t, conn, "", goldap.ScopeBaseObject, "(objectclass=*)", nil)
	require.Len(t, sr.Entries, 1)
	assert.Equal(t, "dc=club,dc=example", sr.Entries[0].GetAttributeValue("namingcontexts"))
}

func TestWhoAmIExtended(t *testing.T) {
	addr, _, _, stop := startBridge(t)
	defer stop()

	conn := bind(t, addr, anaDN, "secret")
	defer conn.Close()

	_, err := conn.WhoAmI(nil)
	assert.NoError(t, err)
}

func TestCompare(t *testing.T) {
	addr, _, _, stop := startBridge(t)
	defer stop()

	conn := bind(t, addr, anaDN, "secret")
	defer conn.Close()

	ok, err := conn.Compare(anaDN, "mail", "ana@example.org")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = conn.Compare(anaDN, "mail", "other@example.org")
	require.NoError(t, err)
	assert.False(t, ok)

	// readable only with a board grant
	_, err = conn.Compare(anaDN, "memberStatus", "active")
	assert.EqualValues(t, goldap.LDAPResultInsufficientAccessRights, ldapCode(t, err))

	// attribute the entity does not serve at all
	_, err = conn.Compare(anaDN, "telephoneNumber", "123")
	assert.EqualValues(t, goldap.LDAPResultNoSuchAttribute, ldapCode(t, err))
	assert.Contains(t, err.Error(), "no such attribute")
}

func TestCompareOnEventEntry(t *testing.T) {
	addr, _, _, stop := startBridge(t)
	defer stop()

	conn := bind(t, addr, anaDN, "secret")
	defer conn.Close()

	ok, err := conn.Compare("cn=Spring Fling,ou=events,dc=club,dc=example",
		"title", "Spring Fling")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestModifyDeniedWithoutGrant(t *testing.T) {
	addr, fb, _, stop := startBridge(t)
	defer stop()

	conn := bind(t, addr, anaDN, "secret")
	defer conn.Close()

	req := goldap.NewModifyRequest(anaDN, nil)
	req.Replace("mail", []string{"new@example.org"})
	err := conn.Modify(req)
	assert.EqualValues(t, goldap.LDAPResultInsufficientAccessRights, ldapCode(t, err))

	fb.mu.Lock()
	defer fb.mu.Unlock()
	assert.Equal(t, "ana@example.org", fb.memberRow("ana")["email"])
}

func TestModifyWithGrant(t *testing.T) {
	addr, fb, _, stop := startBridge(t)
	defer stop()

	conn := bind(t, addr, boDN, "hunter2")
	defer conn.Close()

	req := goldap.NewModifyRequest(anaDN, nil)
	req.Replace("mail", []string{"ana.moreno@example.org"})
	require.NoError(t, conn.Modify(req))

	fb.mu.Lock()
	defer fb.mu.Unlock()
	assert.Equal(t, "ana.moreno@example.org", fb.memberRow("ana")["email"])
}

func TestModifyEventTitle(t *testing.T) {
	addr, fb, _, stop := startBridge(t)
	defer stop()

	conn := bind(t, addr, boDN, "hunter2")
	defer conn.Close()

	req := goldap.NewModifyRequest("cn=Spring Fling,ou=events,dc=club,dc=example", nil)
	req.Replace("title", []string{"Spring Social"})
	require.NoError(t, conn.Modify(req))

	fb.mu.Lock()
	defer fb.mu.Unlock()
	for _, row := range fb.tables["events"] {
		if row["slug"] == "spring-fling" {
			assert.Equal(t, "Spring Social", row["title"])
			return
		}
	}
	t.Fatal("spring-fling row missing")
}

func TestModifyRejectsNonReplace(t *testing.T) {
	addr, _, _, stop := startBridge(t)
	defer stop()

	conn := bind(t, addr, boDN, "hunter2")
	defer conn.Close()

	req := goldap.NewModifyRequest(anaDN, nil)
	req.Add("mail", []string{"extra@example.org"})
	err := conn.Modify(req)
	assert.EqualValues(t, goldap.LDAPResultUnwillingToPerform, ldapCode(t, err))
	assert.Contains(t, err.Error(), "only replace changes are supported")
}

func TestSelfServicePasswordChange(t *testing.T) {
	addr, fb, _, stop := startBridge(t)
	defer stop()

	conn := bind(t, addr, anaDN, "secret")
	req := goldap.NewModifyRequest(anaDN, nil)
	req.Replace("userPassword", []string{"brand-new"})
	require.NoError(t, conn.Modify(req))
	conn.Close()

	// both hash representations were rewritten together
	fb.mu.Lock()
	row := fb.memberRow("ana")
	canonical, crypt := row["password_hash"], row["password_crypt"]
	fb.mu.Unlock()
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(canonical), []byte("brand-new")))
	assert.Equal(t, "{CRYPT}"+canonical, crypt)

	// the new secret binds, the old one does not
	conn = bind(t, addr, anaDN, "brand-new")
	conn.Close()

	conn, err := goldap.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	err = conn.Bind(anaDN, "secret")
	assert.EqualValues(t, goldap.LDAPResultInvalidCredentials, ldapCode(t, err))
}

func TestMailAndPasswordChangeIsOneUpdate(t *testing.T) {
	addr, fb, _, stop := startBridge(t)
	defer stop()

	conn := bind(t, addr, boDN, "hunter2")
	defer conn.Close()

	req := goldap.NewModifyRequest(boDN, nil)
	req.Replace("mail", []string{"bo.lindqvist@example.org"})
	req.Replace("userPassword", []string{"fresh-secret"})
	require.NoError(t, conn.Modify(req))

	// the column write and both credential hashes land atomically
	fb.mu.Lock()
	defer fb.mu.Unlock()
	assert.Equal(t, 1, fb.updateCalls)
	row := fb.memberRow("bo")
	assert.Equal(t, "bo.lindqvist@example.org", row["email"])
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(row["password_hash"]), []byte("fresh-secret")))
	assert.Equal(t, "{CRYPT}"+row["password_hash"], row["password_crypt"])
}

func TestPasswordChangeOnOtherMemberDenied(t *testing.T) {
	addr, _, _, stop := startBridge(t)
	defer stop()

	conn := bind(t, addr, carolDN, "carousel")
	defer conn.Close()

	req := goldap.NewModifyRequest(anaDN, nil)
	req.Replace("userPassword", []string{"hijacked"})
	err := conn.Modify(req)
	assert.EqualValues(t, goldap.LDAPResultInsufficientAccessRights, ldapCode(t, err))
}

func TestSchemaPublicationLeavesOpenSessionsAlone(t *testing.T) {
	addr, _, reg, stop := startBridge(t)
	defer stop()

	before := bind(t, addr, anaDN, "secret")
	defer before.Close()

	def := testDefinition()
	delete(def.Entities[0].Columns, "mail")
	_, err := reg.Publish(def)
	require.NoError(t, err)

	// the session connected before the publication keeps its version
	sr := search(t, before, anaDN, goldap.ScopeBaseObject, "(objectclass=*)", nil)
	require.Len(t, sr.Entries, 1)
	assert.NotEmpty(t, sr.Entries[0].GetAttributeValue("mail"))

	// a session connected after it sees the new schema
	after := bind(t, addr, anaDN, "secret")
	defer after.Close()
	sr = search(t, after, anaDN, goldap.ScopeBaseObject, "(objectclass=*)", nil)
	require.Len(t, sr.Entries, 1)
	assert.Empty(t, sr.Entries[0].GetAttributeValue("mail"))
}

func TestFilterOnEqualityAndSubstring(t *testing.T) {
	addr, _, _, stop := startBridge(t)
	defer stop()

	conn := bind(t, addr, boDN, "hunter2")
	defer conn.Close()

	sr := search(t, conn, "ou=members,dc=club,dc=example", goldap.ScopeSingleLevel,
		"(mail=bo@example.org)", nil)
	require.Len(t, sr.Entries, 1)
	assert.Equal(t, boDN, sr.Entries[0].DN)

	sr = search(t, conn, "ou=events,dc=club,dc=example", goldap.ScopeSingleLevel,
		"(title=*gala)", nil)
	require.Len(t, sr.Entries, 1)
	assert.Equal(t, "cn=Winter Gala,ou=events,dc=club,dc=example", sr.Entries[0].DN)

	sr = search(t, conn, "ou=members,dc=club,dc=example", goldap.ScopeSingleLevel,
		"(&(objectclass=clubMember)(!(mail=bo@example.org)))", nil)
	assert.Len(t, sr.Entries, 2)
}

func TestFilterOnUnknownAttribute(t *testing.T) {
	addr, _, _, stop := startBridge(t)
	defer stop()

	conn := bind(t, addr, boDN, "hunter2")
	defer conn.Close()

	// an assertion on an attribute no member serves is Undefined, so it
	// matches nothing under either polarity
	sr := search(t, conn, "ou=members,dc=club,dc=example", goldap.ScopeSingleLevel,
		"(telephonenumber=555)", nil)
	assert.Empty(t, sr.Entries)

	sr = search(t, conn, "ou=members,dc=club,dc=example", goldap.ScopeSingleLevel,
		"(&(objectclass=clubMember)(!(telephonenumber=555)))", nil)
	assert.Empty(t, sr.Entries)

	// static entries evaluate the same way
	sr = search(t, conn, "dc=club,dc=example", goldap.ScopeBaseObject,
		"(!(telephonenumber=555))", nil)
	assert.Empty(t, sr.Entries)
}

func TestFilterOnCommitteeMembershipDN(t *testing.T) {
	addr, _, _, stop := startBridge(t)
	defer stop()

	conn := bind(t, addr, anaDN, "secret")
	defer conn.Close()

	sr := search(t, conn, "ou=committees,dc=club,dc=example", goldap.ScopeSingleLevel,
		"(member="+anaDN+")", nil)
	require.Len(t, sr.Entries, 1)
	assert.Equal(t, "cn=social,ou=committees,dc=club,dc=example", sr.Entries[0].DN)
}
