// Package bridge serves the LDAP protocol surface: it routes bind, search,
// compare, modify and extended operations onto the relational identity
// store through the schema registry, the privilege translator and the
// credential normalizer.
package bridge

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/memberbase/ldapbridge/internal/credential"
	"github.com/memberbase/ldapbridge/internal/directory"
	"github.com/memberbase/ldapbridge/internal/ldapserver"
	"github.com/memberbase/ldapbridge/internal/logger"
	"github.com/memberbase/ldapbridge/internal/privilege"
	"github.com/memberbase/ldapbridge/internal/schema"
	"github.com/memberbase/ldapbridge/internal/stats"
	"github.com/memberbase/ldapbridge/internal/store"
)

// Backend is everything the bridge needs from the relational store. The
// production implementation is *store.Store; tests substitute an in-memory
// fake that evaluates the same predicates.
type Backend interface {
	credential.Backend
	privilege.GrantSource

	// Query streams the rows of one planned entity query.
	Query(ctx context.Context, q directory.EntityQuery, fn func(vals []sql.NullString) error) error
	// JoinValues fetches a join-backed attribute's values for one row.
	JoinValues(ctx context.Context, j *schema.JoinAttribute, key string) ([]string, error)
	// Update applies an all-or-nothing change to the entity row named by
	// rdnValue: plain column writes and, when cred is non-nil, both
	// credential hashes, all in one transaction.
	Update(ctx context.Context, ent *schema.EntityMapping, rdnValue string, set map[string]string, cred *credential.Record) error
}

// Bridge owns the long-lived pieces shared by every connection.
type Bridge struct {
	registry   *schema.Registry
	backend    Backend
	mapper     *directory.Mapper
	normalizer *credential.Normalizer
	translator *privilege.Translator
}

// New builds a bridge serving the tree rooted at baseDN.
func New(reg *schema.Registry, backend Backend, baseDN string) (*Bridge, error) {
	mapper, err := directory.NewMapper(baseDN)
	if err != nil {
		return nil, err
	}
	return &Bridge{
		registry:   reg,
		backend:    backend,
		mapper:     mapper,
		normalizer: credential.NewNormalizer(backend),
		translator: privilege.NewTranslator(backend),
	}, nil
}

// BaseDN returns the normalized base DN the bridge serves.
func (b *Bridge) BaseDN() string {
	return b.mapper.BaseDN()
}

// GetHandler implements ldapserver.HandlerSource: each connection gets its
// own session holding the schema version acquired at connect time and the
// principal established by the last successful bind.
func (b *Bridge) GetHandler() ldapserver.Handler {
	s := &session{
		b:         b,
		version:   b.registry.Acquire(),
		principal: privilege.Anonymous(),
	}

	mux := ldapserver.NewRouteMux()
	mux.Bind(s.handleBind)
	mux.Search(s.handleSearch)
	mux.Compare(s.handleCompare)
	mux.Modify(s.handleModify)
	mux.Extended(s.handleWhoAmI).RequestName(ldapserver.NoticeOfWhoAmI)
	mux.Extended(handleUnsupportedExtended)
	mux.NotFound(handleNotFound)
	s.mux = mux
	return s
}

// session is the per-connection state. The server processes a session's
// requests strictly in order, so no locking is needed here.
type session struct {
	b         *Bridge
	mux       *ldapserver.RouteMux
	version   *schema.Version
	principal *privilege.Principal
}

func (s *session) ServeLDAP(w ldapserver.ResponseWriter, m *ldapserver.Message) {
	s.mux.ServeLDAP(w, m)
}

// ConnectionClosed releases the session's schema version reference.
func (s *session) ConnectionClosed() {
	s.b.registry.Release(s.version)
}

// grants returns the principal's grant snapshot, resolving the anonymous
// role set lazily on first use.
func (s *session) grants(ctx context.Context) (*privilege.Grants, error) {
	if s.principal.Grants != nil {
		return s.principal.Grants, nil
	}
	g, err := s.b.translator.Resolve(ctx, s.version, s.principal.Roles)
	if err != nil {
		return nil, err
	}
	s.principal.Grants = g
	return g, nil
}

// resolveKey maps the naming value of an entity DN to the row's relational
// key. The two coincide when the RDN attribute is backed by the key column;
// otherwise the row is looked up through its naming column.
func (s *session) resolveKey(ctx context.Context, ent *schema.EntityMapping, rdnValue string) (string, error) {
	rdnCol, _ := ent.Column(ent.RDNAttribute)
	if strings.EqualFold(rdnCol, ent.KeyColumn) {
		return rdnValue, nil
	}
	q := directory.EntityQuery{
		Entity:  ent,
		Columns: []string{ent.KeyColumn},
		Attrs:   []string{""},
		Pred:    directory.Equals{Column: rdnCol, Value: rdnValue},
	}
	var key string
	err := s.b.backend.Query(ctx, q, func(vals []sql.NullString) error {
		key = q.Key(vals)
		return nil
	})
	if err != nil {
		return "", err
	}
	if key == "" {
		return "", sql.ErrNoRows
	}
	return key, nil
}

// isSelf reports whether the row named by rdnValue is the bound member's
// own row. Anonymous sessions own nothing.
func (s *session) isSelf(ctx context.Context, ent *schema.EntityMapping, rdnValue string) bool {
	if s.principal.IsAnonymous() {
		return false
	}
	key, err := s.resolveKey(ctx, ent, rdnValue)
	if err != nil {
		return false
	}
	return strings.EqualFold(key, s.principal.Key)
}

// requestContext derives a context canceled when the request is abandoned
// or the connection goes away, so backend calls do not outlive either.
func requestContext(m *ldapserver.Message) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(m.Client.Context())
	go func() {
		select {
		case <-m.Done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// resultCode maps internal errors onto LDAP result codes.
func resultCode(err error) int {
	switch {
	case err == nil:
		return ldapserver.LDAPResultSuccess
	case errors.Is(err, store.ErrUnavailable):
		return ldapserver.LDAPResultUnavailable
	case errors.Is(err, credential.ErrInvalidCredentials):
		return ldapserver.LDAPResultInvalidCredentials
	case errors.Is(err, directory.ErrUnsupportedFilter):
		return ldapserver.LDAPResultProtocolError
	case errors.Is(err, privilege.ErrAttributeNotWritable),
		errors.Is(err, privilege.ErrAttributeNotReadable):
		return ldapserver.LDAPResultInsufficientAccessRights
	case errors.Is(err, directory.ErrNotInTree):
		return ldapserver.LDAPResultNoSuchObject
	case errors.Is(err, sql.ErrNoRows):
		return ldapserver.LDAPResultNoSuchObject
	default:
		return ldapserver.LDAPResultOther
	}
}

func noteBackendError(err error) {
	if errors.Is(err, store.ErrUnavailable) {
		stats.BackendErrors.Inc()
	}
}

func handleNotFound(w ldapserver.ResponseWriter, m *ldapserver.Message) {
	logger.Debug().Str("op", m.ProtocolOpName()).Msg("operation not supported")
	res := ldapserver.NewResponse(ldapserver.LDAPResultUnwillingToPerform)
	res.SetDiagnosticMessage("operation not supported")
	w.Write(res)
}

func handleUnsupportedExtended(w ldapserver.ResponseWriter, m *ldapserver.Message) {
	r := m.GetExtendedRequest()
	logger.Debug().Str("oid", string(r.RequestName())).Msg("extended operation not supported")
	res := ldapserver.NewExtendedResponse(ldapserver.LDAPResultUnwillingToPerform)
	res.SetDiagnosticMessage("extended operation not supported")
	w.Write(res)
}

// handleWhoAmI acknowledges the authorization identity request. The bound
// DN is already known to the client that asked.
func (s *session) handleWhoAmI(w ldapserver.ResponseWriter, m *ldapserver.Message) {
	res := ldapserver.NewExtendedResponse(ldapserver.LDAPResultSuccess)
	w.Write(res)
}
