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
	"github.com/memberbase/ldapbridge/internal/stats"
)

// membersEntity is the only entity whose rows carry credentials.
const membersEntity = "members"

// handleBind establishes the session's principal. A failed bind drops the
// session back to anonymous rather than keeping the previous identity.
func (s *session) handleBind(w ldapserver.ResponseWriter, m *ldapserver.Message) {
	r := m.GetBindRequest()
	res := ldapserver.NewBindResponse(ldapserver.LDAPResultSuccess)

	if r.AuthenticationChoice() != "simple" {
		s.principal = privilege.Anonymous()
		stats.BindResults.WithLabelValues("unsupported").Inc()
		res.SetResultCode(ldapserver.LDAPResultUnwillingToPerform)
		res.SetDiagnosticMessage("authentication choice not supported")
		w.Write(res)
		return
	}

	dn := string(r.Name())
	secret := string(r.AuthenticationSimple())

	if dn == "" && secret == "" {
		// Anonymous bind succeeds; what it may see is decided per
		// attribute by the anonymous role's grants.
		s.principal = privilege.Anonymous()
		stats.BindResults.WithLabelValues("anonymous").Inc()
		w.Write(res)
		return
	}

	ctx, cancel := requestContext(m)
	defer cancel()

	p, err := s.authenticate(ctx, dn, secret)
	if err != nil {
		s.principal = privilege.Anonymous()
		stats.BindResults.WithLabelValues("failure").Inc()
		noteBackendError(err)
		res.SetResultCode(resultCode(err))
		if resultCode(err) == ldapserver.LDAPResultInvalidCredentials {
			res.SetDiagnosticMessage("invalid credentials")
		}
		w.Write(res)
		return
	}

	s.principal = p
	stats.BindResults.WithLabelValues("success").Inc()
	logger.Ctx(ctx).Info().Str("dn", p.DN).Strs("roles", p.Roles).Msg("bind accepted")
	w.Write(res)
}

// authenticate resolves the bind DN to a member row, verifies the secret
// and snapshots the principal's grants. A DN outside the members branch
// fails exactly like a wrong password.
func (s *session) authenticate(ctx context.Context, dn, secret string) (*privilege.Principal, error) {
	ent, rdnValue, err := s.b.mapper.DNToKey(s.version, dn)
	if err != nil || !strings.EqualFold(ent.Name, membersEntity) {
		return nil, credential.ErrInvalidCredentials
	}

	key, err := s.resolveKey(ctx, ent, rdnValue)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, credential.ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}

	norm, err := directory.NormalizeDN(dn)
	if err != nil {
		return nil, credential.ErrInvalidCredentials
	}

	p, err := s.b.normalizer.Authenticate(ctx, norm, key, secret)
	if err != nil {
		return nil, err
	}

	grants, err := s.b.translator.Resolve(ctx, s.version, p.Roles)
	if err != nil {
		return nil, err
	}
	p.Grants = grants
	return p, nil
}
