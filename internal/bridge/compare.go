package bridge

import (
	"context"
	"database/sql"
	"strings"

	ldap "github.com/lor00x/goldap/message"

	"github.com/memberbase/ldapbridge/internal/directory"
	"github.com/memberbase/ldapbridge/internal/ldapserver"
	"github.com/memberbase/ldapbridge/internal/privilege"
	"github.com/memberbase/ldapbridge/internal/schema"
	"github.com/memberbase/ldapbridge/internal/stats"
)

func (s *session) handleCompare(w ldapserver.ResponseWriter, m *ldapserver.Message) {
	r := m.GetCompareRequest()
	res := ldapserver.NewCompareResponse(ldapserver.LDAPResultSuccess)

	ctx, cancel := requestContext(m)
	defer cancel()

	grants, err := s.grants(ctx)
	if err != nil {
		noteBackendError(err)
		res.SetResultCode(resultCode(err))
		w.Write(res)
		return
	}

	dn := string(r.Entry())
	ava := r.Ava()
	attr := strings.ToLower(string(ava.AttributeDesc()))
	assertion := string(ava.AssertionValue())

	ent, _, err := s.b.mapper.DNToKey(s.version, dn)
	if err != nil {
		res.SetResultCode(resultCode(err))
		w.Write(res)
		return
	}

	if !attributeExists(ent, attr) {
		res.SetResultCode(ldapserver.LDAPResultNoSuchAttribute)
		(*ldap.LDAPResult)(&res).SetDiagnosticMessage("no such attribute")
		w.Write(res)
		return
	}

	if !directory.IsStructural(attr) && !grants.CanRead(attr) {
		stats.PrivilegeDenials.Inc()
		res.SetResultCode(ldapserver.LDAPResultInsufficientAccessRights)
		w.Write(res)
		return
	}

	entry, err := s.fetchEntry(ctx, dn, grants)
	if err != nil {
		noteBackendError(err)
		res.SetResultCode(resultCode(err))
		w.Write(res)
		return
	}

	code := ldapserver.LDAPResultCompareFalse
	for _, v := range entry.Get(attr) {
		if strings.EqualFold(v, assertion) {
			code = ldapserver.LDAPResultCompareTrue
			break
		}
	}
	res.SetResultCode(code)
	w.Write(res)
}

// attributeExists reports whether the entity serves the attribute at all,
// through a column, a join or the tree structure.
func attributeExists(ent *schema.EntityMapping, attr string) bool {
	if directory.IsStructural(attr) {
		return true
	}
	if _, ok := ent.Column(attr); ok {
		return true
	}
	_, ok := ent.Join(attr)
	return ok
}

// fetchEntry loads one entity row by DN, joins included, honoring the
// principal's row rules. A row hidden by a row rule looks absent.
func (s *session) fetchEntry(ctx context.Context, dn string, grants *privilege.Grants) (*directory.Entry, error) {
	plan, err := s.b.mapper.Plan(s.version, dn, directory.ScopeBase,
		ldap.FilterPresent(directory.AttrObjectClass), s.principal)
	if err != nil {
		return nil, err
	}

	endQuery := s.version.BeginQuery(plan.Attributes())
	defer endQuery()

	if len(plan.Static) > 0 {
		return plan.Static[0], nil
	}

	var found *directory.Entry
	for _, q := range plan.Queries {
		err := s.b.backend.Query(ctx, q, func(vals []sql.NullString) error {
			e, err := s.b.mapper.RenderRow(q, vals)
			if err != nil {
				return err
			}
			if err := s.attachJoins(ctx, q, q.Key(vals), e, grants); err != nil {
				return err
			}
			found = e
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	if found == nil {
		return nil, sql.ErrNoRows
	}
	return found, nil
}
