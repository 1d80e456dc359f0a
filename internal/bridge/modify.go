package bridge

import (
	"database/sql"
	"errors"
	"strings"

	ldap "github.com/lor00x/goldap/message"

	"github.com/memberbase/ldapbridge/internal/credential"
	"github.com/memberbase/ldapbridge/internal/directory"
	"github.com/memberbase/ldapbridge/internal/ldapserver"
	"github.com/memberbase/ldapbridge/internal/logger"
	"github.com/memberbase/ldapbridge/internal/stats"
)

// userPasswordAttribute is the one attribute a modify never writes as a
// plain column: its value is hashed and stored as the canonical/crypt pair.
const userPasswordAttribute = "userpassword"

// handleModify applies replace changes to one entity row. The whole
// operation is all-or-nothing: one unwritable attribute rejects every
// change, and column and credential writes land in a single backend update.
func (s *session) handleModify(w ldapserver.ResponseWriter, m *ldapserver.Message) {
	r := m.GetModifyRequest()
	res := ldapserver.NewModifyResponse(ldapserver.LDAPResultSuccess)
	diag := (*ldap.LDAPResult)(&res)

	ctx, cancel := requestContext(m)
	defer cancel()

	grants, err := s.grants(ctx)
	if err != nil {
		noteBackendError(err)
		res.SetResultCode(resultCode(err))
		w.Write(res)
		return
	}

	dn := string(r.Object())
	ent, rdnValue, err := s.b.mapper.DNToKey(s.version, dn)
	if err != nil {
		res.SetResultCode(resultCode(err))
		w.Write(res)
		return
	}

	set := make(map[string]string)
	var writeAttrs []string
	var newPassword string
	var hasPassword bool

	for _, change := range r.Changes() {
		if change.Operation().Int() != ldapserver.ModifyRequestChangeOperationReplace {
			res.SetResultCode(ldapserver.LDAPResultUnwillingToPerform)
			diag.SetDiagnosticMessage("only replace changes are supported")
			w.Write(res)
			return
		}

		mod := change.Modification()
		attr := strings.ToLower(string(mod.Type_()))
		vals := mod.Vals()

		if len(vals) != 1 {
			res.SetResultCode(ldapserver.LDAPResultConstraintViolation)
			diag.SetDiagnosticMessage("exactly one value required")
			w.Write(res)
			return
		}
		value := string(vals[0])

		if attr == userPasswordAttribute {
			newPassword = value
			hasPassword = true
			continue
		}

		if directory.IsStructural(attr) {
			res.SetResultCode(ldapserver.LDAPResultUnwillingToPerform)
			diag.SetDiagnosticMessage("structural attributes are not modifiable")
			w.Write(res)
			return
		}

		col, ok := ent.Column(attr)
		if !ok {
			res.SetResultCode(ldapserver.LDAPResultUnwillingToPerform)
			diag.SetDiagnosticMessage("attribute is not modifiable")
			w.Write(res)
			return
		}
		set[col] = value
		writeAttrs = append(writeAttrs, attr)
	}

	// A member may always change their own password; everyone else needs
	// an update grant on the credential column.
	var cred *credential.Record
	if hasPassword {
		self := strings.EqualFold(ent.Name, membersEntity) && s.isSelf(ctx, ent, rdnValue)
		if !self && !grants.CanWrite(userPasswordAttribute) {
			stats.PrivilegeDenials.Inc()
			res.SetResultCode(ldapserver.LDAPResultInsufficientAccessRights)
			diag.SetDiagnosticMessage("password change not permitted")
			w.Write(res)
			return
		}
		cred, err = hashPassword(newPassword)
		if err != nil {
			res.SetResultCode(resultCode(err))
			w.Write(res)
			return
		}
	}

	if err := grants.CheckWrite(writeAttrs); err != nil {
		stats.PrivilegeDenials.Inc()
		res.SetResultCode(resultCode(err))
		diag.SetDiagnosticMessage(err.Error())
		w.Write(res)
		return
	}

	if len(set) > 0 || cred != nil {
		if err := s.b.backend.Update(ctx, ent, rdnValue, set, cred); err != nil {
			noteBackendError(err)
			res.SetResultCode(resultCode(err))
			if errors.Is(err, sql.ErrNoRows) {
				diag.SetDiagnosticMessage("no such object")
			}
			w.Write(res)
			return
		}
	}

	logger.Ctx(ctx).Info().Str("dn", dn).Strs("attributes", writeAttrs).
		Bool("password", hasPassword).Msg("modify applied")
	w.Write(res)
}

// hashPassword turns a new plaintext secret into the canonical/crypt pair
// that is stored as one unit, so the two representations can never diverge.
func hashPassword(secret string) (*credential.Record, error) {
	canonical, err := credential.NewCanonical(secret)
	if err != nil {
		return nil, err
	}
	crypt, err := credential.DeriveCrypt(canonical)
	if err != nil {
		return nil, err
	}
	return &credential.Record{Canonical: canonical, Crypt: crypt}, nil
}
