package bridge

import (
	"context"
	"database/sql"
	"errors"

	ldap "github.com/lor00x/goldap/message"

	"github.com/memberbase/ldapbridge/internal/directory"
	"github.com/memberbase/ldapbridge/internal/ldapserver"
	"github.com/memberbase/ldapbridge/internal/logger"
	"github.com/memberbase/ldapbridge/internal/privilege"
	"github.com/memberbase/ldapbridge/internal/stats"
)

// Sentinels steering the streaming scan; neither reaches the client as an
// error code.
var (
	errSizeLimit = errors.New("size limit reached")
	errAbandoned = errors.New("request abandoned")
)

func (s *session) handleSearch(w ldapserver.ResponseWriter, m *ldapserver.Message) {
	r := m.GetSearchRequest()
	stats.Searches.Inc()

	base := string(r.BaseObject())
	scope := r.Scope().Int()

	if base == "" && scope == ldapserver.SearchRequestScopeBaseObject {
		s.writeRootDSE(w, r)
		return
	}

	ctx, cancel := requestContext(m)
	defer cancel()

	grants, err := s.grants(ctx)
	if err != nil {
		s.searchDone(w, err)
		return
	}

	plan, err := s.b.mapper.Plan(s.version, base, scope, r.Filter(), s.principal)
	if err != nil {
		s.searchDone(w, err)
		return
	}

	// Keep the referenced attributes pinned for the duration of the scan,
	// so a concurrent schema publication cannot remove them mid-search.
	endQuery := s.version.BeginQuery(plan.Attributes())
	defer endQuery()

	requested := requestedAttributes(r)
	sizeLimit := r.SizeLimit().Int()
	sent := 0

	send := func(e *directory.Entry) error {
		select {
		case <-m.Done:
			return errAbandoned
		default:
		}
		if sizeLimit > 0 && sent >= sizeLimit {
			return errSizeLimit
		}
		e.Project(requested)
		writeEntry(w, e)
		sent++
		stats.EntriesReturned.Inc()
		return nil
	}

	for _, e := range plan.Static {
		if err := send(e); err != nil {
			s.finishScan(w, err)
			return
		}
	}

	for _, q := range plan.Queries {
		err := s.b.backend.Query(ctx, q, func(vals []sql.NullString) error {
			e, err := s.b.mapper.RenderRow(q, vals)
			if err != nil {
				return err
			}
			if err := s.attachJoins(ctx, q, q.Key(vals), e, grants); err != nil {
				return err
			}
			visible := visibleEntry(e, grants)
			if visible == nil {
				return nil
			}
			return send(visible)
		})
		if err != nil {
			s.finishScan(w, err)
			return
		}
	}

	logger.Ctx(ctx).Debug().Str("base", base).Int("scope", scope).
		Int("entries", sent).Msg("search completed")
	s.searchDone(w, nil)
}

// finishScan completes a scan stopped early. An abandoned request gets no
// response at all.
func (s *session) finishScan(w ldapserver.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errAbandoned):
	case errors.Is(err, errSizeLimit):
		res := ldapserver.NewSearchResultDoneResponse(ldapserver.LDAPResultSizeLimitExceeded)
		w.Write(res)
	default:
		s.searchDone(w, err)
	}
}

func (s *session) searchDone(w ldapserver.ResponseWriter, err error) {
	code := resultCode(err)
	noteBackendError(err)
	res := ldapserver.NewSearchResultDoneResponse(code)
	if err != nil && code != ldapserver.LDAPResultSuccess {
		res.SetDiagnosticMessage(err.Error())
	}
	w.Write(res)
}

// attachJoins loads the join-backed attributes the principal may read.
// Unreadable joins are never fetched.
func (s *session) attachJoins(ctx context.Context, q directory.EntityQuery, key string, e *directory.Entry, g *privilege.Grants) error {
	if key == "" {
		return nil
	}
	for i := range q.Entity.Joins {
		j := &q.Entity.Joins[i]
		if !g.CanRead(j.Attribute) {
			continue
		}
		values, err := s.b.backend.JoinValues(ctx, j, key)
		if err != nil {
			return err
		}
		s.b.mapper.RenderJoin(s.version, e, j, values)
	}
	return nil
}

// visibleEntry applies attribute grants: structural attributes always pass,
// relational attributes need a read grant, and an entry left with no
// readable relational attribute disappears entirely.
func visibleEntry(e *directory.Entry, g *privilege.Grants) *directory.Entry {
	out := directory.NewEntry(e.DN)
	relational, readable := 0, 0
	for name, values := range e.Attrs {
		if directory.IsStructural(name) {
			out.Attrs[name] = values
			continue
		}
		relational++
		if g.CanRead(name) {
			out.Attrs[name] = values
			readable++
		}
	}
	if relational > 0 && readable == 0 {
		return nil
	}
	return out
}

func requestedAttributes(r ldap.SearchRequest) []string {
	sel := r.Attributes()
	out := make([]string, 0, len(sel))
	for _, a := range sel {
		out = append(out, string(a))
	}
	return out
}

func writeEntry(w ldapserver.ResponseWriter, e *directory.Entry) {
	entry := ldapserver.NewSearchResultEntry(e.DN)
	for _, name := range e.AttributeNames() {
		values := make([]ldap.AttributeValue, 0, len(e.Attrs[name]))
		for _, v := range e.Attrs[name] {
			values = append(values, ldap.AttributeValue(v))
		}
		entry.AddAttribute(ldap.AttributeDescription(name), values...)
	}
	w.Write(entry)
}

// writeRootDSE answers the base-scope search against the empty DN that
// clients use to discover the server.
func (s *session) writeRootDSE(w ldapserver.ResponseWriter, r ldap.SearchRequest) {
	e := directory.NewEntry("")
	e.AddAttribute("objectclass", "top")
	e.AddAttribute("vendorname", "memberbase ldapbridge")
	e.AddAttribute("namingcontexts", s.b.mapper.BaseDN())
	e.AddAttribute("supportedldapversion", "3")
	e.AddAttribute("supportedextension", string(ldapserver.NoticeOfWhoAmI))
	e.Project(requestedAttributes(r))
	writeEntry(w, e)

	res := ldapserver.NewSearchResultDoneResponse(ldapserver.LDAPResultSuccess)
	w.Write(res)
	stats.EntriesReturned.Inc()
}
