package ldapserver

import (
	ldap "github.com/lor00x/goldap/message"
)

// Operation names used for routing, matching the goldap request type names.
const (
	SEARCH   = "SearchRequest"
	BIND     = "BindRequest"
	COMPARE  = "CompareRequest"
	ADD      = "AddRequest"
	MODIFY   = "ModifyRequest"
	DELETE   = "DelRequest"
	EXTENDED = "ExtendedRequest"
	ABANDON  = "AbandonRequest"
)

// HandlerFunc serves one LDAP request message.
type HandlerFunc func(ResponseWriter, *Message)

// Handler is the interface used to serve an LDAP request message.
type Handler interface {
	ServeLDAP(w ResponseWriter, r *Message)
}

// HandlerSource supplies a fresh Handler for each accepted connection, so
// handlers can hold per-connection state.
type HandlerSource interface {
	GetHandler() Handler
}

// CloseHandler is implemented by handlers that want to be told when their
// connection goes away.
type CloseHandler interface {
	ConnectionClosed()
}

// RouteMux dispatches messages to registered routes. It implements Handler.
type RouteMux struct {
	routes        []*route
	notFoundRoute *route
}

type route struct {
	label     string
	operation string
	handler   HandlerFunc
	exoName   ldap.LDAPOID
	sBaseDn   string
	sScope    int
	hasScope  bool
	sFilter   string
}

// Match returns true when the message satisfies all the route conditions.
func (r *route) Match(m *Message) bool {
	if m.ProtocolOpName() != r.operation {
		return false
	}

	switch v := m.ProtocolOp().(type) {
	case ldap.ExtendedRequest:
		if r.exoName != "" && v.RequestName() != r.exoName {
			return false
		}

	case ldap.SearchRequest:
		if r.sBaseDn != "" && string(v.BaseObject()) != r.sBaseDn {
			return false
		}
		if r.hasScope && v.Scope().Int() != r.sScope {
			return false
		}
		if r.sFilter != "" && v.FilterString() != r.sFilter {
			return false
		}
	}
	return true
}

func (r *route) Label(label string) *route {
	r.label = label
	return r
}

func (r *route) BaseDn(dn string) *route {
	r.sBaseDn = dn
	return r
}

func (r *route) Scope(scope int) *route {
	r.sScope = scope
	r.hasScope = true
	return r
}

func (r *route) Filter(pattern string) *route {
	r.sFilter = pattern
	return r
}

func (r *route) RequestName(name ldap.LDAPOID) *route {
	r.exoName = name
	return r
}

// NewRouteMux returns a new *RouteMux.
func NewRouteMux() *RouteMux {
	return &RouteMux{}
}

func (h *RouteMux) ServeLDAP(w ResponseWriter, r *Message) {
	for _, route := range h.routes {
		if !route.Match(r) {
			continue
		}
		route.handler(w, r)
		return
	}

	if h.notFoundRoute != nil {
		h.notFoundRoute.handler(w, r)
		return
	}

	res := NewResponse(LDAPResultUnwillingToPerform)
	res.SetDiagnosticMessage("Operation not implemented by server")
	w.Write(res)
}

func (h *RouteMux) addRoute(r *route) {
	h.routes = append(h.routes, r)
}

func (h *RouteMux) NotFound(handler HandlerFunc) {
	h.notFoundRoute = &route{handler: handler}
}

func (h *RouteMux) Bind(handler HandlerFunc) *route {
	r := &route{operation: BIND, handler: handler}
	h.addRoute(r)
	return r
}

func (h *RouteMux) Search(handler HandlerFunc) *route {
	r := &route{operation: SEARCH, handler: handler}
	h.addRoute(r)
	return r
}

func (h *RouteMux) Add(handler HandlerFunc) *route {
	r := &route{operation: ADD, handler: handler}
	h.addRoute(r)
	return r
}

func (h *RouteMux) Delete(handler HandlerFunc) *route {
	r := &route{operation: DELETE, handler: handler}
	h.addRoute(r)
	return r
}

func (h *RouteMux) Modify(handler HandlerFunc) *route {
	r := &route{operation: MODIFY, handler: handler}
	h.addRoute(r)
	return r
}

func (h *RouteMux) Compare(handler HandlerFunc) *route {
	r := &route{operation: COMPARE, handler: handler}
	h.addRoute(r)
	return r
}

func (h *RouteMux) Extended(handler HandlerFunc) *route {
	r := &route{operation: EXTENDED, handler: handler}
	h.addRoute(r)
	return r
}
