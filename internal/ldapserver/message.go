package ldapserver

import (
	"reflect"

	ldap "github.com/lor00x/goldap/message"
)

// Message wraps one decoded LDAPMessage together with the connection it
// arrived on and an abandonment signal for the handler processing it.
type Message struct {
	*ldap.LDAPMessage
	Client *Client
	// Done receives a value when the request is abandoned: client sent an
	// AbandonRequest, the connection dropped, or the server is stopping.
	Done chan bool
}

// ProtocolOpName returns the name of the request type ("BindRequest",
// "SearchRequest", ...). Used for routing.
func (m *Message) ProtocolOpName() string {
	return reflect.TypeOf(m.ProtocolOp()).Name()
}

// Abandon signals the handler working on this message to stop.
func (m *Message) Abandon() {
	select {
	case m.Done <- true:
	default:
	}
}

func (m *Message) GetBindRequest() ldap.BindRequest {
	return m.ProtocolOp().(ldap.BindRequest)
}

func (m *Message) GetSearchRequest() ldap.SearchRequest {
	return m.ProtocolOp().(ldap.SearchRequest)
}

func (m *Message) GetCompareRequest() ldap.CompareRequest {
	return m.ProtocolOp().(ldap.CompareRequest)
}

func (m *Message) GetModifyRequest() ldap.ModifyRequest {
	return m.ProtocolOp().(ldap.ModifyRequest)
}

func (m *Message) GetAddRequest() ldap.AddRequest {
	return m.ProtocolOp().(ldap.AddRequest)
}

func (m *Message) GetDeleteRequest() ldap.DelRequest {
	return m.ProtocolOp().(ldap.DelRequest)
}

func (m *Message) GetExtendedRequest() ldap.ExtendedRequest {
	return m.ProtocolOp().(ldap.ExtendedRequest)
}

func (m *Message) GetAbandonRequest() ldap.AbandonRequest {
	return m.ProtocolOp().(ldap.AbandonRequest)
}
