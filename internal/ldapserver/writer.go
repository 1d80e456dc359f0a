package ldapserver

import ldap "github.com/lor00x/goldap/message"

// ResponseWriter writes protocol ops back to the client that issued the
// request being served. Responses carry the request's message ID and are
// serialized by the connection's single write loop, so a handler may call
// Write several times (search entries, then the done response).
type ResponseWriter interface {
	Write(po ldap.ProtocolOp)
}

type responseWriter struct {
	chanOut   chan *ldap.LDAPMessage
	messageID int
}

func (w responseWriter) Write(po ldap.ProtocolOp) {
	m := ldap.NewLDAPMessageWithProtocolOp(po)
	m.SetMessageID(w.messageID)
	w.chanOut <- m
}
