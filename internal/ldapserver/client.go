package ldapserver

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	ldap "github.com/lor00x/goldap/message"
)

// Client is the server side of one LDAP connection. Requests are read by a
// single reader goroutine and processed strictly in order by a single worker
// goroutine, so responses for a session always come back in request order
// even when the client pipelines. Unbind and abandon are handled by the
// reader directly and so can interrupt the request being processed.
type Client struct {
	Numero      int
	srv         *Server
	rwc         net.Conn
	br          *bufio.Reader
	bw          *bufio.Writer
	chanOut     chan *ldap.LDAPMessage
	queue       chan *Message
	handler     Handler
	ctx         context.Context
	cancel      context.CancelFunc
	mutex       sync.Mutex
	requestList map[int]*Message
	data        any
	writerDone  chan struct{}
	workerDone  chan struct{}
}

func (c *Client) Addr() net.Addr {
	return c.rwc.RemoteAddr()
}

// Context is canceled when the connection goes away or the server stops.
// Handlers derive their backend-call contexts from it.
func (c *Client) Context() context.Context {
	return c.ctx
}

// SetData stores arbitrary per-connection data.
func (c *Client) SetData(v any) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.data = v
}

// GetData returns the value stored with SetData.
func (c *Client) GetData() any {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.data
}

// GetMessageByID returns the in-flight message with the given ID.
func (c *Client) GetMessageByID(messageID int) (*Message, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	m, ok := c.requestList[messageID]
	return m, ok
}

func (c *Client) registerRequest(m *Message) {
	c.mutex.Lock()
	c.requestList[m.MessageID().Int()] = m
	c.mutex.Unlock()
}

func (c *Client) unregisterRequest(m *Message) {
	c.mutex.Lock()
	delete(c.requestList, m.MessageID().Int())
	c.mutex.Unlock()
}

func (c *Client) serve() {
	defer c.close()

	if onc := c.srv.OnNewConnection; onc != nil {
		if err := onc(c.rwc); err != nil {
			Logger.Debug().Int("client", c.Numero).Err(err).Msg("OnNewConnection rejected connection")
			return
		}
	}

	c.handler = c.srv.handlerFor(c)
	c.chanOut = make(chan *ldap.LDAPMessage, 20)
	c.queue = make(chan *Message, 20)
	c.writerDone = make(chan struct{})
	c.workerDone = make(chan struct{})

	go c.writeLoop()
	go c.processLoop()

	for {
		if c.srv.ReadTimeout != 0 {
			c.rwc.SetReadDeadline(time.Now().Add(c.srv.ReadTimeout))
		}

		packet, err := readMessagePacket(c.br)
		if err != nil {
			Logger.Debug().Int("client", c.Numero).Err(err).Msg("connection read ended")
			return
		}

		msg, err := packet.readMessage()
		if err != nil {
			// Malformed input closes the connection, no partial recovery.
			Logger.Warn().Int("client", c.Numero).Err(err).Msg("protocol error, closing connection")
			return
		}

		m := &Message{
			LDAPMessage: &msg,
			Done:        make(chan bool, 2),
			Client:      c,
		}

		Logger.Debug().Int("client", c.Numero).Int("msgid", m.MessageID().Int()).
			Str("op", m.ProtocolOpName()).Msg("request received")

		switch op := msg.ProtocolOp().(type) {
		case ldap.UnbindRequest:
			return
		case ldap.AbandonRequest:
			if target, ok := c.GetMessageByID(int(op)); ok {
				target.Abandon()
			}
		default:
			c.registerRequest(m)
			c.queue <- m
		}
	}
}

// processLoop serves queued requests one at a time, in arrival order.
func (c *Client) processLoop() {
	defer close(c.workerDone)
	for m := range c.queue {
		if w := c.writerFor(m); w != nil {
			c.handler.ServeLDAP(w, m)
		}
		c.unregisterRequest(m)
	}
}

func (c *Client) writerFor(m *Message) ResponseWriter {
	select {
	case <-c.ctx.Done():
		return nil
	default:
	}
	return responseWriter{chanOut: c.chanOut, messageID: m.MessageID().Int()}
}

func (c *Client) writeLoop() {
	defer close(c.writerDone)
	for m := range c.chanOut {
		c.writeMessage(m)
	}
}

func (c *Client) writeMessage(m *ldap.LDAPMessage) {
	data, err := m.Write()
	if err != nil {
		Logger.Warn().Int("client", c.Numero).Err(err).Msg("response encoding failed")
		return
	}
	if c.srv.WriteTimeout != 0 {
		c.rwc.SetWriteDeadline(time.Now().Add(c.srv.WriteTimeout))
	}
	c.bw.Write(data.Bytes())
	c.bw.Flush()
}

func (c *Client) close() {
	c.cancel()

	// Wake any handler still waiting on an abandoned request.
	c.mutex.Lock()
	for _, m := range c.requestList {
		m.Abandon()
	}
	c.mutex.Unlock()

	if c.queue != nil {
		close(c.queue)
		<-c.workerDone
		close(c.chanOut)
		<-c.writerDone
	}

	c.rwc.Close()

	if ch, ok := c.handler.(CloseHandler); ok {
		ch.ConnectionClosed()
	}

	c.srv.removeClient(c)
	Logger.Debug().Int("client", c.Numero).Msg("connection closed")
	c.srv.wg.Done()
}
