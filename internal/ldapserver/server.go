// Package ldapserver implements the server side of the LDAP wire protocol:
// a connection listener, a per-connection request/response state machine,
// and a route multiplexer dispatching decoded messages to handlers.
package ldapserver

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Logger is used for protocol-level logging. Silent by default; the serving
// process points it at its own logger.
var Logger zerolog.Logger = zerolog.Nop()

// Server accepts LDAP connections and serves each one with a Handler.
type Server struct {
	Listener     net.Listener
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// OnNewConnection, if non-nil, is called on new connections.
	// If it returns non-nil, the connection is closed.
	OnNewConnection func(c net.Conn) error

	handler       Handler
	handlerSource HandlerSource

	mu      sync.Mutex
	clients map[*Client]struct{}
	nextNum int
	closing bool

	wg   sync.WaitGroup
	done chan struct{}
}

// NewServer returns a server serving every connection with the Handler
// installed by Handle.
func NewServer() *Server {
	return &Server{
		clients: make(map[*Client]struct{}),
		done:    make(chan struct{}),
	}
}

// NewServerWithHandlerSource returns a server asking hs for a fresh Handler
// on each accepted connection, so handlers can keep per-session state.
func NewServerWithHandlerSource(hs HandlerSource) *Server {
	s := NewServer()
	s.handlerSource = hs
	return s
}

// Handle installs the shared connection handler. Must be called before
// serving when no HandlerSource was given.
func (s *Server) Handle(h Handler) {
	s.handler = h
}

func (s *Server) handlerFor(c *Client) Handler {
	if s.handlerSource != nil {
		return s.handlerSource.GetHandler()
	}
	if s.handler != nil {
		return s.handler
	}
	return defaultHandler{}
}

// ListenAndServe listens on the TCP network address addr then serves
// incoming connections.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.Listener = ln
	Logger.Info().Str("addr", ln.Addr().String()).Msg("listening")
	return s.serve()
}

// Serve handles requests on the given listener.
func (s *Server) Serve(ln net.Listener) error {
	s.Listener = ln
	return s.serve()
}

func (s *Server) serve() error {
	defer s.Listener.Close()

	for {
		rw, err := s.Listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			Logger.Warn().Err(err).Msg("accept failed")
			continue
		}

		c := s.newClient(rw)
		if c == nil {
			rw.Close()
			continue
		}

		Logger.Debug().Int("client", c.Numero).Str("remote", rw.RemoteAddr().String()).
			Msg("connection accepted")
		go c.serve()
	}
}

func (s *Server) newClient(rwc net.Conn) *Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return nil
	}
	s.nextNum++
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		Numero:      s.nextNum,
		srv:         s,
		rwc:         rwc,
		br:          bufio.NewReader(rwc),
		bw:          bufio.NewWriter(rwc),
		ctx:         ctx,
		cancel:      cancel,
		requestList: make(map[int]*Message),
	}
	s.clients[c] = struct{}{}
	s.wg.Add(1)
	return c
}

func (s *Server) removeClient(c *Client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}

// Stop closes the listener, terminates every active connection, and waits
// for their goroutines to end.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	s.closing = true
	close(s.done)
	for c := range s.clients {
		c.rwc.Close()
	}
	s.mu.Unlock()

	if s.Listener != nil {
		s.Listener.Close()
	}
	s.wg.Wait()
	Logger.Info().Msg("server stopped")
}

type defaultHandler struct{}

func (defaultHandler) ServeLDAP(w ResponseWriter, r *Message) {
	switch r.ProtocolOpName() {
	case BIND:
		w.Write(NewBindResponse(LDAPResultUnwillingToPerform))
	default:
		res := NewResponse(LDAPResultUnwillingToPerform)
		res.SetDiagnosticMessage("Operation not implemented by server")
		w.Write(res)
	}
}
