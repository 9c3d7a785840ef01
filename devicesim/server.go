// Package devicesim is a simulated controller for tests and local tooling.
// It accepts connections on TCP, speaks the length-prefixed frame protocol,
// answers the session service, routes other methods to registered handlers
// and can push notifications to every connected client.
package devicesim

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/cyberinferno/rpcmux/frame"
	"github.com/cyberinferno/rpcmux/idgenerator"
	"github.com/cyberinferno/rpcmux/logger"
	"github.com/cyberinferno/rpcmux/safemap"
	"github.com/cyberinferno/rpcmux/session"
)

// Error codes the simulator answers with besides the session codes.
const (
	CodeUnknownMethod = "UnknownMethod"
	CodeNoSession     = "NoSession"
	CodeInternal      = "InternalError"
)

// ErrNoReply makes a handler leave a request unanswered.
var ErrNoReply = errors.New("no reply")

// Error is returned by a handler to answer with an error frame.
type Error struct {
	Code    string
	Message string
}

// Error implements error.
func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// Request is one decoded call as seen by a handler.
type Request struct {
	Conn    *Conn
	ID      uint32
	Method  string
	Payload []byte
}

// HandlerFunc answers a request. Returning an *Error sends an error frame,
// ErrNoReply sends nothing and any other error is reported as CodeInternal.
type HandlerFunc func(req Request) ([]byte, error)

// Server is a simulated controller. Configure the exported fields, or use
// New, before calling Start.
type Server struct {
	Logger logger.Logger
	Name   string
	Addr   string

	// Credentials accepted by Session.CreateSession.
	Credentials session.Credentials
	// RequireSession rejects calls to registered handlers from connections
	// without an open session.
	RequireSession bool

	listener   net.Listener
	running    atomic.Bool
	conns      *safemap.SafeMap[uint32, *Conn]
	connIDs    *idgenerator.IdGenerator
	sessions   *safemap.SafeMap[string, uint32]
	sessionIDs *idgenerator.IdGenerator
	handlers   *safemap.SafeMap[string, HandlerFunc]
	calls      *safemap.SafeMap[string, *atomic.Int64]
	sequence   atomic.Uint64
	wg         sync.WaitGroup
}

// New creates a server that listens on addr (e.g. "127.0.0.1:0") and
// accepts the admin/admin credentials.
//
// Parameters:
//   - name: Name used in log entries
//   - addr: Listen address
//   - log: Logger; nil discards
//
// Returns:
//   - A stopped server
func New(name, addr string, log logger.Logger) *Server {
	if log == nil {
		log = logger.NewNopLogger()
	}

	return &Server{
		Logger:      log,
		Name:        name,
		Addr:        addr,
		Credentials: session.Credentials{Username: "admin", Password: "admin"},
	}
}

func (s *Server) init() {
	if s.Logger == nil {
		s.Logger = logger.NewNopLogger()
	}
	if s.conns == nil {
		s.conns = safemap.NewSafeMap[uint32, *Conn]()
		s.connIDs = idgenerator.NewIdGenerator(0)
		s.sessions = safemap.NewSafeMap[string, uint32]()
		s.sessionIDs = idgenerator.NewIdGenerator(0)
		s.handlers = safemap.NewSafeMap[string, HandlerFunc]()
		s.calls = safemap.NewSafeMap[string, *atomic.Int64]()
	}
}

// Handle registers h for method, replacing any previous handler. Session
// methods are answered by the server itself and cannot be overridden.
func (s *Server) Handle(method string, h HandlerFunc) {
	s.init()
	s.handlers.Store(method, h)
}

// Start binds to Addr and begins the accept loop in a goroutine.
//
// Returns:
//   - An error if the server is already running or if listening fails
func (s *Server) Start() error {
	s.init()
	if s.running.Load() {
		return fmt.Errorf("server %s already running", s.Name)
	}

	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		s.Logger.Error("server failed to start", logger.Err(err))
		return fmt.Errorf("server %s failed to start: %w", s.Name, err)
	}

	s.listener = ln
	s.running.Store(true)

	s.Logger.Info(fmt.Sprintf("%s server started", s.Name), logger.Field{Key: "addr", Value: ln.Addr().String()})
	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Stop closes the listener and every connection and waits for their
// goroutines to exit. Safe to call when the server is not running.
func (s *Server) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}

	_ = s.listener.Close()
	s.DropConnections()
	s.wg.Wait()

	s.Logger.Info(fmt.Sprintf("%s server stopped", s.Name))
}

// ListenAddr returns the bound address, useful when Addr asked for port 0.
func (s *Server) ListenAddr() net.Addr {
	return s.listener.Addr()
}

// Connections returns the number of open connections.
func (s *Server) Connections() int {
	s.init()
	return s.conns.Len()
}

// Sessions returns the number of open sessions.
func (s *Server) Sessions() int {
	s.init()
	return s.sessions.Len()
}

// Calls returns how many requests for method have been received.
func (s *Server) Calls(method string) int64 {
	s.init()
	n, ok := s.calls.Load(method)
	if !ok {
		return 0
	}

	return n.Load()
}

// DropConnections closes every connection, as a controller that lost its
// network would. Sessions bound to them are discarded.
func (s *Server) DropConnections() {
	s.init()
	s.conns.Range(func(_ uint32, c *Conn) bool {
		_ = c.Close()
		return true
	})
}

// Publish pushes a notification to every connection.
//
// Parameters:
//   - topic: Notification topic
//   - payload: Notification body
//
// Returns:
//   - The number of connections it was written to
func (s *Server) Publish(topic frame.Topic, payload []byte) int {
	s.init()
	f := frame.NewNotification(topic, s.sequence.Add(1), payload)

	sent := 0
	s.conns.Range(func(_ uint32, c *Conn) bool {
		if err := c.Send(f); err != nil {
			s.Logger.Warn("publish failed", logger.Field{Key: "conn", Value: c.ID()}, logger.Err(err))
			return true
		}
		sent++
		return true
	})

	return sent
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for s.running.Load() {
		nc, err := s.listener.Accept()
		if err != nil {
			if !s.running.Load() {
				return
			}

			s.Logger.Error(fmt.Sprintf("%s server accept error", s.Name), logger.Err(err))
			continue
		}

		c := newConn(s, s.connIDs.Id(), nc)
		s.conns.Store(c.id, c)
		if !s.running.Load() {
			// Stop ran between Accept and Store
			_ = c.Close()
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			c.serve()
		}()
	}
}

func (s *Server) removeConn(c *Conn) {
	s.conns.Delete(c.id)
	s.sessions.Range(func(id string, owner uint32) bool {
		if owner == c.id {
			s.sessions.Delete(id)
		}
		return true
	})
}

func (s *Server) countCall(method string) {
	n, _ := s.calls.LoadOrStore(method, new(atomic.Int64))
	n.Add(1)
}

// dispatch answers req. It runs on its own goroutine per request so that
// slow handlers do not hold up other calls on the connection.
func (s *Server) dispatch(req Request) {
	s.countCall(req.Method)

	var (
		resp []byte
		err  error
	)
	switch req.Method {
	case session.MethodCreateSession:
		resp, err = s.createSession(req)
	case session.MethodCloseSession:
		resp, err = s.closeSession(req)
	case session.MethodKeepAlive:
		resp, err = s.keepAlive(req)
	default:
		h, ok := s.handlers.Load(req.Method)
		switch {
		case !ok:
			err = &Error{Code: CodeUnknownMethod, Message: req.Method}
		case s.RequireSession && !s.hasSession(req.Conn.id):
			err = &Error{Code: CodeNoSession, Message: "create a session first"}
		default:
			resp, err = h(req)
		}
	}

	if errors.Is(err, ErrNoReply) {
		return
	}

	f := frame.NewResponse(req.ID, resp)
	if err != nil {
		var e *Error
		if !errors.As(err, &e) {
			e = &Error{Code: CodeInternal, Message: err.Error()}
		}
		f = frame.NewError(req.ID, e.Code, e.Message)
	}

	if err := req.Conn.Send(f); err != nil {
		s.Logger.Debug("reply not sent", logger.Field{Key: "method", Value: req.Method}, logger.Err(err))
	}
}

func (s *Server) hasSession(conn uint32) bool {
	found := false
	s.sessions.Range(func(_ string, owner uint32) bool {
		found = owner == conn
		return !found
	})

	return found
}
