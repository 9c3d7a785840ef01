// Package session opens, renews and closes the authenticated session that a
// controller requires before it accepts most calls. It only needs something
// that can make calls, normally a *router.Router.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/cyberinferno/rpcmux/logger"
	"github.com/cyberinferno/rpcmux/router"
)

// Method identifiers of the session service.
const (
	MethodCreateSession = "Session.CreateSession"
	MethodCloseSession  = "Session.CloseSession"
	MethodKeepAlive     = "Session.KeepAlive"
)

// Error codes the controller answers session calls with.
const (
	CodeAuthenticationFailed = "AuthenticationFailed"
	CodeSessionNotFound      = "SessionNotFound"
)

// Default inactivity timeouts, as used by the controller's own tooling.
const (
	DefaultSessionInactivityTimeout    = 10 * time.Second
	DefaultConnectionInactivityTimeout = 2 * time.Second
)

var (
	// ErrAuthentication is returned when the controller rejects the
	// credentials.
	ErrAuthentication = errors.New("authentication rejected")
	// ErrSessionAlreadyOpen is returned by CreateSession while a session is
	// open or being opened.
	ErrSessionAlreadyOpen = errors.New("session already open")
	// ErrNoSession is returned by KeepAlive without an open session, or when
	// the controller no longer knows the session.
	ErrNoSession = errors.New("no open session")
)

// Caller issues a call; *router.Router satisfies it.
type Caller interface {
	Call(ctx context.Context, method string, payload []byte, timeout time.Duration) ([]byte, error)
}

// Credentials identify the user logging in.
type Credentials struct {
	Username string
	Password string
}

// Timeouts are the inactivity timeouts requested for a session.
type Timeouts struct {
	// SessionInactivity closes the session after this long without calls.
	SessionInactivity time.Duration
	// ConnectionInactivity closes the connection after this long without
	// traffic.
	ConnectionInactivity time.Duration
}

// DefaultTimeouts returns the default inactivity timeouts.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		SessionInactivity:    DefaultSessionInactivityTimeout,
		ConnectionInactivity: DefaultConnectionInactivityTimeout,
	}
}

// CreateSessionRequest is the payload of MethodCreateSession. Timeouts are
// in milliseconds.
type CreateSessionRequest struct {
	Username                    string `json:"username"`
	Password                    string `json:"password"`
	SessionInactivityTimeout    int64  `json:"session_inactivity_timeout"`
	ConnectionInactivityTimeout int64  `json:"connection_inactivity_timeout"`
}

// CreateSessionResponse is the response payload of MethodCreateSession.
type CreateSessionResponse struct {
	SessionID string `json:"session_id"`
}

// Handle is the payload of MethodCloseSession and MethodKeepAlive.
type Handle struct {
	SessionID string `json:"session_id"`
}

// Session is an open session.
type Session struct {
	ID                          string
	Username                    string
	SessionInactivityTimeout    time.Duration
	ConnectionInactivityTimeout time.Duration
	Created                     time.Time
}

// KeepAliveInterval returns how often to renew the session so that it never
// reaches its inactivity timeout.
func (s *Session) KeepAliveInterval() time.Duration {
	if s.SessionInactivityTimeout <= 0 {
		return DefaultSessionInactivityTimeout / 2
	}

	return s.SessionInactivityTimeout / 2
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(m *Manager) {
		m.log = l
	}
}

// WithCallTimeout sets the timeout of each session call. Zero leaves it to
// the caller's default.
func WithCallTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.callTimeout = d
	}
}

// Manager holds at most one open session. It is safe for concurrent use.
type Manager struct {
	caller      Caller
	log         logger.Logger
	callTimeout time.Duration
	flight      singleflight.Group

	mu      sync.Mutex
	current *Session
	opening bool
}

// NewManager creates a Manager that makes its calls through caller.
func NewManager(caller Caller, opts ...Option) *Manager {
	m := &Manager{
		caller: caller,
		log:    logger.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.log = m.log.With(logger.Field{Key: "component", Value: "session"})
	return m
}

// CreateSession logs in and records the session.
//
// Parameters:
//   - ctx: Caller context
//   - creds: Username and password
//   - sessionInactivity: Session inactivity timeout; zero uses the default
//   - connectionInactivity: Connection inactivity timeout; zero uses the
//     default
//
// Returns:
//   - The open session
//   - ErrSessionAlreadyOpen, ErrAuthentication, or the call error (for
//     example router.ErrNotConnected)
func (m *Manager) CreateSession(ctx context.Context, creds Credentials, sessionInactivity, connectionInactivity time.Duration) (*Session, error) {
	if sessionInactivity <= 0 {
		sessionInactivity = DefaultSessionInactivityTimeout
	}
	if connectionInactivity <= 0 {
		connectionInactivity = DefaultConnectionInactivityTimeout
	}

	m.mu.Lock()
	if m.current != nil || m.opening {
		m.mu.Unlock()
		return nil, ErrSessionAlreadyOpen
	}
	m.opening = true
	m.mu.Unlock()

	s, err := m.create(ctx, creds, sessionInactivity, connectionInactivity)

	m.mu.Lock()
	m.opening = false
	if err == nil {
		m.current = s
	}
	m.mu.Unlock()

	if err != nil {
		m.log.Warn("create session failed", logger.Field{Key: "username", Value: creds.Username}, logger.Err(err))
		return nil, err
	}

	m.log.Info("session opened", logger.Field{Key: "username", Value: creds.Username}, logger.Field{Key: "session", Value: s.ID})
	return s, nil
}

func (m *Manager) create(ctx context.Context, creds Credentials, sessionInactivity, connectionInactivity time.Duration) (*Session, error) {
	payload, err := json.Marshal(CreateSessionRequest{
		Username:                    creds.Username,
		Password:                    creds.Password,
		SessionInactivityTimeout:    sessionInactivity.Milliseconds(),
		ConnectionInactivityTimeout: connectionInactivity.Milliseconds(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode create session: %w", err)
	}

	resp, err := m.caller.Call(ctx, MethodCreateSession, payload, m.callTimeout)
	if err != nil {
		var remote *router.RemoteError
		if errors.As(err, &remote) && remote.Code == CodeAuthenticationFailed {
			return nil, fmt.Errorf("%w: %s", ErrAuthentication, remote.Message)
		}
		return nil, fmt.Errorf("create session: %w", err)
	}

	var out CreateSessionResponse
	if err := json.Unmarshal(resp, &out); err != nil {
		return nil, fmt.Errorf("decode create session response: %w", err)
	}

	return &Session{
		ID:                          out.SessionID,
		Username:                    creds.Username,
		SessionInactivityTimeout:    sessionInactivity,
		ConnectionInactivityTimeout: connectionInactivity,
		Created:                     time.Now(),
	}, nil
}

// CloseSession closes the open session. Without one it does nothing. A
// session whose connection is gone is considered closed.
func (m *Manager) CloseSession(ctx context.Context) error {
	m.mu.Lock()
	s := m.current
	m.current = nil
	m.mu.Unlock()

	if s == nil {
		return nil
	}

	payload, err := json.Marshal(Handle{SessionID: s.ID})
	if err != nil {
		return fmt.Errorf("encode close session: %w", err)
	}

	_, err = m.caller.Call(ctx, MethodCloseSession, payload, m.callTimeout)
	if err != nil && !sessionGone(err) {
		m.log.Warn("close session failed", logger.Field{Key: "session", Value: s.ID}, logger.Err(err))
		return fmt.Errorf("close session: %w", err)
	}

	m.log.Info("session closed", logger.Field{Key: "session", Value: s.ID})
	return nil
}

// KeepAlive renews the open session. Concurrent callers share one
// in-flight renewal, made with the context of the first of them.
//
// Returns:
//   - ErrNoSession without an open session or when the controller dropped
//     it; otherwise the call error
func (m *Manager) KeepAlive(ctx context.Context) error {
	s, ok := m.Current()
	if !ok {
		return ErrNoSession
	}

	_, err, _ := m.flight.Do(s.ID, func() (any, error) {
		payload, err := json.Marshal(Handle{SessionID: s.ID})
		if err != nil {
			return nil, err
		}
		return m.caller.Call(ctx, MethodKeepAlive, payload, m.callTimeout)
	})
	if err == nil {
		return nil
	}

	var remote *router.RemoteError
	if errors.As(err, &remote) && remote.Code == CodeSessionNotFound {
		m.mu.Lock()
		if m.current == s {
			m.current = nil
		}
		m.mu.Unlock()
		m.log.Warn("session expired", logger.Field{Key: "session", Value: s.ID})
		return fmt.Errorf("%w: %s", ErrNoSession, remote.Message)
	}

	return fmt.Errorf("keep alive: %w", err)
}

// KeepAliveLoop renews the session every interval until ctx is done or the
// session is gone. Failed renewals are logged and retried on the next tick.
//
// Returns:
//   - nil when ctx is done, ErrNoSession when the session ended
func (m *Manager) KeepAliveLoop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		err := m.KeepAlive(ctx)
		switch {
		case err == nil:
		case errors.Is(err, ErrNoSession):
			return err
		case ctx.Err() != nil:
			return nil
		default:
			m.log.Warn("keep alive failed", logger.Err(err))
		}
	}
}

// StartKeepAlive runs KeepAliveLoop on its own goroutine.
//
// Returns:
//   - A function that stops the loop and waits for it to exit
func (m *Manager) StartKeepAlive(ctx context.Context, interval time.Duration) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		_ = m.KeepAliveLoop(ctx, interval)
	}()

	return func() {
		cancel()
		<-done
	}
}

// Current returns the open session, if any.
func (m *Manager) Current() (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current, m.current != nil
}

// WithSession opens a session, runs fn and closes the session on every
// exit path: normal return, error, panic and cancellation of ctx. The close
// call is not bound to ctx's cancellation.
//
// Returns:
//   - The error of CreateSession, or fn's error joined with any close error
func WithSession(ctx context.Context, m *Manager, creds Credentials, timeouts Timeouts, fn func(ctx context.Context, s *Session) error) (err error) {
	s, err := m.CreateSession(ctx, creds, timeouts.SessionInactivity, timeouts.ConnectionInactivity)
	if err != nil {
		return err
	}

	defer func() {
		if cerr := m.CloseSession(context.WithoutCancel(ctx)); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()

	return fn(ctx, s)
}

// sessionGone reports whether err means the session no longer exists on
// the controller.
func sessionGone(err error) bool {
	var remote *router.RemoteError
	if errors.As(err, &remote) && remote.Code == CodeSessionNotFound {
		return true
	}

	return errors.Is(err, router.ErrNotConnected) || errors.Is(err, router.ErrConnectionClosed)
}
