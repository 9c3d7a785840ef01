// Package router multiplexes request/response calls and controller-pushed
// notifications over a single transport connection.
//
// A Router owns the transport for the lifetime of a connection. One receive
// goroutine decodes every inbound frame and hands responses to the
// correlation table and notifications to the subscription registry; callers
// only ever meet that goroutine through those two structures.
package router

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cyberinferno/rpcmux/correlation"
	"github.com/cyberinferno/rpcmux/frame"
	"github.com/cyberinferno/rpcmux/idgenerator"
	"github.com/cyberinferno/rpcmux/logger"
	"github.com/cyberinferno/rpcmux/registry"
	"github.com/cyberinferno/rpcmux/transport"
)

// DefaultCallTimeout applies to calls made with a zero timeout unless
// WithDefaultTimeout overrides it.
const DefaultCallTimeout = 10 * time.Second

var (
	// ErrConnection wraps the transport error when Connect fails.
	ErrConnection = errors.New("connection could not be established")
	// ErrNotConnected is returned by operations attempted outside Connected.
	ErrNotConnected = errors.New("router not connected")
	// ErrAlreadyConnected is returned by Connect when not Disconnected.
	ErrAlreadyConnected = errors.New("router already connected")
	// ErrUnmatchedResponse is reported for a response that matches no
	// outstanding request.
	ErrUnmatchedResponse = errors.New("response matches no outstanding request")
	// ErrUnexpectedFrame is reported for a frame kind a client never
	// receives.
	ErrUnexpectedFrame = errors.New("unexpected frame kind")

	// ErrTimeout is returned by a call whose deadline elapsed.
	ErrTimeout = correlation.ErrTimeout
	// ErrConnectionClosed is returned by calls outstanding at teardown.
	ErrConnectionClosed = correlation.ErrConnectionClosed
)

// RemoteError is returned by Call when the controller answered with an
// error frame.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return "remote error " + e.Code
	}

	return "remote error " + e.Code + ": " + e.Message
}

type (
	// Topic identifies a notification stream.
	Topic = registry.Topic
	// Handle identifies a subscription.
	Handle = registry.Handle
	// Notification is one inbound event.
	Notification = registry.Notification
	// Handler receives notifications on its own goroutine.
	Handler = registry.Handler
)

// State is the connection state of a Router.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Closing
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Closing:
		return "Closing"
	default:
		return "Unknown"
	}
}

// ErrorCallback receives protocol anomalies (malformed frames, unmatched
// responses) and the reason a connection was lost. It runs on its own
// goroutine.
type ErrorCallback func(err error)

// StateCallback is called on every state transition, on its own goroutine.
type StateCallback func(from, to State)

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the logger. The router adds component and address fields.
func WithLogger(l logger.Logger) Option {
	return func(r *Router) {
		r.log = l
	}
}

// WithDefaultTimeout sets the deadline applied to calls made with a zero
// timeout. A negative value disables it.
func WithDefaultTimeout(d time.Duration) Option {
	return func(r *Router) {
		r.defaultTimeout = d
	}
}

// WithErrorCallback registers cb for anomalies and connection loss.
func WithErrorCallback(cb ErrorCallback) Option {
	return func(r *Router) {
		r.onError = cb
	}
}

// WithStateCallback registers cb for state transitions.
func WithStateCallback(cb StateCallback) Option {
	return func(r *Router) {
		r.onState = cb
	}
}

// WithMetrics records call and notification metrics in c.
func WithMetrics(c *Collector) Option {
	return func(r *Router) {
		r.metrics = c
	}
}

// WithTombstoneTTL sets how long expired or cancelled correlation ids are
// remembered so their late responses are dropped quietly.
func WithTombstoneTTL(ttl time.Duration) Option {
	return func(r *Router) {
		r.tombstoneTTL = ttl
	}
}

// Router is safe for concurrent use.
type Router struct {
	transport      transport.Transport
	log            logger.Logger
	defaultTimeout time.Duration
	tombstoneTTL   time.Duration
	onError        ErrorCallback
	onState        StateCallback
	metrics        *Collector

	table *correlation.Table
	subs  *registry.Registry
	ids   *idgenerator.IdGenerator

	mu            sync.RWMutex
	state         State
	address       string
	connectCancel context.CancelFunc
	loopCancel    context.CancelFunc
	group         *errgroup.Group
	groupCtx      context.Context
	done          chan struct{}
	err           error
}

// New creates a disconnected Router over t.
//
// Parameters:
//   - t: The transport; the Router calls Disconnect on it at teardown
//   - opts: Options
//
// Returns:
//   - A new Router in the Disconnected state
func New(t transport.Transport, opts ...Option) *Router {
	r := &Router{
		transport:      t,
		log:            logger.NewNopLogger(),
		defaultTimeout: DefaultCallTimeout,
		tombstoneTTL:   correlation.DefaultTombstoneTTL,
		state:          Disconnected,
		done:           make(chan struct{}),
	}
	close(r.done)

	for _, opt := range opts {
		opt(r)
	}

	r.log = r.log.With(logger.Field{Key: "component", Value: "router"})
	r.table = correlation.New(correlation.WithTombstoneTTL(r.tombstoneTTL))
	r.subs = registry.New(registry.WithLogger(r.log))
	r.ids = idgenerator.NewRecyclingIdGenerator(0, r.table.Has)

	return r
}

// Connect opens the transport and starts the receive loop.
//
// Parameters:
//   - ctx: Bounds connection establishment only
//   - address: Controller host
//   - port: Controller port
//
// Returns:
//   - ErrAlreadyConnected when not Disconnected
//   - An error wrapping both ErrConnection and the transport error
func (r *Router) Connect(ctx context.Context, address string, port int) error {
	addr := net.JoinHostPort(address, strconv.Itoa(port))

	r.mu.Lock()
	if r.state != Disconnected {
		r.mu.Unlock()
		return ErrAlreadyConnected
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	r.connectCancel = cancel
	r.done = done
	r.err = nil
	r.address = addr
	r.setStateLocked(Connecting)
	r.mu.Unlock()

	err := r.transport.Connect(ctx, address, port)

	r.mu.Lock()
	r.connectCancel = nil
	if err == nil && r.state != Connecting {
		// Disconnect was called while the transport was connecting.
		r.mu.Unlock()
		_ = r.transport.Disconnect()
		r.mu.Lock()
		err = context.Canceled
	}

	if err != nil {
		r.err = err
		r.setStateLocked(Disconnected)
		close(done)
		r.mu.Unlock()
		r.log.Warn("connect failed", logger.Field{Key: "addr", Value: addr}, logger.Err(err))
		return fmt.Errorf("%w: %s: %w", ErrConnection, addr, err)
	}

	loopCtx, loopCancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(loopCtx)
	r.loopCancel = loopCancel
	r.group = g
	r.groupCtx = gctx
	r.setStateLocked(Connected)

	g.Go(func() error {
		return r.receive(gctx)
	})
	r.mu.Unlock()

	r.metrics.setConnected(true)
	r.log.Info("connected", logger.Field{Key: "addr", Value: addr})

	go r.supervise(g, loopCancel, done)
	return nil
}

// Call sends a request and waits for its response.
//
// Parameters:
//   - ctx: Caller context; cancelling it abandons the call
//   - method: Method identifier, e.g. "Session.CreateSession"
//   - payload: Opaque request payload
//   - timeout: Call deadline; zero uses the router default
//
// Returns:
//   - The response payload
//   - ErrNotConnected, ErrTimeout, ErrConnectionClosed, *RemoteError,
//     ctx.Err(), or the transport send error
func (r *Router) Call(ctx context.Context, method string, payload []byte, timeout time.Duration) ([]byte, error) {
	if timeout == 0 {
		timeout = r.defaultTimeout
	}

	start := time.Now()
	var deadline time.Time
	if timeout > 0 {
		deadline = start.Add(timeout)
	}

	// Registering under the read lock orders this call before any teardown,
	// whose CancelAll then completes it.
	r.mu.RLock()
	if r.state != Connected {
		r.mu.RUnlock()
		return nil, ErrNotConnected
	}
	p, err := r.register(deadline)
	r.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}

	r.metrics.callStarted()
	id := p.ID()

	data, err := frame.Marshal(frame.NewRequest(id, method, payload))
	if err == nil {
		err = r.transport.Send(ctx, data)
	}

	if err != nil {
		r.table.Cancel(id, err)
		// A teardown may have completed the request first.
		resp, werr := p.Wait(context.Background())
		r.metrics.callFinished(method, callResult(werr, resultSendError), time.Since(start).Seconds())
		if werr != nil {
			return nil, fmt.Errorf("call %s: %w", method, werr)
		}
		return resp, nil
	}

	resp, err := p.Wait(ctx)
	r.metrics.callFinished(method, callResult(err, resultSendError), time.Since(start).Seconds())
	if err != nil {
		r.log.Debug("call failed", logger.Field{Key: "method", Value: method}, logger.Field{Key: "id", Value: id}, logger.Err(err))
		return nil, fmt.Errorf("call %s: %w", method, err)
	}

	return resp, nil
}

// Subscribe registers handler for notifications on topic. Subscriptions
// end with Unsubscribe or when the connection tears down.
//
// Returns:
//   - The subscription handle, or ErrNotConnected
func (r *Router) Subscribe(topic Topic, handler Handler) (Handle, error) {
	if topic.Method == "" {
		return 0, errors.New("subscribe: empty topic method")
	}

	if handler == nil {
		return 0, errors.New("subscribe: nil handler")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.state != Connected {
		return 0, ErrNotConnected
	}

	h := r.subs.Subscribe(topic, handler)
	r.log.Debug("subscribed", logger.Field{Key: "topic", Value: topic.String()}, logger.Field{Key: "handle", Value: uint32(h)})
	return h, nil
}

// Unsubscribe removes a subscription. No delivery to its handler starts
// after it returns. Unknown or already removed handles, including those
// dropped at teardown, are ignored. It may be called from the handler.
func (r *Router) Unsubscribe(h Handle) error {
	if r.subs.Unsubscribe(h) {
		r.log.Debug("unsubscribed", logger.Field{Key: "handle", Value: uint32(h)})
	}

	return nil
}

// Go runs fn for the lifetime of the current connection. fn's context is
// cancelled when the connection tears down, and teardown waits for fn to
// return, so fn must not call Disconnect. An error from fn is logged and
// does not affect the connection.
//
// Returns:
//   - ErrNotConnected outside Connected
func (r *Router) Go(name string, fn func(ctx context.Context) error) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.state != Connected {
		return ErrNotConnected
	}

	ctx := r.groupCtx
	r.group.Go(func() error {
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			r.log.Warn("connection task failed", logger.Field{Key: "task", Value: name}, logger.Err(err))
		}
		return nil
	})

	return nil
}

// Disconnect tears the connection down: outstanding calls complete with
// ErrConnectionClosed, subscriptions are dropped and the transport is
// closed. It is safe to call from any state and returns once the router is
// Disconnected.
func (r *Router) Disconnect() error {
	r.mu.Lock()
	switch r.state {
	case Disconnected:
		r.mu.Unlock()
		return nil
	case Connecting:
		r.connectCancel()
		r.setStateLocked(Closing)
	case Connected:
		r.loopCancel()
		r.setStateLocked(Closing)
	}

	done := r.done
	r.mu.Unlock()

	<-done
	return nil
}

// State returns the current connection state.
func (r *Router) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Address returns the "host:port" of the current or last connection.
func (r *Router) Address() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.address
}

// Done returns a channel closed when the current connection has torn down.
// Before the first Connect it is already closed.
func (r *Router) Done() <-chan struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.done
}

// Err returns why the last connection ended: nil after Disconnect, the
// transport error after connection loss or a failed Connect.
func (r *Router) Err() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.err
}

// Pending returns the number of outstanding calls.
func (r *Router) Pending() int {
	return r.table.Len()
}

// Subscriptions returns the number of active subscriptions.
func (r *Router) Subscriptions() int {
	return r.subs.Len()
}

func (r *Router) register(deadline time.Time) (*correlation.Pending, error) {
	var err error
	// ids skip those the table holds, so a duplicate needs a wrap-around race
	for range 8 {
		var p *correlation.Pending
		p, err = r.table.Register(r.ids.Id(), deadline)
		if !errors.Is(err, correlation.ErrDuplicateID) {
			return p, err
		}
	}

	return nil, err
}

func (r *Router) receive(ctx context.Context) error {
	for {
		data, err := r.transport.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		r.handle(data)
	}
}

func (r *Router) handle(data []byte) {
	f, err := frame.Unmarshal(data)
	if err != nil {
		r.metrics.anomaly(anomalyMalformed)
		r.log.Warn("dropping malformed frame", logger.Field{Key: "size", Value: len(data)}, logger.Err(err))
		r.reportError(err)
		return
	}

	switch f.Kind {
	case frame.KindResponse:
		r.settled(f, r.table.Resolve(f.ID, f.Payload))
	case frame.KindError:
		r.settled(f, r.table.Fail(f.ID, &RemoteError{Code: f.ErrorCode, Message: f.ErrorMessage}))
	case frame.KindNotification:
		r.metrics.notification(f.Topic.Method)
		n := r.subs.Dispatch(registry.Notification{
			Topic:     f.Topic,
			Payload:   f.Payload,
			Sequence:  f.Sequence,
			Timestamp: f.Timestamp,
		})
		if n == 0 {
			r.log.Debug("notification without subscribers", logger.Field{Key: "topic", Value: f.Topic.String()})
		}
	default:
		r.metrics.anomaly(anomalyUnexpected)
		r.log.Warn("dropping unexpected frame", logger.Field{Key: "kind", Value: f.Kind.String()}, logger.Field{Key: "id", Value: f.ID})
		r.reportError(fmt.Errorf("%w: %s", ErrUnexpectedFrame, f.Kind))
	}
}

func (r *Router) settled(f frame.Frame, outcome correlation.Outcome) {
	switch outcome {
	case correlation.Late:
		r.metrics.anomaly(anomalyLate)
		r.log.Debug("discarding late response", logger.Field{Key: "id", Value: f.ID})
	case correlation.Unknown:
		r.metrics.anomaly(anomalyUnmatched)
		r.log.Warn("dropping unmatched response", logger.Field{Key: "id", Value: f.ID}, logger.Field{Key: "kind", Value: f.Kind.String()})
		r.reportError(fmt.Errorf("%w: id %d", ErrUnmatchedResponse, f.ID))
	}
}

// supervise waits for the receive loop and every connection task, then
// finishes the teardown. It is the only place teardown happens.
func (r *Router) supervise(g *errgroup.Group, cancel context.CancelFunc, done chan struct{}) {
	reason := g.Wait()
	cancel()

	r.mu.Lock()
	if r.state == Connected {
		r.setStateLocked(Closing)
	}
	r.err = reason
	addr := r.address
	r.mu.Unlock()

	if reason != nil {
		r.log.Warn("connection lost", logger.Field{Key: "addr", Value: addr}, logger.Err(reason))
		r.reportError(fmt.Errorf("%w: %w", ErrConnectionClosed, reason))
	}

	cancelled := r.table.CancelAll(reason)
	removed := r.subs.Clear()
	if err := r.transport.Disconnect(); err != nil {
		r.log.Warn("transport disconnect failed", logger.Err(err))
	}

	r.mu.Lock()
	r.loopCancel = nil
	r.group = nil
	r.groupCtx = nil
	r.setStateLocked(Disconnected)
	r.mu.Unlock()

	r.metrics.setConnected(false)
	r.log.Info("disconnected",
		logger.Field{Key: "addr", Value: addr},
		logger.Field{Key: "cancelled_calls", Value: cancelled},
		logger.Field{Key: "removed_subscriptions", Value: removed},
	)

	close(done)
}

func (r *Router) setStateLocked(state State) {
	from := r.state
	r.state = state

	if r.onState != nil && from != state {
		go r.onState(from, state)
	}
}

func (r *Router) reportError(err error) {
	if r.onError != nil {
		go r.onError(err)
	}
}

// callResult maps a call error to its metrics label.
func callResult(err error, other string) string {
	var remote *RemoteError
	switch {
	case err == nil:
		return resultOK
	case errors.Is(err, ErrTimeout):
		return resultTimeout
	case errors.Is(err, ErrConnectionClosed):
		return resultClosed
	case errors.As(err, &remote):
		return resultRemote
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return resultCancelled
	default:
		return other
	}
}
