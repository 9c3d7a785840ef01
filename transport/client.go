package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cyberinferno/rpcmux/frame"
	"github.com/cyberinferno/rpcmux/logger"
)

// ConnectionState represents the current state of the connection.
type ConnectionState int

const (
	Disconnected  ConnectionState = iota // Not connected
	Connecting                           // Connection attempt in progress
	Connected                            // Successfully connected
	Disconnecting                        // Disconnect in progress
)

// String returns a human-readable name for the connection state.
func (cs ConnectionState) String() string {
	switch cs {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Disconnecting:
		return "Disconnecting"
	default:
		return "Unknown"
	}
}

// ConnectionStateEvent is emitted when the connection state changes.
type ConnectionStateEvent struct {
	State     ConnectionState // The new connection state
	Address   string          // The remote address ("host:port")
	Timestamp time.Time       // When the state change occurred
	Error     error           // Non-nil if the change was caused by an error
}

// ConnectionStateHandler is called when the connection state changes.
// Handlers are invoked from their own goroutines.
type ConnectionStateHandler func(event ConnectionStateEvent)

// link is one established connection of a particular kind.
type link interface {
	// ReadFrame blocks for the next whole frame.
	ReadFrame() ([]byte, error)
	// WriteFrame writes one whole frame.
	WriteFrame(ctx context.Context, data []byte) error
	// Close unblocks ReadFrame and releases the connection.
	Close() error
}

type dialFunc func(ctx context.Context, address string, port int, config Config) (link, error)

// connection is the per-Connect state; a new one replaces it on reconnect.
type connection struct {
	link    link
	address string
	inbound chan []byte
	done    chan struct{} // closed when the read loop exits
	closing chan struct{} // closed by Disconnect

	closeOnce  sync.Once
	closeErr   error
	closingOne sync.Once

	err error // read loop exit reason, set before done is closed
}

func (c *connection) close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.link.Close()
	})

	return c.closeErr
}

// Client is an event-driven transport client. It owns the connection state
// machine and a read loop that queues inbound frames for Recv. It does not
// reconnect on its own: a lost connection surfaces as a Recv error and the
// owner decides what to do.
type Client struct {
	kind   Kind
	config Config
	dial   dialFunc
	log    logger.Logger

	mu      sync.RWMutex
	state   ConnectionState
	conn    *connection
	onState ConnectionStateHandler

	writeMu sync.Mutex
}

func newClient(kind Kind, config Config, dial dialFunc) *Client {
	if config.InboundBuffer <= 0 {
		config.InboundBuffer = DefaultConfig().InboundBuffer
	}

	log := config.Logger
	if log == nil {
		log = logger.NewNopLogger()
	}

	return &Client{
		kind:   kind,
		config: config,
		dial:   dial,
		log:    log.With(logger.Field{Key: "transport", Value: string(kind)}),
		state:  Disconnected,
	}
}

// Kind returns the transport kind.
func (c *Client) Kind() Kind {
	return c.kind
}

// OnConnectionState registers the handler for connection state changes.
// Repeated calls replace the previous handler; nil clears it.
func (c *Client) OnConnectionState(handler ConnectionStateHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = handler
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsConnected returns true if the client is in Connected state.
func (c *Client) IsConnected() bool {
	return c.State() == Connected
}

// Connect implements Transport.
//
// Returns:
//   - nil on success; ErrAlreadyConnected, or the dial error
func (c *Client) Connect(ctx context.Context, address string, port int) error {
	addr := net.JoinHostPort(address, strconv.Itoa(port))

	c.mu.Lock()
	if c.state != Disconnected {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.state = Connecting
	c.mu.Unlock()
	c.emitState(Connecting, addr, nil)

	if c.config.ConnectionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.ConnectionTimeout)
		defer cancel()
	}

	l, err := c.dial(ctx, address, port, c.config)
	if err != nil {
		c.setState(Disconnected, addr, err)
		c.log.Warn("connect failed", logger.Field{Key: "addr", Value: addr}, logger.Err(err))
		return fmt.Errorf("%s connect %s: %w", c.kind, addr, err)
	}

	conn := &connection{
		link:    l,
		address: addr,
		inbound: make(chan []byte, c.config.InboundBuffer),
		done:    make(chan struct{}),
		closing: make(chan struct{}),
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.setState(Connected, addr, nil)
	c.log.Debug("connected", logger.Field{Key: "addr", Value: addr})

	go c.readLoop(conn)
	return nil
}

// Send implements Transport. A write failure closes the connection so that
// the pending Recv reports it.
func (c *Client) Send(ctx context.Context, data []byte) error {
	c.mu.RLock()
	conn := c.conn
	state := c.state
	c.mu.RUnlock()

	if state != Connected || conn == nil {
		return ErrNotConnected
	}

	if _, ok := ctx.Deadline(); !ok && c.config.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.WriteTimeout)
		defer cancel()
	}

	c.writeMu.Lock()
	err := conn.link.WriteFrame(ctx, data)
	c.writeMu.Unlock()

	if err != nil {
		c.log.Debug("write failed", logger.Field{Key: "addr", Value: conn.address}, logger.Err(err))
		if !errors.Is(err, frame.ErrFrameTooLarge) && !errors.Is(err, context.Canceled) {
			_ = conn.close()
		}
		return fmt.Errorf("%s send: %w", c.kind, err)
	}

	return nil
}

// Recv implements Transport. Frames received before the connection ended
// are still returned before the terminal error.
func (c *Client) Recv(ctx context.Context) ([]byte, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return nil, ErrNotConnected
	}

	select {
	case data := <-conn.inbound:
		return data, nil
	case <-conn.done:
		select {
		case data := <-conn.inbound:
			return data, nil
		default:
		}
		return nil, conn.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Disconnect implements Transport. It is idempotent.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	if conn == nil || c.state == Disconnecting || c.state == Connecting {
		c.mu.Unlock()
		return nil
	}

	select {
	case <-conn.closing:
		c.mu.Unlock()
		return nil
	default:
	}

	wasConnected := c.state == Connected
	c.state = Disconnecting
	conn.closingOne.Do(func() { close(conn.closing) })
	c.mu.Unlock()

	err := conn.close()
	<-conn.done

	c.mu.Lock()
	c.state = Disconnected
	c.mu.Unlock()

	if wasConnected {
		c.emitState(Disconnected, conn.address, nil)
		c.log.Debug("disconnected", logger.Field{Key: "addr", Value: conn.address})
	}

	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%s disconnect: %w", c.kind, err)
	}

	return nil
}

func (c *Client) readLoop(conn *connection) {
	defer close(conn.done)

	for {
		data, err := conn.link.ReadFrame()
		if err != nil {
			select {
			case <-conn.closing:
				conn.err = ErrClosed
				return
			default:
			}

			conn.err = err
			c.lost(conn, err)
			return
		}

		select {
		case conn.inbound <- data:
		case <-conn.closing:
			conn.err = ErrClosed
			return
		}
	}
}

// lost handles a connection that ended without Disconnect.
func (c *Client) lost(conn *connection, err error) {
	_ = conn.close()

	c.mu.Lock()
	current := c.conn == conn && c.state == Connected
	if current {
		c.state = Disconnected
	}
	c.mu.Unlock()

	if current {
		c.log.Warn("connection lost", logger.Field{Key: "addr", Value: conn.address}, logger.Err(err))
		c.emitState(Disconnected, conn.address, err)
	}
}

func (c *Client) setState(state ConnectionState, addr string, err error) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()

	c.emitState(state, addr, err)
}

func (c *Client) emitState(state ConnectionState, addr string, err error) {
	c.mu.RLock()
	handler := c.onState
	c.mu.RUnlock()

	if handler != nil {
		go handler(ConnectionStateEvent{
			State:     state,
			Address:   addr,
			Timestamp: time.Now(),
			Error:     err,
		})
	}
}
