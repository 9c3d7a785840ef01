// Package transport provides the channel a router speaks over: a single
// connection to one remote endpoint that carries whole frames in both
// directions.
//
// All transports share one event-driven Client that owns the connection
// state machine and the read loop; the kinds differ only in how a frame is
// put on and taken off the wire:
//
//   - tcp: 4-byte little-endian length prefix per frame
//   - udp: one datagram per frame
//   - redis: one pub/sub message per frame (message-broker transport)
//   - websocket: one binary message per frame
//   - pipe: in-memory, for tests
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cyberinferno/rpcmux/logger"
)

// Transport is the contract the router depends on.
type Transport interface {
	// Connect establishes the connection to address:port.
	Connect(ctx context.Context, address string, port int) error

	// Send writes one frame.
	Send(ctx context.Context, data []byte) error

	// Recv blocks for the next inbound frame. After the connection is lost
	// it returns the read error; after Disconnect it returns ErrClosed.
	Recv(ctx context.Context) ([]byte, error)

	// Disconnect closes the connection. Safe to call in any state.
	Disconnect() error
}

var (
	// ErrNotConnected is returned by Send and Recv without a connection.
	ErrNotConnected = errors.New("transport not connected")
	// ErrAlreadyConnected is returned by Connect when not disconnected.
	ErrAlreadyConnected = errors.New("transport already connected or connecting")
	// ErrClosed is returned by Recv once Disconnect was called.
	ErrClosed = errors.New("transport closed")
)

// Kind names a transport implementation.
type Kind string

const (
	KindTCP       Kind = "tcp"
	KindUDP       Kind = "udp"
	KindRedis     Kind = "redis"
	KindWebSocket Kind = "websocket"
)

// Default ports per kind. UDP matches the controller's real-time port; the
// broker kind defaults to a local Redis.
const (
	DefaultTCPPort       = 10000
	DefaultUDPPort       = 10001
	DefaultRedisPort     = 6379
	DefaultWebSocketPort = 8080
)

// DefaultPort returns the conventional port for kind, or 0 if unknown.
func DefaultPort(kind Kind) int {
	switch kind {
	case KindTCP:
		return DefaultTCPPort
	case KindUDP:
		return DefaultUDPPort
	case KindRedis:
		return DefaultRedisPort
	case KindWebSocket:
		return DefaultWebSocketPort
	default:
		return 0
	}
}

// Config holds settings shared by all kinds, plus a few kind-specific ones.
type Config struct {
	// ConnectionTimeout bounds establishing a connection; 0 means only the
	// context passed to Connect applies.
	ConnectionTimeout time.Duration
	// WriteTimeout bounds a single Send when the context has no deadline.
	WriteTimeout time.Duration
	// ReadTimeout closes the connection when nothing is received for this
	// long; 0 disables it.
	ReadTimeout time.Duration
	// ReadBufferSize is the datagram buffer for UDP.
	ReadBufferSize int
	// InboundBuffer is how many received frames may queue before the read
	// loop waits for Recv.
	InboundBuffer int

	// RedisChannel is the channel prefix for the broker transport; frames
	// are published on "<prefix>.requests" and received on
	// "<prefix>.replies".
	RedisChannel  string
	RedisPassword string
	RedisDB       int

	// WebSocketPath is the request path of the websocket endpoint.
	WebSocketPath string

	Logger logger.Logger
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		ConnectionTimeout: 5 * time.Second,
		WriteTimeout:      5 * time.Second,
		ReadBufferSize:    64 * 1024,
		InboundBuffer:     64,
		RedisChannel:      "rpcmux",
		WebSocketPath:     "/rpc",
	}
}

// New builds a Client for kind.
//
// Parameters:
//   - kind: One of the Kind constants
//   - config: Settings (e.g. from DefaultConfig)
//
// Returns:
//   - The transport, or an error for an unknown kind
func New(kind Kind, config Config) (*Client, error) {
	switch kind {
	case KindTCP:
		return NewTCP(config), nil
	case KindUDP:
		return NewUDP(config), nil
	case KindRedis:
		return NewRedis(config), nil
	case KindWebSocket:
		return NewWebSocket(config), nil
	default:
		return nil, fmt.Errorf("unknown transport kind %q", kind)
	}
}
