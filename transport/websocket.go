package transport

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
)

// NewWebSocket creates a client that carries one frame per binary websocket
// message, for controllers reachable only through an HTTP gateway.
func NewWebSocket(config Config) *Client {
	if config.WebSocketPath == "" {
		config.WebSocketPath = DefaultConfig().WebSocketPath
	}

	return newClient(KindWebSocket, config, dialWebSocket)
}

type websocketLink struct {
	conn        *websocket.Conn
	readTimeout time.Duration
}

func dialWebSocket(ctx context.Context, address string, port int, config Config) (link, error) {
	u := url.URL{
		Scheme: "ws",
		Host:   net.JoinHostPort(address, strconv.Itoa(port)),
		Path:   config.WebSocketPath,
	}

	dialer := websocket.Dialer{HandshakeTimeout: config.ConnectionTimeout}
	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}

	return &websocketLink{conn: conn, readTimeout: config.ReadTimeout}, nil
}

func (l *websocketLink) ReadFrame() ([]byte, error) {
	for {
		if l.readTimeout > 0 {
			if err := l.conn.SetReadDeadline(time.Now().Add(l.readTimeout)); err != nil {
				return nil, err
			}
		}

		kind, data, err := l.conn.ReadMessage()
		if err != nil {
			return nil, err
		}

		if kind != websocket.BinaryMessage {
			return nil, fmt.Errorf("unexpected websocket message type %d", kind)
		}

		if len(data) == 0 {
			continue
		}

		return data, nil
	}
}

func (l *websocketLink) WriteFrame(ctx context.Context, data []byte) error {
	deadline, _ := ctx.Deadline()
	if err := l.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}

	return l.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (l *websocketLink) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = l.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return l.conn.Close()
}
