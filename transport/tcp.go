package transport

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/cyberinferno/rpcmux/frame"
)

// NewTCP creates a client that frames over a TCP stream with a 4-byte
// little-endian length prefix.
func NewTCP(config Config) *Client {
	return newClient(KindTCP, config, dialTCP)
}

type tcpLink struct {
	conn        net.Conn
	readTimeout time.Duration
}

func dialTCP(ctx context.Context, address string, port int, config Config) (link, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(address, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}

	return &tcpLink{conn: conn, readTimeout: config.ReadTimeout}, nil
}

func (l *tcpLink) ReadFrame() ([]byte, error) {
	if l.readTimeout > 0 {
		if err := l.conn.SetReadDeadline(time.Now().Add(l.readTimeout)); err != nil {
			return nil, err
		}
	}

	return frame.ReadStream(l.conn)
}

func (l *tcpLink) WriteFrame(ctx context.Context, data []byte) error {
	if deadline, ok := ctx.Deadline(); ok {
		if err := l.conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
	}

	return frame.WriteStream(l.conn, data)
}

func (l *tcpLink) Close() error {
	return l.conn.Close()
}
