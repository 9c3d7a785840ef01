package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/cyberinferno/rpcmux/frame"
)

// NewUDP creates a client that sends one frame per datagram to a connected
// UDP socket. Datagrams are not retransmitted; a lost request surfaces as a
// call timeout.
func NewUDP(config Config) *Client {
	return newClient(KindUDP, config, dialUDP)
}

type udpLink struct {
	conn        net.Conn
	buf         []byte
	readTimeout time.Duration
}

func dialUDP(ctx context.Context, address string, port int, config Config) (link, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", net.JoinHostPort(address, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}

	size := config.ReadBufferSize
	if size <= 0 {
		size = DefaultConfig().ReadBufferSize
	}

	return &udpLink{conn: conn, buf: make([]byte, size), readTimeout: config.ReadTimeout}, nil
}

func (l *udpLink) ReadFrame() ([]byte, error) {
	for {
		if l.readTimeout > 0 {
			if err := l.conn.SetReadDeadline(time.Now().Add(l.readTimeout)); err != nil {
				return nil, err
			}
		}

		n, err := l.conn.Read(l.buf)
		if err != nil {
			return nil, err
		}

		// empty datagrams carry nothing
		if n == 0 {
			continue
		}

		data := make([]byte, n)
		copy(data, l.buf[:n])
		return data, nil
	}
}

func (l *udpLink) WriteFrame(ctx context.Context, data []byte) error {
	if len(data) > len(l.buf) || len(data) > frame.MaxFrameSize {
		return fmt.Errorf("datagram of %d bytes: %w", len(data), frame.ErrFrameTooLarge)
	}

	if deadline, ok := ctx.Deadline(); ok {
		if err := l.conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
	}

	_, err := l.conn.Write(data)
	return err
}

func (l *udpLink) Close() error {
	return l.conn.Close()
}
