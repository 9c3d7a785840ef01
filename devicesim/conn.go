package devicesim

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cyberinferno/rpcmux/frame"
	"github.com/cyberinferno/rpcmux/logger"
)

const writeTimeout = 5 * time.Second

// Conn is one accepted client connection.
type Conn struct {
	id     uint32
	nc     net.Conn
	server *Server
	log    logger.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newConn(s *Server, id uint32, nc net.Conn) *Conn {
	return &Conn{
		id:     id,
		nc:     nc,
		server: s,
		log:    s.Logger.With(logger.Field{Key: "conn", Value: id}, logger.Field{Key: "remote", Value: nc.RemoteAddr().String()}),
	}
}

// ID returns the connection id.
func (c *Conn) ID() uint32 {
	return c.id
}

// Send writes one frame.
func (c *Conn) Send(f frame.Frame) error {
	data, err := frame.Marshal(f)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.nc.SetWriteDeadline(time.Now().Add(writeTimeout))
	return frame.WriteStream(c.nc, data)
}

// Close closes the connection. It is idempotent.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.nc.Close()
	})

	return c.closeErr
}

func (c *Conn) serve() {
	c.log.Debug("connection accepted")
	defer func() {
		_ = c.Close()
		c.server.removeConn(c)
		c.log.Debug("connection closed")
	}()

	for {
		data, err := frame.ReadStream(c.nc)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.log.Warn("read failed", logger.Err(err))
			}
			return
		}

		f, err := frame.Unmarshal(data)
		if err != nil {
			c.log.Warn("malformed frame", logger.Err(err))
			continue
		}
		if f.Kind != frame.KindRequest {
			c.log.Warn("unexpected frame", logger.Field{Key: "kind", Value: f.Kind.String()})
			continue
		}

		c.server.wg.Add(1)
		go func() {
			defer c.server.wg.Done()
			c.server.dispatch(Request{Conn: c, ID: f.ID, Method: f.Method, Payload: f.Payload})
		}()
	}
}
