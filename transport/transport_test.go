package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/rpcmux/frame"
)

func splitHostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// exerciseEcho sends two frames through c and expects them echoed back.
func exerciseEcho(t *testing.T, c *Client, host string, port int) {
	t.Helper()
	ctx := testContext(t)

	require.NoError(t, c.Connect(ctx, host, port))
	assert.True(t, c.IsConnected())
	assert.ErrorIs(t, c.Connect(ctx, host, port), ErrAlreadyConnected)

	require.NoError(t, c.Send(ctx, []byte("first")))
	require.NoError(t, c.Send(ctx, []byte("second")))

	got, err := c.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), got)

	got, err = c.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), got)

	require.NoError(t, c.Disconnect())
	require.NoError(t, c.Disconnect())
	assert.Equal(t, Disconnected, c.State())

	_, err = c.Recv(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, c.Send(ctx, []byte("x")), ErrNotConnected)
}

func TestNew(t *testing.T) {
	for _, kind := range []Kind{KindTCP, KindUDP, KindRedis, KindWebSocket} {
		c, err := New(kind, DefaultConfig())
		require.NoError(t, err)
		assert.Equal(t, kind, c.Kind())
		assert.NotZero(t, DefaultPort(kind))
	}

	_, err := New(Kind("mqtt"), DefaultConfig())
	assert.Error(t, err)
	assert.Zero(t, DefaultPort(Kind("mqtt")))
}

func TestClient_NotConnected(t *testing.T) {
	c := NewTCP(DefaultConfig())
	ctx := testContext(t)

	_, err := c.Recv(ctx)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, c.Send(ctx, []byte("x")), ErrNotConnected)
	assert.NoError(t, c.Disconnect())
}

func TestTCP(t *testing.T) {
	t.Run("echo", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer ln.Close()

		go func() {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
			for {
				data, err := frame.ReadStream(conn)
				if err != nil {
					return
				}
				if err := frame.WriteStream(conn, data); err != nil {
					return
				}
			}
		}()

		host, port := splitHostPort(t, ln.Addr().String())
		exerciseEcho(t, NewTCP(DefaultConfig()), host, port)
	})

	t.Run("connection refused", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		host, port := splitHostPort(t, ln.Addr().String())
		require.NoError(t, ln.Close())

		c := NewTCP(DefaultConfig())
		assert.Error(t, c.Connect(testContext(t), host, port))
		assert.Equal(t, Disconnected, c.State())
	})

	t.Run("peer close surfaces as read error", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer ln.Close()

		go func() {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_ = frame.WriteStream(conn, []byte("bye"))
			_ = conn.Close()
		}()

		c := NewTCP(DefaultConfig())
		events := make(chan ConnectionStateEvent, 8)
		c.OnConnectionState(func(e ConnectionStateEvent) { events <- e })

		host, port := splitHostPort(t, ln.Addr().String())
		ctx := testContext(t)
		require.NoError(t, c.Connect(ctx, host, port))

		got, err := c.Recv(ctx)
		require.NoError(t, err)
		assert.Equal(t, []byte("bye"), got)

		_, err = c.Recv(ctx)
		assert.ErrorIs(t, err, io.EOF)
		assert.Equal(t, Disconnected, c.State())

		assert.Eventually(t, func() bool {
			for {
				select {
				case e := <-events:
					if e.State == Disconnected && e.Error != nil {
						return true
					}
				default:
					return false
				}
			}
		}, time.Second, 10*time.Millisecond)

		assert.NoError(t, c.Disconnect())
	})
}

func TestUDP(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	go func() {
		buf := make([]byte, 2048)
		for {
			n, addr, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			_, _ = pc.WriteTo(buf[:n], addr)
		}
	}()

	host, port := splitHostPort(t, pc.LocalAddr().String())
	exerciseEcho(t, NewUDP(DefaultConfig()), host, port)

	t.Run("oversized datagram keeps the connection", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.ReadBufferSize = 8
		c := NewUDP(cfg)
		ctx := testContext(t)
		require.NoError(t, c.Connect(ctx, host, port))
		defer c.Disconnect()

		assert.ErrorIs(t, c.Send(ctx, []byte("much too long")), frame.ErrFrameTooLarge)
		require.NoError(t, c.Send(ctx, []byte("short")))
		got, err := c.Recv(ctx)
		require.NoError(t, err)
		assert.Equal(t, []byte("short"), got)
	})
}

func TestRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	host, port := splitHostPort(t, mr.Addr())

	cfg := DefaultConfig()
	cfg.RedisChannel = "cell7"

	// the controller side: echo every request onto the reply channel
	server := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer server.Close()
	ctx := testContext(t)
	sub := server.Subscribe(ctx, RequestChannel(cfg.RedisChannel))
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for msg := range sub.Channel() {
			server.Publish(context.Background(), ReplyChannel(cfg.RedisChannel), msg.Payload)
		}
	}()

	exerciseEcho(t, NewRedis(cfg), host, port)

	require.NoError(t, sub.Close())
	wg.Wait()

	t.Run("unreachable broker", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.ConnectionTimeout = 500 * time.Millisecond
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		h, p := splitHostPort(t, ln.Addr().String())
		require.NoError(t, ln.Close())

		assert.Error(t, NewRedis(cfg).Connect(testContext(t), h, p))
	})
}

func TestWebSocket(t *testing.T) {
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/rpc", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(kind, data); err != nil {
				return
			}
		}
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	host, port := splitHostPort(t, strings.TrimPrefix(srv.URL, "http://"))
	exerciseEcho(t, NewWebSocket(DefaultConfig()), host, port)

	t.Run("wrong path", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.WebSocketPath = "/missing"
		assert.Error(t, NewWebSocket(cfg).Connect(testContext(t), host, port))
	})
}

func TestPipe(t *testing.T) {
	c, p := NewPipe(DefaultConfig())
	ctx := testContext(t)
	require.NoError(t, c.Connect(ctx, "controller", 0))

	end, err := p.Accept(ctx)
	require.NoError(t, err)

	require.NoError(t, c.Send(ctx, []byte("ping")))
	got, err := end.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), got)

	require.NoError(t, end.Send(ctx, []byte("pong")))
	got, err = c.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("pong"), got)

	t.Run("remote close", func(t *testing.T) {
		require.NoError(t, end.Close())
		_, err := c.Recv(ctx)
		assert.True(t, errors.Is(err, io.EOF))
		assert.Equal(t, Disconnected, c.State())
	})

	t.Run("reconnect after loss", func(t *testing.T) {
		require.NoError(t, c.Connect(ctx, "controller", 0))
		end2, err := p.Accept(ctx)
		require.NoError(t, err)
		require.NoError(t, c.Disconnect())

		select {
		case <-end2.Closed():
		case <-time.After(time.Second):
			t.Fatal("remote end not closed by Disconnect")
		}
	})
}

func TestConnectionState_String(t *testing.T) {
	assert.Equal(t, "Disconnected", Disconnected.String())
	assert.Equal(t, "Connecting", Connecting.String())
	assert.Equal(t, "Connected", Connected.String())
	assert.Equal(t, "Disconnecting", Disconnecting.String())
	assert.Equal(t, "Unknown", ConnectionState(42).String())
}
