package device

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/cyberinferno/rpcmux/await"
	"github.com/cyberinferno/rpcmux/config"
	"github.com/cyberinferno/rpcmux/devicesim"
	"github.com/cyberinferno/rpcmux/frame"
	"github.com/cyberinferno/rpcmux/logger"
	"github.com/cyberinferno/rpcmux/router"
	"github.com/cyberinferno/rpcmux/session"
	"github.com/cyberinferno/rpcmux/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreAnyFunction("github.com/patrickmn/go-cache.(*janitor).Run"))
}

const methodStartProgram = "ProgramRunner.StartProgram"

type startProgram struct {
	Handle uint32 `json:"handle"`
}

// newSimulator starts a controller that runs a program by publishing its
// STARTED and COMPLETED events before answering StartProgram.
func newSimulator(t *testing.T) (*devicesim.Server, config.Config) {
	t.Helper()
	sim := devicesim.New("controller", "127.0.0.1:0", nil)
	sim.RequireSession = true
	sim.Handle(methodStartProgram, func(req devicesim.Request) ([]byte, error) {
		var in startProgram
		if err := json.Unmarshal(req.Payload, &in); err != nil {
			return nil, &devicesim.Error{Code: "InvalidArgument", Message: err.Error()}
		}

		topic := frame.Topic{Method: await.TopicExecutionEvent, Scope: programScope(in.Handle)}
		for _, kind := range []string{await.EventStarted, await.EventCompleted} {
			payload, err := json.Marshal(await.Event{Event: kind, Handle: in.Handle})
			if err != nil {
				return nil, err
			}
			sim.Publish(topic, payload)
		}
		return nil, nil
	})
	require.NoError(t, sim.Start())
	t.Cleanup(sim.Stop)

	addr := sim.ListenAddr().(*net.TCPAddr)
	cfg := config.Default()
	cfg.Transport = string(transport.KindTCP)
	cfg.Address = addr.IP.String()
	cfg.Port = addr.Port
	cfg.CallTimeoutMs = 2000

	return sim, cfg
}

func programScope(handle uint32) string {
	b, _ := json.Marshal(handle)
	return string(b)
}

func quiet() Option {
	return WithLogger(logger.NewNopLogger())
}

func TestOpen(t *testing.T) {
	t.Run("logs in and closes the session on Close", func(t *testing.T) {
		sim, cfg := newSimulator(t)

		d, err := Open(context.Background(), cfg, quiet())
		require.NoError(t, err)
		s, ok := d.Session()
		require.True(t, ok)
		assert.Equal(t, "admin", s.Username)
		assert.Equal(t, router.Connected, d.Router().State())
		assert.Equal(t, 1, sim.Sessions())

		require.NoError(t, d.Close())
		require.NoError(t, d.Close())
		assert.Equal(t, int64(1), sim.Calls(session.MethodCloseSession))
		assert.Equal(t, router.Disconnected, d.Router().State())
		assert.Eventually(t, func() bool { return sim.Connections() == 0 }, time.Second, time.Millisecond)
	})

	t.Run("without username no session is opened", func(t *testing.T) {
		sim, cfg := newSimulator(t)
		cfg.Username, cfg.Password = "", ""

		d, err := Open(context.Background(), cfg, quiet())
		require.NoError(t, err)
		defer d.Close()

		_, ok := d.Session()
		assert.False(t, ok)
		assert.Zero(t, sim.Calls(session.MethodCreateSession))
	})

	t.Run("rejected login leaves nothing open", func(t *testing.T) {
		sim, cfg := newSimulator(t)
		cfg.Password = "wrong"

		_, err := Open(context.Background(), cfg, quiet())
		assert.ErrorIs(t, err, session.ErrAuthentication)
		assert.Eventually(t, func() bool { return sim.Connections() == 0 }, time.Second, time.Millisecond)
	})

	t.Run("unreachable controller", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		port := ln.Addr().(*net.TCPAddr).Port
		require.NoError(t, ln.Close())

		cfg := config.Default()
		cfg.Transport = string(transport.KindTCP)
		cfg.Port = port

		_, err = Open(context.Background(), cfg, quiet())
		assert.ErrorIs(t, err, router.ErrConnection)
	})

	t.Run("invalid config", func(t *testing.T) {
		cfg := config.Default()
		cfg.Transport = "carrier-pigeon"
		_, err := Open(context.Background(), cfg, quiet())
		assert.ErrorContains(t, err, "carrier-pigeon")
	})

	t.Run("keeps the session alive", func(t *testing.T) {
		sim, cfg := newSimulator(t)
		cfg.KeepAliveIntervalMs = 5

		d, err := Open(context.Background(), cfg, quiet())
		require.NoError(t, err)
		defer d.Close()

		assert.Eventually(t, func() bool { return sim.Calls(session.MethodKeepAlive) >= 2 }, time.Second, time.Millisecond)
	})
}

func TestUse(t *testing.T) {
	t.Run("program run end to end", func(t *testing.T) {
		sim, cfg := newSimulator(t)

		err := Use(context.Background(), cfg, func(ctx context.Context, d *Device) error {
			topic := router.Topic{Method: await.TopicExecutionEvent}

			var mu sync.Mutex
			var events []string
			_, err := d.Subscribe(topic, func(n router.Notification) error {
				e, err := await.ParseEvent(n.Payload)
				if err != nil {
					return err
				}
				mu.Lock()
				events = append(events, e.Event)
				mu.Unlock()
				return nil
			})
			require.NoError(t, err)

			payload, err := json.Marshal(startProgram{Handle: 42})
			require.NoError(t, err)

			n, err := await.Terminal(ctx, d.Router(), router.Topic{Method: await.TopicExecutionEvent, Scope: "42"}, await.EventIn(await.EventCompleted),
				func(ctx context.Context) error {
					_, err := d.Call(ctx, methodStartProgram, payload)
					return err
				})
			require.NoError(t, err)

			e, err := await.ParseEvent(n.Payload)
			require.NoError(t, err)
			assert.Equal(t, await.EventCompleted, e.Event)
			assert.Equal(t, uint32(42), e.Handle)

			assert.Eventually(t, func() bool {
				mu.Lock()
				defer mu.Unlock()
				return len(events) == 2
			}, time.Second, time.Millisecond)
			mu.Lock()
			assert.Equal(t, []string{await.EventStarted, await.EventCompleted}, events)
			mu.Unlock()
			return nil
		}, quiet())
		require.NoError(t, err)

		assert.Equal(t, int64(1), sim.Calls(session.MethodCloseSession))
		assert.Zero(t, sim.Sessions())
	})

	t.Run("closes after an error", func(t *testing.T) {
		sim, cfg := newSimulator(t)
		boom := errors.New("gripper jammed")

		err := Use(context.Background(), cfg, func(context.Context, *Device) error {
			return boom
		}, quiet())
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, int64(1), sim.Calls(session.MethodCloseSession))
	})

	t.Run("closes after a panic", func(t *testing.T) {
		sim, cfg := newSimulator(t)

		assert.Panics(t, func() {
			_ = Use(context.Background(), cfg, func(context.Context, *Device) error {
				panic("script bug")
			}, quiet())
		})
		assert.Equal(t, int64(1), sim.Calls(session.MethodCloseSession))
	})

	t.Run("closes after cancellation", func(t *testing.T) {
		sim, cfg := newSimulator(t)
		ctx, cancel := context.WithCancel(context.Background())

		err := Use(ctx, cfg, func(ctx context.Context, _ *Device) error {
			cancel()
			<-ctx.Done()
			return ctx.Err()
		}, quiet())
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, int64(1), sim.Calls(session.MethodCloseSession))
	})

	t.Run("connection lost mid-script", func(t *testing.T) {
		sim, cfg := newSimulator(t)

		err := Use(context.Background(), cfg, func(ctx context.Context, d *Device) error {
			sim.DropConnections()
			<-d.Router().Done()
			_, err := d.Call(ctx, methodStartProgram, nil)
			return err
		}, quiet())
		assert.ErrorIs(t, err, router.ErrNotConnected)
	})
}
