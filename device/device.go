// Package device ties the layers together for the common case: build the
// transport named by a config.Config, connect a router over it, log in, and
// keep the session alive until Close.
package device

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cyberinferno/rpcmux/config"
	"github.com/cyberinferno/rpcmux/logger"
	"github.com/cyberinferno/rpcmux/router"
	"github.com/cyberinferno/rpcmux/session"
	"github.com/cyberinferno/rpcmux/transport"
)

// Option configures Open.
type Option func(*options)

type options struct {
	log        logger.Logger
	routerOpts []router.Option
}

// WithLogger replaces the logger built from the config's log settings.
func WithLogger(l logger.Logger) Option {
	return func(o *options) {
		o.log = l
	}
}

// WithRouterOptions passes options to router.New, e.g.
// router.WithErrorCallback or router.WithMetrics.
func WithRouterOptions(opts ...router.Option) Option {
	return func(o *options) {
		o.routerOpts = append(o.routerOpts, opts...)
	}
}

// Device is an open connection to a controller, with a session when the
// config names a user.
type Device struct {
	cfg      config.Config
	log      logger.Logger
	ownsLog  bool
	router   *router.Router
	sessions *session.Manager

	closeOnce sync.Once
	closeErr  error
}

// Open connects to the controller described by cfg.
//
// Parameters:
//   - ctx: Bounds connecting and logging in
//   - cfg: Connection settings; validated first
//   - opts: Options
//
// Returns:
//   - The open Device; Close it when done
//   - A validation error, router.ErrConnection, session.ErrAuthentication,
//     or the create session error. Nothing is left open on error.
func Open(ctx context.Context, cfg config.Config, opts ...Option) (*Device, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	d := &Device{cfg: cfg, log: o.log}
	if d.log == nil {
		l, err := cfg.NewLogger()
		if err != nil {
			return nil, err
		}
		d.log, d.ownsLog = l, true
	}

	if err := d.open(ctx, o.routerOpts); err != nil {
		d.closeLogger()
		return nil, err
	}

	return d, nil
}

func (d *Device) open(ctx context.Context, routerOpts []router.Option) error {
	kind, err := d.cfg.Kind()
	if err != nil {
		return err
	}

	t, err := transport.New(kind, d.cfg.TransportConfig(d.log))
	if err != nil {
		return err
	}

	opts := []router.Option{router.WithLogger(d.log)}
	if d.cfg.CallTimeoutMs > 0 {
		opts = append(opts, router.WithDefaultTimeout(d.cfg.CallTimeout()))
	}
	opts = append(opts, routerOpts...)
	d.router = router.New(t, opts...)
	d.sessions = session.NewManager(d.router, session.WithLogger(d.log))

	if err := d.router.Connect(ctx, d.cfg.Address, d.cfg.ResolvedPort()); err != nil {
		return err
	}

	if d.cfg.Username == "" {
		return nil
	}

	creds := session.Credentials{Username: d.cfg.Username, Password: d.cfg.Password}
	if _, err := d.sessions.CreateSession(ctx, creds, d.cfg.SessionInactivityTimeout(), d.cfg.ConnectionInactivityTimeout()); err != nil {
		_ = d.router.Disconnect()
		return err
	}

	if interval := d.cfg.KeepAliveInterval(); interval > 0 {
		if err := d.router.Go("keepalive", func(ctx context.Context) error {
			return d.sessions.KeepAliveLoop(ctx, interval)
		}); err != nil {
			d.log.Warn("keep alive not started", logger.Err(err))
		}
	}

	return nil
}

// Router returns the router, for calls and subscriptions.
func (d *Device) Router() *router.Router {
	return d.router
}

// Session returns the open session, if any.
func (d *Device) Session() (*session.Session, bool) {
	return d.sessions.Current()
}

// Call issues a call with the configured default timeout.
func (d *Device) Call(ctx context.Context, method string, payload []byte) ([]byte, error) {
	return d.router.Call(ctx, method, payload, 0)
}

// Subscribe registers handler for topic on the current connection.
func (d *Device) Subscribe(topic router.Topic, handler router.Handler) (router.Handle, error) {
	return d.router.Subscribe(topic, handler)
}

// Unsubscribe removes a subscription.
func (d *Device) Unsubscribe(h router.Handle) error {
	return d.router.Unsubscribe(h)
}

// Close closes the session, then the connection. It is idempotent and
// returns the first call's result on later calls.
func (d *Device) Close() error {
	d.closeOnce.Do(func() {
		timeout := d.cfg.CallTimeout()
		if timeout <= 0 {
			timeout = router.DefaultCallTimeout
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		var errs []error
		if err := d.sessions.CloseSession(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := d.router.Disconnect(); err != nil {
			errs = append(errs, fmt.Errorf("disconnect: %w", err))
		}
		d.closeLogger()

		d.closeErr = errors.Join(errs...)
	})

	return d.closeErr
}

func (d *Device) closeLogger() {
	if d.ownsLog {
		_ = d.log.Close()
	}
}

// Use opens a Device, runs fn and closes the Device on every exit path:
// return, error, panic and cancellation of ctx.
//
// Returns:
//   - The Open error, or fn's error joined with any Close error
func Use(ctx context.Context, cfg config.Config, fn func(ctx context.Context, d *Device) error, opts ...Option) (err error) {
	d, err := Open(ctx, cfg, opts...)
	if err != nil {
		return err
	}

	defer func() {
		if cerr := d.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()

	return fn(ctx, d)
}
