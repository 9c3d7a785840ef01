// Package await waits for a terminal notification: subscribe to a topic,
// watch its events, and complete once on the first event a predicate deems
// terminal, unsubscribing on the way out.
//
// The completion signal belongs to the Waiter returned to the caller; there
// is no shared state between waits.
package await

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/cyberinferno/rpcmux/router"
)

// Well-known notification topics.
const (
	TopicExecutionEvent     = "ProgramRunner.ExecutionEvent"
	TopicActionEvent        = "Plugin.ActionEvent"
	TopicDigitalInputChange = "IndustrialIO.DigitalInputChange"
)

// Event kinds carried by program execution and plugin action events.
const (
	EventStarted   = "STARTED"
	EventCompleted = "COMPLETED"

	EventActionStart    = "ACTION_START"
	EventActionEnd      = "ACTION_END"
	EventActionAbort    = "ACTION_ABORT"
	EventActionCancel   = "ACTION_CANCEL"
	EventActionPause    = "ACTION_PAUSE"
	EventActionResume   = "ACTION_RESUME"
	EventActionFeedback = "ACTION_FEEDBACK"
)

var (
	// ErrAborted is returned by Wait when the terminal event reports that
	// the operation did not complete.
	ErrAborted = errors.New("operation aborted")
	// ErrClosed is returned by Wait after Close without a terminal event.
	ErrClosed = errors.New("waiter closed")
)

// Event is the JSON body of an execution or action notification.
type Event struct {
	Event  string `json:"event"`
	Handle uint32 `json:"handle,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// ParseEvent decodes a notification payload.
func ParseEvent(payload []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(payload, &e); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}

	return e, nil
}

// Predicate decides whether n ends the wait. A non-nil error ends the wait
// with that error.
type Predicate func(n router.Notification) (terminal bool, err error)

// EventIn ends the wait on the first event whose kind is one of kinds.
// Payloads that do not decode as an Event are ignored.
func EventIn(kinds ...string) Predicate {
	return func(n router.Notification) (bool, error) {
		e, err := ParseEvent(n.Payload)
		if err != nil {
			return false, nil
		}

		return slices.Contains(kinds, e.Event), nil
	}
}

// AbortOn extends p so that an event of one of kinds ends the wait with
// ErrAborted.
func AbortOn(p Predicate, kinds ...string) Predicate {
	return func(n router.Notification) (bool, error) {
		if e, err := ParseEvent(n.Payload); err == nil && slices.Contains(kinds, e.Event) {
			return true, fmt.Errorf("%w: %s", ErrAborted, e.Event)
		}

		return p(n)
	}
}

// Subscriber is the part of the router a Waiter needs.
type Subscriber interface {
	Subscribe(topic router.Topic, handler router.Handler) (router.Handle, error)
	Unsubscribe(h router.Handle) error
}

// connection is implemented by subscribers whose subscriptions end when a
// connection tears down, such as *router.Router.
type connection interface {
	Done() <-chan struct{}
}

// Option configures a Waiter.
type Option func(*Waiter)

// WithObserver calls fn for every notification seen before completion,
// including the terminal one.
func WithObserver(fn func(n router.Notification)) Option {
	return func(w *Waiter) {
		w.observe = fn
	}
}

// Waiter is one pending wait.
type Waiter struct {
	sub     Subscriber
	pred    Predicate
	observe func(n router.Notification)
	closed  <-chan struct{}

	mu         sync.Mutex
	handle     router.Handle
	subscribed bool

	once   sync.Once
	done   chan struct{}
	result router.Notification
	err    error
}

// Subscribe starts watching topic. Subscribe before triggering the operation
// whose events are awaited, so that no event is missed.
//
// Parameters:
//   - sub: Normally a *router.Router
//   - topic: Topic to watch; set Scope to follow one program or plugin
//   - pred: Decides which event ends the wait
//
// Returns:
//   - The Waiter; Close it when done
//   - The subscribe error (e.g. router.ErrNotConnected)
func Subscribe(sub Subscriber, topic router.Topic, pred Predicate, opts ...Option) (*Waiter, error) {
	w := &Waiter{
		sub:  sub,
		pred: pred,
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	if c, ok := sub.(connection); ok {
		w.closed = c.Done()
	}

	h, err := sub.Subscribe(topic, w.onNotification)
	if err != nil {
		return nil, fmt.Errorf("await %s: %w", topic, err)
	}

	w.mu.Lock()
	w.handle = h
	w.subscribed = true
	w.mu.Unlock()

	// the wait may have ended before the handle was recorded
	select {
	case <-w.done:
		_ = sub.Unsubscribe(h)
	default:
	}

	return w, nil
}

// onNotification runs on the subscription's delivery goroutine.
func (w *Waiter) onNotification(n router.Notification) error {
	select {
	case <-w.done:
		return nil
	default:
	}

	if w.observe != nil {
		w.observe(n)
	}

	terminal, err := w.pred(n)
	if !terminal && err == nil {
		return nil
	}

	w.finish(n, err)
	return nil
}

func (w *Waiter) finish(n router.Notification, err error) {
	w.once.Do(func() {
		w.result = n
		w.err = err
		close(w.done)

		w.mu.Lock()
		h, ok := w.handle, w.subscribed
		w.mu.Unlock()
		if ok {
			_ = w.sub.Unsubscribe(h)
		}
	})
}

// Done is closed once the wait has ended.
func (w *Waiter) Done() <-chan struct{} {
	return w.done
}

// Wait blocks until the terminal notification arrives, the waiter is
// closed, the subscriber's connection tears down, or ctx is done.
//
// Returns:
//   - The terminal notification
//   - The predicate's error, ErrClosed, router.ErrConnectionClosed, or
//     ctx.Err()
func (w *Waiter) Wait(ctx context.Context) (router.Notification, error) {
	select {
	case <-w.done:
	case <-w.closed:
		w.finish(router.Notification{}, router.ErrConnectionClosed)
	case <-ctx.Done():
		w.finish(router.Notification{}, ctx.Err())
	}

	<-w.done
	return w.result, w.err
}

// Close ends the wait and unsubscribes. It is idempotent.
func (w *Waiter) Close() error {
	w.finish(router.Notification{}, ErrClosed)
	return nil
}

// Terminal subscribes to topic, runs trigger, and waits for the terminal
// event. The subscription is removed on every exit path.
//
// Parameters:
//   - ctx: Bounds the whole wait
//   - sub: Normally a *router.Router
//   - topic: Topic to watch
//   - pred: Decides which event ends the wait
//   - trigger: Starts the operation, e.g. a StartProgram call; may be nil
//
// Returns:
//   - The terminal notification
//   - The subscribe, trigger or predicate error, or ctx.Err()
func Terminal(ctx context.Context, sub Subscriber, topic router.Topic, pred Predicate, trigger func(ctx context.Context) error, opts ...Option) (router.Notification, error) {
	w, err := Subscribe(sub, topic, pred, opts...)
	if err != nil {
		return router.Notification{}, err
	}
	defer w.Close()

	if trigger != nil {
		if err := trigger(ctx); err != nil {
			return router.Notification{}, err
		}
	}

	return w.Wait(ctx)
}
