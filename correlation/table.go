// Package correlation matches responses to the requests waiting for them.
//
// Each outstanding request is registered under its correlation id with a
// deadline. Exactly one of resolve, fail, expire, cancel or teardown
// completes it; whichever happens first wins and the rest are discarded.
package correlation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/cyberinferno/rpcmux/safemap"
)

var (
	// ErrTimeout completes a request whose deadline elapsed.
	ErrTimeout = errors.New("request timed out")
	// ErrConnectionClosed completes every request outstanding at teardown.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrDuplicateID is returned by Register for an id already outstanding.
	ErrDuplicateID = errors.New("correlation id already registered")
)

// DefaultTombstoneTTL is how long an expired or cancelled id is remembered
// so that its late response can be told apart from a protocol anomaly.
const DefaultTombstoneTTL = time.Minute

// Outcome describes what Resolve or Fail did with an inbound response.
type Outcome int

const (
	// Resolved means the response completed its waiting request.
	Resolved Outcome = iota
	// Late means the request had already completed (timeout, cancellation
	// or teardown); the response was discarded.
	Late
	// Unknown means no request with that id was ever outstanding recently.
	Unknown
)

// String returns a human-readable name for the outcome.
func (o Outcome) String() string {
	switch o {
	case Resolved:
		return "Resolved"
	case Late:
		return "Late"
	case Unknown:
		return "Unknown"
	default:
		return "Outcome(" + strconv.Itoa(int(o)) + ")"
	}
}

// Pending is the handle a caller awaits for one outstanding request.
type Pending struct {
	id       uint32
	created  time.Time
	deadline time.Time
	table    *Table
	timer    *time.Timer
	done     chan struct{}

	// written once before done is closed
	payload []byte
	err     error
}

// ID returns the correlation id.
func (p *Pending) ID() uint32 { return p.id }

// Created returns the registration time.
func (p *Pending) Created() time.Time { return p.created }

// Deadline returns the deadline, zero if none.
func (p *Pending) Deadline() time.Time { return p.deadline }

// Done is closed once the request has completed.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks until the request completes or ctx is done. If ctx wins the
// request is removed from the table and ctx.Err() is returned; if the
// request completed at the same moment its result is returned instead.
//
// Parameters:
//   - ctx: Caller context
//
// Returns:
//   - The response payload
//   - ErrTimeout, ErrConnectionClosed (wrapped), the error passed to Fail,
//     or ctx.Err()
func (p *Pending) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-p.done:
		return p.payload, p.err
	case <-ctx.Done():
		if p.table.complete(p, nil, ctx.Err(), true) {
			return nil, ctx.Err()
		}

		<-p.done
		return p.payload, p.err
	}
}

// Option configures a Table.
type Option func(*Table)

// WithTombstoneTTL overrides DefaultTombstoneTTL.
func WithTombstoneTTL(ttl time.Duration) Option {
	return func(t *Table) {
		t.tombstoneTTL = ttl
	}
}

// Table holds the outstanding requests of one connection. It is safe for
// concurrent use by callers and the receive loop.
type Table struct {
	pending      *safemap.SafeMap[uint32, *Pending]
	tombstones   *cache.Cache
	tombstoneTTL time.Duration
}

// New creates an empty Table.
func New(opts ...Option) *Table {
	t := &Table{
		pending:      safemap.NewSafeMap[uint32, *Pending](),
		tombstoneTTL: DefaultTombstoneTTL,
	}
	for _, opt := range opts {
		opt(t)
	}

	t.tombstones = cache.New(t.tombstoneTTL, 2*t.tombstoneTTL)
	return t
}

// Register records a new outstanding request. A zero deadline means the
// request only completes by response, cancellation or teardown.
//
// Parameters:
//   - id: Correlation id; must not be outstanding
//   - deadline: When the request expires with ErrTimeout
//
// Returns:
//   - The Pending handle to wait on
//   - ErrDuplicateID if id is already outstanding
func (t *Table) Register(id uint32, deadline time.Time) (*Pending, error) {
	p := &Pending{
		id:       id,
		created:  time.Now(),
		deadline: deadline,
		table:    t,
		done:     make(chan struct{}),
	}

	if !deadline.IsZero() {
		p.timer = time.AfterFunc(time.Until(deadline), func() {
			t.complete(p, nil, ErrTimeout, true)
		})
	}

	if _, loaded := t.pending.LoadOrStore(id, p); loaded {
		if p.timer != nil {
			p.timer.Stop()
		}
		return nil, fmt.Errorf("register %d: %w", id, ErrDuplicateID)
	}

	t.tombstones.Delete(tombstoneKey(id))

	// The timer may have fired before p was stored.
	if !deadline.IsZero() && !time.Now().Before(deadline) {
		t.complete(p, nil, ErrTimeout, true)
	}

	return p, nil
}

// Resolve completes request id with payload.
//
// Returns:
//   - Resolved, or Late/Unknown when nothing was waiting
func (t *Table) Resolve(id uint32, payload []byte) Outcome {
	return t.settle(id, payload, nil)
}

// Fail completes request id with err (a controller-side error response).
//
// Returns:
//   - Resolved, or Late/Unknown when nothing was waiting
func (t *Table) Fail(id uint32, err error) Outcome {
	return t.settle(id, nil, err)
}

// Expire completes request id with ErrTimeout.
//
// Returns:
//   - true if this call completed the request
func (t *Table) Expire(id uint32) bool {
	p, ok := t.pending.Load(id)
	if !ok {
		return false
	}

	return t.complete(p, nil, ErrTimeout, true)
}

// Cancel completes request id with err, remembering the id so a late
// response is discarded quietly.
//
// Returns:
//   - true if this call completed the request
func (t *Table) Cancel(id uint32, err error) bool {
	p, ok := t.pending.Load(id)
	if !ok {
		return false
	}

	return t.complete(p, nil, err, true)
}

// CancelAll completes every outstanding request with ErrConnectionClosed,
// wrapping reason when it is not nil.
//
// Returns:
//   - The number of requests this call completed
func (t *Table) CancelAll(reason error) int {
	err := ErrConnectionClosed
	if reason != nil && !errors.Is(reason, ErrConnectionClosed) {
		err = fmt.Errorf("%w: %v", ErrConnectionClosed, reason)
	} else if reason != nil {
		err = reason
	}

	taken := t.pending.Drain()
	for _, p := range taken {
		t.finish(p, nil, err, true)
	}

	return len(taken)
}

// Has reports whether id is outstanding.
func (t *Table) Has(id uint32) bool {
	return t.pending.Has(id)
}

// Len returns the number of outstanding requests.
func (t *Table) Len() int {
	return t.pending.Len()
}

func (t *Table) settle(id uint32, payload []byte, err error) Outcome {
	p, ok := t.pending.Load(id)
	if !ok {
		if _, found := t.tombstones.Get(tombstoneKey(id)); found {
			return Late
		}

		return Unknown
	}

	if t.complete(p, payload, err, false) {
		return Resolved
	}

	return Late
}

// complete removes p if it is still the entry for its id and finishes it.
func (t *Table) complete(p *Pending, payload []byte, err error, tombstone bool) bool {
	if !t.pending.CompareAndDelete(p.id, p) {
		return false
	}

	t.finish(p, payload, err, tombstone)
	return true
}

// finish must only be called by the goroutine that removed p from the map.
func (t *Table) finish(p *Pending, payload []byte, err error, tombstone bool) {
	if p.timer != nil {
		p.timer.Stop()
	}

	if tombstone {
		t.tombstones.SetDefault(tombstoneKey(p.id), struct{}{})
	}

	p.payload = payload
	p.err = err
	close(p.done)
}

func tombstoneKey(id uint32) string {
	return strconv.FormatUint(uint64(id), 10)
}
