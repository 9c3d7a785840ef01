package registry

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var executionTopic = Topic{Method: "ProgramRunner.ExecutionEvent"}

// recorder collects deliveries for one subscription.
type recorder struct {
	mu  sync.Mutex
	got []uint64
	ch  chan uint64
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan uint64, 128)}
}

func (r *recorder) handle(n Notification) error {
	r.mu.Lock()
	r.got = append(r.got, n.Sequence)
	r.mu.Unlock()
	r.ch <- n.Sequence
	return nil
}

func (r *recorder) waitFor(t *testing.T, count int) []uint64 {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for i := 0; i < count; i++ {
		select {
		case <-r.ch:
		case <-deadline:
			t.Fatalf("received %d of %d notifications", i, count)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint64(nil), r.got...)
}

func notification(topic Topic, seq uint64) Notification {
	return Notification{Topic: topic, Sequence: seq, Payload: []byte("event"), Timestamp: time.Now()}
}

func TestRegistry_FanOutInOrder(t *testing.T) {
	r := New()
	a, b := newRecorder(), newRecorder()
	ha := r.Subscribe(executionTopic, a.handle)
	hb := r.Subscribe(executionTopic, b.handle)
	assert.NotEqual(t, ha, hb)
	assert.Equal(t, 2, r.Len())

	const n = 50
	for seq := uint64(1); seq <= n; seq++ {
		assert.Equal(t, 2, r.Dispatch(notification(executionTopic, seq)))
	}

	want := make([]uint64, n)
	for i := range want {
		want[i] = uint64(i + 1)
	}
	assert.Equal(t, want, a.waitFor(t, n))
	assert.Equal(t, want, b.waitFor(t, n))

	r.Clear()
	r.Wait()
}

func TestRegistry_TopicMatching(t *testing.T) {
	r := New()
	all, scoped := newRecorder(), newRecorder()
	r.Subscribe(executionTopic, all.handle)
	r.Subscribe(Topic{Method: executionTopic.Method, Scope: "42"}, scoped.handle)

	assert.Equal(t, 2, r.Dispatch(notification(Topic{Method: executionTopic.Method, Scope: "42"}, 1)))
	assert.Equal(t, 1, r.Dispatch(notification(Topic{Method: executionTopic.Method, Scope: "7"}, 2)))
	assert.Equal(t, 0, r.Dispatch(notification(Topic{Method: "Plugin.ActionEvent"}, 3)))

	assert.Equal(t, []uint64{1, 2}, all.waitFor(t, 2))
	assert.Equal(t, []uint64{1}, scoped.waitFor(t, 1))

	assert.ElementsMatch(t, []Topic{executionTopic, {Method: executionTopic.Method, Scope: "42"}}, r.Topics())

	r.Clear()
	r.Wait()
}

func TestRegistry_Unsubscribe(t *testing.T) {
	t.Run("idempotent", func(t *testing.T) {
		r := New()
		h := r.Subscribe(executionTopic, func(Notification) error { return nil })
		assert.True(t, r.Has(h))
		assert.True(t, r.Unsubscribe(h))
		assert.False(t, r.Unsubscribe(h))
		assert.False(t, r.Unsubscribe(Handle(999)))
		assert.False(t, r.Has(h))
		assert.Zero(t, r.Dispatch(notification(executionTopic, 1)))
		r.Wait()
	})

	t.Run("queued notifications are dropped", func(t *testing.T) {
		r := New()
		release := make(chan struct{})
		started := make(chan struct{})
		var delivered atomic.Int32

		h := r.Subscribe(executionTopic, func(n Notification) error {
			delivered.Add(1)
			if n.Sequence == 1 {
				close(started)
				<-release
			}
			return nil
		})

		r.Dispatch(notification(executionTopic, 1))
		<-started
		// 2 and 3 are queued behind the blocked first delivery
		r.Dispatch(notification(executionTopic, 2))
		r.Dispatch(notification(executionTopic, 3))

		require.True(t, r.Unsubscribe(h))
		close(release)
		r.Wait()

		assert.Equal(t, int32(1), delivered.Load())
	})

	t.Run("from inside the handler", func(t *testing.T) {
		r := New()
		var h Handle
		var calls atomic.Int32
		done := make(chan struct{})
		h = r.Subscribe(executionTopic, func(Notification) error {
			calls.Add(1)
			r.Unsubscribe(h)
			close(done)
			return nil
		})

		r.Dispatch(notification(executionTopic, 1))
		<-done
		r.Dispatch(notification(executionTopic, 2))
		r.Wait()
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("other subscribers keep receiving", func(t *testing.T) {
		r := New()
		keep := newRecorder()
		drop := r.Subscribe(executionTopic, func(Notification) error { return nil })
		r.Subscribe(executionTopic, keep.handle)

		r.Unsubscribe(drop)
		assert.Equal(t, 1, r.Dispatch(notification(executionTopic, 5)))
		assert.Equal(t, []uint64{5}, keep.waitFor(t, 1))

		r.Clear()
		r.Wait()
	})
}

func TestRegistry_SlowSubscriberDoesNotBlockOthers(t *testing.T) {
	r := New()
	release := make(chan struct{})
	r.Subscribe(executionTopic, func(Notification) error {
		<-release
		return nil
	})
	fast := newRecorder()
	r.Subscribe(executionTopic, fast.handle)

	start := time.Now()
	for seq := uint64(1); seq <= 10; seq++ {
		r.Dispatch(notification(executionTopic, seq))
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Len(t, fast.waitFor(t, 10), 10)

	r.Clear()
	close(release)
	r.Wait()
}

func TestRegistry_FailingHandlers(t *testing.T) {
	r := New()
	var calls atomic.Int32
	r.Subscribe(executionTopic, func(n Notification) error {
		calls.Add(1)
		if n.Sequence == 1 {
			panic("handler bug")
		}
		return errors.New("handler error")
	})
	healthy := newRecorder()
	r.Subscribe(executionTopic, healthy.handle)

	for seq := uint64(1); seq <= 3; seq++ {
		r.Dispatch(notification(executionTopic, seq))
	}

	assert.Equal(t, []uint64{1, 2, 3}, healthy.waitFor(t, 3))
	assert.Eventually(t, func() bool { return calls.Load() == 3 }, time.Second, 5*time.Millisecond)

	r.Clear()
	r.Wait()
}

func TestRegistry_Clear(t *testing.T) {
	r := New()
	var calls atomic.Int32
	for i := 0; i < 3; i++ {
		r.Subscribe(executionTopic, func(Notification) error {
			calls.Add(1)
			return nil
		})
	}

	assert.Equal(t, 3, r.Clear())
	assert.Zero(t, r.Len())
	assert.Empty(t, r.Topics())
	assert.Zero(t, r.Dispatch(notification(executionTopic, 1)))
	r.Wait()
	assert.Zero(t, calls.Load())
}

func TestRegistry_ConcurrentSubscribeDispatch(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	handles := make(chan Handle, 100)
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			handles <- r.Subscribe(executionTopic, func(Notification) error { return nil })
		}()
		go func(seq uint64) {
			defer wg.Done()
			r.Dispatch(notification(executionTopic, seq))
		}(uint64(i))
	}
	wg.Wait()
	close(handles)

	seen := make(map[Handle]bool)
	for h := range handles {
		assert.False(t, seen[h])
		seen[h] = true
		r.Unsubscribe(h)
	}
	r.Wait()
	assert.Zero(t, r.Len())
}

func TestMatches(t *testing.T) {
	assert.True(t, Matches(Topic{Method: "a"}, Topic{Method: "a", Scope: "x"}))
	assert.True(t, Matches(Topic{Method: "a", Scope: "x"}, Topic{Method: "a", Scope: "x"}))
	assert.False(t, Matches(Topic{Method: "a", Scope: "x"}, Topic{Method: "a"}))
	assert.False(t, Matches(Topic{Method: "a"}, Topic{Method: "b"}))
}
