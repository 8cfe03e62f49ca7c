package connstate

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/studiobridge/pkg/eventbus"
)

type recorder struct {
	mu     sync.Mutex
	events []eventbus.Event
	data   []Event
}

func newRecorder(b *eventbus.Bus) *recorder {
	rec := &recorder{}
	b.OnAll(func(ev eventbus.Event, data any) {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		rec.events = append(rec.events, ev)
		if e, ok := data.(Event); ok {
			rec.data = append(rec.data, e)
		}
	})
	return rec
}

func (r *recorder) count(ev eventbus.Event) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == ev {
			n++
		}
	}
	return n
}

func (r *recorder) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

var errDown = errors.New("down")

func testPolicy(max int) Policy {
	return Policy{MaxAttempts: max, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond}
}

func TestPolicyDelay(t *testing.T) {
	p := Policy{MaxAttempts: 10, BaseDelay: time.Second, MaxDelay: 30 * time.Second}
	want := []time.Duration{1, 2, 4, 8, 16, 30, 30, 30}
	var prev time.Duration
	for i, w := range want {
		got := p.Delay(i + 1)
		require.Equal(t, w*time.Second, got, "failure %d", i+1)
		require.GreaterOrEqual(t, got, prev)
		prev = got
	}
	require.Equal(t, 30*time.Second, p.Delay(200))
}

func TestExponentialDelayWithoutCap(t *testing.T) {
	require.Equal(t, 8*time.Millisecond, ExponentialDelay(time.Millisecond, 0, 3))
	require.Equal(t, time.Duration(0), ExponentialDelay(0, time.Second, 3))
}

func TestReconnectsAfterFailures(t *testing.T) {
	bus := eventbus.New()
	rec := newRecorder(bus)
	var calls atomic.Int32
	r, err := New(Options{
		Channel: "request",
		Policy:  testPolicy(10),
		Bus:     bus,
		Probe: func(context.Context) error {
			if calls.Add(1) < 3 {
				return errDown
			}
			return nil
		},
	})
	require.NoError(t, err)
	defer r.Stop()

	r.MarkConnected()
	require.Equal(t, Connected, r.State())
	require.Equal(t, 0, rec.count(eventbus.Reconnected))

	r.Fail(errDown)
	require.Eventually(t, func() bool { return rec.count(eventbus.Reconnected) == 1 }, time.Second, time.Millisecond)

	snap := r.Snapshot()
	require.Equal(t, 0, snap.ReconnectCount)
	require.True(t, snap.Connected)
	require.False(t, snap.LastAttemptAt.IsZero())
	require.Equal(t, 1, rec.count(eventbus.Reconnected))
	require.Equal(t, 1, rec.count(eventbus.Disconnected))
	require.Equal(t, 3, rec.count(eventbus.Reconnecting))
	require.Equal(t, 2, rec.count(eventbus.Connected))
}

func TestFailWhileReconnectingIsIgnored(t *testing.T) {
	bus := eventbus.New()
	rec := newRecorder(bus)
	r, err := New(Options{
		Channel: "push",
		Policy:  Policy{MaxAttempts: 5, BaseDelay: time.Hour, MaxDelay: time.Hour},
		Bus:     bus,
		Probe:   func(context.Context) error { return errDown },
	})
	require.NoError(t, err)
	defer r.Stop()

	r.Fail(errDown)
	r.Fail(errDown)
	r.Fail(errDown)
	snap := r.Snapshot()
	require.True(t, snap.IsReconnecting)
	require.Equal(t, 1, snap.ReconnectCount)
	require.Equal(t, 1, rec.count(eventbus.Reconnecting))
}

func TestGivesUpAfterMaxAttempts(t *testing.T) {
	bus := eventbus.New()
	rec := newRecorder(bus)
	var calls atomic.Int32
	var healthy atomic.Bool
	r, err := New(Options{
		Channel: "push",
		Policy:  testPolicy(5),
		Bus:     bus,
		Probe: func(context.Context) error {
			calls.Add(1)
			if healthy.Load() {
				return nil
			}
			return errDown
		},
	})
	require.NoError(t, err)
	defer r.Stop()

	r.Fail(errDown)
	require.Eventually(t, func() bool {
		return rec.count(eventbus.MaxReconnectAttemptsReached) == 1
	}, time.Second, time.Millisecond)
	require.Equal(t, GaveUp, r.State())
	require.Equal(t, int32(5), calls.Load())

	time.Sleep(30 * time.Millisecond)
	require.Equal(t, int32(5), calls.Load())
	require.Equal(t, 1, rec.count(eventbus.MaxReconnectAttemptsReached))

	r.Fail(errDown)
	require.Equal(t, GaveUp, r.State())

	healthy.Store(true)
	require.NoError(t, r.ForceReconnect(context.Background()))
	require.Equal(t, Connected, r.State())
	require.Equal(t, 0, r.Snapshot().ReconnectCount)
	require.Equal(t, 1, rec.count(eventbus.Reconnected))
}

func TestForceReconnectFailureResumesSchedule(t *testing.T) {
	bus := eventbus.New()
	rec := newRecorder(bus)
	var healthy atomic.Bool
	r, err := New(Options{
		Channel: "push",
		Policy:  testPolicy(5),
		Bus:     bus,
		Probe: func(context.Context) error {
			if healthy.Load() {
				return nil
			}
			return errDown
		},
	})
	require.NoError(t, err)
	defer r.Stop()

	require.Error(t, r.ForceReconnect(context.Background()))
	require.Equal(t, Reconnecting, r.State())

	healthy.Store(true)
	require.Eventually(t, func() bool { return rec.count(eventbus.Reconnected) == 1 }, time.Second, time.Millisecond)
	require.Equal(t, Connected, r.State())
}

func TestMarkConnectedCancelsPendingRetry(t *testing.T) {
	bus := eventbus.New()
	var calls atomic.Int32
	connectedHook := 0
	r, err := New(Options{
		Channel:     "request",
		Policy:      Policy{MaxAttempts: 5, BaseDelay: 20 * time.Millisecond, MaxDelay: time.Second},
		Bus:         bus,
		Probe:       func(context.Context) error { calls.Add(1); return nil },
		OnConnected: func() { connectedHook++ },
	})
	require.NoError(t, err)
	defer r.Stop()

	r.Fail(errDown)
	r.MarkConnected()
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(0), calls.Load())
	require.Equal(t, 1, connectedHook)
	require.Equal(t, Connected, r.State())
}

func TestStopCancelsPendingTimer(t *testing.T) {
	bus := eventbus.New()
	rec := newRecorder(bus)
	var calls atomic.Int32
	r, err := New(Options{
		Channel: "push",
		Policy:  Policy{MaxAttempts: 5, BaseDelay: 10 * time.Millisecond, MaxDelay: time.Second},
		Bus:     bus,
		Probe:   func(context.Context) error { calls.Add(1); return nil },
	})
	require.NoError(t, err)

	r.Fail(errDown)
	before := rec.total()
	r.Stop()
	time.Sleep(40 * time.Millisecond)

	require.Equal(t, int32(0), calls.Load())
	require.Equal(t, before, rec.total())
	require.ErrorIs(t, r.ForceReconnect(context.Background()), ErrStopped)
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{Channel: "x"})
	require.Error(t, err)
	_, err = New(Options{Probe: func(context.Context) error { return nil }})
	require.Error(t, err)
}

func TestDisconnectCancelsSchedule(t *testing.T) {
	bus := eventbus.New()
	rec := newRecorder(bus)
	var calls atomic.Int32
	r, err := New(Options{
		Channel: "push",
		Policy:  Policy{MaxAttempts: 5, BaseDelay: 10 * time.Millisecond, MaxDelay: time.Second},
		Bus:     bus,
		Probe:   func(context.Context) error { calls.Add(1); return nil },
	})
	require.NoError(t, err)
	defer r.Stop()

	r.MarkConnected()
	r.Disconnect()
	require.Equal(t, Disconnected, r.State())
	require.Equal(t, 1, rec.count(eventbus.Disconnected))

	r.Fail(errDown)
	r.Disconnect()
	time.Sleep(40 * time.Millisecond)
	require.Equal(t, int32(0), calls.Load())
	require.Equal(t, Disconnected, r.State())
	require.Equal(t, 0, r.Snapshot().ReconnectCount)
}
