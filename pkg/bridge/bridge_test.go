package bridge

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/studiobridge/pkg/connstate"
	"github.com/go-go-golems/studiobridge/pkg/eventbus"
	"github.com/go-go-golems/studiobridge/pkg/fakeremote"
	"github.com/go-go-golems/studiobridge/pkg/fault"
	"github.com/go-go-golems/studiobridge/pkg/protocol"
	"github.com/go-go-golems/studiobridge/pkg/requestqueue"
)

type fixture struct {
	remote *fakeremote.Server
	srv    *httptest.Server
	b      *Bridge

	mu     sync.Mutex
	events []eventbus.Event
	sizes  []int
}

func testOptions(base string) Options {
	opts := DefaultOptions(base)
	opts.RequestTimeout = time.Second
	opts.RetryBaseDelay = time.Millisecond
	opts.RequestPolicy = connstate.Policy{MaxAttempts: 10, BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond}
	opts.PushPolicy = connstate.Policy{MaxAttempts: 5, BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond}
	opts.HandshakeTimeout = time.Second
	opts.PingInterval = -1
	opts.QueueBaseDelay = time.Millisecond
	opts.QueueMaxDelay = 2 * time.Millisecond
	opts.HealthInterval = -1
	return opts
}

func newFixture(t *testing.T, tweak func(*Options)) *fixture {
	t.Helper()
	f := &fixture{remote: fakeremote.New()}
	f.srv = httptest.NewServer(f.remote)
	opts := testOptions(f.srv.URL)
	if tweak != nil {
		tweak(&opts)
	}
	b, err := New(opts)
	require.NoError(t, err)
	f.b = b
	b.OnAll(func(ev eventbus.Event, data any) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.events = append(f.events, ev)
		if u, ok := data.(requestqueue.QueueUpdate); ok {
			f.sizes = append(f.sizes, u.Size)
		}
	})
	t.Cleanup(func() {
		b.Destroy()
		f.remote.Close()
		f.srv.Close()
	})
	return f
}

func (f *fixture) queueSizes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.sizes...)
}

func (f *fixture) eventCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func TestPushURL(t *testing.T) {
	u, err := PushURL("http://localhost:8000")
	require.NoError(t, err)
	require.Equal(t, "ws://localhost:8000/ws", u)

	u, err = PushURL("https://studio.example/api/")
	require.NoError(t, err)
	require.Equal(t, "wss://studio.example/api/ws", u)

	_, err = PushURL("ftp://x")
	require.Error(t, err)
}

func TestCapabilities(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.b.Start(ctx))
	require.ErrorIs(t, f.b.Start(ctx), ErrAlreadyStarted)

	st := f.b.ConnectionStatus()
	require.True(t, st.FullyConnected)
	require.True(t, st.Reachable)
	require.Equal(t, "ok", st.Health.Status)

	chat, err := f.b.Chat(ctx, protocol.ChatRequest{Message: "how is the mix?"})
	require.NoError(t, err)
	require.Equal(t, "echo: how is the mix?", chat.Response)

	sug, err := f.b.Suggest(ctx, protocol.SuggestRequest{Limit: 2})
	require.NoError(t, err)
	require.Len(t, sug.Suggestions, 2)

	an, err := f.b.Analyze(ctx, protocol.AnalyzeRequest{AnalysisType: "spectrum"})
	require.NoError(t, err)
	require.Equal(t, "spectrum", an.AnalysisType)

	synced, err := f.b.SyncState(ctx, protocol.Document(`{"tracks":4}`))
	require.NoError(t, err)
	require.Equal(t, protocol.ProcessTypeSyncState, synced.Type)
	require.JSONEq(t, `{"tracks":4}`, string(f.remote.SyncedState()))

	ts, err := f.b.Play(ctx)
	require.NoError(t, err)
	require.True(t, ts.IsPlaying)
	ts, err = f.b.Seek(ctx, 42)
	require.NoError(t, err)
	require.Equal(t, 42.0, ts.PositionSeconds)
	ts, err = f.b.SetTempo(ctx, 128)
	require.NoError(t, err)
	require.Equal(t, 128.0, ts.BPM)
	ts, err = f.b.SetLoop(ctx, true, 8, 16)
	require.NoError(t, err)
	require.True(t, ts.LoopEnabled)
	ts, err = f.b.Stop(ctx)
	require.NoError(t, err)
	require.False(t, ts.IsPlaying)
	ts, err = f.b.TransportStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, 128.0, ts.BPM)

	hs, err := f.b.Health(ctx)
	require.NoError(t, err)
	require.True(t, hs.Flag("realtime"))
}

func TestInvalidRequestsRejectedOnEntry(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.b.Chat(ctx, protocol.ChatRequest{})
	require.True(t, fault.Is(err, fault.KindInvalidRequest))
	_, err = f.b.Analyze(ctx, protocol.AnalyzeRequest{})
	require.True(t, fault.Is(err, fault.KindInvalidRequest))
	_, err = f.b.SyncState(ctx, protocol.Document(`[1]`))
	require.True(t, fault.Is(err, fault.KindInvalidRequest))
	_, err = f.b.SetTempo(ctx, -3)
	require.True(t, fault.Is(err, fault.KindInvalidRequest))
	_, err = f.b.SetLoop(ctx, true, 10, 2)
	require.True(t, fault.Is(err, fault.KindInvalidRequest))

	require.Equal(t, 0, f.remote.Calls("/health"))
	require.Equal(t, 0, f.remote.Calls("/chat"))
}

func TestQueuedRequestsDrainOnRecovery(t *testing.T) {
	f := newFixture(t, nil)
	f.remote.Inject(fakeremote.Fault{Drop: true})
	ctx := context.Background()
	require.NoError(t, f.b.Start(ctx))

	for i := 0; i < 3; i++ {
		_, err := f.b.Chat(ctx, protocol.ChatRequest{Message: "while down"})
		require.True(t, fault.Is(err, fault.KindUnreachable), "got %v", err)
	}
	require.Equal(t, []int{1, 2, 3}, f.queueSizes())
	require.Equal(t, 3, f.b.ConnectionStatus().QueueSize)
	require.False(t, f.b.ConnectionStatus().Reachable)

	f.remote.Reset()
	require.Eventually(t, func() bool {
		sizes := f.queueSizes()
		return len(sizes) == 6 && sizes[5] == 0
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, []int{1, 2, 3, 2, 1, 0}, f.queueSizes())
	require.Equal(t, 3, f.remote.Calls("/chat"))
	require.Equal(t, 0, f.b.ConnectionStatus().QueueSize)
}

func TestConnectionStatusAggregatesChannels(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.PushPolicy = connstate.Policy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	})
	require.NoError(t, f.b.Start(context.Background()))
	require.True(t, f.b.ConnectionStatus().FullyConnected)

	f.remote.Inject(fakeremote.Fault{Path: "/ws", Drop: true})
	f.remote.DropConnections()
	require.Eventually(t, func() bool {
		return f.b.ConnectionStatus().Push.State == connstate.GaveUp
	}, 2*time.Second, time.Millisecond)

	st := f.b.ConnectionStatus()
	require.True(t, st.Reachable)
	require.False(t, st.FullyConnected)
	require.True(t, st.Request.Connected)
	require.False(t, f.b.SendPushMessage(protocol.Envelope{Type: "x"}))

	f.remote.Reset()
	require.NoError(t, f.b.ForceReconnect(context.Background()))
	require.True(t, f.b.ConnectionStatus().FullyConnected)
	require.True(t, f.b.SendPushMessage(protocol.Envelope{Type: "x"}))
}

func TestHealthPollerDetectsOutageAndRecovery(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.HealthInterval = 10 * time.Millisecond })
	require.NoError(t, f.b.Start(context.Background()))

	var downs, ups int
	var mu sync.Mutex
	eventbus.Subscribe(f.b.Bus(), eventbus.Disconnected, func(e connstate.Event) {
		if e.Channel == "request" {
			mu.Lock()
			downs++
			mu.Unlock()
		}
	})
	eventbus.Subscribe(f.b.Bus(), eventbus.Reconnected, func(e connstate.Event) {
		if e.Channel == "request" {
			mu.Lock()
			ups++
			mu.Unlock()
		}
	})

	f.remote.Inject(fakeremote.Fault{Path: "/health", Status: 503})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return downs == 1
	}, 2*time.Second, time.Millisecond)

	f.remote.Reset()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return ups == 1
	}, 2*time.Second, time.Millisecond)
	require.True(t, f.b.ConnectionStatus().Request.Connected)
}

func TestPushMessagesReachSubscribers(t *testing.T) {
	f := newFixture(t, nil)
	got := make(chan protocol.TransportState, 4)
	eventbus.Subscribe(f.b.Bus(), eventbus.TransportChanged, func(ts protocol.TransportState) { got <- ts })
	require.NoError(t, f.b.Start(context.Background()))
	require.Eventually(t, func() bool { return f.remote.Connections() == 1 }, time.Second, time.Millisecond)

	_, err := f.b.Play(context.Background())
	require.NoError(t, err)
	select {
	case ts := <-got:
		require.True(t, ts.IsPlaying)
	case <-time.After(time.Second):
		t.Fatal("no transport_changed event")
	}
}

func TestDestroyCancelsPendingTimers(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.RequestPolicy = connstate.Policy{MaxAttempts: 10, BaseDelay: 30 * time.Millisecond, MaxDelay: time.Second}
		o.PushPolicy = connstate.Policy{MaxAttempts: 5, BaseDelay: 30 * time.Millisecond, MaxDelay: time.Second}
		o.HealthInterval = 10 * time.Millisecond
	})
	f.remote.Inject(fakeremote.Fault{Drop: true})
	require.NoError(t, f.b.Start(context.Background()))
	st := f.b.ConnectionStatus()
	require.True(t, st.Request.IsReconnecting)
	require.True(t, st.Push.IsReconnecting)

	f.b.Destroy()
	events := f.eventCount()
	health := f.remote.Calls("/health")
	ws := f.remote.Calls("/ws")

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, events, f.eventCount())
	require.Equal(t, health, f.remote.Calls("/health"))
	require.Equal(t, ws, f.remote.Calls("/ws"))
	require.Equal(t, 0, f.b.Bus().HandlerCount(""))

	f.b.Destroy()
	_, err := f.b.Chat(context.Background(), protocol.ChatRequest{Message: "late"})
	require.True(t, fault.Is(err, fault.KindChannelClosed))
	require.ErrorIs(t, f.b.Start(context.Background()), ErrDestroyed)
	require.ErrorIs(t, f.b.ForceReconnect(context.Background()), ErrDestroyed)
}
