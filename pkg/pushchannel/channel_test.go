package pushchannel

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/studiobridge/pkg/connstate"
	"github.com/go-go-golems/studiobridge/pkg/eventbus"
	"github.com/go-go-golems/studiobridge/pkg/fakeremote"
	"github.com/go-go-golems/studiobridge/pkg/protocol"
)

type events struct {
	mu   sync.Mutex
	seen []eventbus.Event
	data []any
}

func (e *events) record(ev eventbus.Event, data any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seen = append(e.seen, ev)
	e.data = append(e.data, data)
}

func (e *events) count(ev eventbus.Event) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, s := range e.seen {
		if s == ev {
			n++
		}
	}
	return n
}

func (e *events) payloads(ev eventbus.Event) []any {
	e.mu.Lock()
	defer e.mu.Unlock()
	var ret []any
	for i, s := range e.seen {
		if s == ev {
			ret = append(ret, e.data[i])
		}
	}
	return ret
}

func (e *events) total() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.seen)
}

type fixture struct {
	remote *fakeremote.Server
	srv    *httptest.Server
	bus    *eventbus.Bus
	ev     *events
	ch     *Channel
}

func newFixture(t *testing.T, tweak func(*Options)) *fixture {
	t.Helper()
	f := &fixture{remote: fakeremote.New(), bus: eventbus.New(), ev: &events{}}
	f.srv = httptest.NewServer(f.remote)
	f.bus.OnAll(f.ev.record)

	opts := Options{
		URL:              "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws",
		HandshakeTimeout: time.Second,
		PingInterval:     -1,
		Policy:           connstate.Policy{MaxAttempts: 5, BaseDelay: 2 * time.Millisecond, MaxDelay: 10 * time.Millisecond},
		Bus:              f.bus,
	}
	if tweak != nil {
		tweak(&opts)
	}
	ch, err := New(opts)
	require.NoError(t, err)
	f.ch = ch
	t.Cleanup(func() {
		ch.Shutdown()
		f.remote.Close()
		f.srv.Close()
	})
	return f
}

func (f *fixture) open(t *testing.T) {
	t.Helper()
	require.NoError(t, f.ch.Open(context.Background()))
	require.Eventually(t, func() bool { return f.remote.Connections() == 1 }, time.Second, time.Millisecond)
}

func TestOpenEmitsConnected(t *testing.T) {
	f := newFixture(t, nil)
	require.False(t, f.ch.Send(protocol.Envelope{Type: "early"}))

	f.open(t)
	require.True(t, f.ch.IsOpen())
	require.Equal(t, connstate.Connected, f.ch.State())
	require.Equal(t, 1, f.ev.count(eventbus.Connected))
	ev := f.ev.payloads(eventbus.Connected)[0].(connstate.Event)
	require.Equal(t, ChannelName, ev.Channel)

	require.Eventually(t, func() bool { return f.ev.count(eventbus.ServerHello) == 1 }, time.Second, time.Millisecond)
	require.NoError(t, f.ch.Open(context.Background()))
	require.Equal(t, 1, f.ev.count(eventbus.Connected))
}

func TestOpenActivatesWhileStateStillConnected(t *testing.T) {
	f := newFixture(t, nil)
	// state machine reports Connected with no socket, as between a drop and its Fail
	f.ch.reconn.MarkConnected()
	require.Equal(t, connstate.Connected, f.ch.State())
	require.False(t, f.ch.IsOpen())

	require.NoError(t, f.ch.Open(context.Background()))
	require.True(t, f.ch.IsOpen())
	require.Eventually(t, func() bool { return f.remote.Connections() == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return f.ev.count(eventbus.ServerHello) == 1 }, time.Second, time.Millisecond)

	require.True(t, f.ch.Send(protocol.Envelope{Type: "hello"}))
	require.Eventually(t, func() bool { return len(f.remote.Received()) == 1 }, time.Second, time.Millisecond)
}

func TestTransportStateDeliveredOnce(t *testing.T) {
	f := newFixture(t, nil)
	var mu sync.Mutex
	var got []protocol.TransportState
	eventbus.Subscribe(f.bus, eventbus.TransportChanged, func(ts protocol.TransportState) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ts)
	})
	f.open(t)

	f.remote.BroadcastRaw([]byte(`{"type":"transport_state","data":{"is_playing":true}}`))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	require.True(t, got[0].IsPlaying)
}

func TestRoutingByEnvelopeType(t *testing.T) {
	f := newFixture(t, nil)
	f.open(t)

	f.remote.BroadcastRaw([]byte(`not json`))
	f.remote.BroadcastRaw([]byte(`{"type":"transport_state","data":"bad"}`))
	f.remote.BroadcastRaw([]byte(`{"type":"suggestion","data":{"text":"add reverb"}}`))
	f.remote.BroadcastRaw([]byte(`{"type":"analysis_complete","data":{"analysisType":"loudness","score":0.5}}`))
	f.remote.BroadcastRaw([]byte(`{"type":"state_update","data":{"tracks":2}}`))
	f.remote.BroadcastRaw([]byte(`{"type":"server_status","data":{"load":0.1}}`))
	f.remote.BroadcastRaw([]byte(`{"type":"error","data":{"message":"overloaded","code":"busy"}}`))
	f.remote.BroadcastRaw([]byte(`{"type":"lyrics","data":{"line":"la"}}`))

	require.Eventually(t, func() bool { return f.ev.count(eventbus.Message) == 1 }, time.Second, time.Millisecond)
	require.Equal(t, 0, f.ev.count(eventbus.TransportChanged))
	require.Equal(t, 1, f.ev.count(eventbus.SuggestionReceived))
	require.Equal(t, 1, f.ev.count(eventbus.StateUpdated))
	require.Equal(t, 1, f.ev.count(eventbus.ServerStatus))

	res := f.ev.payloads(eventbus.AnalysisComplete)
	require.Len(t, res, 1)
	require.Equal(t, "loudness", res[0].(protocol.AnalyzeResponse).AnalysisType)

	perr := f.ev.payloads(eventbus.PushError)
	require.Len(t, perr, 1)
	require.Equal(t, "busy", perr[0].(protocol.ErrorPayload).Code)

	msg := f.ev.payloads(eventbus.Message)[0].(protocol.Envelope)
	require.Equal(t, "lyrics", msg.Type)
	require.JSONEq(t, `{"line":"la"}`, string(msg.Data))
}

func TestSendReachesServer(t *testing.T) {
	f := newFixture(t, nil)
	f.open(t)

	env, err := protocol.NewEnvelope("request_state", map[string]any{"full": true})
	require.NoError(t, err)
	require.True(t, f.ch.Send(env))
	require.Eventually(t, func() bool { return len(f.remote.Received()) == 1 }, time.Second, time.Millisecond)
	require.Equal(t, "request_state", f.remote.Received()[0].Type)
}

func TestRemoteDropReconnects(t *testing.T) {
	f := newFixture(t, nil)
	f.open(t)

	f.remote.DropConnections()
	require.Eventually(t, func() bool { return f.ev.count(eventbus.Reconnected) == 1 }, 2*time.Second, time.Millisecond)
	require.Equal(t, 1, f.ev.count(eventbus.Disconnected))
	require.GreaterOrEqual(t, f.ev.count(eventbus.Reconnecting), 1)
	require.Eventually(t, func() bool { return f.ch.IsOpen() && f.remote.Connections() == 1 }, time.Second, time.Millisecond)
	require.Equal(t, 0, f.ch.Snapshot().ReconnectCount)

	require.True(t, f.ch.Send(protocol.Envelope{Type: "after_reconnect"}))
	require.Eventually(t, func() bool { return len(f.remote.Received()) == 1 }, time.Second, time.Millisecond)
}

func TestGivesUpAfterMaxAttempts(t *testing.T) {
	f := newFixture(t, nil)
	f.open(t)

	f.remote.Inject(fakeremote.Fault{Path: "/ws", Drop: true})
	f.remote.DropConnections()

	require.Eventually(t, func() bool {
		return f.ev.count(eventbus.MaxReconnectAttemptsReached) == 1
	}, 2*time.Second, time.Millisecond)
	require.Equal(t, connstate.GaveUp, f.ch.State())
	require.Equal(t, 6, f.remote.Calls("/ws"))

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 6, f.remote.Calls("/ws"))
	require.Equal(t, 1, f.ev.count(eventbus.MaxReconnectAttemptsReached))
	require.False(t, f.ch.IsOpen())

	f.remote.Reset()
	require.NoError(t, f.ch.ForceReconnect(context.Background()))
	require.True(t, f.ch.IsOpen())
	require.Equal(t, connstate.Connected, f.ch.State())
}

func TestCloseDoesNotReconnect(t *testing.T) {
	f := newFixture(t, nil)
	f.open(t)

	require.NoError(t, f.ch.Close())
	require.False(t, f.ch.IsOpen())
	require.Equal(t, connstate.Disconnected, f.ch.State())
	require.Equal(t, 1, f.ev.count(eventbus.Disconnected))

	time.Sleep(30 * time.Millisecond)
	require.Equal(t, 0, f.ev.count(eventbus.Reconnecting))
	require.Equal(t, 1, f.remote.Calls("/ws"))

	f.open(t)
	require.True(t, f.ch.IsOpen())
}

func TestShutdownCancelsPendingReconnect(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Policy = connstate.Policy{MaxAttempts: 5, BaseDelay: 30 * time.Millisecond, MaxDelay: time.Second}
	})
	f.remote.Inject(fakeremote.Fault{Path: "/ws", Drop: true})
	require.Error(t, f.ch.Open(context.Background()))
	require.Equal(t, connstate.Reconnecting, f.ch.State())

	before := f.ev.total()
	f.ch.Shutdown()
	time.Sleep(80 * time.Millisecond)
	require.Equal(t, before, f.ev.total())
	require.Equal(t, 1, f.remote.Calls("/ws"))
	require.ErrorIs(t, f.ch.Open(context.Background()), ErrShutdown)
}

func TestPingKeepsConnectionAlive(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.PingInterval = 50 * time.Millisecond })
	f.open(t)

	time.Sleep(300 * time.Millisecond)
	require.True(t, f.ch.IsOpen())
	require.Equal(t, 0, f.ev.count(eventbus.Disconnected))
}
