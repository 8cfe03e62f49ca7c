package journal

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/studiobridge/pkg/connstate"
	"github.com/go-go-golems/studiobridge/pkg/eventbus"
	"github.com/go-go-golems/studiobridge/pkg/requestqueue"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	dsn, err := DSNForFile(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	s, err := NewStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreAppendAndList(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	base := time.UnixMilli(1_700_000_000_000)

	_, err := s.Append(ctx, eventbus.Connected, base, nil)
	require.NoError(t, err)
	_, err = s.Append(ctx, eventbus.QueueUpdated, base.Add(time.Second), json.RawMessage(`{"size":1}`))
	require.NoError(t, err)
	_, err = s.Append(ctx, eventbus.QueueUpdated, base.Add(2*time.Second), json.RawMessage(`{"size":0}`))
	require.NoError(t, err)

	all, err := s.List(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.JSONEq(t, `{"size":0}`, string(all[0].Data))
	require.Equal(t, eventbus.Connected, all[2].Event)
	require.Nil(t, all[2].Data)

	queued, err := s.List(ctx, Query{Event: eventbus.QueueUpdated, Limit: 1})
	require.NoError(t, err)
	require.Len(t, queued, 1)
	require.JSONEq(t, `{"size":0}`, string(queued[0].Data))

	recent, err := s.List(ctx, Query{Since: base.Add(time.Second)})
	require.NoError(t, err)
	require.Len(t, recent, 2)

	_, err = s.Append(ctx, "", base, nil)
	require.Error(t, err)
}

func TestNewStoreRejectsEmptyDSN(t *testing.T) {
	_, err := NewStore(" ")
	require.Error(t, err)
	_, err = DSNForFile("")
	require.Error(t, err)

	var nilStore *Store
	require.NoError(t, nilStore.Close())
}

func TestRecorderJournalsBusEvents(t *testing.T) {
	s := newStore(t)
	bus := eventbus.New()
	r := NewRecorder(bus, s)

	bus.Emit(eventbus.Disconnected, connstate.Event{Channel: "request"})
	bus.Emit(eventbus.RequestFailed, requestqueue.FailedEvent{ID: "r1", Method: "chat", Retries: 6})
	r.Close()
	r.Close()
	bus.Emit(eventbus.Connected, nil)

	require.Equal(t, 0, bus.HandlerCount(""))
	entries, err := s.List(context.Background(), Query{})
	require.NoError(t, err)
	require.Len(t, entries, 2)

	byEvent := map[eventbus.Event]Entry{}
	for _, e := range entries {
		byEvent[e.Event] = e
	}
	require.JSONEq(t, `{"channel":"request"}`, string(byEvent[eventbus.Disconnected].Data))
	require.JSONEq(t, `{"id":"r1","method":"chat","retries":6}`, string(byEvent[eventbus.RequestFailed].Data))
}
