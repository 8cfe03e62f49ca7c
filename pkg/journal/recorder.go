package journal

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/studiobridge/pkg/eventbus"
)

const recorderBuffer = 256

type pending struct {
	event eventbus.Event
	at    time.Time
	data  json.RawMessage
}

// Recorder appends every bus event to a Store from a background goroutine.
type Recorder struct {
	store  *Store
	bus    *eventbus.Bus
	sub    eventbus.Subscription
	logger zerolog.Logger

	mu     sync.Mutex
	closed bool
	queue  chan pending
	wg     sync.WaitGroup
}

func NewRecorder(bus *eventbus.Bus, store *Store) *Recorder {
	r := &Recorder{
		store:  store,
		bus:    bus,
		queue:  make(chan pending, recorderBuffer),
		logger: log.With().Str("component", "journal").Logger(),
	}
	r.wg.Add(1)
	go r.run()
	r.sub = bus.OnAll(r.handle)
	return r
}

func (r *Recorder) handle(event eventbus.Event, data any) {
	p := pending{event: event, at: time.Now()}
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			r.logger.Warn().Err(err).Str("event", string(event)).Msg("event payload not serializable")
		} else {
			p.data = b
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- p:
	default:
		r.logger.Warn().Str("event", string(event)).Msg("journal buffer full, dropping event")
	}
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for p := range r.queue {
		if _, err := r.store.Append(context.Background(), p.event, p.at, p.data); err != nil {
			r.logger.Warn().Err(err).Str("event", string(p.event)).Msg("journal append failed")
		}
	}
}

// Close unsubscribes and flushes buffered events. The store stays open.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	r.bus.Off(r.sub)
	r.wg.Wait()
}
