package redisstream

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/studiobridge/pkg/eventbus"
)

// MetadataEvent carries the bus event name on every mirrored message.
const MetadataEvent = "event"

const mirrorBuffer = 256

// Record is the wire form of one mirrored bus event.
type Record struct {
	Event eventbus.Event  `json:"event"`
	At    time.Time       `json:"at"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Mirror republishes every bus event to a Watermill topic. Events are handed to a background
// publisher so that a slow transport never blocks Emit; when the buffer is full the event is
// dropped and logged.
type Mirror struct {
	pub    message.Publisher
	topic  string
	bus    *eventbus.Bus
	sub    eventbus.Subscription
	logger zerolog.Logger

	mu      sync.Mutex
	closed  bool
	records chan Record
	wg      sync.WaitGroup
}

func NewMirror(bus *eventbus.Bus, pub message.Publisher, topic string) (*Mirror, error) {
	if bus == nil || pub == nil {
		return nil, errors.New("mirror: bus and publisher are required")
	}
	if topic == "" {
		topic = DefaultTopic
	}
	m := &Mirror{
		pub:     pub,
		topic:   topic,
		bus:     bus,
		records: make(chan Record, mirrorBuffer),
		logger:  log.With().Str("component", "mirror").Str("topic", topic).Logger(),
	}
	m.wg.Add(1)
	go m.run()
	m.sub = bus.OnAll(m.handle)
	return m, nil
}

func (m *Mirror) handle(event eventbus.Event, data any) {
	rec := Record{Event: event, At: time.Now().UTC()}
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			m.logger.Warn().Err(err).Str("event", string(event)).Msg("event payload not serializable")
			return
		}
		rec.Data = b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	select {
	case m.records <- rec:
	default:
		m.logger.Warn().Str("event", string(event)).Msg("mirror buffer full, dropping event")
	}
}

func (m *Mirror) run() {
	defer m.wg.Done()
	for rec := range m.records {
		payload, err := json.Marshal(rec)
		if err != nil {
			m.logger.Warn().Err(err).Msg("encode record")
			continue
		}
		msg := message.NewMessage(watermill.NewUUID(), payload)
		msg.Metadata.Set(MetadataEvent, string(rec.Event))
		if err := m.pub.Publish(m.topic, msg); err != nil {
			m.logger.Warn().Err(err).Str("event", string(rec.Event)).Msg("publish failed")
		}
	}
}

// Close unsubscribes from the bus and waits until buffered records are published. It does not
// close the publisher.
func (m *Mirror) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.records)
	m.mu.Unlock()

	m.bus.Off(m.sub)
	m.wg.Wait()
}

func DecodeRecord(msg *message.Message) (Record, error) {
	var rec Record
	if err := json.Unmarshal(msg.Payload, &rec); err != nil {
		return Record{}, errors.Wrap(err, "decode mirrored record")
	}
	return rec, nil
}

// Records subscribes to topic and streams decoded records until ctx is done or the subscriber
// closes. Every message is acked, undecodable ones included.
func Records(ctx context.Context, sub message.Subscriber, topic string) (<-chan Record, error) {
	if topic == "" {
		topic = DefaultTopic
	}
	msgs, err := sub.Subscribe(ctx, topic)
	if err != nil {
		return nil, errors.Wrapf(err, "subscribe %s", topic)
	}
	out := make(chan Record)
	go func() {
		defer close(out)
		for msg := range msgs {
			rec, err := DecodeRecord(msg)
			msg.Ack()
			if err != nil {
				log.Warn().Err(err).Str("component", "mirror").Msg("dropping mirrored message")
				continue
			}
			select {
			case out <- rec:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
