// Package bridge is the caller-facing façade over the request and push channels.
//
// A Bridge is constructed explicitly, started once and destroyed once. It owns both channels,
// the offline request queue and the event bus, and adds one behavior of its own: a periodic
// health poll that notices recovery while no call is in flight.
package bridge

import (
	"context"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/studiobridge/pkg/connstate"
	"github.com/go-go-golems/studiobridge/pkg/eventbus"
	"github.com/go-go-golems/studiobridge/pkg/fault"
	"github.com/go-go-golems/studiobridge/pkg/protocol"
	"github.com/go-go-golems/studiobridge/pkg/pushchannel"
	"github.com/go-go-golems/studiobridge/pkg/requestchannel"
	"github.com/go-go-golems/studiobridge/pkg/requestqueue"
)

const DefaultHealthInterval = 30 * time.Second

var (
	ErrDestroyed      = errors.New("bridge destroyed")
	ErrAlreadyStarted = errors.New("bridge already started")
)

type Options struct {
	BaseURL string
	// PushURL defaults to the base URL with a ws scheme and a /ws path appended.
	PushURL    string
	HTTPClient *http.Client

	RequestTimeout time.Duration
	ServerRetries  int
	RetryBaseDelay time.Duration
	RequestPolicy  connstate.Policy

	PushPolicy       connstate.Policy
	HandshakeTimeout time.Duration
	PingInterval     time.Duration

	QueueMaxRetries int
	QueueBaseDelay  time.Duration
	QueueMaxDelay   time.Duration

	// HealthInterval is the idle poll period. A negative value disables polling.
	HealthInterval time.Duration

	// Bus is created when nil. Destroy closes it either way.
	Bus *eventbus.Bus
}

// DefaultOptions returns the reference tuning for base.
func DefaultOptions(base string) Options {
	return Options{
		BaseURL:          base,
		RequestTimeout:   requestchannel.DefaultRequestTimeout,
		ServerRetries:    requestchannel.DefaultServerRetries,
		RetryBaseDelay:   requestchannel.DefaultRetryBaseDelay,
		RequestPolicy:    connstate.Policy{MaxAttempts: 10, BaseDelay: time.Second, MaxDelay: 30 * time.Second},
		PushPolicy:       connstate.Policy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 30 * time.Second},
		HandshakeTimeout: pushchannel.DefaultHandshakeTimeout,
		PingInterval:     pushchannel.DefaultPingInterval,
		QueueMaxRetries:  requestqueue.DefaultMaxRetries,
		QueueBaseDelay:   requestqueue.DefaultBaseDelay,
		QueueMaxDelay:    requestqueue.DefaultMaxDelay,
		HealthInterval:   DefaultHealthInterval,
	}
}

// PushURL derives the push endpoint from the request base URL.
func PushURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", errors.Wrap(err, "parse base url")
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", errors.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = path.Join("/", u.Path, "ws")
	u.RawQuery = ""
	return u.String(), nil
}

// Status aggregates both channels. Reachable needs either channel, FullyConnected both.
type Status struct {
	Request         connstate.Snapshot    `json:"request" yaml:"request"`
	Push            connstate.Snapshot    `json:"push" yaml:"push"`
	Reachable       bool                  `json:"reachable" yaml:"reachable"`
	FullyConnected  bool                  `json:"fully_connected" yaml:"fully_connected"`
	QueueSize       int                   `json:"queue_size" yaml:"queue_size"`
	Health          protocol.HealthStatus `json:"health" yaml:"health"`
	HealthCheckedAt time.Time             `json:"health_checked_at,omitempty" yaml:"health_checked_at,omitempty"`
}

type Bridge struct {
	opts    Options
	bus     *eventbus.Bus
	queue   *requestqueue.Queue
	request *requestchannel.Channel
	push    *pushchannel.Channel
	logger  zerolog.Logger

	mu        sync.Mutex
	started   bool
	destroyed bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func New(opts Options) (*Bridge, error) {
	if opts.PushURL == "" {
		u, err := PushURL(opts.BaseURL)
		if err != nil {
			return nil, errors.Wrap(err, "bridge: derive push url")
		}
		opts.PushURL = u
	}
	if opts.HealthInterval == 0 {
		opts.HealthInterval = DefaultHealthInterval
	}
	bus := opts.Bus
	if bus == nil {
		bus = eventbus.New()
	}

	queue := requestqueue.New(requestqueue.Options{
		MaxRetries: opts.QueueMaxRetries,
		BaseDelay:  opts.QueueBaseDelay,
		MaxDelay:   opts.QueueMaxDelay,
		Bus:        bus,
	})
	request, err := requestchannel.New(requestchannel.Options{
		BaseURL:        opts.BaseURL,
		Client:         opts.HTTPClient,
		RequestTimeout: opts.RequestTimeout,
		ServerRetries:  opts.ServerRetries,
		RetryBaseDelay: opts.RetryBaseDelay,
		Policy:         opts.RequestPolicy,
		Queue:          queue,
		Bus:            bus,
	})
	if err != nil {
		return nil, errors.Wrap(err, "bridge")
	}
	push, err := pushchannel.New(pushchannel.Options{
		URL:              opts.PushURL,
		HandshakeTimeout: opts.HandshakeTimeout,
		PingInterval:     opts.PingInterval,
		Policy:           opts.PushPolicy,
		Bus:              bus,
	})
	if err != nil {
		request.Close()
		return nil, errors.Wrap(err, "bridge")
	}

	return &Bridge{
		opts:    opts,
		bus:     bus,
		queue:   queue,
		request: request,
		push:    push,
		logger:  log.With().Str("component", "bridge").Str("base_url", opts.BaseURL).Logger(),
	}, nil
}

// Start checks the service once, opens the push channel and starts the health poller. An
// unreachable service is not an error: both channels keep recovering in the background.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return ErrDestroyed
	}
	if b.started {
		b.mu.Unlock()
		return ErrAlreadyStarted
	}
	b.started = true
	pollCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.mu.Unlock()

	if _, err := b.request.CheckHealth(ctx); err != nil {
		b.logger.Warn().Err(err).Msg("service not reachable at start")
	}
	if err := b.push.Open(ctx); err != nil {
		b.logger.Warn().Err(err).Msg("push channel not open at start")
	}

	if b.opts.HealthInterval > 0 {
		b.wg.Add(1)
		go b.pollHealth(pollCtx)
	}
	b.logger.Info().Str("push_url", b.opts.PushURL).Msg("bridge started")
	return nil
}

func (b *Bridge) pollHealth(ctx context.Context) {
	defer b.wg.Done()
	ticker := time.NewTicker(b.opts.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if b.request.State() == connstate.Reconnecting {
				continue
			}
			if _, err := b.request.CheckHealth(ctx); err != nil && ctx.Err() == nil {
				b.logger.Debug().Err(err).Msg("health poll failed")
			}
		}
	}
}

// Destroy stops the poller and both reconnection schedules, closes the push channel and
// clears the queue and every subscription. It is idempotent; nothing is emitted after it
// returns.
func (b *Bridge) Destroy() {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return
	}
	b.destroyed = true
	cancel := b.cancel
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	b.wg.Wait()
	b.push.Shutdown()
	b.request.Close()
	b.queue.Clear()
	b.bus.Close()
	b.logger.Info().Msg("bridge destroyed")
}

func (b *Bridge) isDestroyed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.destroyed
}

func (b *Bridge) Bus() *eventbus.Bus { return b.bus }

func (b *Bridge) On(event eventbus.Event, h eventbus.Handler) eventbus.Subscription {
	return b.bus.On(event, h)
}

func (b *Bridge) OnAll(h eventbus.WildcardHandler) eventbus.Subscription {
	return b.bus.OnAll(h)
}

func (b *Bridge) Off(sub eventbus.Subscription) { b.bus.Off(sub) }

// ConnectionStatus returns the aggregate of both channels.
func (b *Bridge) ConnectionStatus() Status {
	req := b.request.Snapshot()
	push := b.push.Snapshot()
	hs, at := b.request.Health()
	return Status{
		Request:         req,
		Push:            push,
		Reachable:       req.Connected || push.Connected,
		FullyConnected:  req.Connected && push.Connected,
		QueueSize:       b.queue.Len(),
		Health:          hs,
		HealthCheckedAt: at,
	}
}

// QueuedRequests lists the requests waiting for replay.
func (b *Bridge) QueuedRequests() []requestqueue.Request { return b.queue.Snapshot() }

// ForceReconnect probes both channels immediately and concurrently.
func (b *Bridge) ForceReconnect(ctx context.Context) error {
	if b.isDestroyed() {
		return ErrDestroyed
	}
	var g errgroup.Group
	g.Go(func() error {
		return errors.Wrap(b.request.ForceReconnect(ctx), "request channel")
	})
	g.Go(func() error {
		return errors.Wrap(b.push.ForceReconnect(ctx), "push channel")
	})
	return g.Wait()
}

// SendPushMessage forwards env over the push channel. It reports false when the channel is
// not open.
func (b *Bridge) SendPushMessage(env protocol.Envelope) bool {
	if b.isDestroyed() {
		return false
	}
	return b.push.Send(env)
}

func (b *Bridge) call(ctx context.Context, method protocol.Method, payload any, out any) error {
	if b.isDestroyed() {
		return fault.ChannelClosed(string(method), ErrDestroyed)
	}
	return b.request.Call(ctx, method, payload, out)
}

func (b *Bridge) do(ctx context.Context, ep protocol.Endpoint, out any) error {
	if b.isDestroyed() {
		return fault.ChannelClosed(ep.Name, ErrDestroyed)
	}
	return b.request.Do(ctx, ep, nil, out)
}
