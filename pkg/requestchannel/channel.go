// Package requestchannel performs JSON request/response calls against the remote service.
//
// A call that fails at the network level is queued for replay and starts the channel's
// reconnection schedule; a 5xx answer is retried in-process first. The channel drains its queue
// every time it transitions to Connected.
package requestchannel

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/studiobridge/pkg/connstate"
	"github.com/go-go-golems/studiobridge/pkg/eventbus"
	"github.com/go-go-golems/studiobridge/pkg/fault"
	"github.com/go-go-golems/studiobridge/pkg/protocol"
	"github.com/go-go-golems/studiobridge/pkg/requestqueue"
)

const ChannelName = "request"

const (
	DefaultRequestTimeout = 10 * time.Second
	DefaultServerRetries  = 3
	DefaultRetryBaseDelay = time.Second

	maxBodyBytes = 8 << 20
)

// HealthStatusUnreachable is recorded as the health status while the service cannot be reached.
const HealthStatusUnreachable = "unreachable"

type Options struct {
	BaseURL string
	// Client defaults to a fresh http.Client. Per-attempt deadlines come from RequestTimeout.
	Client         *http.Client
	RequestTimeout time.Duration
	// ServerRetries is the number of in-process retries after a 5xx answer.
	ServerRetries int
	// RetryBaseDelay is the wait before the first 5xx retry; it doubles on every retry.
	RetryBaseDelay time.Duration
	Policy         connstate.Policy
	Queue          *requestqueue.Queue
	Bus            *eventbus.Bus
}

// HealthEvent is the payload of eventbus.HealthChanged.
type HealthEvent struct {
	Previous string                `json:"previous"`
	Current  protocol.HealthStatus `json:"current"`
}

type Channel struct {
	opts   Options
	base   *url.URL
	client *http.Client
	reconn *connstate.Reconnector
	queue  *requestqueue.Queue
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	health    protocol.HealthStatus
	checkedAt time.Time
	closed    bool
}

func New(opts Options) (*Channel, error) {
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "request channel: parse base url")
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, errors.Errorf("request channel: unsupported scheme %q", base.Scheme)
	}
	if opts.Queue == nil {
		return nil, errors.New("request channel: queue is nil")
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.ServerRetries < 0 {
		opts.ServerRetries = 0
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = DefaultRetryBaseDelay
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		opts:   opts,
		base:   base,
		client: client,
		queue:  opts.Queue,
		logger: log.With().Str("component", "requestchannel").Str("base_url", base.String()).Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
	c.reconn, err = connstate.New(connstate.Options{
		Channel:      ChannelName,
		Policy:       opts.Policy,
		Bus:          opts.Bus,
		Probe:        c.Probe,
		ProbeTimeout: opts.RequestTimeout,
		OnConnected:  c.startDrain,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	return c, nil
}

func (c *Channel) Snapshot() connstate.Snapshot { return c.reconn.Snapshot() }

func (c *Channel) State() connstate.State { return c.reconn.State() }

func (c *Channel) Queue() *requestqueue.Queue { return c.queue }

// Health returns the last health status and when it was observed.
func (c *Channel) Health() (protocol.HealthStatus, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.health, c.checkedAt
}

// Call invokes a queueable method. payload is marshalled once; out receives the decoded body.
func (c *Channel) Call(ctx context.Context, method protocol.Method, payload any, out any) error {
	ep, err := method.Endpoint()
	if err != nil {
		return fault.Invalid(string(method), "%v", err)
	}
	doc, err := protocol.NewDocument(payload)
	if err != nil {
		return fault.Invalid(ep.Name, "%v", err)
	}
	return c.exchange(ctx, ep, method, doc, out)
}

// Do invokes an endpoint that is never queued, such as transport control.
func (c *Channel) Do(ctx context.Context, ep protocol.Endpoint, payload any, out any) error {
	var doc protocol.Document
	if payload != nil {
		var err error
		if doc, err = protocol.NewDocument(payload); err != nil {
			return fault.Invalid(ep.Name, "%v", err)
		}
	}
	return c.exchange(ctx, ep, "", doc, out)
}

// exchange runs the call-time probe, the in-process 5xx retries, and the failure policy.
// An empty method marks the call as not queueable.
func (c *Channel) exchange(ctx context.Context, ep protocol.Endpoint, method protocol.Method, body protocol.Document, out any) error {
	if c.isClosed() {
		return fault.Unreachable(ep.Name, errors.New("request channel closed"))
	}
	if c.reconn.State() != connstate.Connected {
		if err := c.Probe(ctx); err != nil {
			if ctx.Err() != nil {
				return fault.FromTransport(ep.Name, ctx.Err())
			}
			return c.networkFailure(ep.Name, method, body, fault.Unreachable(ep.Name, err))
		}
		c.reconn.MarkConnected()
	}

	err := c.sendWithRetry(ctx, ep, body, out)
	if err == nil {
		c.reconn.MarkConnected()
		return nil
	}
	if ctx.Err() != nil {
		return fault.FromTransport(ep.Name, ctx.Err())
	}

	var fe *fault.Error
	if !errors.As(err, &fe) {
		fe = fault.FromTransport(ep.Name, err)
	}
	switch {
	case fe.Network():
		return c.networkFailure(ep.Name, method, body, fe)
	case fe.Retryable():
		c.logger.Warn().Err(fe).Str("endpoint", ep.Name).Int("retries", c.opts.ServerRetries).Msg("server error persisted, queueing")
		c.enqueue(method, body)
		c.reconn.Fail(fe)
		return fe
	default:
		return fe
	}
}

func (c *Channel) networkFailure(op string, method protocol.Method, body protocol.Document, fe *fault.Error) error {
	c.logger.Warn().Err(fe).Str("endpoint", op).Msg("request channel unreachable")
	c.recordHealth(protocol.HealthStatus{Status: HealthStatusUnreachable})
	c.enqueue(method, body)
	c.reconn.Fail(fe)
	return fe
}

func (c *Channel) enqueue(method protocol.Method, body protocol.Document) {
	if method == "" {
		return
	}
	if _, err := c.queue.Enqueue(method, body); err != nil {
		c.logger.Error().Err(err).Str("method", string(method)).Msg("could not queue request")
	}
}

func (c *Channel) sendWithRetry(ctx context.Context, ep protocol.Endpoint, body protocol.Document, out any) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.RetryBaseDelay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = c.opts.RetryBaseDelay << uint(c.opts.ServerRetries)
	b.MaxElapsedTime = 0
	b.Reset()

	attempt := 0
	op := func() error {
		attempt++
		err := c.send(ctx, ep, body, out)
		if err == nil {
			return nil
		}
		var fe *fault.Error
		if errors.As(err, &fe) && fe.Retryable() {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Debug().Err(err).Str("endpoint", ep.Name).Int("attempt", attempt).Dur("wait", wait).Msg("retrying after server error")
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.opts.ServerRetries)), ctx)
	return backoff.RetryNotify(op, policy, notify)
}

// send performs one HTTP attempt bounded by RequestTimeout.
func (c *Channel) send(ctx context.Context, ep protocol.Endpoint, body protocol.Document, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	var rdr io.Reader
	if len(body) > 0 {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, ep.Verb, ep.URL(c.base), rdr)
	if err != nil {
		return fault.Invalid(ep.Name, "%v", err)
	}
	req.Header.Set("Accept", "application/json")
	if rdr != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fault.FromTransport(ep.Name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fault.FromTransport(ep.Name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fault.Remote(ep.Name, resp.StatusCode, errors.New(remoteMessage(data, resp.Status)))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fault.Malformed(ep.Name, err)
	}
	return nil
}

// remoteMessage extracts a human readable message from an error body.
func remoteMessage(data []byte, fallback string) string {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	if json.Unmarshal(data, &body) == nil {
		for _, s := range []string{body.Error, body.Message, body.Detail} {
			if s != "" {
				return s
			}
		}
	}
	if msg := string(bytes.TrimSpace(data)); msg != "" && len(msg) <= 256 {
		return msg
	}
	return fallback
}

// Probe performs GET /health and records the reported status. It does not move the state
// machine; it is the probe run by the reconnection schedule.
func (c *Channel) Probe(ctx context.Context) error {
	var hs protocol.HealthStatus
	if err := c.send(ctx, protocol.HealthEndpoint, nil, &hs); err != nil {
		var fe *fault.Error
		if errors.As(err, &fe) && fe.Network() {
			c.recordHealth(protocol.HealthStatus{Status: HealthStatusUnreachable})
		}
		return err
	}
	c.recordHealth(hs)
	if !hs.Healthy() {
		return fault.Remote(protocol.HealthEndpoint.Name, http.StatusServiceUnavailable,
			errors.Errorf("service reports status %q", hs.Status))
	}
	return nil
}

// CheckHealth probes the service and feeds the outcome into the state machine: a success
// marks the channel connected, a failure while connected starts the reconnection schedule.
func (c *Channel) CheckHealth(ctx context.Context) (protocol.HealthStatus, error) {
	err := c.Probe(ctx)
	hs, _ := c.Health()
	if err == nil {
		c.reconn.MarkConnected()
		return hs, nil
	}
	if ctx.Err() == nil {
		c.reconn.Fail(err)
	}
	return hs, err
}

func (c *Channel) recordHealth(hs protocol.HealthStatus) {
	c.mu.Lock()
	prev := c.health.Status
	c.health = hs
	c.checkedAt = time.Now()
	closed := c.closed
	c.mu.Unlock()

	if prev != hs.Status && !closed {
		c.logger.Info().Str("from", prev).Str("to", hs.Status).Msg("health status changed")
		c.opts.Bus.Emit(eventbus.HealthChanged, HealthEvent{Previous: prev, Current: hs})
	}
}

// Replay delivers one queued request: a single attempt, never queued again. A network failure
// starts the reconnection schedule and halts the drain cycle.
func (c *Channel) Replay(ctx context.Context, req requestqueue.Request) error {
	if c.reconn.State() != connstate.Connected {
		return requestqueue.ErrHalt
	}
	ep, err := req.Method.Endpoint()
	if err != nil {
		return err
	}
	err = c.send(ctx, ep, req.Payload, nil)
	if err == nil {
		return nil
	}
	var fe *fault.Error
	if errors.As(err, &fe) && fe.Network() && ctx.Err() == nil {
		c.reconn.Fail(fe)
		return errors.Wrap(requestqueue.ErrHalt, fe.Error())
	}
	return err
}

// Drain replays the queue in the foreground.
func (c *Channel) Drain(ctx context.Context) (requestqueue.DrainResult, error) {
	return c.queue.Drain(ctx, c.Replay)
}

func (c *Channel) startDrain() {
	if c.queue.Len() == 0 {
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()
	go func() {
		defer c.wg.Done()
		for {
			res, err := c.queue.Drain(c.ctx, c.Replay)
			switch {
			case errors.Is(err, requestqueue.ErrDrainInProgress):
				c.logger.Debug().Msg("drain already running, it will run again")
				return
			case err != nil && c.ctx.Err() == nil:
				c.logger.Warn().Err(err).Msg("drain aborted")
				return
			case err != nil:
				return
			}
			c.logger.Debug().Int("replayed", res.Replayed).Int("failed", res.Failed).
				Int("dropped", res.Dropped).Int("remaining", res.Remaining).Msg("drain finished")
			// a recovery during the cycle queued requests outside its batch
			if !res.Rerun || res.Remaining == 0 || c.reconn.State() != connstate.Connected {
				return
			}
		}
	}()
}

// ForceReconnect resets the failure count and probes immediately.
func (c *Channel) ForceReconnect(ctx context.Context) error {
	return c.reconn.ForceReconnect(ctx)
}

func (c *Channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close stops the reconnection schedule, cancels a running drain and waits for it.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.reconn.Stop()
	c.cancel()
	c.wg.Wait()
}
