package connstate

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/studiobridge/pkg/eventbus"
)

var ErrStopped = errors.New("reconnector stopped")

// Probe tests the liveness of a channel. A nil error means the channel is usable.
type Probe func(ctx context.Context) error

type Options struct {
	Channel string
	Policy  Policy
	Bus     *eventbus.Bus
	Probe   Probe
	// ProbeTimeout bounds a single scheduled probe. Zero leaves it to the probe.
	ProbeTimeout time.Duration
	// OnConnected runs, outside any lock, after every transition into Connected.
	OnConnected func()
}

// Reconnector is the per-channel state machine:
//
//	Disconnected -> Reconnecting -> Connected -> (failure) Reconnecting
//	Reconnecting -> GaveUp once the failure count exceeds Policy.MaxAttempts
//
// At most one probe is in flight at a time. A pending retry is a time.AfterFunc timer; any
// transition bumps a generation counter so stale timers and probes are discarded.
type Reconnector struct {
	opts   Options
	logger zerolog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc

	mu          sync.Mutex
	state       State
	count       int
	lastAttempt time.Time
	timer       *time.Timer
	gen         uint64
	stopped     bool
}

func New(opts Options) (*Reconnector, error) {
	if opts.Probe == nil {
		return nil, errors.New("reconnector: probe is nil")
	}
	if opts.Channel == "" {
		return nil, errors.New("reconnector: channel name is empty")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Reconnector{
		opts:    opts,
		logger:  log.With().Str("component", "connstate").Str("channel", opts.Channel).Logger(),
		baseCtx: ctx,
		cancel:  cancel,
	}, nil
}

func (r *Reconnector) Channel() string { return r.opts.Channel }

func (r *Reconnector) Policy() Policy { return r.opts.Policy }

func (r *Reconnector) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Reconnector) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{
		Channel:        r.opts.Channel,
		State:          r.state,
		Connected:      r.state == Connected,
		IsReconnecting: r.state == Reconnecting,
		ReconnectCount: r.count,
		LastAttemptAt:  r.lastAttempt,
	}
}

// Fail reports a detected failure. It starts the retry schedule unless one is already running,
// the channel gave up, or the reconnector was stopped.
func (r *Reconnector) Fail(cause error) {
	r.mu.Lock()
	if r.stopped || r.state == Reconnecting || r.state == GaveUp {
		r.mu.Unlock()
		return
	}
	prev := r.state
	r.state = Reconnecting
	r.count = 1
	delay := r.opts.Policy.Delay(r.count)
	r.scheduleLocked(delay)
	r.mu.Unlock()

	r.logger.Warn().Err(cause).Dur("delay", delay).Msg("channel failed, scheduling reconnect")
	if prev == Connected {
		r.emit(eventbus.Disconnected, Event{Err: cause})
	}
	r.emit(eventbus.Reconnecting, Event{Attempt: 1, Delay: delay, Err: cause})
}

// MarkConnected records a success observed outside the retry schedule, for example a request
// that went through. Any pending retry is cancelled.
func (r *Reconnector) MarkConnected() {
	r.mu.Lock()
	if r.stopped || r.state == Connected {
		r.mu.Unlock()
		return
	}
	recovered := r.state != Disconnected || r.count > 0
	r.setConnectedLocked()
	r.mu.Unlock()
	r.announceConnected(recovered)
}

// ForceReconnect cancels any pending retry, resets the failure count and probes immediately.
// A failed probe re-enters the automatic schedule, which also lifts a GaveUp state.
func (r *Reconnector) ForceReconnect(ctx context.Context) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return ErrStopped
	}
	prev := r.state
	r.stopTimerLocked()
	r.count = 0
	r.state = Reconnecting
	r.lastAttempt = time.Now()
	gen := r.gen
	r.mu.Unlock()

	r.logger.Info().Str("from", prev.String()).Msg("forced reconnect")
	err := r.opts.Probe(ctx)

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return ErrStopped
	}
	if gen != r.gen {
		// a concurrent MarkConnected already settled the state
		r.mu.Unlock()
		return err
	}
	if err == nil {
		r.setConnectedLocked()
		r.mu.Unlock()
		r.announceConnected(prev != Connected)
		return nil
	}
	r.count = 1
	delay := r.opts.Policy.Delay(r.count)
	r.scheduleLocked(delay)
	r.mu.Unlock()

	if prev == Connected {
		r.emit(eventbus.Disconnected, Event{Err: err})
	}
	r.emit(eventbus.Reconnecting, Event{Attempt: 1, Delay: delay, Err: err})
	return err
}

// Disconnect cancels any pending retry and settles in Disconnected without scheduling another
// attempt. It is used for caller-initiated closes.
func (r *Reconnector) Disconnect() {
	r.mu.Lock()
	if r.stopped || r.state == Disconnected {
		r.mu.Unlock()
		return
	}
	prev := r.state
	r.stopTimerLocked()
	r.state = Disconnected
	r.count = 0
	r.mu.Unlock()

	if prev == Connected {
		r.emit(eventbus.Disconnected, Event{})
	}
}

// Stop cancels the pending retry and any in-flight probe. No events are emitted afterwards.
func (r *Reconnector) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.stopTimerLocked()
	r.mu.Unlock()
	r.cancel()
}

func (r *Reconnector) Stopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

func (r *Reconnector) attempt(gen uint64) {
	r.mu.Lock()
	if r.stopped || gen != r.gen || r.state != Reconnecting {
		r.mu.Unlock()
		return
	}
	r.timer = nil
	r.lastAttempt = time.Now()
	attempt := r.count
	r.mu.Unlock()

	ctx := r.baseCtx
	if r.opts.ProbeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.ProbeTimeout)
		defer cancel()
	}
	err := r.opts.Probe(ctx)

	r.mu.Lock()
	if r.stopped || gen != r.gen {
		r.mu.Unlock()
		return
	}
	if err == nil {
		r.setConnectedLocked()
		r.mu.Unlock()
		r.logger.Info().Int("attempt", attempt).Msg("reconnected")
		r.announceConnected(true)
		return
	}

	r.count++
	limit := r.opts.Policy.MaxAttempts
	if limit > 0 && r.count > limit {
		r.state = GaveUp
		count := r.count
		r.mu.Unlock()
		r.logger.Error().Err(err).Int("attempts", count-1).Msg("giving up on reconnect")
		r.emit(eventbus.MaxReconnectAttemptsReached, Event{Attempt: count, Err: err})
		return
	}
	delay := r.opts.Policy.Delay(r.count)
	count := r.count
	r.scheduleLocked(delay)
	r.mu.Unlock()

	r.logger.Debug().Err(err).Int("attempt", count).Dur("delay", delay).Msg("reconnect attempt failed")
	r.emit(eventbus.Reconnecting, Event{Attempt: count, Delay: delay, Err: err})
}

func (r *Reconnector) setConnectedLocked() {
	r.stopTimerLocked()
	r.state = Connected
	r.count = 0
}

func (r *Reconnector) announceConnected(recovered bool) {
	r.emit(eventbus.Connected, Event{})
	if recovered {
		r.emit(eventbus.Reconnected, Event{})
	}
	if r.opts.OnConnected != nil && !r.Stopped() {
		r.opts.OnConnected()
	}
}

func (r *Reconnector) scheduleLocked(delay time.Duration) {
	r.stopTimerLocked()
	gen := r.gen
	r.timer = time.AfterFunc(delay, func() { r.attempt(gen) })
}

// stopTimerLocked invalidates the pending timer and in-flight probe by bumping the generation.
func (r *Reconnector) stopTimerLocked() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.gen++
}

func (r *Reconnector) emit(ev eventbus.Event, payload Event) {
	if r.Stopped() {
		return
	}
	payload.Channel = r.opts.Channel
	payload.MaxAttempts = r.opts.Policy.MaxAttempts
	r.opts.Bus.Emit(ev, payload)
}
