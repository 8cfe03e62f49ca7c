// Package requestqueue holds request-channel calls that could not be delivered and replays them
// once the channel recovers.
//
// The queue lives in memory only. Requests still queued when the process exits are lost.
package requestqueue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/studiobridge/pkg/connstate"
	"github.com/go-go-golems/studiobridge/pkg/eventbus"
	"github.com/go-go-golems/studiobridge/pkg/protocol"
)

const (
	DefaultMaxRetries = 5
	DefaultBaseDelay  = time.Second
	DefaultMaxDelay   = 30 * time.Second
)

// ErrDrainInProgress is returned by Drain while another drain is running.
var ErrDrainInProgress = errors.New("drain already in progress")

// ErrHalt, returned by a Replay, ends the drain cycle without charging a retry to the request.
var ErrHalt = errors.New("drain halted")

// Request is a call waiting to be replayed.
type Request struct {
	ID         string            `json:"id" yaml:"id"`
	Method     protocol.Method   `json:"method" yaml:"method"`
	Payload    protocol.Document `json:"payload" yaml:"-"`
	EnqueuedAt time.Time         `json:"enqueued_at" yaml:"enqueued_at"`
	Retries    int               `json:"retries" yaml:"retries"`
}

// QueueUpdate is the payload of eventbus.QueueUpdated.
type QueueUpdate struct {
	Size int `json:"size"`
}

// FailedEvent is the payload of eventbus.RequestFailed.
type FailedEvent struct {
	ID      string
	Method  protocol.Method
	Retries int
	Err     error
}

func (f FailedEvent) MarshalJSON() ([]byte, error) {
	out := struct {
		ID      string          `json:"id"`
		Method  protocol.Method `json:"method"`
		Retries int             `json:"retries"`
		Error   string          `json:"error,omitempty"`
	}{ID: f.ID, Method: f.Method, Retries: f.Retries}
	if f.Err != nil {
		out.Error = f.Err.Error()
	}
	return json.Marshal(out)
}

// Replay delivers one queued request. A nil error removes it from the queue.
type Replay func(ctx context.Context, req Request) error

type Options struct {
	// MaxRetries is the number of failed replays a request survives. The request is dropped
	// on the failure that takes it past this ceiling.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Bus        *eventbus.Bus
}

// DrainResult summarizes a single drain cycle.
type DrainResult struct {
	Replayed  int
	Failed    int
	Dropped   int
	Remaining int
	// Rerun is set when another drain was requested while this cycle ran.
	Rerun bool
}

type Queue struct {
	opts   Options
	logger zerolog.Logger

	mu       sync.Mutex
	items    []*Request
	draining bool
	rerun    bool
}

func New(opts Options) *Queue {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.BaseDelay < 0 {
		opts.BaseDelay = 0
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = DefaultMaxDelay
	}
	return &Queue{
		opts:   opts,
		logger: log.With().Str("component", "requestqueue").Logger(),
	}
}

// Enqueue stores a request for later replay.
func (q *Queue) Enqueue(method protocol.Method, payload protocol.Document) (Request, error) {
	if !method.Valid() {
		return Request{}, errors.Errorf("method %q is not queueable", string(method))
	}
	req := &Request{
		ID:         uuid.NewString(),
		Method:     method,
		Payload:    append(protocol.Document(nil), payload...),
		EnqueuedAt: time.Now(),
	}
	q.mu.Lock()
	q.items = append(q.items, req)
	size := len(q.items)
	q.mu.Unlock()

	q.logger.Debug().Str("request_id", req.ID).Str("method", string(method)).Int("size", size).Msg("request queued")
	q.opts.Bus.Emit(eventbus.QueueUpdated, QueueUpdate{Size: size})
	return *req, nil
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot returns copies of the queued requests, oldest first.
func (q *Queue) Snapshot() []Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	ret := make([]Request, 0, len(q.items))
	for _, r := range q.items {
		ret = append(ret, *r)
	}
	return ret
}

// Clear drops every queued request without reporting them as failed.
func (q *Queue) Clear() {
	q.mu.Lock()
	n := len(q.items)
	q.items = nil
	q.mu.Unlock()
	if n > 0 {
		q.opts.Bus.Emit(eventbus.QueueUpdated, QueueUpdate{Size: 0})
	}
}

// Draining reports whether a drain cycle is running.
func (q *Queue) Draining() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.draining
}

// Delay is the wait before replaying a request that already failed retries times.
func (q *Queue) Delay(retries int) time.Duration {
	return connstate.ExponentialDelay(q.opts.BaseDelay, q.opts.MaxDelay, retries)
}

// Drain replays every request queued when the cycle starts, oldest first. Requests enqueued
// during the cycle wait for the next one. A Drain rejected with ErrDrainInProgress marks the
// running cycle's result with Rerun. Cancelling ctx stops the cycle without charging a retry to
// the request being waited on.
func (q *Queue) Drain(ctx context.Context, replay Replay) (res DrainResult, err error) {
	q.mu.Lock()
	if q.draining {
		q.rerun = true
		q.mu.Unlock()
		return DrainResult{}, ErrDrainInProgress
	}
	q.draining = true
	batch := make([]string, 0, len(q.items))
	for _, r := range q.items {
		batch = append(batch, r.ID)
	}
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.draining = false
		res.Rerun = q.rerun
		q.rerun = false
		q.mu.Unlock()
	}()

	if len(batch) > 0 {
		q.logger.Info().Int("size", len(batch)).Msg("draining request queue")
	}
	for _, id := range batch {
		req, ok := q.get(id)
		if !ok {
			continue
		}
		if err := sleep(ctx, q.Delay(req.Retries)); err != nil {
			res.Remaining = q.Len()
			return res, err
		}
		if _, ok := q.get(id); !ok {
			continue
		}

		err := replay(ctx, req)
		if errors.Is(err, ErrHalt) {
			q.logger.Debug().Str("request_id", id).Msg("drain halted by replay")
			res.Remaining = q.Len()
			return res, nil
		}
		if err != nil && ctx.Err() != nil {
			res.Remaining = q.Len()
			return res, ctx.Err()
		}
		switch q.settle(id, err) {
		case outcomeReplayed:
			res.Replayed++
		case outcomeRetained:
			res.Failed++
		case outcomeDropped:
			res.Failed++
			res.Dropped++
		}
	}
	res.Remaining = q.Len()
	return res, nil
}

type outcome int

const (
	outcomeGone outcome = iota
	outcomeReplayed
	outcomeRetained
	outcomeDropped
)

func (q *Queue) settle(id string, replayErr error) outcome {
	q.mu.Lock()
	idx := q.indexLocked(id)
	if idx < 0 {
		q.mu.Unlock()
		return outcomeGone
	}
	req := q.items[idx]
	if replayErr == nil {
		q.removeLocked(idx)
		size := len(q.items)
		q.mu.Unlock()
		q.logger.Debug().Str("request_id", id).Int("size", size).Msg("queued request replayed")
		q.opts.Bus.Emit(eventbus.QueueUpdated, QueueUpdate{Size: size})
		return outcomeReplayed
	}

	req.Retries++
	if req.Retries <= q.opts.MaxRetries {
		retries := req.Retries
		q.mu.Unlock()
		q.logger.Debug().Err(replayErr).Str("request_id", id).Int("retries", retries).Msg("queued request replay failed")
		return outcomeRetained
	}
	failed := FailedEvent{ID: req.ID, Method: req.Method, Retries: req.Retries, Err: replayErr}
	q.removeLocked(idx)
	size := len(q.items)
	q.mu.Unlock()

	q.logger.Warn().Err(replayErr).Str("request_id", id).Str("method", string(failed.Method)).
		Int("retries", failed.Retries).Msg("queued request dropped after retry ceiling")
	q.opts.Bus.Emit(eventbus.RequestFailed, failed)
	q.opts.Bus.Emit(eventbus.QueueUpdated, QueueUpdate{Size: size})
	return outcomeDropped
}

func (q *Queue) get(id string) (Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := q.indexLocked(id)
	if idx < 0 {
		return Request{}, false
	}
	return *q.items[idx], true
}

func (q *Queue) indexLocked(id string) int {
	for i, r := range q.items {
		if r.ID == id {
			return i
		}
	}
	return -1
}

func (q *Queue) removeLocked(idx int) {
	q.items = append(q.items[:idx:idx], q.items[idx+1:]...)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
