// Package connstate tracks the liveness of one channel and runs its reconnection schedule.
//
// Every channel owns its own Reconnector; schedules never share state across channels.
package connstate

import (
	"encoding/json"
	"time"
)

type State int

const (
	Disconnected State = iota
	Reconnecting
	Connected
	GaveUp
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Reconnecting:
		return "reconnecting"
	case Connected:
		return "connected"
	case GaveUp:
		return "gave_up"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Policy bounds the reconnection schedule of a channel.
type Policy struct {
	// MaxAttempts is the number of consecutive failures tolerated before giving up.
	// Zero or less retries forever.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Delay returns the wait before the retry following the n-th consecutive failure:
// min(BaseDelay * 2^(n-1), MaxDelay).
func (p Policy) Delay(n int) time.Duration {
	return ExponentialDelay(p.BaseDelay, p.MaxDelay, n-1)
}

// ExponentialDelay returns min(base * 2^exp, limit). A non-positive limit means no cap.
func ExponentialDelay(base, limit time.Duration, exp int) time.Duration {
	if base <= 0 {
		return 0
	}
	if exp < 0 {
		exp = 0
	}
	d := base
	for i := 0; i < exp; i++ {
		if limit > 0 && d >= limit {
			return limit
		}
		if d > time.Duration(1<<62)/2 {
			break
		}
		d *= 2
	}
	if limit > 0 && d > limit {
		return limit
	}
	return d
}

// Snapshot is a point-in-time copy of a channel's connection bookkeeping.
type Snapshot struct {
	Channel        string    `json:"channel" yaml:"channel"`
	State          State     `json:"state" yaml:"state"`
	Connected      bool      `json:"connected" yaml:"connected"`
	IsReconnecting bool      `json:"is_reconnecting" yaml:"is_reconnecting"`
	ReconnectCount int       `json:"reconnect_count" yaml:"reconnect_count"`
	LastAttemptAt  time.Time `json:"last_attempt_at,omitempty" yaml:"last_attempt_at,omitempty"`
}

// Event is the payload of every connection lifecycle event.
type Event struct {
	Channel     string
	Attempt     int
	MaxAttempts int
	Delay       time.Duration
	Err         error
}

// MarshalJSON renders Err as its message and Delay in milliseconds.
func (e Event) MarshalJSON() ([]byte, error) {
	out := struct {
		Channel     string `json:"channel"`
		Attempt     int    `json:"attempt,omitempty"`
		MaxAttempts int    `json:"max_attempts,omitempty"`
		DelayMs     int64  `json:"delay_ms,omitempty"`
		Error       string `json:"error,omitempty"`
	}{
		Channel:     e.Channel,
		Attempt:     e.Attempt,
		MaxAttempts: e.MaxAttempts,
		DelayMs:     e.Delay.Milliseconds(),
	}
	if e.Err != nil {
		out.Error = e.Err.Error()
	}
	return json.Marshal(out)
}
