package protocol

import (
	"math"
	"net/http"
	"net/url"
	"strconv"

	"github.com/pkg/errors"
)

// TransportState is the playback state reported by GET /transport/status and pushed as
// transport_state envelopes.
type TransportState struct {
	IsPlaying       bool    `json:"is_playing"`
	PositionSeconds float64 `json:"position_seconds,omitempty"`
	BPM             float64 `json:"bpm,omitempty"`
	LoopEnabled     bool    `json:"loop_enabled,omitempty"`
	LoopStart       float64 `json:"loop_start_seconds,omitempty"`
	LoopEnd         float64 `json:"loop_end_seconds,omitempty"`
}

func TransportStatusEndpoint() Endpoint {
	return Endpoint{Name: "transport.status", Verb: http.MethodGet, Path: "/transport/status"}
}

func TransportPlayEndpoint() Endpoint {
	return Endpoint{Name: "transport.play", Verb: http.MethodPost, Path: "/transport/play"}
}

func TransportStopEndpoint() Endpoint {
	return Endpoint{Name: "transport.stop", Verb: http.MethodPost, Path: "/transport/stop"}
}

func TransportSeekEndpoint(seconds float64) (Endpoint, error) {
	if !finite(seconds) || seconds < 0 {
		return Endpoint{}, errors.New("seek position must be finite and not negative")
	}
	return Endpoint{
		Name:  "transport.seek",
		Verb:  http.MethodGet,
		Path:  "/transport/seek",
		Query: url.Values{"seconds": {formatFloat(seconds)}},
	}, nil
}

func TransportTempoEndpoint(bpm float64) (Endpoint, error) {
	if !finite(bpm) || bpm <= 0 || bpm > 999 {
		return Endpoint{}, errors.Errorf("tempo %v out of range", bpm)
	}
	return Endpoint{
		Name:  "transport.tempo",
		Verb:  http.MethodPost,
		Path:  "/transport/tempo",
		Query: url.Values{"bpm": {formatFloat(bpm)}},
	}, nil
}

func TransportLoopEndpoint(enabled bool, start, end float64) (Endpoint, error) {
	if !finite(start) || !finite(end) || start < 0 || end < 0 {
		return Endpoint{}, errors.New("loop bounds must be finite and not negative")
	}
	if enabled && end <= start {
		return Endpoint{}, errors.New("loop end must be after loop start")
	}
	return Endpoint{
		Name: "transport.loop",
		Verb: http.MethodPost,
		Path: "/transport/loop",
		Query: url.Values{
			"enabled":       {strconv.FormatBool(enabled)},
			"start_seconds": {formatFloat(start)},
			"end_seconds":   {formatFloat(end)},
		},
	}, nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
