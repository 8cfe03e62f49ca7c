package protocol

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// Push envelope types sent by the service.
const (
	PushTransportState   = "transport_state"
	PushSuggestion       = "suggestion"
	PushAnalysisComplete = "analysis_complete"
	PushStateUpdate      = "state_update"
	PushServerStatus     = "server_status"
	PushConnected        = "connected"
	PushError            = "error"
)

// Envelope wraps every push-channel frame, in both directions.
type Envelope struct {
	Type string   `json:"type"`
	Data Document `json:"data,omitempty"`
}

// NewEnvelope builds an outbound envelope from an arbitrary payload.
func NewEnvelope(typ string, data any) (Envelope, error) {
	if strings.TrimSpace(typ) == "" {
		return Envelope{}, errors.New("envelope type is empty")
	}
	doc, err := NewDocument(data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: typ, Data: doc}, nil
}

// DecodeEnvelope parses an inbound frame. Frames without a type are rejected.
func DecodeEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, errors.Wrap(err, "decode envelope")
	}
	if strings.TrimSpace(env.Type) == "" {
		return Envelope{}, errors.New("envelope has no type")
	}
	return env, nil
}

// ErrorPayload is the data of an error envelope.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}
