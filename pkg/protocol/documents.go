package protocol

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Document is an opaque JSON value passed through to the remote service untouched. Inputs are
// checked once, on entry, to be JSON objects.
type Document = json.RawMessage

// NewDocument marshals v into a Document.
func NewDocument(v any) (Document, error) {
	if v == nil {
		return nil, nil
	}
	if d, ok := v.(Document); ok {
		return d, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "marshal document")
	}
	return b, nil
}

// ValidateObject accepts an empty document or one holding a JSON object.
func ValidateObject(field string, d Document) error {
	trimmed := bytes.TrimSpace(d)
	if len(trimmed) == 0 {
		return nil
	}
	if !json.Valid(trimmed) {
		return errors.Errorf("%s is not valid JSON", field)
	}
	if trimmed[0] != '{' {
		return errors.Errorf("%s must be a JSON object", field)
	}
	return nil
}

type ChatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversationId"`
	Perspective    string `json:"perspective,omitempty"`
}

// Normalize validates the request and fills in a conversation id when missing.
func (r *ChatRequest) Normalize() error {
	if strings.TrimSpace(r.Message) == "" {
		return errors.New("message is empty")
	}
	if strings.TrimSpace(r.ConversationID) == "" {
		r.ConversationID = uuid.NewString()
	}
	return nil
}

type ChatResponse struct {
	Response   string  `json:"response"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source"`
}

const (
	DefaultSuggestionLimit = 5
	MaxSuggestionLimit     = 50
)

type SuggestRequest struct {
	Context Document `json:"context"`
	Limit   int      `json:"limit"`
}

func (r *SuggestRequest) Normalize() error {
	if err := ValidateObject("context", r.Context); err != nil {
		return err
	}
	if len(bytes.TrimSpace(r.Context)) == 0 {
		r.Context = Document("{}")
	}
	switch {
	case r.Limit == 0:
		r.Limit = DefaultSuggestionLimit
	case r.Limit < 0 || r.Limit > MaxSuggestionLimit:
		return errors.Errorf("limit must be between 1 and %d", MaxSuggestionLimit)
	}
	return nil
}

type SuggestResponse struct {
	Suggestions []Document `json:"suggestions"`
	Timestamp   Document   `json:"timestamp,omitempty"`
}

type AnalyzeRequest struct {
	AudioData    Document `json:"audioData,omitempty"`
	AnalysisType string   `json:"analysisType"`
}

func (r *AnalyzeRequest) Normalize() error {
	if strings.TrimSpace(r.AnalysisType) == "" {
		return errors.New("analysisType is empty")
	}
	return ValidateObject("audioData", r.AudioData)
}

type AnalyzeResponse struct {
	AnalysisType    string     `json:"analysisType"`
	Results         Document   `json:"results"`
	Recommendations []Document `json:"recommendations"`
	Score           float64    `json:"score"`
}

// ProcessTypeSyncState is the process type used to push client state to the service.
const ProcessTypeSyncState = "sync_state"

type ProcessRequest struct {
	ID      string   `json:"id"`
	Type    string   `json:"type"`
	Payload Document `json:"payload"`
}

func (r *ProcessRequest) Normalize() error {
	if strings.TrimSpace(r.Type) == "" {
		return errors.New("type is empty")
	}
	if err := ValidateObject("payload", r.Payload); err != nil {
		return err
	}
	if len(bytes.TrimSpace(r.Payload)) == 0 {
		r.Payload = Document("{}")
	}
	if strings.TrimSpace(r.ID) == "" {
		r.ID = uuid.NewString()
	}
	return nil
}

type ProcessResponse struct {
	ID     string   `json:"id"`
	Type   string   `json:"type"`
	Data   Document `json:"data"`
	Status string   `json:"status"`
}

// HealthStatus is the decoded /health document. Fields other than status are kept in
// Capabilities so callers can look at remote feature flags.
type HealthStatus struct {
	Status       string         `json:"status"`
	Capabilities map[string]any `json:"-"`
}

func (h *HealthStatus) UnmarshalJSON(b []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if s, ok := raw["status"].(string); ok {
		h.Status = s
	}
	delete(raw, "status")
	h.Capabilities = raw
	return nil
}

func (h HealthStatus) MarshalJSON() ([]byte, error) {
	out := map[string]any{}
	for k, v := range h.Capabilities {
		out[k] = v
	}
	out["status"] = h.Status
	return json.Marshal(out)
}

// Healthy reports whether the service declared itself usable.
func (h HealthStatus) Healthy() bool {
	switch strings.ToLower(h.Status) {
	case "ok", "healthy", "up", "ready":
		return true
	}
	return false
}

// Flag returns a boolean capability flag.
func (h HealthStatus) Flag(name string) bool {
	v, ok := h.Capabilities[name].(bool)
	return ok && v
}
