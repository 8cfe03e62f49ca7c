package bridge

import (
	"context"

	"github.com/go-go-golems/studiobridge/pkg/fault"
	"github.com/go-go-golems/studiobridge/pkg/protocol"
)

// Chat sends a conversational query. An empty conversation id is generated.
func (b *Bridge) Chat(ctx context.Context, req protocol.ChatRequest) (protocol.ChatResponse, error) {
	var out protocol.ChatResponse
	if err := req.Normalize(); err != nil {
		return out, fault.Invalid(string(protocol.MethodChat), "%v", err)
	}
	err := b.call(ctx, protocol.MethodChat, req, &out)
	return out, err
}

// Suggest fetches suggestions for the given context.
func (b *Bridge) Suggest(ctx context.Context, req protocol.SuggestRequest) (protocol.SuggestResponse, error) {
	var out protocol.SuggestResponse
	if err := req.Normalize(); err != nil {
		return out, fault.Invalid(string(protocol.MethodSuggest), "%v", err)
	}
	err := b.call(ctx, protocol.MethodSuggest, req, &out)
	return out, err
}

// Analyze submits audio metrics for analysis.
func (b *Bridge) Analyze(ctx context.Context, req protocol.AnalyzeRequest) (protocol.AnalyzeResponse, error) {
	var out protocol.AnalyzeResponse
	if err := req.Normalize(); err != nil {
		return out, fault.Invalid(string(protocol.MethodAnalyze), "%v", err)
	}
	err := b.call(ctx, protocol.MethodAnalyze, req, &out)
	return out, err
}

// Process runs a generic process request.
func (b *Bridge) Process(ctx context.Context, req protocol.ProcessRequest) (protocol.ProcessResponse, error) {
	var out protocol.ProcessResponse
	if err := req.Normalize(); err != nil {
		return out, fault.Invalid(string(protocol.MethodProcess), "%v", err)
	}
	err := b.call(ctx, protocol.MethodProcess, req, &out)
	return out, err
}

// SyncState pushes the client's state document to the service.
func (b *Bridge) SyncState(ctx context.Context, state protocol.Document) (protocol.ProcessResponse, error) {
	if err := protocol.ValidateObject("state", state); err != nil {
		return protocol.ProcessResponse{}, fault.Invalid(protocol.ProcessTypeSyncState, "%v", err)
	}
	return b.Process(ctx, protocol.ProcessRequest{Type: protocol.ProcessTypeSyncState, Payload: state})
}

// Health probes the service and returns its status and capability flags.
func (b *Bridge) Health(ctx context.Context) (protocol.HealthStatus, error) {
	if b.isDestroyed() {
		return protocol.HealthStatus{}, fault.ChannelClosed(protocol.HealthEndpoint.Name, ErrDestroyed)
	}
	return b.request.CheckHealth(ctx)
}

func (b *Bridge) TransportStatus(ctx context.Context) (protocol.TransportState, error) {
	var ts protocol.TransportState
	err := b.do(ctx, protocol.TransportStatusEndpoint(), &ts)
	return ts, err
}

func (b *Bridge) Play(ctx context.Context) (protocol.TransportState, error) {
	var ts protocol.TransportState
	err := b.do(ctx, protocol.TransportPlayEndpoint(), &ts)
	return ts, err
}

// Stop halts playback. It does not affect the bridge lifecycle; see Destroy.
func (b *Bridge) Stop(ctx context.Context) (protocol.TransportState, error) {
	var ts protocol.TransportState
	err := b.do(ctx, protocol.TransportStopEndpoint(), &ts)
	return ts, err
}

func (b *Bridge) Seek(ctx context.Context, seconds float64) (protocol.TransportState, error) {
	ep, err := protocol.TransportSeekEndpoint(seconds)
	if err != nil {
		return protocol.TransportState{}, fault.Invalid("seek", "%v", err)
	}
	var ts protocol.TransportState
	err = b.do(ctx, ep, &ts)
	return ts, err
}

func (b *Bridge) SetTempo(ctx context.Context, bpm float64) (protocol.TransportState, error) {
	ep, err := protocol.TransportTempoEndpoint(bpm)
	if err != nil {
		return protocol.TransportState{}, fault.Invalid("tempo", "%v", err)
	}
	var ts protocol.TransportState
	err = b.do(ctx, ep, &ts)
	return ts, err
}

// SetLoop enables or disables the loop region. start and end are ignored when disabling.
func (b *Bridge) SetLoop(ctx context.Context, enabled bool, start, end float64) (protocol.TransportState, error) {
	ep, err := protocol.TransportLoopEndpoint(enabled, start, end)
	if err != nil {
		return protocol.TransportState{}, fault.Invalid("loop", "%v", err)
	}
	var ts protocol.TransportState
	err = b.do(ctx, ep, &ts)
	return ts, err
}
