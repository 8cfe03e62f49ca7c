// Package fakeremote implements the remote analysis service's HTTP and websocket endpoints in
// memory, with switchable failure modes. It backs the package tests and `studiobridge
// mock-server`.
package fakeremote

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/studiobridge/pkg/protocol"
)

// Fault changes how matching requests are answered.
type Fault struct {
	// Path limits the fault to one endpoint path such as "/chat". Empty matches every path,
	// the websocket endpoint included.
	Path string
	// Status answers with this HTTP status.
	Status int
	// Drop closes the connection without answering, which clients see as unreachable.
	Drop bool
	// Malformed answers 200 with a body that is not JSON.
	Malformed bool
	// Delay is slept before the request is handled.
	Delay time.Duration
	// Times is the number of requests affected. Zero means until Reset.
	Times int
}

type activeFault struct {
	Fault
	remaining int
}

type Server struct {
	logger   zerolog.Logger
	upgrader websocket.Upgrader
	mux      *http.ServeMux

	mu        sync.Mutex
	faults    []*activeFault
	calls     map[string]int
	transport protocol.TransportState
	state     protocol.Document
	health    protocol.HealthStatus
	conns     map[*websocket.Conn]*sync.Mutex
	received  []protocol.Envelope
}

func New() *Server {
	s := &Server{
		logger: log.With().Str("component", "fakeremote").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		mux:       http.NewServeMux(),
		calls:     map[string]int{},
		transport: protocol.TransportState{BPM: 120},
		health: protocol.HealthStatus{
			Status:       "ok",
			Capabilities: map[string]any{"realtime": true, "analysis": true, "version": "fakeremote"},
		},
		conns: map[*websocket.Conn]*sync.Mutex{},
	}
	s.handle("/health", http.MethodGet, s.handleHealth)
	s.handle("/chat", http.MethodPost, s.handleChat)
	s.handle("/suggest", http.MethodPost, s.handleSuggest)
	s.handle("/analyze", http.MethodPost, s.handleAnalyze)
	s.handle("/process", http.MethodPost, s.handleProcess)
	s.handle("/transport/status", http.MethodGet, s.handleTransportStatus)
	s.handle("/transport/play", http.MethodPost, s.handleTransportPlay(true))
	s.handle("/transport/stop", http.MethodPost, s.handleTransportPlay(false))
	s.handle("/transport/seek", http.MethodGet, s.handleSeek)
	s.handle("/transport/tempo", http.MethodPost, s.handleTempo)
	s.handle("/transport/loop", http.MethodPost, s.handleLoop)
	s.handle("/ws", http.MethodGet, s.handleWS)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// Inject adds a fault. Faults are matched in the order they were added.
func (s *Server) Inject(f Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, &activeFault{Fault: f, remaining: f.Times})
}

// Reset removes every fault.
func (s *Server) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = nil
}

// SetHealth replaces the /health answer.
func (s *Server) SetHealth(h protocol.HealthStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.health = h
}

// Calls returns how many requests reached path, faulted ones included.
func (s *Server) Calls(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[path]
}

// Transport returns the current transport state.
func (s *Server) Transport() protocol.TransportState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport
}

// SyncedState returns the payload of the last sync_state process request.
func (s *Server) SyncedState() protocol.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append(protocol.Document(nil), s.state...)
}

// Received returns the envelopes sent by push clients.
func (s *Server) Received() []protocol.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Envelope(nil), s.received...)
}

// Connections returns the number of open push connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Broadcast sends env to every push connection and returns how many received it.
func (s *Server) Broadcast(env protocol.Envelope) int {
	sent := 0
	for c, m := range s.connections() {
		m.Lock()
		err := c.WriteJSON(env)
		m.Unlock()
		if err != nil {
			s.logger.Debug().Err(err).Msg("broadcast write failed")
			continue
		}
		sent++
	}
	return sent
}

// BroadcastRaw sends a raw text frame to every push connection.
func (s *Server) BroadcastRaw(frame []byte) {
	for c, m := range s.connections() {
		m.Lock()
		_ = c.WriteMessage(websocket.TextMessage, frame)
		m.Unlock()
	}
}

func (s *Server) connections() map[*websocket.Conn]*sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	conns := make(map[*websocket.Conn]*sync.Mutex, len(s.conns))
	for c, m := range s.conns {
		conns[c] = m
	}
	return conns
}

// DropConnections closes every push connection without a close handshake.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := s.conns
	s.conns = map[*websocket.Conn]*sync.Mutex{}
	s.mu.Unlock()
	for c := range conns {
		_ = c.Close()
	}
}

// Close drops every push connection.
func (s *Server) Close() { s.DropConnections() }

func (s *Server) handle(path, verb string, h http.HandlerFunc) {
	s.mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls[path]++
		f := s.matchFaultLocked(path)
		s.mu.Unlock()

		if f != nil {
			if f.Delay > 0 {
				time.Sleep(f.Delay)
			}
			if s.applyFault(w, *f) {
				return
			}
		}
		if r.Method != verb {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		h(w, r)
	})
}

func (s *Server) matchFaultLocked(path string) *Fault {
	for i, f := range s.faults {
		if f.Path != "" && f.Path != path {
			continue
		}
		ret := f.Fault
		if f.Times > 0 {
			f.remaining--
			if f.remaining <= 0 {
				s.faults = append(s.faults[:i:i], s.faults[i+1:]...)
			}
		}
		return &ret
	}
	return nil
}

// applyFault answers according to f. It returns false when the request should still be served.
func (s *Server) applyFault(w http.ResponseWriter, f Fault) bool {
	switch {
	case f.Drop:
		hj, ok := w.(http.Hijacker)
		if !ok {
			writeError(w, http.StatusServiceUnavailable, "unavailable")
			return true
		}
		conn, _, err := hj.Hijack()
		if err == nil {
			_ = conn.Close()
		}
		return true
	case f.Status != 0:
		writeError(w, f.Status, http.StatusText(f.Status))
		return true
	case f.Malformed:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"truncated":`))
		return true
	}
	return false
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	h := s.health
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req protocol.ChatRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	writeJSON(w, http.StatusOK, protocol.ChatResponse{
		Response:   "echo: " + req.Message,
		Confidence: 0.9,
		Source:     "fakeremote",
	})
}

func (s *Server) handleSuggest(w http.ResponseWriter, r *http.Request) {
	var req protocol.SuggestRequest
	if !decode(w, r, &req) {
		return
	}
	n := req.Limit
	if n <= 0 || n > 3 {
		n = 3
	}
	resp := protocol.SuggestResponse{}
	for i := 0; i < n; i++ {
		doc, _ := protocol.NewDocument(map[string]any{"id": i + 1, "text": fmt.Sprintf("suggestion %d", i+1)})
		resp.Suggestions = append(resp.Suggestions, doc)
	}
	resp.Timestamp, _ = protocol.NewDocument(time.Now().UTC().Format(time.RFC3339))
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req protocol.AnalyzeRequest
	if !decode(w, r, &req) {
		return
	}
	if req.AnalysisType == "" {
		writeError(w, http.StatusUnprocessableEntity, "analysisType is required")
		return
	}
	results, _ := protocol.NewDocument(map[string]any{"received": len(req.AudioData) > 0})
	rec, _ := protocol.NewDocument(map[string]any{"text": "check the low end"})
	resp := protocol.AnalyzeResponse{
		AnalysisType:    req.AnalysisType,
		Results:         results,
		Recommendations: []protocol.Document{rec},
		Score:           0.8,
	}
	writeJSON(w, http.StatusOK, resp)

	data, _ := protocol.NewDocument(resp)
	s.Broadcast(protocol.Envelope{Type: protocol.PushAnalysisComplete, Data: data})
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	var req protocol.ProcessRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}
	if req.Type == protocol.ProcessTypeSyncState {
		s.mu.Lock()
		s.state = append(protocol.Document(nil), req.Payload...)
		s.mu.Unlock()
		s.Broadcast(protocol.Envelope{Type: protocol.PushStateUpdate, Data: req.Payload})
	}
	writeJSON(w, http.StatusOK, protocol.ProcessResponse{ID: req.ID, Type: req.Type, Data: req.Payload, Status: "ok"})
}

func (s *Server) handleTransportStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Transport())
}

func (s *Server) handleTransportPlay(playing bool) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		s.updateTransport(w, func(ts *protocol.TransportState) error {
			ts.IsPlaying = playing
			return nil
		})
	}
}

func (s *Server) handleSeek(w http.ResponseWriter, r *http.Request) {
	s.updateTransport(w, func(ts *protocol.TransportState) error {
		v, err := queryFloat(r, "seconds")
		if err != nil || v < 0 {
			return errors.New("invalid seconds")
		}
		ts.PositionSeconds = v
		return nil
	})
}

func (s *Server) handleTempo(w http.ResponseWriter, r *http.Request) {
	s.updateTransport(w, func(ts *protocol.TransportState) error {
		v, err := queryFloat(r, "bpm")
		if err != nil || v <= 0 {
			return errors.New("invalid bpm")
		}
		ts.BPM = v
		return nil
	})
}

func (s *Server) handleLoop(w http.ResponseWriter, r *http.Request) {
	s.updateTransport(w, func(ts *protocol.TransportState) error {
		enabled, err := strconv.ParseBool(r.URL.Query().Get("enabled"))
		if err != nil {
			return errors.New("invalid enabled")
		}
		ts.LoopEnabled = enabled
		if start, err := queryFloat(r, "start_seconds"); err == nil {
			ts.LoopStart = start
		}
		if end, err := queryFloat(r, "end_seconds"); err == nil {
			ts.LoopEnd = end
		}
		return nil
	})
}

func (s *Server) updateTransport(w http.ResponseWriter, fn func(*protocol.TransportState) error) {
	s.mu.Lock()
	ts := s.transport
	if err := fn(&ts); err != nil {
		s.mu.Unlock()
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.transport = ts
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, ts)
	data, _ := protocol.NewDocument(ts)
	s.Broadcast(protocol.Envelope{Type: protocol.PushTransportState, Data: data})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	wm := &sync.Mutex{}
	s.mu.Lock()
	s.conns[conn] = wm
	s.mu.Unlock()
	s.logger.Debug().Str("remote", r.RemoteAddr).Msg("push client connected")

	hello, _ := protocol.NewEnvelope(protocol.PushConnected, map[string]any{"server": "fakeremote"})
	wm.Lock()
	_ = conn.WriteJSON(hello)
	wm.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := protocol.DecodeEnvelope(data)
		if err != nil {
			wm.Lock()
			_ = conn.WriteJSON(protocol.Envelope{Type: protocol.PushError, Data: mustDocument(protocol.ErrorPayload{Message: err.Error(), Code: "bad_envelope"})})
			wm.Unlock()
			continue
		}
		s.mu.Lock()
		s.received = append(s.received, env)
		s.mu.Unlock()
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return false
	}
	return true
}

func queryFloat(r *http.Request, name string) (float64, error) {
	return strconv.ParseFloat(r.URL.Query().Get(name), 64)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func mustDocument(v any) protocol.Document {
	d, err := protocol.NewDocument(v)
	if err != nil {
		panic(err)
	}
	return d
}
