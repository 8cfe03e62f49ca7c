// Package pushchannel keeps the long-lived websocket to the remote service open and forwards
// inbound envelopes to the event bus.
//
// The socket reconnects on its own schedule, independent of the request channel. Outbound
// messages are never queued: Send reports false while the socket is down.
package pushchannel

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/studiobridge/pkg/connstate"
	"github.com/go-go-golems/studiobridge/pkg/eventbus"
	"github.com/go-go-golems/studiobridge/pkg/fault"
	"github.com/go-go-golems/studiobridge/pkg/protocol"
)

const ChannelName = "push"

const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultPingInterval     = 30 * time.Second
	DefaultWriteTimeout     = 10 * time.Second
)

var ErrShutdown = errors.New("push channel shut down")

type Options struct {
	// URL is the ws:// or wss:// address of the push endpoint.
	URL    string
	Header http.Header
	// Dialer defaults to a gorilla dialer honouring proxy settings from the environment.
	Dialer           *websocket.Dialer
	HandshakeTimeout time.Duration
	// PingInterval is the keepalive period. A negative value disables pings and read deadlines.
	PingInterval time.Duration
	WriteTimeout time.Duration
	Policy       connstate.Policy
	Bus          *eventbus.Bus
}

// socket is one dialed connection together with its lifetime bookkeeping.
type socket struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	done    chan struct{}
}

type Channel struct {
	opts   Options
	dialer *websocket.Dialer
	reconn *connstate.Reconnector
	logger zerolog.Logger
	wg     sync.WaitGroup

	mu       sync.Mutex
	current  *socket
	pending  *websocket.Conn
	shutdown bool
}

func New(opts Options) (*Channel, error) {
	if opts.URL == "" {
		return nil, errors.New("push channel: url is empty")
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.PingInterval == 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
		}
	}

	c := &Channel{
		opts:   opts,
		dialer: dialer,
		logger: log.With().Str("component", "pushchannel").Str("url", opts.URL).Logger(),
	}
	var err error
	c.reconn, err = connstate.New(connstate.Options{
		Channel:      ChannelName,
		Policy:       opts.Policy,
		Bus:          opts.Bus,
		Probe:        c.dial,
		ProbeTimeout: opts.HandshakeTimeout,
		OnConnected:  c.activate,
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Channel) Snapshot() connstate.Snapshot { return c.reconn.Snapshot() }

func (c *Channel) State() connstate.State { return c.reconn.State() }

// IsOpen reports whether a socket is currently established.
func (c *Channel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil
}

// Open dials the push endpoint. A failed dial starts the reconnection schedule and is returned.
// Opening an already open channel is a no-op.
func (c *Channel) Open(ctx context.Context) error {
	if c.IsOpen() {
		return nil
	}
	if err := c.dial(ctx); err != nil {
		if errors.Is(err, ErrShutdown) {
			return err
		}
		c.reconn.Fail(err)
		return err
	}
	c.reconn.MarkConnected()
	// MarkConnected does not transition, and so does not activate, while a lost socket has not
	// yet been reported to the state machine
	c.activate()
	return nil
}

// dial establishes a connection and parks it until the state machine reports Connected.
func (c *Channel) dial(ctx context.Context) error {
	if c.isShutdown() {
		return ErrShutdown
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	defer cancel()

	conn, resp, err := c.dialer.DialContext(ctx, c.opts.URL, c.opts.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return fault.Remote("push open", resp.StatusCode, err)
		}
		return fault.FromTransport("push open", err)
	}

	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrShutdown
	}
	if c.pending != nil {
		_ = c.pending.Close()
	}
	c.pending = conn
	c.mu.Unlock()
	return nil
}

// activate promotes the parked connection and starts its read and ping loops. It runs after
// the state machine entered Connected, so a drop observed by the read loop always counts.
func (c *Channel) activate() {
	c.mu.Lock()
	conn := c.pending
	c.pending = nil
	if conn == nil || c.shutdown {
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	old := c.current
	s := &socket{conn: conn, done: make(chan struct{})}
	c.current = s
	c.wg.Add(1)
	if c.opts.PingInterval > 0 {
		c.wg.Add(1)
	}
	c.mu.Unlock()

	if old != nil {
		c.release(old)
	}
	c.logger.Info().Msg("push channel open")
	go c.readLoop(s)
	if c.opts.PingInterval > 0 {
		go c.pingLoop(s)
	}
}

func (c *Channel) readLoop(s *socket) {
	defer c.wg.Done()
	if c.opts.PingInterval > 0 {
		pongWait := 2 * c.opts.PingInterval
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		s.conn.SetPongHandler(func(string) error {
			return s.conn.SetReadDeadline(time.Now().Add(pongWait))
		})
	}
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			c.lost(s, err)
			return
		}
		if c.opts.PingInterval > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(2 * c.opts.PingInterval))
		}
		c.route(data)
	}
}

func (c *Channel) pingLoop(s *socket) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout))
			s.writeMu.Unlock()
			if err != nil {
				c.logger.Debug().Err(err).Msg("ping failed")
				_ = s.conn.Close()
				return
			}
		}
	}
}

// lost handles a read failure. Sockets that were already released by Close or
// ForceReconnect are ignored.
func (c *Channel) lost(s *socket, err error) {
	c.mu.Lock()
	if c.current != s {
		c.mu.Unlock()
		return
	}
	c.current = nil
	close(s.done)
	c.mu.Unlock()
	_ = s.conn.Close()

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.logger.Info().Err(err).Msg("push channel closed by remote")
	} else {
		c.logger.Warn().Err(err).Msg("push channel dropped")
	}
	c.reconn.Fail(fault.ChannelClosed("push read", err))
}

// release detaches s so that its read loop exits quietly.
func (c *Channel) release(s *socket) {
	c.mu.Lock()
	if c.current == s {
		c.current = nil
	}
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	c.mu.Unlock()

	s.writeMu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.writeMu.Unlock()
	_ = s.conn.Close()
}

// route decodes an inbound frame and re-emits it under the matching event.
func (c *Channel) route(data []byte) {
	env, err := protocol.DecodeEnvelope(data)
	if err != nil {
		c.logger.Warn().Err(err).Int("bytes", len(data)).Msg("dropping undecodable push frame")
		return
	}

	bus := c.opts.Bus
	switch env.Type {
	case protocol.PushTransportState:
		var ts protocol.TransportState
		if c.decode(env, &ts) {
			bus.Emit(eventbus.TransportChanged, ts)
		}
	case protocol.PushAnalysisComplete:
		var res protocol.AnalyzeResponse
		if c.decode(env, &res) {
			bus.Emit(eventbus.AnalysisComplete, res)
		}
	case protocol.PushError:
		var p protocol.ErrorPayload
		if c.decode(env, &p) {
			bus.Emit(eventbus.PushError, p)
		}
	case protocol.PushSuggestion:
		bus.Emit(eventbus.SuggestionReceived, env.Data)
	case protocol.PushStateUpdate:
		bus.Emit(eventbus.StateUpdated, env.Data)
	case protocol.PushServerStatus:
		bus.Emit(eventbus.ServerStatus, env.Data)
	case protocol.PushConnected:
		bus.Emit(eventbus.ServerHello, env.Data)
	default:
		bus.Emit(eventbus.Message, env)
	}
}

func (c *Channel) decode(env protocol.Envelope, v any) bool {
	if len(env.Data) == 0 {
		c.logger.Warn().Str("type", env.Type).Msg("dropping push frame without data")
		return false
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		c.logger.Warn().Err(err).Str("type", env.Type).Msg("dropping push frame with invalid data")
		return false
	}
	return true
}

// Send writes env to the socket. It returns false when the channel is not open or the write
// failed; nothing is queued.
func (c *Channel) Send(env protocol.Envelope) bool {
	c.mu.Lock()
	s := c.current
	c.mu.Unlock()
	if s == nil {
		return false
	}

	s.writeMu.Lock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	err := s.conn.WriteJSON(env)
	s.writeMu.Unlock()
	if err != nil {
		c.logger.Warn().Err(err).Str("type", env.Type).Msg("push send failed")
		// the read loop observes the closed socket and starts reconnecting
		_ = s.conn.Close()
		return false
	}
	return true
}

// Close is a caller-initiated close: the socket is shut with a normal closure and no reconnect
// is scheduled. The channel can be opened again.
func (c *Channel) Close() error {
	c.mu.Lock()
	s := c.current
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	c.reconn.Disconnect()
	if pending != nil {
		_ = pending.Close()
	}
	if s != nil {
		c.release(s)
		c.logger.Info().Msg("push channel closed")
	}
	return nil
}

// ForceReconnect drops the current socket without triggering the automatic schedule, resets
// the failure count and dials immediately.
func (c *Channel) ForceReconnect(ctx context.Context) error {
	if c.isShutdown() {
		return ErrShutdown
	}
	c.mu.Lock()
	s := c.current
	c.mu.Unlock()
	if s != nil {
		c.release(s)
	}
	return c.reconn.ForceReconnect(ctx)
}

func (c *Channel) isShutdown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shutdown
}

// Shutdown closes the socket, stops the reconnection schedule for good and waits for the read
// and ping loops to exit.
func (c *Channel) Shutdown() {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return
	}
	c.shutdown = true
	s := c.current
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	c.reconn.Stop()
	if pending != nil {
		_ = pending.Close()
	}
	if s != nil {
		c.release(s)
	}
	c.wg.Wait()
}
