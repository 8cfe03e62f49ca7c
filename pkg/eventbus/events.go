package eventbus

// Event names a bus topic.
type Event string

// Connection lifecycle, emitted by both channels. The payload carries the channel name.
const (
	Connected                   Event = "connected"
	Disconnected                Event = "disconnected"
	Reconnecting                Event = "reconnecting"
	Reconnected                 Event = "reconnected"
	MaxReconnectAttemptsReached Event = "max_reconnect_attempts_reached"
	HealthChanged               Event = "health_changed"
)

// Offline queue.
const (
	QueueUpdated  Event = "queue_updated"
	RequestFailed Event = "request_failed"
)

// Push channel messages, keyed by envelope type.
const (
	TransportChanged   Event = "transport_changed"
	SuggestionReceived Event = "suggestion_received"
	AnalysisComplete   Event = "analysis_complete"
	StateUpdated       Event = "state_updated"
	ServerStatus       Event = "server_status"
	ServerHello        Event = "server_hello"
	PushError          Event = "push_error"
	Message            Event = "message"
)
