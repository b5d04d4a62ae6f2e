package service

// Broadcaster sends real-time events to connected clients. Implemented by
// the WebSocket hub. Publishing is best-effort: a failed or absent fan-out
// never affects durable game state.
type Broadcaster interface {
	BroadcastMatchEvent(matchID string, eventType string, data any)
	BroadcastCycleEvent(eventType string, data any)
}

// NoopBroadcaster is a no-op implementation for testing or when WS is disabled.
type NoopBroadcaster struct{}

func (NoopBroadcaster) BroadcastMatchEvent(string, string, any) {}
func (NoopBroadcaster) BroadcastCycleEvent(string, any)         {}
