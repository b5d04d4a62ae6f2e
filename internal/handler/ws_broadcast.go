package handler

// BroadcastMatchEvent implements service.Broadcaster using the WebSocket hub.
func (h *Hub) BroadcastMatchEvent(matchID string, eventType string, data any) {
	h.BroadcastToMatch(matchID, WSEvent{
		Type:    eventType,
		MatchID: matchID,
		Data:    data,
	})
}

// BroadcastCycleEvent sends a cycle-wide event to all connected clients.
func (h *Hub) BroadcastCycleEvent(eventType string, data any) {
	h.BroadcastToAll(WSEvent{
		Type: eventType,
		Data: data,
	})
}
