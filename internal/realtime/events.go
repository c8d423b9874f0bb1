package realtime

import (
	"encoding/json"
	"strings"
)

// Outbound events.
const (
	EventJoinCounter  = "join_counter"
	EventLeaveCounter = "leave_counter"
)

// Inbound events pushed by the queueing service.
const (
	EventTicketArrived   = "new_ticket"
	EventPositionChanged = "queue_position_changed"
	EventStatusChanged   = "ticket_status_changed"
	EventQueueUpdate     = "queue_update"
	EventJoinRejected    = "join_rejected"
)

// Lifecycle events produced by the transport itself.
const (
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
	EventError        = "error"
)

type Frame struct {
	Event string
	Data  json.RawMessage
	Err   error
}

type counterPayload struct {
	CounterID string `json:"counterId"`
}

type wireFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

var eventReplacer = strings.NewReplacer("-", "_", ":", "_", ".", "_")

// CanonicalEvent lower-cases name and folds "-", ":" and "." into "_", so
// "ticket-status-changed" and "ticket:status_changed" are the same event.
func CanonicalEvent(name string) string {
	return eventReplacer.Replace(strings.ToLower(strings.TrimSpace(name)))
}

// parseFrame decodes {"event","data"} frames and the {"type","payload"}
// envelope used by the platform's outbox relay.
func parseFrame(raw []byte) (Frame, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Frame{}, false
	}
	var name string
	for _, key := range []string{"event", "type", "name"} {
		if value, ok := fields[key]; ok {
			if err := json.Unmarshal(value, &name); err == nil && name != "" {
				break
			}
		}
	}
	if name == "" {
		return Frame{}, false
	}
	frame := Frame{Event: CanonicalEvent(name)}
	for _, key := range []string{"data", "payload"} {
		if value, ok := fields[key]; ok {
			frame.Data = value
			break
		}
	}
	return frame, true
}

// eventCounterID returns the counter id an advisory event names, if any.
func eventCounterID(data json.RawMessage) string {
	if len(data) == 0 {
		return ""
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return ""
	}
	for _, key := range []string{"counterId", "counter_id"} {
		if id, ok := fields[key].(string); ok && strings.TrimSpace(id) != "" {
			return strings.TrimSpace(id)
		}
	}
	return ""
}
