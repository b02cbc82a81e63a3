package bus

import (
	"time"
)

// EventType classifies observable progress events.
type EventType string

const (
	EventThinking   EventType = "thinking"
	EventPlan       EventType = "plan"
	EventToolCall   EventType = "tool_call"
	EventToolResult EventType = "tool_result"
	EventAnswer     EventType = "answer"
	EventSource     EventType = "source"
	EventDone       EventType = "done"
	EventError      EventType = "error"
	EventStartup    EventType = "startup"
	EventShutdown   EventType = "shutdown"
	EventInfo       EventType = "info"
)

// Terminal reports whether this event type ends a request stream.
func (t EventType) Terminal() bool {
	return t == EventDone || t == EventError
}

// Payload carries the human-readable content plus structured detail.
type Payload struct {
	Content string                 `json:"content"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// Event is the unit of observable progress. Events are delivered in order
// per correlation id.
type Event struct {
	Type          EventType `json:"type"`
	Payload       Payload   `json:"payload"`
	Timestamp     int64     `json:"timestamp"` // epoch milliseconds
	Source        string    `json:"source"`
	CorrelationID string    `json:"correlation_id"`
}

// NewEvent builds an event stamped with the current time.
func NewEvent(t EventType, source, correlationID, content string, data map[string]interface{}) Event {
	return Event{
		Type:          t,
		Payload:       Payload{Content: content, Data: data},
		Timestamp:     time.Now().UnixMilli(),
		Source:        source,
		CorrelationID: correlationID,
	}
}
