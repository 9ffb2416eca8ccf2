package ws

import "time"

const (
	frameTypeWelcome = "connection.established"
	frameTypeEvent   = "event"
	frameTypeStatus  = "status"
)

// eventFrame is the wire shape for a bus event.
type eventFrame struct {
	Type          string         `json:"type"`
	EventType     string         `json:"eventType"`
	CorrelationID string         `json:"correlationId,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	Payload       map[string]any `json:"payload,omitempty"`
	Meta          frameMeta      `json:"meta"`
}

type frameMeta struct {
	EventID     string `json:"eventId"`
	CausationID string `json:"causationId,omitempty"`
	Source      string `json:"source,omitempty"`
}

// welcomeFrame is sent once per connection, before any event.
type welcomeFrame struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Meta      welcomeMeta `json:"meta"`
}

type welcomeMeta struct {
	Topics []string `json:"topics,omitempty"`
}

// statusFrame is the periodic health pulse.
type statusFrame struct {
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
}
