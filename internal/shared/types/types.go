package types

import "time"

// Row is a single record as it crosses the adapter boundary. Column names
// are canonical (snake_case); values are JSON-serializable.
type Row map[string]interface{}

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Filter is a conjunction of equality predicates. Disjunction is
// intentionally unsupported; callers needing OR issue two queries.
type Filter map[string]interface{}

// Mode selects which backend the data plane targets.
type Mode string

const (
	ModeLocal  Mode = "local"
	ModeRemote Mode = "remote"
)

// Valid reports whether m is a known backend mode.
func (m Mode) Valid() bool {
	return m == ModeLocal || m == ModeRemote
}

// BusMessage is a change notification in transit between contexts.
// Consumers treat it as "something changed, re-query" rather than a log
// entry; ordering across contexts is not guaranteed.
type BusMessage struct {
	ID      string      `json:"id"`
	Event   string      `json:"evt"`
	Payload interface{} `json:"payload,omitempty"`
	TS      int64       `json:"ts"`
}

// DedupeKey identifies a logical message across duplicate transports.
func (m BusMessage) DedupeKey() string {
	return m.Event + "|" + m.ID
}

// NotificationRequest describes a user notification to surface.
type NotificationRequest struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	// Tag collapses duplicates at the notification-center level. This is
	// presentation dedup, not business dedup.
	Tag string `json:"tag"`
	URL string `json:"url"`
}

// WSMessage is the envelope for client websocket traffic.
type WSMessage struct {
	Type    string               `json:"type"`
	Event   string               `json:"evt,omitempty"`
	Payload interface{}          `json:"payload,omitempty"`
	Notify  *NotificationRequest `json:"notify,omitempty"`
	TS      int64                `json:"ts,omitempty"`
}

// Now returns wall time in unix milliseconds, the bus timestamp unit.
func Now() int64 {
	return time.Now().UnixMilli()
}
