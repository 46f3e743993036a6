package persistence

import (
	"time"
)

// Operation identifies what the archive worker should do with a Request.
type Operation string

const (
	OpArchiveMessage Operation = "archive_message"
	OpSessionEvent   Operation = "session_event"
	OpQueryMessages  Operation = "query_messages"
)

// Session event constants.
const (
	SessionRegistered   = "registered"
	SessionUnregistered = "unregistered"
	SessionRestarted    = "restarted"
	SessionStopped      = "stopped"
)

// ArchivedMessage is the flattened database row for one routed message.
type ArchivedMessage struct {
	ID               string    `json:"id"`
	Kind             string    `json:"kind"`
	FromAgent        string    `json:"from_agent"`
	ToAgent          string    `json:"to_agent"`
	Timestamp        time.Time `json:"timestamp"`
	Priority         int       `json:"priority"`
	RequiresResponse bool      `json:"requires_response"`
	Payload          string    `json:"payload"` // JSON blob
	ParentMsgID      string    `json:"parent_msg_id,omitempty"`
}

// SessionEvent records an agent lifecycle event.
type SessionEvent struct {
	Agent     string    `json:"agent"`
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
}

// MessageFilter restricts archive queries. Empty fields match everything.
type MessageFilter struct {
	Agent string // Matches either from_agent or to_agent
	Kind  string
	Limit int
}

// Request is one unit of work for the archive worker. A nil Response channel
// makes the request fire-and-forget.
type Request struct {
	Operation Operation
	Data      any
	Response  chan *Response
}

// Response carries the result of a queued request back to the caller.
type Response struct {
	Data any
	Err  error
}
