package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"agentbus/pkg/logx"
	"agentbus/pkg/proto"
)

// Worker serializes all archive writes through one goroutine, matching
// SQLite's single-writer model. Callers submit via the Requests channel and
// usually fire-and-forget.
type Worker struct {
	db       *sql.DB
	requests chan *Request
	logger   *logx.Logger
	done     chan struct{}
}

// NewWorker creates an archive worker over an initialized database.
func NewWorker(db *sql.DB) *Worker {
	return &Worker{
		db:       db,
		requests: make(chan *Request, 100),
		logger:   logx.NewLogger("persistence"),
		done:     make(chan struct{}),
	}
}

// Requests returns the submission channel for fire-and-forget helpers.
func (w *Worker) Requests() chan<- *Request {
	return w.requests
}

// Run processes queued requests until ctx is cancelled, then drains what is
// already queued so shutdown does not lose accepted work.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.done)

	for {
		select {
		case <-ctx.Done():
			w.drain()
			return
		case req := <-w.requests:
			w.handle(req)
		}
	}
}

func (w *Worker) drain() {
	for {
		select {
		case req := <-w.requests:
			w.handle(req)
		default:
			return
		}
	}
}

// Wait blocks until Run has returned.
func (w *Worker) Wait() {
	<-w.done
}

func (w *Worker) handle(req *Request) {
	var resp Response

	switch req.Operation {
	case OpArchiveMessage:
		if msg, ok := req.Data.(*ArchivedMessage); ok {
			resp.Err = w.insertMessage(msg)
		} else {
			resp.Err = fmt.Errorf("archive_message request carries %T, want *ArchivedMessage", req.Data)
		}
	case OpSessionEvent:
		if event, ok := req.Data.(*SessionEvent); ok {
			resp.Err = w.insertSessionEvent(event)
		} else {
			resp.Err = fmt.Errorf("session_event request carries %T, want *SessionEvent", req.Data)
		}
	case OpQueryMessages:
		if filter, ok := req.Data.(*MessageFilter); ok {
			resp.Data, resp.Err = w.queryMessages(filter)
		} else {
			resp.Err = fmt.Errorf("query_messages request carries %T, want *MessageFilter", req.Data)
		}
	default:
		resp.Err = fmt.Errorf("unknown archive operation: %s", req.Operation)
	}

	if resp.Err != nil {
		w.logger.Error("Archive operation %s failed: %v", req.Operation, resp.Err)
	}

	if req.Response != nil {
		select {
		case req.Response <- &resp:
		default:
			w.logger.Warn("Response channel full for operation %s, dropping result", req.Operation)
		}
	}
}

func (w *Worker) insertMessage(msg *ArchivedMessage) error {
	_, err := w.db.Exec(`
		INSERT OR REPLACE INTO messages
		(id, kind, from_agent, to_agent, timestamp, priority, requires_response, payload, parent_msg_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.Kind, msg.FromAgent, msg.ToAgent, msg.Timestamp.UTC().Format(time.RFC3339Nano),
		msg.Priority, msg.RequiresResponse, msg.Payload, msg.ParentMsgID,
	)
	if err != nil {
		return fmt.Errorf("failed to archive message %s: %w", msg.ID, err)
	}
	return nil
}

func (w *Worker) insertSessionEvent(event *SessionEvent) error {
	_, err := w.db.Exec(`
		INSERT INTO agent_sessions (agent, event, timestamp) VALUES (?, ?, ?)`,
		event.Agent, event.Event, event.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to record session event for %s: %w", event.Agent, err)
	}
	return nil
}

func (w *Worker) queryMessages(filter *MessageFilter) ([]*ArchivedMessage, error) {
	query := `SELECT id, kind, from_agent, to_agent, timestamp, priority, requires_response, payload, parent_msg_id
		FROM messages WHERE 1=1`
	args := []any{}

	if filter.Agent != "" {
		query += " AND (from_agent = ? OR to_agent = ?)"
		args = append(args, filter.Agent, filter.Agent)
	}
	if filter.Kind != "" {
		query += " AND kind = ?"
		args = append(args, filter.Kind)
	}
	query += " ORDER BY timestamp"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := w.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query archived messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []*ArchivedMessage
	for rows.Next() {
		var msg ArchivedMessage
		var timestamp string
		if err := rows.Scan(&msg.ID, &msg.Kind, &msg.FromAgent, &msg.ToAgent, &timestamp,
			&msg.Priority, &msg.RequiresResponse, &msg.Payload, &msg.ParentMsgID); err != nil {
			return nil, fmt.Errorf("failed to scan archived message: %w", err)
		}
		if parsed, err := time.Parse(time.RFC3339Nano, timestamp); err == nil {
			msg.Timestamp = parsed
		}
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate archived messages: %w", err)
	}
	return messages, nil
}

// ArchiveMessage submits a routed message to the archive, fire-and-forget.
// A full queue drops the record rather than blocking the dispatcher.
func ArchiveMessage(msg *proto.Message, requests chan<- *Request) {
	if requests == nil || msg == nil {
		return
	}

	payload := ""
	if msg.Payload != nil {
		if data, err := json.Marshal(msg.Payload); err == nil {
			payload = string(data)
		}
	}

	req := &Request{
		Operation: OpArchiveMessage,
		Data: &ArchivedMessage{
			ID:               msg.ID,
			Kind:             string(msg.Kind),
			FromAgent:        msg.FromAgent,
			ToAgent:          msg.ToAgent,
			Timestamp:        msg.Timestamp,
			Priority:         msg.Priority,
			RequiresResponse: msg.RequiresResponse,
			Payload:          payload,
			ParentMsgID:      msg.ParentMsgID,
		},
	}

	select {
	case requests <- req:
	default:
	}
}

// RecordSessionEvent submits an agent lifecycle event, fire-and-forget.
func RecordSessionEvent(agent, event string, requests chan<- *Request) {
	if requests == nil || agent == "" {
		return
	}

	req := &Request{
		Operation: OpSessionEvent,
		Data: &SessionEvent{
			Agent:     agent,
			Event:     event,
			Timestamp: time.Now().UTC(),
		},
	}

	select {
	case requests <- req:
	default:
	}
}

// QueryMessages runs a filtered history query through the worker and waits
// for the result.
func QueryMessages(ctx context.Context, filter *MessageFilter, requests chan<- *Request) ([]*ArchivedMessage, error) {
	respCh := make(chan *Response, 1)
	req := &Request{
		Operation: OpQueryMessages,
		Data:      filter,
		Response:  respCh,
	}

	select {
	case requests <- req:
	case <-ctx.Done():
		return nil, fmt.Errorf("archive query not submitted: %w", ctx.Err())
	}

	select {
	case resp := <-respCh:
		if resp.Err != nil {
			return nil, resp.Err
		}
		msgs, _ := resp.Data.([]*ArchivedMessage)
		return msgs, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("archive query abandoned: %w", ctx.Err())
	}
}
