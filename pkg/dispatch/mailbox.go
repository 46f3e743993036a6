package dispatch

import (
	"context"
	"fmt"
	"time"

	"agentbus/pkg/proto"
)

// Mailbox is the bounded FIFO queue private to one agent. Capacity is fixed
// at creation; a full mailbox pushes back on senders instead of growing
// without limit.
type Mailbox struct {
	owner string
	ch    chan *proto.Message
}

// NewMailbox creates a mailbox for the named agent with the given capacity.
func NewMailbox(owner string, capacity int) *Mailbox {
	return &Mailbox{
		owner: owner,
		ch:    make(chan *proto.Message, capacity),
	}
}

// Owner returns the agent this mailbox belongs to.
func (m *Mailbox) Owner() string {
	return m.owner
}

// Send enqueues a message, blocking up to timeout when the mailbox is full.
// On timeout it returns ErrMailboxFull; on context cancellation, ctx.Err().
func (m *Mailbox) Send(ctx context.Context, msg *proto.Message, timeout time.Duration) error {
	select {
	case m.ch <- msg:
		return nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case m.ch <- msg:
		return nil
	case <-timer.C:
		return fmt.Errorf("mailbox for %s at capacity %d: %w", m.owner, cap(m.ch), ErrMailboxFull)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive dequeues the next message, waiting up to timeout. It returns
// (nil, false) when the wait elapses or ctx is cancelled, so worker loops
// stay cancellable instead of hanging on an empty queue.
func (m *Mailbox) Receive(ctx context.Context, timeout time.Duration) (*proto.Message, bool) {
	select {
	case msg := <-m.ch:
		return msg, true
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-m.ch:
		return msg, true
	case <-timer.C:
		return nil, false
	case <-ctx.Done():
		return nil, false
	}
}

// Drain discards all queued messages and returns how many were dropped.
// Called on unregister; the contents are deliberately not redelivered.
func (m *Mailbox) Drain() int {
	dropped := 0
	for {
		select {
		case <-m.ch:
			dropped++
		default:
			return dropped
		}
	}
}

// Len returns the number of queued messages.
func (m *Mailbox) Len() int {
	return len(m.ch)
}

// Cap returns the mailbox capacity.
func (m *Mailbox) Cap() int {
	return cap(m.ch)
}
