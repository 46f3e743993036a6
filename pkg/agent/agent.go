// Package agent provides the handle a worker uses to participate in the
// bus: registration, a cancellable receive loop with kind-based dispatch,
// and convenience operations built on Send/Broadcast plus the shared store.
package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"agentbus/pkg/config"
	"agentbus/pkg/dispatch"
	"agentbus/pkg/logx"
	"agentbus/pkg/proto"
	"agentbus/pkg/store"
)

// StatusKeyPrefix is the store key prefix agents publish their status
// under, so the supervisor and peers can inspect status without a message
// round trip.
const StatusKeyPrefix = "agent_status_"

// Handle is one agent's API surface onto the bus. It owns exactly one
// mailbox, created at Register and destroyed at Stop.
type Handle struct {
	name       string
	dispatcher *dispatch.Dispatcher
	store      *store.Store
	mailbox    *dispatch.Mailbox
	cfg        *config.Config
	logger     *logx.Logger

	mu       sync.Mutex
	handlers handlerTable

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopped  chan struct{}
}

// Register joins the bus under the given name and returns the agent's
// handle. Fails with dispatch.ErrDuplicateAgent if the name is taken.
func Register(name string, d *dispatch.Dispatcher, st *store.Store, cfg *config.Config) (*Handle, error) {
	mailbox, err := d.Register(name)
	if err != nil {
		return nil, err
	}

	return &Handle{
		name:       name,
		dispatcher: d,
		store:      st,
		mailbox:    mailbox,
		cfg:        cfg,
		logger:     logx.NewLogger(name),
		handlers:   make(handlerTable),
		stopped:    make(chan struct{}),
	}, nil
}

// Name returns the agent's unique name.
func (h *Handle) Name() string {
	return h.name
}

// Handle registers a handler for a message kind, replacing any previous
// handler for that kind.
func (h *Handle) Handle(kind proto.MsgKind, fn HandlerFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[kind] = fn
}

func (h *Handle) handlerFor(kind proto.MsgKind) (HandlerFunc, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn, ok := h.handlers[kind]
	return fn, ok
}

// Run executes the worker loop until ctx is cancelled, Stop is called, or a
// shutdown message arrives. Receive is the loop's only suspension point; the
// bounded wait keeps the loop responsive to cancellation.
func (h *Handle) Run(ctx context.Context) error {
	if err := h.dispatcher.SetState(h.name, proto.StateRunning); err != nil {
		return fmt.Errorf("agent %s failed to start: %w", h.name, err)
	}
	h.PublishStatus(proto.StateRunning)
	h.logger.Info("Worker loop started")

	h.wg.Add(1)
	defer h.wg.Done()

	lastStatus := time.Now()

	for {
		select {
		case <-ctx.Done():
			h.shutdown("context cancelled")
			return nil
		case <-h.stopped:
			h.shutdown("stop requested")
			return nil
		default:
		}

		msg, ok := h.mailbox.Receive(ctx, h.cfg.ReceiveTimeout())
		h.dispatcher.Touch(h.name)

		if ok {
			if msg.Kind == proto.KindShutdown {
				h.logger.Info("Shutdown message received from %s", msg.FromAgent)
				h.shutdown("shutdown message")
				return nil
			}
			h.process(ctx, msg)
		} else {
			// Timeout with no message: stay idle, activity already refreshed.
			_ = h.dispatcher.SetState(h.name, proto.StateIdle)
		}

		if time.Since(lastStatus) >= h.cfg.StatusInterval() {
			state, _ := h.dispatcher.GetState(h.name)
			h.PublishStatus(state)
			lastStatus = time.Now()
		}
	}
}

// process dispatches one message through the handler table with the
// Idle -> Processing -> Idle transition around it.
func (h *Handle) process(ctx context.Context, msg *proto.Message) {
	_ = h.dispatcher.SetState(h.name, proto.StateProcessing)

	fn, ok := h.handlerFor(msg.Kind)
	if !ok {
		h.logger.Warn("No handler for kind %s (message %s from %s)", msg.Kind, msg.ID, msg.FromAgent)
	} else if err := fn(ctx, msg); err != nil {
		h.logger.Error("Handler for %s failed on message %s: %v", msg.Kind, msg.ID, err)
	}

	_ = h.dispatcher.SetState(h.name, proto.StateIdle)
}

// shutdown drains the mailbox, unregisters, and marks the agent stopped.
func (h *Handle) shutdown(reason string) {
	h.logger.Info("Stopping: %s", reason)
	_ = h.dispatcher.SetState(h.name, proto.StateStopped)
	h.PublishStatus(proto.StateStopped)
	h.dispatcher.Unregister(h.name)
}

// Stop signals the worker loop to exit and waits for it to finish.
func (h *Handle) Stop() {
	h.stopOnce.Do(func() { close(h.stopped) })
	h.wg.Wait()
}

// Send delivers a point-to-point message to the named agent.
func (h *Handle) Send(to string, kind proto.MsgKind, payload map[string]any) error {
	msg := proto.NewMessage(kind, h.name, to)
	for k, v := range payload {
		msg.SetPayload(k, v)
	}
	return h.dispatcher.Send(msg)
}

// Broadcast delivers a message to every other active agent.
func (h *Handle) Broadcast(kind proto.MsgKind, payload map[string]any) error {
	msg := proto.NewBroadcast(kind, h.name)
	for k, v := range payload {
		msg.SetPayload(k, v)
	}
	return h.dispatcher.Broadcast(msg)
}

// Receive waits up to timeout for the next message. Most agents let Run
// drive dispatch instead; Receive exists for callers that poll directly.
func (h *Handle) Receive(ctx context.Context, timeout time.Duration) (*proto.Message, bool) {
	msg, ok := h.mailbox.Receive(ctx, timeout)
	h.dispatcher.Touch(h.name)
	return msg, ok
}

// PublishStatus writes the agent's current status into the shared store so
// the supervisor and peers can query it without messaging.
func (h *Handle) PublishStatus(state proto.State) {
	if h.store == nil {
		return
	}
	h.store.Put(StatusKeyPrefix+h.name, map[string]any{
		proto.KeyState: string(state),
		"updated_at":   time.Now().UTC().Format(time.RFC3339),
	}, h.name, 0)
}

// RequestHelp broadcasts a help request and records the problem in the
// store for agents that join later.
func (h *Handle) RequestHelp(problem string) error {
	h.store.Put("help_"+h.name, map[string]any{
		proto.KeyProblem: problem,
		"requested_at":   time.Now().UTC().Format(time.RFC3339),
	}, h.name, 0)

	msg := proto.NewBroadcast(proto.KindHelpRequest, h.name)
	msg.SetPayload(proto.KeyProblem, problem)
	msg.RequiresResponse = true
	return h.dispatcher.Broadcast(msg)
}

// ShareData publishes a value into the store and notifies either one agent
// or everyone that it is available.
func (h *Handle) ShareData(key string, value any, target string) error {
	h.store.Put(key, value, h.name, 0)

	var msg *proto.Message
	if target == "" {
		msg = proto.NewBroadcast(proto.KindDataShare, h.name)
	} else {
		msg = proto.NewMessage(proto.KindDataShare, h.name, target)
	}
	msg.SetPayload(proto.KeyStoreKey, key)

	if msg.IsBroadcast() {
		return h.dispatcher.Broadcast(msg)
	}
	return h.dispatcher.Send(msg)
}
