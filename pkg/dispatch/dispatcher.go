// Package dispatch implements the coordination bus: per-agent bounded
// mailboxes, point-to-point and broadcast routing, agent status tracking,
// and persistence of every routed message.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"agentbus/pkg/config"
	"agentbus/pkg/eventlog"
	"agentbus/pkg/logx"
	"agentbus/pkg/metrics"
	"agentbus/pkg/persistence"
	"agentbus/pkg/proto"
)

// registration is one agent's record in the dispatcher. The mailbox exists
// exactly as long as the registration does.
type registration struct {
	mailbox      *Mailbox
	state        proto.State
	active       bool // Participation toggle; inactive agents skip broadcasts
	lastActivity time.Time
	registeredAt time.Time
}

// Dispatcher validates and routes messages between registered agents. All
// registry access goes through its mutex; no caller is handed the map.
type Dispatcher struct {
	cfg      *config.Config
	eventLog *eventlog.Writer
	archive  chan<- *persistence.Request // Nil disables archiving
	recorder metrics.Recorder
	logger   *logx.Logger

	mu      sync.RWMutex
	agents  map[string]*registration
	running bool

	stateChangeCh chan *proto.StateChangeNotification
}

// NewDispatcher creates a dispatcher. archive may be nil when no SQLite
// archive is configured; recorder may be a metrics.NopRecorder.
func NewDispatcher(cfg *config.Config, eventLog *eventlog.Writer, recorder metrics.Recorder, archive chan<- *persistence.Request) *Dispatcher {
	if recorder == nil {
		recorder = metrics.NopRecorder{}
	}
	return &Dispatcher{
		cfg:           cfg,
		eventLog:      eventLog,
		archive:       archive,
		recorder:      recorder,
		logger:        logx.NewLogger("dispatcher"),
		agents:        make(map[string]*registration),
		stateChangeCh: make(chan *proto.StateChangeNotification, 100),
	}
}

// Start marks the dispatcher as running.
func (d *Dispatcher) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return fmt.Errorf("dispatcher is already running")
	}
	d.running = true
	d.logger.Info("Dispatcher started (mailbox capacity %d)", d.cfg.MailboxCapacity)
	return nil
}

// Stop rejects new traffic and unregisters every agent, draining and
// discarding their mailboxes.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	names := make([]string, 0, len(d.agents))
	for name := range d.agents {
		names = append(names, name)
	}
	d.mu.Unlock()

	for _, name := range names {
		d.Unregister(name)
	}
	d.logger.Info("Dispatcher stopped")
}

// Register creates a mailbox and status record for a new agent. Names are
// unique: a second registration under the same name fails with
// ErrDuplicateAgent.
func (d *Dispatcher) Register(name string) (*Mailbox, error) {
	if name == "" {
		return nil, fmt.Errorf("agent name cannot be empty")
	}
	if name == proto.BroadcastTarget {
		return nil, fmt.Errorf("agent name %q is reserved", proto.BroadcastTarget)
	}

	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil, ErrNotRunning
	}
	if _, exists := d.agents[name]; exists {
		d.mu.Unlock()
		return nil, fmt.Errorf("agent %s: %w", name, ErrDuplicateAgent)
	}

	now := time.Now().UTC()
	reg := &registration{
		mailbox:      NewMailbox(name, d.cfg.MailboxCapacity),
		state:        proto.StateRegistered,
		active:       true,
		lastActivity: now,
		registeredAt: now,
	}
	d.agents[name] = reg
	count := len(d.agents)
	d.mu.Unlock()

	d.recorder.SetRegisteredAgents(count)
	persistence.RecordSessionEvent(name, persistence.SessionRegistered, d.archive)
	d.logger.Info("Registered agent: %s", name)

	return reg.mailbox, nil
}

// Unregister removes an agent, draining and discarding whatever is still
// queued. The mailbox is destroyed; store entries and channel history are
// left intact.
func (d *Dispatcher) Unregister(name string) {
	d.mu.Lock()
	reg, exists := d.agents[name]
	if exists {
		delete(d.agents, name)
	}
	count := len(d.agents)
	d.mu.Unlock()

	if !exists {
		return
	}

	dropped := reg.mailbox.Drain()
	if dropped > 0 {
		d.logger.Info("Discarded %d undelivered messages for %s", dropped, name)
	}

	d.recorder.SetRegisteredAgents(count)
	d.recorder.SetMailboxDepth(name, 0)
	persistence.RecordSessionEvent(name, persistence.SessionUnregistered, d.archive)
	d.logger.Info("Unregistered agent: %s", name)
}

// Send validates and routes one message. Broadcasts are delegated to
// Broadcast; point-to-point messages are persisted to the recipient's
// channel log and enqueued with bounded blocking.
func (d *Dispatcher) Send(msg *proto.Message) error {
	if err := msg.Validate(); err != nil {
		d.recorder.IncSendFailure("invalid")
		return fmt.Errorf("invalid message: %w", err)
	}
	if msg.IsBroadcast() {
		return d.Broadcast(msg)
	}

	d.mu.RLock()
	running := d.running
	reg, exists := d.agents[msg.ToAgent]
	d.mu.RUnlock()

	if !running {
		d.recorder.IncSendFailure("not_running")
		return ErrNotRunning
	}
	if !exists {
		d.recorder.IncSendFailure("unknown_recipient")
		return fmt.Errorf("agent %s: %w", msg.ToAgent, ErrUnknownRecipient)
	}

	// Deliveries get a clone so the sender's copy can never be mutated
	// under the recipient.
	delivery := msg.Clone()

	if err := reg.mailbox.Send(context.Background(), delivery, d.cfg.SendTimeout()); err != nil {
		d.recorder.IncSendFailure("mailbox_full")
		return err
	}

	// Persisted after the enqueue so the channel log and archive never show
	// a delivery that was refused.
	d.persist(msg.ToAgent, delivery)

	d.touch(msg.FromAgent)
	d.recorder.ObserveMessage(msg.FromAgent, msg.ToAgent, string(msg.Kind))
	d.recorder.SetMailboxDepth(msg.ToAgent, reg.mailbox.Len())
	d.logger.Debug("Delivered %s %s -> %s (%s)", msg.Kind, msg.FromAgent, msg.ToAgent, msg.ID)
	return nil
}

// Broadcast delivers a copy of msg to every active registered agent except
// the sender. Per-recipient failures are collected and joined; one full
// mailbox never aborts delivery to the rest. The message is recorded once in
// the sender's log, once in the shared broadcast log, and once in each
// recipient log that actually took the delivery.
func (d *Dispatcher) Broadcast(msg *proto.Message) error {
	if err := msg.Validate(); err != nil {
		d.recorder.IncSendFailure("invalid")
		return fmt.Errorf("invalid message: %w", err)
	}

	d.mu.RLock()
	running := d.running
	type target struct {
		name string
		reg  *registration
	}
	targets := make([]target, 0, len(d.agents))
	for name, reg := range d.agents {
		if name == msg.FromAgent || !reg.active {
			continue
		}
		targets = append(targets, target{name: name, reg: reg})
	}
	d.mu.RUnlock()

	if !running {
		d.recorder.IncSendFailure("not_running")
		return ErrNotRunning
	}

	d.persist(msg.FromAgent, msg.Clone())
	d.persist(eventlog.BroadcastChannel, msg.Clone())

	var errs []error
	delivered := 0
	for _, t := range targets {
		delivery := msg.Clone()
		delivery.ToAgent = t.name

		if err := t.reg.mailbox.Send(context.Background(), delivery, d.cfg.SendTimeout()); err != nil {
			d.recorder.IncSendFailure("mailbox_full")
			errs = append(errs, fmt.Errorf("broadcast to %s: %w", t.name, err))
			continue
		}
		d.persist(t.name, delivery)
		delivered++
		d.recorder.ObserveMessage(msg.FromAgent, t.name, string(msg.Kind))
		d.recorder.SetMailboxDepth(t.name, t.reg.mailbox.Len())
	}

	d.touch(msg.FromAgent)
	d.recorder.ObserveBroadcast(msg.FromAgent, delivered)
	d.logger.Debug("Broadcast %s from %s delivered to %d/%d agents", msg.Kind, msg.FromAgent, delivered, len(targets))
	return errors.Join(errs...)
}

// persist writes a message to the channel log and the archive. Persistence
// failures are logged, never surfaced: routing must not fail on audit I/O.
func (d *Dispatcher) persist(channel string, msg *proto.Message) {
	if d.eventLog != nil {
		if err := d.eventLog.Append(channel, msg); err != nil {
			d.logger.Error("Failed to log message %s to channel %s: %v", msg.ID, channel, err)
		}
	}
	if channel != eventlog.BroadcastChannel {
		persistence.ArchiveMessage(msg, d.archive)
	}
}

// Touch refreshes an agent's last-activity timestamp. Agents call this from
// their worker loop on every receive cycle.
func (d *Dispatcher) Touch(name string) {
	d.touch(name)
}

func (d *Dispatcher) touch(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if reg, exists := d.agents[name]; exists {
		reg.lastActivity = time.Now().UTC()
	}
}

// SetState transitions an agent's lifecycle state. Only the agent's own
// handle and the supervisor call this; illegal transitions are rejected.
func (d *Dispatcher) SetState(name string, to proto.State) error {
	d.mu.Lock()
	reg, exists := d.agents[name]
	if !exists {
		d.mu.Unlock()
		return fmt.Errorf("agent %s: %w", name, ErrUnknownRecipient)
	}

	from := reg.state
	if err := proto.ValidateTransition(from, to); err != nil {
		d.mu.Unlock()
		return err
	}
	reg.state = to
	if to.IsActive() {
		reg.lastActivity = time.Now().UTC()
	}
	d.mu.Unlock()

	if from != to {
		notification := &proto.StateChangeNotification{
			AgentID:   name,
			FromState: from,
			ToState:   to,
			Timestamp: time.Now().UTC(),
		}
		select {
		case d.stateChangeCh <- notification:
		default:
			d.logger.Warn("State change channel full, dropping %s %s -> %s", name, from, to)
		}
	}
	return nil
}

// GetState returns an agent's current state.
func (d *Dispatcher) GetState(name string) (proto.State, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	reg, exists := d.agents[name]
	if !exists {
		return "", false
	}
	return reg.state, true
}

// SetActive toggles an agent's broadcast participation. Used by the
// activation scheduler; the mailbox and store entries are untouched.
func (d *Dispatcher) SetActive(name string, active bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if reg, exists := d.agents[name]; exists {
		reg.active = active
	}
}

// GetAgentStatuses returns a snapshot of every registered agent's status.
func (d *Dispatcher) GetAgentStatuses() map[string]proto.AgentStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()

	statuses := make(map[string]proto.AgentStatus, len(d.agents))
	for name, reg := range d.agents {
		statuses[name] = proto.AgentStatus{
			Name:         name,
			State:        reg.state,
			Active:       reg.active,
			LastActivity: reg.lastActivity,
			RegisteredAt: reg.registeredAt,
		}
	}
	return statuses
}

// IsRegistered reports whether an agent name is currently registered.
func (d *Dispatcher) IsRegistered(name string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, exists := d.agents[name]
	return exists
}

// StateChanges returns the channel the supervisor consumes state
// transitions from.
func (d *Dispatcher) StateChanges() <-chan *proto.StateChangeNotification {
	return d.stateChangeCh
}

// Stats returns introspection counters for operational visibility.
func (d *Dispatcher) Stats() map[string]any {
	d.mu.RLock()
	defer d.mu.RUnlock()

	agentList := make([]string, 0, len(d.agents))
	queued := 0
	for name, reg := range d.agents {
		agentList = append(agentList, name)
		queued += reg.mailbox.Len()
	}

	return map[string]any{
		"running":          d.running,
		"agents":           agentList,
		"queued_messages":  queued,
		"mailbox_capacity": d.cfg.MailboxCapacity,
	}
}

// QueueInfo describes one mailbox for DumpHeads.
type QueueInfo struct {
	Agent    string `json:"agent"`
	Length   int    `json:"length"`
	Capacity int    `json:"capacity"`
	Blocked  bool   `json:"blocked"`
}

// DumpHeads returns per-mailbox queue information.
func (d *Dispatcher) DumpHeads() []QueueInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()

	infos := make([]QueueInfo, 0, len(d.agents))
	for name, reg := range d.agents {
		infos = append(infos, QueueInfo{
			Agent:    name,
			Length:   reg.mailbox.Len(),
			Capacity: reg.mailbox.Cap(),
			Blocked:  reg.mailbox.Len() >= reg.mailbox.Cap(),
		})
	}
	return infos
}
