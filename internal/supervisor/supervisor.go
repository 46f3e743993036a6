// Package supervisor watches agent liveness and manages restarts. It marks
// silent agents unresponsive, recreates them through registered initializers
// with a bounded retry budget, and force-activates a failsafe agent when the
// bus would otherwise go dark.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"agentbus/pkg/agent"
	"agentbus/pkg/config"
	"agentbus/pkg/dispatch"
	"agentbus/pkg/logx"
	"agentbus/pkg/metrics"
	"agentbus/pkg/persistence"
	"agentbus/pkg/proto"
)

// EventKind classifies supervisor events.
type EventKind string

const (
	EventUnresponsive  EventKind = "unresponsive"
	EventRestarted     EventKind = "restarted"
	EventRestartFailed EventKind = "restart_failed"
	EventFailsafe      EventKind = "failsafe_activated"
)

// Event is one supervisor observation or action, delivered on a buffered
// channel. A full channel drops the event with a warning; the scan loop
// never blocks on a slow consumer.
type Event struct {
	Kind      EventKind `json:"kind"`
	Agent     string    `json:"agent"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// InitFunc creates a fresh agent handle. The supervisor calls it once at
// launch and again on every restart; each call must produce a new
// registration with no state carried over from the previous incarnation.
type InitFunc func(ctx context.Context) (*agent.Handle, error)

// managed tracks one agent the supervisor is responsible for.
type managed struct {
	init   InitFunc
	cancel context.CancelFunc
}

// Supervisor runs the liveness scan loop and the restart machinery.
type Supervisor struct {
	cfg        *config.Config
	dispatcher *dispatch.Dispatcher
	recorder   metrics.Recorder
	archive    chan<- *persistence.Request
	logger     *logx.Logger

	mu      sync.Mutex
	agents  map[string]*managed
	running bool

	events chan Event
}

// NewSupervisor creates a supervisor over the given dispatcher. archive may
// be nil; recorder may be a metrics.NopRecorder.
func NewSupervisor(cfg *config.Config, d *dispatch.Dispatcher, recorder metrics.Recorder, archive chan<- *persistence.Request) *Supervisor {
	if recorder == nil {
		recorder = metrics.NopRecorder{}
	}
	return &Supervisor{
		cfg:        cfg,
		dispatcher: d,
		recorder:   recorder,
		archive:    archive,
		logger:     logx.NewLogger("supervisor"),
		agents:     make(map[string]*managed),
		events:     make(chan Event, config.DefaultSupervisorEventBufs),
	}
}

// Events returns the supervisor's event stream.
func (s *Supervisor) Events() <-chan Event {
	return s.events
}

// Manage registers an initializer and launches the agent. The supervisor
// owns the agent's lifecycle from here: it will recreate the agent through
// init if it ever goes unresponsive.
func (s *Supervisor) Manage(ctx context.Context, name string, init InitFunc) error {
	s.mu.Lock()
	if _, exists := s.agents[name]; exists {
		s.mu.Unlock()
		return fmt.Errorf("agent %s is already managed", name)
	}
	m := &managed{init: init}
	s.agents[name] = m
	s.mu.Unlock()

	if err := s.launch(ctx, name, m); err != nil {
		s.mu.Lock()
		delete(s.agents, name)
		s.mu.Unlock()
		return err
	}
	return nil
}

// launch creates a fresh agent through its initializer and starts its worker
// loop under a child context the supervisor can cancel.
func (s *Supervisor) launch(ctx context.Context, name string, m *managed) error {
	h, err := m.init(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize agent %s: %w", name, err)
	}

	agentCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	go func() {
		s.logger.Info("Starting worker loop for %s", name)
		if err := h.Run(agentCtx); err != nil {
			s.logger.Error("Agent %s worker loop failed: %v", name, err)
		}
	}()
	return nil
}

// Run executes the scan loop until ctx is cancelled. It also consumes the
// dispatcher's state change notifications for logging.
func (s *Supervisor) Run(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Warn("Supervisor already running")
		return
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	s.logger.Info("Supervisor started (scan every %s, unresponsive after %s)",
		s.cfg.ScanInterval(), s.cfg.UnresponsiveTimeout())

	ticker := time.NewTicker(s.cfg.ScanInterval())
	defer ticker.Stop()

	stateChanges := s.dispatcher.StateChanges()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Supervisor stopping")
			return
		case n, ok := <-stateChanges:
			if !ok {
				s.logger.Info("State change channel closed")
				return
			}
			s.logger.Debug("State change: %s %s -> %s", n.AgentID, n.FromState, n.ToState)
		case <-ticker.C:
			s.scan(ctx)
		}
	}
}

// scan checks every registered agent's last activity, restarts the silent
// ones, and fires the failsafe if nothing is left running.
func (s *Supervisor) scan(ctx context.Context) {
	now := time.Now().UTC()
	statuses := s.dispatcher.GetAgentStatuses()

	activeCount := 0
	restarted := 0
	for name, status := range statuses {
		if status.State.IsActive() {
			if now.Sub(status.LastActivity) <= s.cfg.UnresponsiveTimeout() {
				activeCount++
				continue
			}

			silence := now.Sub(status.LastActivity).Round(time.Second)
			s.logger.Warn("Agent %s silent for %s, marking unresponsive", name, silence)
			if err := s.dispatcher.SetState(name, proto.StateUnresponsive); err != nil {
				s.logger.Error("Failed to mark %s unresponsive: %v", name, err)
				continue
			}
			s.emit(Event{Kind: EventUnresponsive, Agent: name,
				Detail: fmt.Sprintf("no activity for %s", silence), Timestamp: now})

			if s.restart(ctx, name) {
				restarted++
			}
		}
	}

	// An agent revived this scan counts toward liveness; the failsafe only
	// fires when the bus is actually dark.
	if activeCount == 0 && restarted == 0 {
		s.failsafe(ctx, now)
	}
}

// restart tears down an unresponsive agent and recreates it through its
// initializer, retrying up to the configured budget. Exhausting the budget
// leaves the agent parked in Stopped and reports the failure; it is never
// fatal. Returns whether the agent came back up.
func (s *Supervisor) restart(ctx context.Context, name string) bool {
	s.mu.Lock()
	m, exists := s.agents[name]
	s.mu.Unlock()

	if !exists {
		s.logger.Info("Agent %s is not managed, leaving unresponsive", name)
		return false
	}

	if m.cancel != nil {
		m.cancel()
	}
	s.awaitUnregister(ctx, name)

	for attempt := 1; attempt <= s.cfg.RestartBudget; attempt++ {
		err := s.launch(ctx, name, m)
		if err == nil {
			s.dispatcher.Touch(name)
			s.recorder.IncSupervisorRestart("success")
			persistence.RecordSessionEvent(name, persistence.SessionRestarted, s.archive)
			s.logger.Info("Restarted agent %s (attempt %d/%d)", name, attempt, s.cfg.RestartBudget)
			s.emit(Event{Kind: EventRestarted, Agent: name,
				Detail: fmt.Sprintf("attempt %d", attempt), Timestamp: time.Now().UTC()})
			return true
		}
		s.logger.Error("Restart attempt %d/%d for %s failed: %v", attempt, s.cfg.RestartBudget, name, err)
	}

	s.recorder.IncSupervisorRestart("failed")
	s.logger.Error("Restart budget exhausted for %s, leaving stopped", name)
	s.parkStopped(name)
	s.emit(Event{Kind: EventRestartFailed, Agent: name,
		Detail: fmt.Sprintf("budget of %d exhausted", s.cfg.RestartBudget), Timestamp: time.Now().UTC()})
	return false
}

// parkStopped keeps a Stopped record in the registry for an agent that could
// not be restarted. The cancelled worker loop unregistered itself, so without
// this the agent would simply vanish from GetAgentStatuses.
func (s *Supervisor) parkStopped(name string) {
	if !s.dispatcher.IsRegistered(name) {
		if _, err := s.dispatcher.Register(name); err != nil {
			s.logger.Warn("Could not record %s as stopped: %v", name, err)
			return
		}
	}
	s.dispatcher.SetActive(name, false)
	if err := s.dispatcher.SetState(name, proto.StateStopped); err != nil {
		s.logger.Warn("Could not mark %s stopped: %v", name, err)
	}
}

// awaitUnregister waits for a cancelled agent's worker loop to release its
// registration so the fresh incarnation can reuse the name.
func (s *Supervisor) awaitUnregister(ctx context.Context, name string) {
	deadline := time.Now().Add(2 * time.Second)
	for s.dispatcher.IsRegistered(name) {
		if time.Now().After(deadline) || ctx.Err() != nil {
			// Force the registration out so the restart can proceed.
			s.dispatcher.Unregister(name)
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// failsafe keeps the bus from going completely dark. When no agent is in an
// active state, the designated failsafe agent is reactivated and, if managed
// but missing, relaunched.
func (s *Supervisor) failsafe(ctx context.Context, now time.Time) {
	name := s.cfg.FailsafeAgent
	if name == "" {
		return
	}

	s.logger.Warn("No active agents, activating failsafe agent %s", name)
	s.dispatcher.SetActive(name, true)

	state, registered := s.dispatcher.GetState(name)
	if !registered || state == proto.StateStopped {
		s.mu.Lock()
		m, managed := s.agents[name]
		s.mu.Unlock()
		if managed {
			if registered {
				// Clear a parked Stopped record so the fresh incarnation
				// can take the name.
				s.dispatcher.Unregister(name)
			}
			if err := s.launch(ctx, name, m); err != nil {
				s.logger.Error("Failed to launch failsafe agent %s: %v", name, err)
				return
			}
			s.recorder.IncSupervisorRestart("failsafe")
		} else {
			s.logger.Error("Failsafe agent %s is not managed and cannot be relaunched", name)
			return
		}
	}

	s.emit(Event{Kind: EventFailsafe, Agent: name, Timestamp: now})
}

// emit delivers an event without ever blocking the scan loop.
func (s *Supervisor) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.logger.Warn("Event channel full, dropping %s for %s", ev.Kind, ev.Agent)
	}
}

// Stop cancels every managed agent's worker loop.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, m := range s.agents {
		if m.cancel != nil {
			s.logger.Info("Cancelling agent %s", name)
			m.cancel()
		}
	}
}
