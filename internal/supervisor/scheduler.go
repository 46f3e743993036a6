package supervisor

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"agentbus/pkg/dispatch"
	"agentbus/pkg/logx"
)

// Shift is one activation window in the roster. Start and End are wall clock
// times in HH:MM form; a window with End before Start wraps past midnight.
type Shift struct {
	Name   string   `yaml:"name"`
	Start  string   `yaml:"start"`
	End    string   `yaml:"end"`
	Agents []string `yaml:"agents"`
}

// Roster is the activation schedule loaded from YAML. Agents listed in any
// shift are toggled by the scheduler; unlisted agents are never touched.
type Roster struct {
	Shifts []Shift `yaml:"shifts"`
}

// LoadRoster parses and validates a YAML roster file.
func LoadRoster(path string) (*Roster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read roster file %s: %w", path, err)
	}

	var roster Roster
	if err := yaml.Unmarshal(data, &roster); err != nil {
		return nil, fmt.Errorf("failed to parse roster YAML: %w", err)
	}

	for i := range roster.Shifts {
		shift := &roster.Shifts[i]
		if _, err := parseClock(shift.Start); err != nil {
			return nil, fmt.Errorf("shift %q start: %w", shift.Name, err)
		}
		if _, err := parseClock(shift.End); err != nil {
			return nil, fmt.Errorf("shift %q end: %w", shift.Name, err)
		}
	}
	return &roster, nil
}

// rosterAgents returns the sorted set of every agent named in any shift.
func (r *Roster) rosterAgents() []string {
	seen := make(map[string]bool)
	for _, shift := range r.Shifts {
		for _, name := range shift.Agents {
			seen[name] = true
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ActiveAt returns the set of roster agents whose shift covers the given
// time. An agent in multiple shifts is active if any of them covers it.
func (r *Roster) ActiveAt(now time.Time) map[string]bool {
	minute := now.Hour()*60 + now.Minute()
	active := make(map[string]bool)
	for _, shift := range r.Shifts {
		start, _ := parseClock(shift.Start)
		end, _ := parseClock(shift.End)
		if !covers(minute, start, end) {
			continue
		}
		for _, name := range shift.Agents {
			active[name] = true
		}
	}
	return active
}

// covers reports whether minute-of-day m falls inside [start, end), treating
// end <= start as a window that wraps past midnight.
func covers(m, start, end int) bool {
	if start == end {
		return false
	}
	if start < end {
		return m >= start && m < end
	}
	return m >= start || m < end
}

// parseClock converts "HH:MM" to minutes since midnight.
func parseClock(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("invalid clock time %q (want HH:MM)", s)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("clock time %q out of range", s)
	}
	return h*60 + m, nil
}

// Scheduler applies the roster on a fixed cadence. It only flips the
// dispatcher's participation flag; mailboxes, registrations, and store
// entries are untouched, so an agent coming back on shift picks up exactly
// where it left off.
type Scheduler struct {
	roster     *Roster
	dispatcher *dispatch.Dispatcher
	logger     *logx.Logger
	interval   time.Duration
}

// NewScheduler creates a scheduler over the given roster.
func NewScheduler(roster *Roster, d *dispatch.Dispatcher) *Scheduler {
	return &Scheduler{
		roster:     roster,
		dispatcher: d,
		logger:     logx.NewLogger("scheduler"),
		interval:   time.Minute,
	}
}

// Run applies the roster immediately and then once per interval until ctx
// is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("Activation scheduler started (%d shifts, %d agents)",
		len(s.roster.Shifts), len(s.roster.rosterAgents()))

	s.Apply(time.Now())

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Activation scheduler stopping")
			return
		case now := <-ticker.C:
			s.Apply(now)
		}
	}
}

// Apply toggles participation for every roster agent according to whether a
// shift covers the given time.
func (s *Scheduler) Apply(now time.Time) {
	active := s.roster.ActiveAt(now)
	for _, name := range s.roster.rosterAgents() {
		if !s.dispatcher.IsRegistered(name) {
			continue
		}
		s.dispatcher.SetActive(name, active[name])
		s.logger.Debug("Agent %s participation set to %t", name, active[name])
	}
}
