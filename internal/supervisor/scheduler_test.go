package supervisor

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentbus/pkg/config"
	"agentbus/pkg/dispatch"
)

const testRoster = `
shifts:
  - name: day
    start: "08:00"
    end: "20:00"
    agents: [worker-1, worker-2]
  - name: night
    start: "20:00"
    end: "08:00"
    agents: [worker-3]
`

func writeRoster(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "roster.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadRoster(t *testing.T) {
	roster, err := LoadRoster(writeRoster(t, testRoster))
	require.NoError(t, err)

	require.Len(t, roster.Shifts, 2)
	assert.Equal(t, "day", roster.Shifts[0].Name)
	assert.Equal(t, []string{"worker-1", "worker-2", "worker-3"}, roster.rosterAgents())
}

func TestLoadRosterRejectsBadClockTimes(t *testing.T) {
	_, err := LoadRoster(writeRoster(t, `
shifts:
  - name: broken
    start: "25:00"
    end: "20:00"
    agents: [worker-1]
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of range")
}

func TestActiveAt(t *testing.T) {
	roster, err := LoadRoster(writeRoster(t, testRoster))
	require.NoError(t, err)

	noon := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	active := roster.ActiveAt(noon)
	assert.True(t, active["worker-1"])
	assert.True(t, active["worker-2"])
	assert.False(t, active["worker-3"])

	// The night shift wraps past midnight.
	lateNight := time.Date(2026, 8, 29, 2, 30, 0, 0, time.UTC)
	active = roster.ActiveAt(lateNight)
	assert.False(t, active["worker-1"])
	assert.True(t, active["worker-3"])

	// Shift boundaries: start is inclusive, end is exclusive.
	shiftStart := time.Date(2026, 8, 29, 8, 0, 0, 0, time.UTC)
	active = roster.ActiveAt(shiftStart)
	assert.True(t, active["worker-1"])
	assert.False(t, active["worker-3"])
}

func TestSchedulerTogglesParticipationOnly(t *testing.T) {
	cfg := config.Default()
	d := dispatch.NewDispatcher(cfg, nil, nil, nil)
	require.NoError(t, d.Start())
	t.Cleanup(d.Stop)

	for _, name := range []string{"worker-1", "worker-3", "unlisted"} {
		_, err := d.Register(name)
		require.NoError(t, err)
	}

	roster, err := LoadRoster(writeRoster(t, testRoster))
	require.NoError(t, err)
	sched := NewScheduler(roster, d)

	noon := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	sched.Apply(noon)

	statuses := d.GetAgentStatuses()
	assert.True(t, statuses["worker-1"].Active)
	assert.False(t, statuses["worker-3"].Active, "off-shift agents are deactivated")
	assert.True(t, statuses["unlisted"].Active, "agents outside the roster are never touched")

	// Off-shift agents stay registered with their mailbox intact.
	assert.True(t, d.IsRegistered("worker-3"))

	midnight := time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC)
	sched.Apply(midnight)

	statuses = d.GetAgentStatuses()
	assert.False(t, statuses["worker-1"].Active)
	assert.True(t, statuses["worker-3"].Active, "coming back on shift reactivates")
}
