package proto

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessage(t *testing.T) {
	msg := NewMessage(KindTask, "coordinator", "worker-1")

	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, KindTask, msg.Kind)
	assert.False(t, msg.Timestamp.IsZero())
	assert.False(t, msg.IsBroadcast())
	require.NoError(t, msg.Validate())

	other := NewMessage(KindTask, "coordinator", "worker-1")
	assert.NotEqual(t, msg.ID, other.ID, "every message gets a unique ID")
}

func TestBroadcastTarget(t *testing.T) {
	msg := NewBroadcast(KindStatus, "coordinator")
	assert.True(t, msg.IsBroadcast())
	assert.Equal(t, BroadcastTarget, msg.ToAgent)
}

func TestValidate(t *testing.T) {
	msg := NewMessage(KindTask, "a", "b")
	require.NoError(t, msg.Validate())

	broken := *msg
	broken.ID = ""
	assert.Error(t, broken.Validate())

	broken = *msg
	broken.Kind = ""
	assert.Error(t, broken.Validate())

	broken = *msg
	broken.FromAgent = ""
	assert.Error(t, broken.Validate())

	broken = *msg
	broken.ToAgent = ""
	assert.Error(t, broken.Validate())

	broken = *msg
	broken.Timestamp = time.Time{}
	assert.Error(t, broken.Validate())
}

func TestCloneIsDeep(t *testing.T) {
	msg := NewMessage(KindDataShare, "a", "b")
	msg.SetPayload(KeyStoreKey, "results")
	msg.SetMetadata("trace", "t-1")

	clone := msg.Clone()
	clone.SetPayload(KeyStoreKey, "tampered")
	clone.SetMetadata("trace", "t-2")
	clone.ToAgent = "c"

	key, _ := msg.GetPayloadString(KeyStoreKey)
	assert.Equal(t, "results", key)
	trace, _ := msg.GetMetadata("trace")
	assert.Equal(t, "t-1", trace)
	assert.Equal(t, "b", msg.ToAgent)
	assert.Equal(t, msg.ID, clone.ID, "a clone keeps the original's identity")
}

func TestJSONRoundTrip(t *testing.T) {
	msg := NewMessage(KindHelpRequest, "worker-1", "coordinator")
	msg.SetPayload(KeyProblem, "stuck on migration")
	msg.RequiresResponse = true

	data, err := msg.ToJSON()
	require.NoError(t, err)

	decoded, err := FromJSON(data)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, decoded.ID)
	assert.Equal(t, KindHelpRequest, decoded.Kind)
	assert.True(t, decoded.RequiresResponse)
	problem, _ := decoded.GetPayloadString(KeyProblem)
	assert.Equal(t, "stuck on migration", problem)
}

func TestParseMsgKind(t *testing.T) {
	kind, err := ParseMsgKind("TASK")
	require.NoError(t, err)
	assert.Equal(t, KindTask, kind)

	kind, err = ParseMsgKind("Help_Request")
	require.NoError(t, err)
	assert.Equal(t, KindHelpRequest, kind)

	// Application kinds pass through with their original casing.
	kind, err = ParseMsgKind("DeployFinished")
	require.NoError(t, err)
	assert.Equal(t, MsgKind("DeployFinished"), kind)

	_, err = ParseMsgKind("")
	assert.Error(t, err)
}

func TestStateTransitionValidation(t *testing.T) {
	require.NoError(t, ValidateTransition(StateRegistered, StateRunning))
	require.NoError(t, ValidateTransition(StateRunning, StateProcessing))
	require.NoError(t, ValidateTransition(StateProcessing, StateIdle))
	require.NoError(t, ValidateTransition(StateIdle, StateUnresponsive))
	require.NoError(t, ValidateTransition(StateUnresponsive, StateRunning))
	require.NoError(t, ValidateTransition(StateIdle, StateIdle), "self transitions are no-ops")

	assert.Error(t, ValidateTransition(StateStopped, StateRunning), "stopped is terminal")
	assert.Error(t, ValidateTransition(StateInitializing, StateProcessing))
}

func TestIsActive(t *testing.T) {
	for _, s := range []State{StateRunning, StateIdle, StateProcessing} {
		assert.True(t, s.IsActive(), "%s should be active", s)
	}
	for _, s := range []State{StateInitializing, StateRegistered, StateUnresponsive, StateStopped} {
		assert.False(t, s.IsActive(), "%s should not be active", s)
	}
}
