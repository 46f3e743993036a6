package dispatch

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"agentbus/pkg/config"
	"agentbus/pkg/eventlog"
	"agentbus/pkg/proto"
)

// newTestDispatcher creates a started dispatcher with short timeouts so
// backpressure tests finish quickly. No event log, archive, or metrics.
func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()

	cfg := config.Default()
	cfg.MailboxCapacity = 4
	cfg.SendTimeoutMs = 50
	cfg.ReceiveTimeoutMs = 50

	d := NewDispatcher(cfg, nil, nil, nil)
	if err := d.Start(); err != nil {
		t.Fatalf("Failed to start dispatcher: %v", err)
	}
	t.Cleanup(d.Stop)
	return d
}

func mustRegister(t *testing.T, d *Dispatcher, name string) *Mailbox {
	t.Helper()
	mb, err := d.Register(name)
	if err != nil {
		t.Fatalf("Failed to register %s: %v", name, err)
	}
	return mb
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	d := newTestDispatcher(t)

	mustRegister(t, d, "alpha")
	if _, err := d.Register("alpha"); !errors.Is(err, ErrDuplicateAgent) {
		t.Fatalf("Expected ErrDuplicateAgent, got %v", err)
	}
}

func TestRegisterRejectsReservedNames(t *testing.T) {
	d := newTestDispatcher(t)

	if _, err := d.Register(""); err == nil {
		t.Fatal("Expected error registering empty name")
	}
	if _, err := d.Register(proto.BroadcastTarget); err == nil {
		t.Fatal("Expected error registering broadcast target name")
	}
}

func TestSendDeliversExactPayload(t *testing.T) {
	d := newTestDispatcher(t)
	mustRegister(t, d, "sender")
	mb := mustRegister(t, d, "receiver")

	msg := proto.NewMessage(proto.KindTask, "sender", "receiver")
	msg.SetPayload(proto.KeyJob, "index the archive")
	msg.SetMetadata("trace", "t-1")

	if err := d.Send(msg); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	got, ok := mb.Receive(context.Background(), time.Second)
	if !ok {
		t.Fatal("Expected a delivered message")
	}
	if got.ID != msg.ID || got.FromAgent != "sender" || got.ToAgent != "receiver" {
		t.Fatalf("Envelope mismatch: %+v", got)
	}
	if job, _ := got.GetPayloadString(proto.KeyJob); job != "index the archive" {
		t.Fatalf("Payload mismatch: %q", job)
	}
	if trace, _ := got.GetMetadata("trace"); trace != "t-1" {
		t.Fatalf("Metadata mismatch: %q", trace)
	}
}

func TestSendToUnknownRecipient(t *testing.T) {
	d := newTestDispatcher(t)
	mustRegister(t, d, "sender")

	msg := proto.NewMessage(proto.KindTask, "sender", "nobody")
	if err := d.Send(msg); !errors.Is(err, ErrUnknownRecipient) {
		t.Fatalf("Expected ErrUnknownRecipient, got %v", err)
	}
}

func TestDeliveryIsImmutable(t *testing.T) {
	d := newTestDispatcher(t)
	mustRegister(t, d, "sender")
	mb := mustRegister(t, d, "receiver")

	msg := proto.NewMessage(proto.KindDataShare, "sender", "receiver")
	msg.SetPayload(proto.KeyStoreKey, "original")
	if err := d.Send(msg); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	// Mutating the sender's copy after Send must not affect the delivery.
	msg.SetPayload(proto.KeyStoreKey, "mutated")

	got, ok := mb.Receive(context.Background(), time.Second)
	if !ok {
		t.Fatal("Expected a delivered message")
	}
	if key, _ := got.GetPayloadString(proto.KeyStoreKey); key != "original" {
		t.Fatalf("Delivery was mutated through the sender's copy: %q", key)
	}
}

func TestPerRecipientFIFO(t *testing.T) {
	d := newTestDispatcher(t)
	mustRegister(t, d, "sender")
	mb := mustRegister(t, d, "receiver")

	const n = 4
	for i := 0; i < n; i++ {
		msg := proto.NewMessage(proto.KindTask, "sender", "receiver")
		msg.SetPayload(proto.KeyJob, fmt.Sprintf("job-%d", i))
		if err := d.Send(msg); err != nil {
			t.Fatalf("Send %d failed: %v", i, err)
		}
	}

	for i := 0; i < n; i++ {
		got, ok := mb.Receive(context.Background(), time.Second)
		if !ok {
			t.Fatalf("Missing message %d", i)
		}
		if job, _ := got.GetPayloadString(proto.KeyJob); job != fmt.Sprintf("job-%d", i) {
			t.Fatalf("Out of order at %d: %q", i, job)
		}
	}
}

func TestMailboxFullBackpressure(t *testing.T) {
	d := newTestDispatcher(t)
	mustRegister(t, d, "sender")
	mustRegister(t, d, "slow")

	// Fill the mailbox; nobody is receiving.
	for i := 0; i < d.cfg.MailboxCapacity; i++ {
		if err := d.Send(proto.NewMessage(proto.KindTask, "sender", "slow")); err != nil {
			t.Fatalf("Send %d failed: %v", i, err)
		}
	}

	start := time.Now()
	err := d.Send(proto.NewMessage(proto.KindTask, "sender", "slow"))
	if !errors.Is(err, ErrMailboxFull) {
		t.Fatalf("Expected ErrMailboxFull, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < d.cfg.SendTimeout() {
		t.Fatalf("Send returned before the timeout elapsed: %s", elapsed)
	}
}

func TestRefusedSendStaysOutOfChannelLog(t *testing.T) {
	cfg := config.Default()
	cfg.MailboxCapacity = 1
	cfg.SendTimeoutMs = 50

	eventLog, err := eventlog.NewWriter(t.TempDir(), cfg.RetentionCount)
	if err != nil {
		t.Fatalf("Failed to create event log: %v", err)
	}

	d := NewDispatcher(cfg, eventLog, nil, nil)
	if err := d.Start(); err != nil {
		t.Fatalf("Failed to start dispatcher: %v", err)
	}
	t.Cleanup(d.Stop)

	mustRegister(t, d, "sender")
	mustRegister(t, d, "slow")

	accepted := proto.NewMessage(proto.KindTask, "sender", "slow")
	if err := d.Send(accepted); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	refused := proto.NewMessage(proto.KindTask, "sender", "slow")
	if err := d.Send(refused); !errors.Is(err, ErrMailboxFull) {
		t.Fatalf("Expected ErrMailboxFull, got %v", err)
	}

	// The channel log records deliveries, not attempts.
	msgs, err := eventLog.Read("slow")
	if err != nil {
		t.Fatalf("Failed to read channel log: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("Expected 1 logged delivery, got %d", len(msgs))
	}
	if msgs[0].ID != accepted.ID {
		t.Fatalf("Channel log holds %s, want %s", msgs[0].ID, accepted.ID)
	}
}

func TestBroadcastExcludesSender(t *testing.T) {
	d := newTestDispatcher(t)
	sender := mustRegister(t, d, "sender")
	a := mustRegister(t, d, "a")
	b := mustRegister(t, d, "b")

	msg := proto.NewBroadcast(proto.KindStatus, "sender")
	if err := d.Broadcast(msg); err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}

	for name, mb := range map[string]*Mailbox{"a": a, "b": b} {
		got, ok := mb.Receive(context.Background(), time.Second)
		if !ok {
			t.Fatalf("Agent %s missed the broadcast", name)
		}
		if got.ToAgent != name {
			t.Fatalf("Broadcast clone for %s addressed to %s", name, got.ToAgent)
		}
	}

	if _, ok := sender.Receive(context.Background(), 100*time.Millisecond); ok {
		t.Fatal("Sender received its own broadcast")
	}
}

func TestBroadcastSkipsInactiveAgents(t *testing.T) {
	d := newTestDispatcher(t)
	mustRegister(t, d, "sender")
	active := mustRegister(t, d, "active")
	offShift := mustRegister(t, d, "off-shift")

	d.SetActive("off-shift", false)

	if err := d.Broadcast(proto.NewBroadcast(proto.KindStatus, "sender")); err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}

	if _, ok := active.Receive(context.Background(), time.Second); !ok {
		t.Fatal("Active agent missed the broadcast")
	}
	if _, ok := offShift.Receive(context.Background(), 100*time.Millisecond); ok {
		t.Fatal("Inactive agent received a broadcast")
	}
}

func TestBroadcastContinuesPastFullMailbox(t *testing.T) {
	d := newTestDispatcher(t)
	mustRegister(t, d, "sender")
	mustRegister(t, d, "stuck")
	healthy := mustRegister(t, d, "healthy")

	for i := 0; i < d.cfg.MailboxCapacity; i++ {
		if err := d.Send(proto.NewMessage(proto.KindTask, "sender", "stuck")); err != nil {
			t.Fatalf("Send %d failed: %v", i, err)
		}
	}

	err := d.Broadcast(proto.NewBroadcast(proto.KindStatus, "sender"))
	if !errors.Is(err, ErrMailboxFull) {
		t.Fatalf("Expected joined ErrMailboxFull, got %v", err)
	}

	// The healthy recipient still got its copy.
	if _, ok := healthy.Receive(context.Background(), time.Second); !ok {
		t.Fatal("Healthy agent missed the broadcast")
	}
}

func TestUnregisterDrainsMailbox(t *testing.T) {
	d := newTestDispatcher(t)
	mustRegister(t, d, "sender")
	mustRegister(t, d, "leaver")

	if err := d.Send(proto.NewMessage(proto.KindTask, "sender", "leaver")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	d.Unregister("leaver")

	if d.IsRegistered("leaver") {
		t.Fatal("Agent still registered after Unregister")
	}
	if err := d.Send(proto.NewMessage(proto.KindTask, "sender", "leaver")); !errors.Is(err, ErrUnknownRecipient) {
		t.Fatalf("Expected ErrUnknownRecipient after unregister, got %v", err)
	}
}

func TestStateTransitionsAndNotifications(t *testing.T) {
	d := newTestDispatcher(t)
	mustRegister(t, d, "worker")

	if err := d.SetState("worker", proto.StateRunning); err != nil {
		t.Fatalf("Registered -> Running failed: %v", err)
	}
	if err := d.SetState("worker", proto.StateProcessing); err != nil {
		t.Fatalf("Running -> Processing failed: %v", err)
	}
	if err := d.SetState("worker", proto.StateRegistered); err == nil {
		t.Fatal("Processing -> Registered should be rejected")
	}

	select {
	case n := <-d.StateChanges():
		if n.AgentID != "worker" || n.ToState != proto.StateRunning {
			t.Fatalf("Unexpected notification: %+v", n)
		}
	case <-time.After(time.Second):
		t.Fatal("Missing state change notification")
	}
}

func TestStoppedDispatcherRejectsTraffic(t *testing.T) {
	cfg := config.Default()
	d := NewDispatcher(cfg, nil, nil, nil)

	if _, err := d.Register("early"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Expected ErrNotRunning before Start, got %v", err)
	}

	if err := d.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	mustRegister(t, d, "sender")
	mustRegister(t, d, "receiver")
	d.Stop()

	err := d.Send(proto.NewMessage(proto.KindTask, "sender", "receiver"))
	if err == nil {
		t.Fatal("Expected error sending on a stopped dispatcher")
	}
}
