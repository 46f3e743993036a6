package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentbus/pkg/config"
	"agentbus/pkg/dispatch"
	"agentbus/pkg/proto"
	"agentbus/pkg/store"
)

type fixture struct {
	cfg        *config.Config
	dispatcher *dispatch.Dispatcher
	store      *store.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cfg := config.Default()
	cfg.ReceiveTimeoutMs = 20
	cfg.SendTimeoutMs = 100

	d := dispatch.NewDispatcher(cfg, nil, nil, nil)
	require.NoError(t, d.Start())
	t.Cleanup(d.Stop)

	st, err := store.New(t.TempDir(), time.Hour, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	return &fixture{cfg: cfg, dispatcher: d, store: st}
}

func (f *fixture) register(t *testing.T, name string) *Handle {
	t.Helper()
	h, err := Register(name, f.dispatcher, f.store, f.cfg)
	require.NoError(t, err)
	return h
}

// run starts the worker loop and returns a func that stops it and waits for
// exit.
func run(t *testing.T, h *Handle) func() {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.Run(ctx)
	}()

	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("Worker loop did not exit")
		}
	}
}

func TestHandlerDispatch(t *testing.T) {
	f := newFixture(t)
	coordinator := f.register(t, "coordinator")
	worker := f.register(t, "worker-1")

	received := make(chan *proto.Message, 1)
	worker.Handle(proto.KindTask, func(_ context.Context, msg *proto.Message) error {
		received <- msg
		return nil
	})
	stop := run(t, worker)
	defer stop()

	require.NoError(t, coordinator.Send("worker-1", proto.KindTask, map[string]any{
		proto.KeyJob: "compact the archive",
	}))

	select {
	case msg := <-received:
		job, _ := msg.GetPayloadString(proto.KeyJob)
		assert.Equal(t, "compact the archive", job)
		assert.Equal(t, "coordinator", msg.FromAgent)
	case <-time.After(5 * time.Second):
		t.Fatal("Handler never ran")
	}
}

func TestUnhandledKindIsLoggedNotFatal(t *testing.T) {
	f := newFixture(t)
	coordinator := f.register(t, "coordinator")
	worker := f.register(t, "worker-1")

	received := make(chan struct{}, 1)
	worker.Handle(proto.KindTask, func(_ context.Context, _ *proto.Message) error {
		received <- struct{}{}
		return nil
	})
	stop := run(t, worker)
	defer stop()

	// A kind with no handler must not kill the loop.
	require.NoError(t, coordinator.Send("worker-1", proto.MsgKind("unknown_kind"), nil))
	require.NoError(t, coordinator.Send("worker-1", proto.KindTask, nil))

	select {
	case <-received:
	case <-time.After(5 * time.Second):
		t.Fatal("Loop stopped after an unhandled kind")
	}
}

func TestShutdownMessageStopsLoop(t *testing.T) {
	f := newFixture(t)
	coordinator := f.register(t, "coordinator")
	worker := f.register(t, "worker-1")

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = worker.Run(context.Background())
	}()

	require.NoError(t, coordinator.Send("worker-1", proto.KindShutdown, nil))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown message did not stop the loop")
	}
	assert.False(t, f.dispatcher.IsRegistered("worker-1"), "a stopped agent unregisters")
}

func TestStop(t *testing.T) {
	f := newFixture(t)
	worker := f.register(t, "worker-1")

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = worker.Run(context.Background())
	}()

	// Let the loop start before stopping it.
	require.Eventually(t, func() bool {
		state, ok := f.dispatcher.GetState("worker-1")
		return ok && state.IsActive()
	}, 5*time.Second, 10*time.Millisecond)

	worker.Stop()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not terminate the loop")
	}
	assert.False(t, f.dispatcher.IsRegistered("worker-1"))
}

func TestRequestHelp(t *testing.T) {
	f := newFixture(t)
	requester := f.register(t, "worker-1")
	helper := f.register(t, "worker-2")

	received := make(chan *proto.Message, 1)
	helper.Handle(proto.KindHelpRequest, func(_ context.Context, msg *proto.Message) error {
		received <- msg
		return nil
	})
	stop := run(t, helper)
	defer stop()

	require.NoError(t, requester.RequestHelp("cannot parse the manifest"))

	select {
	case msg := <-received:
		problem, _ := msg.GetPayloadString(proto.KeyProblem)
		assert.Equal(t, "cannot parse the manifest", problem)
		assert.True(t, msg.RequiresResponse)
	case <-time.After(5 * time.Second):
		t.Fatal("Help request never arrived")
	}

	// The problem is also durable in the store for late joiners.
	value, found := f.store.Get("help_worker-1")
	require.True(t, found)
	entry, ok := value.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "cannot parse the manifest", entry[proto.KeyProblem])
}

func TestShareData(t *testing.T) {
	f := newFixture(t)
	producer := f.register(t, "worker-1")
	consumer := f.register(t, "worker-2")

	received := make(chan *proto.Message, 1)
	consumer.Handle(proto.KindDataShare, func(_ context.Context, msg *proto.Message) error {
		received <- msg
		return nil
	})
	stop := run(t, consumer)
	defer stop()

	require.NoError(t, producer.ShareData("scan_results", []any{"a", "b"}, "worker-2"))

	select {
	case msg := <-received:
		key, _ := msg.GetPayloadString(proto.KeyStoreKey)
		assert.Equal(t, "scan_results", key)
		value, found := f.store.Get(key)
		require.True(t, found)
		assert.Equal(t, []any{"a", "b"}, value)
	case <-time.After(5 * time.Second):
		t.Fatal("Data share notification never arrived")
	}
}

func TestShareDataBroadcastsWhenTargetEmpty(t *testing.T) {
	f := newFixture(t)
	producer := f.register(t, "worker-1")
	c1 := f.register(t, "worker-2")
	c2 := f.register(t, "worker-3")

	received := make(chan string, 2)
	for _, consumer := range []*Handle{c1, c2} {
		name := consumer.Name()
		consumer.Handle(proto.KindDataShare, func(_ context.Context, _ *proto.Message) error {
			received <- name
			return nil
		})
		stop := run(t, consumer)
		defer stop()
	}

	require.NoError(t, producer.ShareData("roster", "v2", ""))

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case name := <-received:
			got[name] = true
		case <-time.After(5 * time.Second):
			t.Fatal("Broadcast data share missed a consumer")
		}
	}
	assert.Len(t, got, 2)
}

func TestStatusPublishedToStore(t *testing.T) {
	f := newFixture(t)
	worker := f.register(t, "worker-1")

	stop := run(t, worker)
	defer stop()

	require.Eventually(t, func() bool {
		_, found := f.store.Get(StatusKeyPrefix + "worker-1")
		return found
	}, 5*time.Second, 10*time.Millisecond, "Run publishes status at startup")
}
