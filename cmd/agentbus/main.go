// Command agentbus runs the coordination bus: dispatcher, shared store,
// supervisor, and a set of demo agents that exercise the full message flow.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"agentbus/internal/supervisor"
	"agentbus/pkg/agent"
	"agentbus/pkg/config"
	"agentbus/pkg/dispatch"
	"agentbus/pkg/eventlog"
	"agentbus/pkg/logx"
	"agentbus/pkg/metrics"
	"agentbus/pkg/persistence"
	"agentbus/pkg/proto"
	"agentbus/pkg/store"
)

// Bus owns the wiring of every subsystem and their shutdown order.
type Bus struct {
	cfg        *config.Config
	store      *store.Store
	eventLog   *eventlog.Writer
	db         *persistence.Worker
	dispatcher *dispatch.Dispatcher
	supervisor *supervisor.Supervisor
	scheduler  *supervisor.Scheduler
	logger     *logx.Logger

	cancelBackground context.CancelFunc
}

func main() {
	var configPath string
	var dataDir string
	var metricsAddr string
	var archive bool
	flag.StringVar(&configPath, "config", "", "Path to JSON config file")
	flag.StringVar(&dataDir, "data", "", "Data directory (overrides config)")
	flag.StringVar(&metricsAddr, "metrics", "", "Prometheus listen address, e.g. :9090 (empty disables)")
	flag.BoolVar(&archive, "archive", false, "Enable the SQLite message archive")
	flag.Parse()

	if configPath == "" {
		configPath = os.Getenv("AGENTBUS_CONFIG")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if archive && cfg.ArchivePath == "" {
		cfg.ArchivePath = filepath.Join(cfg.DataDir, config.DefaultArchiveFilename)
	}

	bus, err := NewBus(cfg)
	if err != nil {
		log.Fatalf("Failed to create bus: %v", err)
	}

	ctx := context.Background()
	if err := bus.Start(ctx); err != nil {
		log.Fatalf("Failed to start bus: %v", err)
	}

	if metricsAddr != "" {
		go serveMetrics(metricsAddr, bus.logger)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	bus.logger.Info("Received signal %v, shutting down", sig)

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := bus.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error during shutdown: %v", err)
		os.Exit(1)
	}
}

// NewBus builds every subsystem from the config without starting anything.
func NewBus(cfg *config.Config) (*Bus, error) {
	logger := logx.NewLogger("agentbus")

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	recorder := metrics.NewPrometheusRecorder()

	st, err := store.New(cfg.DataDir, cfg.FlushInterval(), recorder)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	eventLog, err := eventlog.NewWriter(
		filepath.Join(cfg.DataDir, config.DefaultEventLogSubdir), cfg.RetentionCount)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}

	// The SQLite archive is optional; the capped JSONL logs are always on.
	var worker *persistence.Worker
	var archiveCh chan<- *persistence.Request
	if cfg.ArchivePath != "" {
		db, err := persistence.InitializeDatabase(cfg.ArchivePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open archive database: %w", err)
		}
		worker = persistence.NewWorker(db)
		archiveCh = worker.Requests()
	}

	dispatcher := dispatch.NewDispatcher(cfg, eventLog, recorder, archiveCh)
	sup := supervisor.NewSupervisor(cfg, dispatcher, recorder, archiveCh)

	bus := &Bus{
		cfg:        cfg,
		store:      st,
		eventLog:   eventLog,
		db:         worker,
		dispatcher: dispatcher,
		supervisor: sup,
		logger:     logger,
	}

	if cfg.RosterPath != "" {
		roster, err := supervisor.LoadRoster(cfg.RosterPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load roster: %w", err)
		}
		bus.scheduler = supervisor.NewScheduler(roster, dispatcher)
	}

	return bus, nil
}

// Start brings the subsystems up in dependency order and launches the demo
// coordinator and worker agents under supervision.
func (b *Bus) Start(ctx context.Context) error {
	bgCtx, cancel := context.WithCancel(ctx)
	b.cancelBackground = cancel

	if b.db != nil {
		go b.db.Run(bgCtx)
	}
	go b.store.Run(bgCtx)

	if err := b.dispatcher.Start(); err != nil {
		return err
	}

	if err := b.supervisor.Manage(bgCtx, b.cfg.FailsafeAgent, b.coordinatorInit()); err != nil {
		return fmt.Errorf("failed to launch coordinator: %w", err)
	}
	for _, name := range []string{"worker-1", "worker-2"} {
		if err := b.supervisor.Manage(bgCtx, name, b.workerInit(name)); err != nil {
			return fmt.Errorf("failed to launch %s: %w", name, err)
		}
	}

	go b.supervisor.Run(bgCtx)
	if b.scheduler != nil {
		go b.scheduler.Run(bgCtx)
	}
	go b.logEvents(bgCtx)

	b.logger.Info("Bus started (data dir %s)", b.cfg.DataDir)
	return nil
}

// coordinatorInit builds the failsafe coordinator. It hands out tasks in
// response to status reports and answers help requests.
func (b *Bus) coordinatorInit() supervisor.InitFunc {
	return func(ctx context.Context) (*agent.Handle, error) {
		h, err := agent.Register(b.cfg.FailsafeAgent, b.dispatcher, b.store, b.cfg)
		if err != nil {
			return nil, err
		}
		h.Handle(proto.KindStatus, func(ctx context.Context, msg *proto.Message) error {
			state, _ := msg.GetPayloadString(proto.KeyState)
			b.logger.Debug("Status from %s: %s", msg.FromAgent, state)
			return nil
		})
		h.Handle(proto.KindHelpRequest, func(ctx context.Context, msg *proto.Message) error {
			problem, _ := msg.GetPayloadString(proto.KeyProblem)
			b.logger.Info("Help requested by %s: %s", msg.FromAgent, problem)
			return h.Send(msg.FromAgent, proto.KindTask, map[string]any{
				proto.KeyJob: "retry with reduced scope",
			})
		})
		return h, nil
	}
}

// workerInit builds a worker that executes tasks and reports status.
func (b *Bus) workerInit(name string) supervisor.InitFunc {
	return func(ctx context.Context) (*agent.Handle, error) {
		h, err := agent.Register(name, b.dispatcher, b.store, b.cfg)
		if err != nil {
			return nil, err
		}
		h.Handle(proto.KindTask, func(ctx context.Context, msg *proto.Message) error {
			job, _ := msg.GetPayloadString(proto.KeyJob)
			b.logger.Info("%s picked up task: %s", name, job)
			return h.Send(msg.FromAgent, proto.KindStatus, map[string]any{
				proto.KeyState:  "completed",
				proto.KeyReason: job,
			})
		})
		h.Handle(proto.KindDataShare, func(ctx context.Context, msg *proto.Message) error {
			key, _ := msg.GetPayloadString(proto.KeyStoreKey)
			if value, found := b.store.Get(key); found {
				b.logger.Debug("%s received shared data %s: %v", name, key, value)
			}
			return nil
		})
		return h, nil
	}
}

// logEvents surfaces supervisor events in the process log.
func (b *Bus) logEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-b.supervisor.Events():
			b.logger.Info("Supervisor event: %s agent=%s %s", ev.Kind, ev.Agent, ev.Detail)
		}
	}
}

// Shutdown stops the subsystems in reverse dependency order: agents first so
// no new traffic arrives, then the dispatcher, then the durable layers.
func (b *Bus) Shutdown(ctx context.Context) error {
	b.supervisor.Stop()
	b.dispatcher.Stop()

	if b.cancelBackground != nil {
		b.cancelBackground()
	}

	if b.db != nil {
		b.db.Wait()
	}
	if err := b.store.Close(); err != nil {
		b.logger.Error("Store close failed: %v", err)
		return err
	}

	b.logger.Info("Shutdown complete")
	return nil
}

func serveMetrics(addr string, logger *logx.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Info("Metrics listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("Metrics server failed: %v", err)
	}
}
