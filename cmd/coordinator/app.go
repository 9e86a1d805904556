package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/deskagent/coordinator/aggregate"
	"github.com/deskagent/coordinator/bus"
	"github.com/deskagent/coordinator/config"
	"github.com/deskagent/coordinator/engine"
	"github.com/deskagent/coordinator/metrics"
	"github.com/deskagent/coordinator/progress"
	"github.com/deskagent/coordinator/schedule"
	"github.com/deskagent/coordinator/subagent"
	"github.com/deskagent/coordinator/subtask"
)

// app is the composition root: it owns the single process-wide bus client,
// manager, and engine. Nothing else in the module holds ambient globals.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	ns     *natsserver.Server
	nc     *nats.Conn
	client *bus.Client
	engine *engine.Engine
}

func newLogger(logLevel string) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

// loadConfig resolves configuration. An explicit path wins outright;
// otherwise the loader's layered user/project discovery applies.
func loadConfig(configPath string, logger *slog.Logger) (*config.Config, error) {
	if configPath == "" {
		return config.NewLoader(logger).Load()
	}

	cfg := config.DefaultConfig()
	loaded, err := config.LoadFromFile(configPath)
	if err != nil {
		return nil, err
	}
	cfg.Merge(loaded)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// newApp builds the full stack: NATS connection (embedded server when
// configured), bus client, subagent manager, and engine.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	url := cfg.NATS.URL
	if cfg.NATS.Embedded && url == "" {
		ns, err := startEmbeddedServer()
		if err != nil {
			return nil, fmt.Errorf("start embedded NATS server: %w", err)
		}
		a.ns = ns
		url = ns.ClientURL()
		logger.Info("embedded NATS server started", "url", url)
	}

	nc, err := nats.Connect(url, nats.Name(appName))
	if err != nil {
		a.shutdown()
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	a.nc = nc

	mx := metrics.Default()

	client, err := bus.New(ctx, nc,
		bus.WithLogger(logger),
		bus.WithRequester(appName),
		bus.WithDefaultTimeout(cfg.Bus.CallTimeout),
		bus.WithStreamConfig(bus.StreamConfig{
			Name:           cfg.Bus.Stream,
			SubjectPrefix:  cfg.Bus.SubjectPrefix,
			ResultsSubject: cfg.Bus.ResultsSubject,
			MaxMsgs:        cfg.Bus.MaxMsgs,
		}),
		bus.WithMetrics(mx),
	)
	if err != nil {
		a.shutdown()
		return nil, err
	}
	if err := client.Start(ctx); err != nil {
		a.shutdown()
		return nil, err
	}
	a.client = client

	manager, err := subagent.NewManager(client, subagent.Config{
		Strategy:       aggregatorStrategy(cfg),
		Aggregation:    aggregatorOptions(cfg),
		DefaultTimeout: cfg.Bus.CallTimeout,
	}, subagent.WithLogger(logger), subagent.WithMetrics(mx))
	if err != nil {
		a.shutdown()
		return nil, err
	}

	eng, err := engine.New(engine.Dependencies{
		Decomposer: subtask.NewDecomposer(client, cfg.Decomposer.WorkerTimeout, logger),
		Scheduler: schedule.New(schedule.Config{
			DefaultSubtaskTimeout: cfg.Scheduler.SubtaskTimeout,
			MaxFanOut:             cfg.Scheduler.MaxFanOut,
		}, logger),
		Subagents: manager,
		Tracker:   progress.NewTracker(cfg.Progress.HistorySize, logger),
		Logger:    logger,
		Metrics:   mx,
	}, engine.Config{
		DefaultSubtaskTimeout: cfg.Scheduler.SubtaskTimeout,
		MaxReplans:            cfg.Engine.MaxReplans,
	})
	if err != nil {
		a.shutdown()
		return nil, err
	}
	a.engine = eng

	return a, nil
}

func (a *app) shutdown() {
	if a.client != nil {
		a.client.Close()
	}
	if a.nc != nil {
		a.nc.Close()
	}
	if a.ns != nil {
		a.ns.Shutdown()
	}
}

// startEmbeddedServer runs an in-process NATS server with JetStream on an
// ephemeral port.
func startEmbeddedServer() (*natsserver.Server, error) {
	opts := &natsserver.Options{
		Port:      -1,
		JetStream: true,
		StoreDir:  os.TempDir(),
	}
	ns, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, err
	}
	ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded server not ready")
	}
	return ns, nil
}

// runGoal drives one goal end to end and prints the result.
func runGoal(configPath, logLevel string, args []string) error {
	logger := newLogger(logLevel)
	cfg, err := loadConfig(configPath, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.shutdown()

	goal := strings.Join(args, " ")
	res, err := a.engine.ExecuteComplexTask(ctx, goal, nil)
	if err != nil {
		return err
	}

	fmt.Printf("task:     %s\n", res.TaskID)
	fmt.Printf("state:    %s\n", res.State)
	fmt.Printf("subtasks: %d/%d\n", res.SubtasksCompleted, res.SubtasksTotal)
	fmt.Printf("duration: %s\n", res.Duration.Round(time.Millisecond))
	fmt.Printf("summary:  %s\n", res.Summary)

	if !res.Success {
		os.Exit(1)
	}
	return nil
}

// printPlan decomposes and schedules a goal without executing it. It never
// touches the bus: only pattern and heuristic decomposition apply.
func printPlan(configPath, logLevel string, args []string) error {
	logger := newLogger(logLevel)
	cfg, err := loadConfig(configPath, logger)
	if err != nil {
		return err
	}

	goal := strings.Join(args, " ")
	decomposer := subtask.NewDecomposer(nil, cfg.Decomposer.WorkerTimeout, logger)
	subtasks, err := decomposer.Decompose(context.Background(), goal, nil)
	if err != nil {
		return err
	}

	scheduler := schedule.New(schedule.Config{
		DefaultSubtaskTimeout: cfg.Scheduler.SubtaskTimeout,
		MaxFanOut:             cfg.Scheduler.MaxFanOut,
	}, logger)
	plan := scheduler.CreatePlan(subtasks)

	data, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func aggregatorStrategy(cfg *config.Config) aggregate.Strategy {
	return aggregate.Strategy(cfg.Aggregator.Strategy)
}

func aggregatorOptions(cfg *config.Config) aggregate.Options {
	return aggregate.Options{
		MinConfidence:      cfg.Aggregator.MinConfidence,
		ConsensusThreshold: cfg.Aggregator.ConsensusThreshold,
	}
}
