// Package main implements a mock worker pool for local development and e2e
// testing. It subscribes to every worker family on the bus and answers with
// canned, deterministic responses, eliminating the need for real automation
// workers while wiring or demoing the coordinator.
//
// Usage:
//
//	mock-worker -url nats://127.0.0.1:4222 -delay 100ms
//
// The background family reports its condition unmet for -monitor-polls polls
// and met afterwards, which exercises the monitor loop end to end.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/deskagent/coordinator/bus"
)

func main() {
	url := flag.String("url", nats.DefaultURL, "NATS server URL")
	delay := flag.Duration("delay", 50*time.Millisecond, "artificial processing delay per request")
	confidence := flag.Float64("confidence", 0.8, "confidence reported on successful responses")
	monitorPolls := flag.Int("monitor-polls", 3, "background polls answered unmet before the condition fires")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	flag.Parse()

	logger := newLogger(*logLevel)

	if err := run(*url, *delay, *confidence, *monitorPolls, logger); err != nil {
		logger.Error("mock worker failed", "error", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}

func run(url string, delay time.Duration, confidence float64, monitorPolls int, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	nc, err := nats.Connect(url, nats.Name("mock-worker"))
	if err != nil {
		return fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	defer nc.Close()

	client, err := bus.New(ctx, nc, bus.WithLogger(logger), bus.WithRequester("mock-worker"))
	if err != nil {
		return err
	}
	defer client.Close()

	w := &worker{
		client:       client,
		delay:        delay,
		confidence:   confidence,
		monitorPolls: int64(monitorPolls),
		logger:       logger,
	}

	families := map[string]func(req bus.ToolCallRequest) map[string]any{
		"decomposition": w.decompose,
		"planning":      w.plan,
		"vision":        w.see,
		"specialist":    w.advise,
		"background":    w.checkCondition,
	}
	for family, respond := range families {
		if err := w.subscribe(ctx, family, respond); err != nil {
			return err
		}
	}

	logger.Info("mock worker pool running", "url", url, "families", len(families))
	<-ctx.Done()
	return nil
}

// worker holds the canned-response state shared by all family handlers.
type worker struct {
	client       *bus.Client
	delay        time.Duration
	confidence   float64
	monitorPolls int64
	logger       *slog.Logger

	backgroundCalls atomic.Int64
}

func (w *worker) subscribe(ctx context.Context, family string, respond func(req bus.ToolCallRequest) map[string]any) error {
	return w.client.Subscribe(ctx, family, "mock-"+family, func(ctx context.Context, req bus.ToolCallRequest) {
		if w.delay > 0 {
			select {
			case <-time.After(w.delay):
			case <-ctx.Done():
				return
			}
		}
		resp := bus.ToolCallResponse{
			TaskID:  req.TaskID,
			Success: true,
			Result:  respond(req),
		}
		if err := w.client.Respond(ctx, resp); err != nil {
			w.logger.Warn("failed to respond", "family", family, "error", err)
		}
		w.logger.Debug("answered request", "family", family, "correlation_id", req.TaskID)
	})
}

// decompose answers with a trivial two-step plan derived from the goal.
func (w *worker) decompose(req bus.ToolCallRequest) map[string]any {
	goal, _ := req.Params["goal"].(string)
	return map[string]any{
		"confidence": w.confidence,
		"subtasks": []any{
			map[string]any{
				"description":  goal,
				"approach":     "keyboard",
				"can_parallel": false,
			},
			map[string]any{
				"description":  "verify: " + goal,
				"approach":     "vision",
				"dependencies": []any{0},
			},
		},
	}
}

// plan answers with a single canned key action.
func (w *worker) plan(req bus.ToolCallRequest) map[string]any {
	return map[string]any{
		"confidence": w.confidence,
		"actions": []any{
			map[string]any{"type": "key", "key": "enter"},
		},
	}
}

// see answers with one fixed screen region.
func (w *worker) see(req bus.ToolCallRequest) map[string]any {
	task, _ := req.Params["task"].(string)
	return map[string]any{
		"confidence": w.confidence,
		"region":     "screen",
		"analysis":   "mock analysis of: " + task,
	}
}

// advise answers with a fixed shortcut table.
func (w *worker) advise(req bus.ToolCallRequest) map[string]any {
	return map[string]any{
		"confidence": w.confidence,
		"shortcuts": map[string]any{
			"save":  "ctrl+s",
			"close": "alt+f4",
		},
	}
}

// checkCondition reports unmet for the configured number of polls, then met.
func (w *worker) checkCondition(req bus.ToolCallRequest) map[string]any {
	n := w.backgroundCalls.Add(1)
	met := n > w.monitorPolls
	out := map[string]any{"condition_met": met}
	if met {
		out["details"] = map[string]any{
			"target": req.Params["target"],
			"polls":  n,
		}
	}
	return out
}
