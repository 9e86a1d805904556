// Package subagent fans automation work out to specialized worker families
// over the bus and reduces their answers to a single result.
package subagent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/deskagent/coordinator/aggregate"
	"github.com/deskagent/coordinator/bus"
	"github.com/deskagent/coordinator/metrics"
)

// Worker family names the manager dispatches to.
const (
	FamilyPlanning   = "planning"
	FamilyVision     = "vision"
	FamilySpecialist = "specialist"
	FamilyBackground = "background"
)

// DefaultCallTimeout bounds a single worker call when the caller passes
// none.
const DefaultCallTimeout = 30 * time.Second

// Caller is the subset of the bus client the manager needs. Extracted as an
// interface to enable testing with scripted responses.
type Caller interface {
	Call(ctx context.Context, family string, params map[string]any, timeout time.Duration) (bus.ToolCallResult, error)
}

// Config tunes the manager.
type Config struct {
	// Strategy is the aggregation rule applied to parallel fan-outs.
	Strategy aggregate.Strategy
	// Aggregation tunes the candidate filter and consensus vote.
	Aggregation aggregate.Options
	// DefaultTimeout substitutes when a call passes no timeout.
	DefaultTimeout time.Duration
}

// DefaultConfig returns the standard manager tuning.
func DefaultConfig() Config {
	return Config{
		Strategy:       aggregate.StrategyBestConfidence,
		Aggregation:    aggregate.DefaultOptions(),
		DefaultTimeout: DefaultCallTimeout,
	}
}

// Manager exposes single-call and parallel fan-out operations per worker
// family, plus background condition-monitor lifecycle management.
type Manager struct {
	caller Caller
	cfg    Config
	logger *slog.Logger
	mx     *metrics.Metrics

	mu       sync.Mutex
	monitors map[string]*monitor
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(mx *metrics.Metrics) Option {
	return func(m *Manager) { m.mx = mx }
}

// NewManager creates a Manager on an established bus caller.
func NewManager(caller Caller, cfg Config, opts ...Option) (*Manager, error) {
	if caller == nil {
		return nil, fmt.Errorf("bus caller is required")
	}
	if !cfg.Strategy.IsValid() {
		cfg.Strategy = aggregate.StrategyBestConfidence
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultCallTimeout
	}
	if cfg.Aggregation.MinConfidence <= 0 {
		cfg.Aggregation.MinConfidence = aggregate.DefaultMinConfidence
	}
	if cfg.Aggregation.ConsensusThreshold <= 0 {
		cfg.Aggregation.ConsensusThreshold = aggregate.DefaultConsensusThreshold
	}

	m := &Manager{
		caller:   caller,
		cfg:      cfg,
		logger:   slog.Default(),
		monitors: make(map[string]*monitor),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// CallSingle issues one call to a worker family. Transport errors come back
// as failed results, never as errors: nothing past the manager boundary
// raises for a worker failure.
func (m *Manager) CallSingle(ctx context.Context, family string, params map[string]any, timeout time.Duration) bus.ToolCallResult {
	if timeout <= 0 {
		timeout = m.cfg.DefaultTimeout
	}

	res, err := m.caller.Call(ctx, family, params, timeout)
	if err != nil {
		m.logger.Warn("worker call failed", "family", family, "error", err)
		return bus.ToolCallResult{Success: false, Error: err.Error()}
	}
	return res
}

// SpawnParallel issues one call per variant concurrently, gathers every
// outcome (panics and errors converted to failed results), and aggregates
// them under the configured strategy. When every variant fails it returns
// an explicit synthetic failure rather than nil.
func (m *Manager) SpawnParallel(ctx context.Context, family string, variants []map[string]any, timeout time.Duration) bus.ToolCallResult {
	if len(variants) == 0 {
		return bus.ToolCallResult{Success: false, Error: "no variants to spawn"}
	}
	if timeout <= 0 {
		timeout = m.cfg.DefaultTimeout
	}

	results := make([]bus.ToolCallResult, len(variants))
	var wg sync.WaitGroup
	for i, params := range variants {
		wg.Add(1)
		go func(i int, params map[string]any) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("parallel variant panicked", "family", family, "variant", i, "panic", r)
					results[i] = bus.ToolCallResult{Success: false, Error: fmt.Sprintf("panic: %v", r)}
				}
			}()
			results[i] = m.CallSingle(ctx, family, params, timeout)
		}(i, params)
	}
	wg.Wait()

	anySuccess := false
	for i := range results {
		if results[i].Success {
			anySuccess = true
			break
		}
	}
	if !anySuccess {
		m.logger.Warn("all parallel variants failed", "family", family, "variants", len(variants))
		return bus.ToolCallResult{
			Success: false,
			Error:   fmt.Sprintf("all %d variants failed", len(variants)),
		}
	}

	picked := aggregate.Select(results, m.cfg.Strategy, m.cfg.Aggregation)
	if picked == nil {
		// Unreachable with non-empty input; kept as a guard.
		return bus.ToolCallResult{Success: false, Error: "aggregation yielded no result"}
	}
	return *picked
}
