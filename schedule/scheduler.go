package schedule

import (
	"log/slog"
	"sort"
	"time"

	"github.com/deskagent/coordinator/subtask"
)

// Scheduler defaults.
const (
	DefaultSubtaskTimeout = 30 * time.Second
	DefaultMaxFanOut      = 4

	// parallelTimeoutFactor pads a parallel phase's timeout over its
	// slowest member to absorb contention between concurrent calls.
	parallelTimeoutFactor = 1.5
)

// Config tunes plan construction.
type Config struct {
	// DefaultSubtaskTimeout substitutes for subtasks that declare none.
	DefaultSubtaskTimeout time.Duration
	// MaxFanOut caps the size of one parallel phase; larger levels are
	// split into consecutive parallel phases.
	MaxFanOut int
}

// DefaultConfig returns the standard scheduler tuning.
func DefaultConfig() Config {
	return Config{
		DefaultSubtaskTimeout: DefaultSubtaskTimeout,
		MaxFanOut:             DefaultMaxFanOut,
	}
}

// Scheduler builds execution plans from subtask lists.
type Scheduler struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a Scheduler.
func New(cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.DefaultSubtaskTimeout <= 0 {
		cfg.DefaultSubtaskTimeout = DefaultSubtaskTimeout
	}
	if cfg.MaxFanOut <= 0 {
		cfg.MaxFanOut = DefaultMaxFanOut
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{cfg: cfg, logger: logger}
}

// CreatePlan levels the subtasks into ordered phases. Dependencies on ids
// absent from the input are dropped, not errors. When no subtask can be
// leveled in an iteration (a dependency cycle), all remaining subtasks are
// flushed into one final sequential phase; this abandons the dependency
// guarantee for that trailing group and is logged as an anomaly. Callers
// rely on always receiving a plan, so the flush is deliberate.
func (s *Scheduler) CreatePlan(subtasks []subtask.Subtask) *ExecutionPlan {
	plan := &ExecutionPlan{TotalSubtasks: len(subtasks)}
	if len(subtasks) == 0 {
		return plan
	}

	levels := s.level(subtasks)

	phaseID := 0
	for _, level := range levels {
		// Parallelizability is a property of the level; every batch split
		// from it inherits the decision rather than re-deriving it from its
		// own members.
		parallel := s.canParallel(level)
		for _, batch := range s.splitFanOut(level, parallel) {
			phaseID++
			phase := ExecutionPhase{
				PhaseID:     phaseID,
				Subtasks:    batch,
				CanParallel: parallel && len(batch) > 1,
			}
			phase.Timeout = s.phaseTimeout(phase)
			plan.Phases = append(plan.Phases, phase)
			plan.EstimatedDuration += phase.Timeout
		}
	}

	return plan
}

// level computes dependency levels by iterative topological peeling: level
// 0 holds subtasks with no remaining dependencies, level k those whose
// dependencies all sit in lower levels. Within a level, subtasks sort by
// their Order field for determinism.
func (s *Scheduler) level(subtasks []subtask.Subtask) [][]subtask.Subtask {
	present := make(map[string]bool, len(subtasks))
	for i := range subtasks {
		present[subtasks[i].ID] = true
	}

	// Dependency map restricted to ids in this batch.
	deps := make(map[string]map[string]bool, len(subtasks))
	for i := range subtasks {
		st := &subtasks[i]
		deps[st.ID] = make(map[string]bool)
		for _, dep := range st.Dependencies {
			if present[dep] {
				deps[st.ID][dep] = true
			}
		}
	}

	remaining := make(map[string]*subtask.Subtask, len(subtasks))
	for i := range subtasks {
		remaining[subtasks[i].ID] = &subtasks[i]
	}
	placed := make(map[string]bool, len(subtasks))

	var levels [][]subtask.Subtask
	for len(remaining) > 0 {
		var ready []subtask.Subtask
		for id, st := range remaining {
			ok := true
			for dep := range deps[id] {
				if !placed[dep] {
					ok = false
					break
				}
			}
			if ok {
				ready = append(ready, *st)
			}
		}

		if len(ready) == 0 {
			// Cycle (or reference into one): flush everything left into a
			// single trailing level, executed sequentially.
			var flushed []subtask.Subtask
			for _, st := range remaining {
				c := *st
				// Members of a cycle depend on each other; forcing the
				// flushed phase sequential keeps their execution deterministic.
				c.CanParallel = false
				flushed = append(flushed, c)
			}
			sortByOrder(flushed)
			s.logger.Warn("dependency cycle detected, flushing remaining subtasks into final sequential phase",
				"count", len(flushed))
			levels = append(levels, flushed)
			break
		}

		sortByOrder(ready)
		for i := range ready {
			placed[ready[i].ID] = true
			delete(remaining, ready[i].ID)
		}
		levels = append(levels, ready)
	}

	return levels
}

func sortByOrder(subtasks []subtask.Subtask) {
	sort.SliceStable(subtasks, func(i, j int) bool {
		return subtasks[i].Order < subtasks[j].Order
	})
}

// canParallel decides whether a level runs as a parallel phase. A level
// needs more than one member, at least one explicit CanParallel opt-in, and
// at most one member using an exclusive approach: keyboard, mouse, and
// hybrid contend for the same physical input focus, while vision and
// specialist never block parallelism.
func (s *Scheduler) canParallel(level []subtask.Subtask) bool {
	if len(level) <= 1 {
		return false
	}

	optedIn := false
	exclusive := 0
	for i := range level {
		if level[i].CanParallel {
			optedIn = true
		}
		if level[i].Approach.IsExclusive() {
			exclusive++
		}
	}
	return optedIn && exclusive <= 1
}

// splitFanOut splits an oversized parallel level into consecutive batches
// of at most MaxFanOut. Sequential levels are never split.
func (s *Scheduler) splitFanOut(level []subtask.Subtask, parallel bool) [][]subtask.Subtask {
	if !parallel || len(level) <= s.cfg.MaxFanOut {
		return [][]subtask.Subtask{level}
	}

	var batches [][]subtask.Subtask
	for start := 0; start < len(level); start += s.cfg.MaxFanOut {
		end := start + s.cfg.MaxFanOut
		if end > len(level) {
			end = len(level)
		}
		batches = append(batches, level[start:end])
	}
	return batches
}

// phaseTimeout derives the phase budget from member timeouts: the slowest
// member times a padding factor for parallel phases, the sum for sequential
// ones. Members without a timeout use the configured default.
func (s *Scheduler) phaseTimeout(phase ExecutionPhase) time.Duration {
	var maxTimeout, sum time.Duration
	for i := range phase.Subtasks {
		t := phase.Subtasks[i].Timeout
		if t <= 0 {
			t = s.cfg.DefaultSubtaskTimeout
		}
		if t > maxTimeout {
			maxTimeout = t
		}
		sum += t
	}

	if phase.CanParallel {
		return time.Duration(float64(maxTimeout) * parallelTimeoutFactor)
	}
	return sum
}

// Replan rebuilds a fresh plan from the subtasks of an existing plan that
// have not completed, pruning each survivor's dependencies of ids already
// completed. Failed subtasks are retained and retried.
func (s *Scheduler) Replan(plan *ExecutionPlan, completedIDs, failedIDs []string) *ExecutionPlan {
	completed := make(map[string]bool, len(completedIDs))
	for _, id := range completedIDs {
		completed[id] = true
	}

	var remaining []subtask.Subtask
	for _, st := range plan.Subtasks() {
		if completed[st.ID] {
			continue
		}
		pruned := st
		pruned.Dependencies = nil
		for _, dep := range st.Dependencies {
			if !completed[dep] {
				pruned.Dependencies = append(pruned.Dependencies, dep)
			}
		}
		remaining = append(remaining, pruned)
	}

	s.logger.Info("replanning",
		"remaining", len(remaining),
		"completed", len(completedIDs),
		"failed", len(failedIDs))
	return s.CreatePlan(remaining)
}
