// Package engine drives an automation goal through decomposition,
// scheduling, phase-by-phase execution, and result aggregation.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/deskagent/coordinator/bus"
	"github.com/deskagent/coordinator/metrics"
	"github.com/deskagent/coordinator/progress"
	"github.com/deskagent/coordinator/schedule"
	"github.com/deskagent/coordinator/subtask"
)

// State is the lifecycle state of one in-flight goal.
type State string

// Goal lifecycle states.
const (
	StatePending     State = "pending"
	StateDecomposing State = "decomposing"
	StateScheduling  State = "scheduling"
	StateExecuting   State = "executing"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
	StateCancelled   State = "cancelled"
)

// IsTerminal reports whether the state is final.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Sentinel errors for engine operations.
var (
	ErrTaskNotFound = errors.New("task not found")
)

// RunningTask is the engine's record of one in-flight goal. It is created
// on entry to ExecuteComplexTask and moved to the finished-result map on
// completion, failure, or cancellation.
type RunningTask struct {
	TaskID       string
	Goal         string
	State        State
	Subtasks     []subtask.Subtask
	Plan         *schedule.ExecutionPlan
	CurrentPhase int
	Results      map[string]bus.ToolCallResult
	StartedAt    time.Time

	cancelFlag atomic.Bool
}

// Cancelled reports whether cooperative cancellation was requested.
func (rt *RunningTask) Cancelled() bool {
	return rt.cancelFlag.Load()
}

// Decomposer turns a goal into subtasks.
type Decomposer interface {
	Decompose(ctx context.Context, goal string, taskCtx map[string]any) ([]subtask.Subtask, error)
}

// Subagents is the subset of the subagent manager the engine dispatches
// through.
type Subagents interface {
	CallSingle(ctx context.Context, family string, params map[string]any, timeout time.Duration) bus.ToolCallResult
	SpawnParallel(ctx context.Context, family string, variants []map[string]any, timeout time.Duration) bus.ToolCallResult
}

// Executor performs one concrete action descriptor on the target system.
type Executor interface {
	Execute(ctx context.Context, action map[string]any) error
}

// ReflectionResult is the outcome of a reflection-loop run.
type ReflectionResult struct {
	Success         bool
	ActionsExecuted int
	Error           string
}

// Reflector runs the external reflection loop for orchestrator subtasks.
type Reflector interface {
	Reflect(ctx context.Context, goal string, taskCtx map[string]any) (ReflectionResult, error)
}

// Dependencies are the collaborators an Engine is composed from. There is
// no ambient global instance; the composition root constructs one engine
// and passes it around.
type Dependencies struct {
	Decomposer Decomposer
	Scheduler  *schedule.Scheduler
	Subagents  Subagents
	Executor   Executor
	Reflector  Reflector
	Tracker    *progress.Tracker
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

// Config tunes the engine.
type Config struct {
	// DefaultSubtaskTimeout bounds a subtask that declares no timeout.
	DefaultSubtaskTimeout time.Duration
	// MaxReplans caps checkpoint re-planning rounds after partial failure.
	MaxReplans int
}

// DefaultConfig returns the standard engine tuning.
func DefaultConfig() Config {
	return Config{
		DefaultSubtaskTimeout: 30 * time.Second,
		MaxReplans:            1,
	}
}

// Engine owns one state machine per in-flight goal.
type Engine struct {
	decomposer Decomposer
	scheduler  *schedule.Scheduler
	subagents  Subagents
	executor   Executor
	reflector  Reflector
	tracker    *progress.Tracker
	cfg        Config
	logger     *slog.Logger
	mx         *metrics.Metrics

	mu       sync.Mutex
	running  map[string]*RunningTask
	finished map[string]*AutomationResult
}

// New creates an Engine from its collaborators.
func New(deps Dependencies, cfg Config) (*Engine, error) {
	if deps.Decomposer == nil {
		return nil, fmt.Errorf("decomposer is required")
	}
	if deps.Scheduler == nil {
		return nil, fmt.Errorf("scheduler is required")
	}
	if deps.Subagents == nil {
		return nil, fmt.Errorf("subagent manager is required")
	}
	if deps.Tracker == nil {
		deps.Tracker = progress.NewTracker(0, deps.Logger)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.DefaultSubtaskTimeout <= 0 {
		cfg.DefaultSubtaskTimeout = DefaultConfig().DefaultSubtaskTimeout
	}
	if cfg.MaxReplans < 0 {
		cfg.MaxReplans = 0
	}

	return &Engine{
		decomposer: deps.Decomposer,
		scheduler:  deps.Scheduler,
		subagents:  deps.Subagents,
		executor:   deps.Executor,
		reflector:  deps.Reflector,
		tracker:    deps.Tracker,
		cfg:        cfg,
		logger:     deps.Logger,
		mx:         deps.Metrics,
		running:    make(map[string]*RunningTask),
		finished:   make(map[string]*AutomationResult),
	}, nil
}

// ExecuteComplexTask drives one goal to a terminal state. The only
// caller-visible failure path is AutomationResult.Success=false; nothing
// inside phase execution raises past this boundary. The returned error is
// reserved for ill-formed input (an empty goal).
func (e *Engine) ExecuteComplexTask(ctx context.Context, goal string, taskCtx map[string]any) (*AutomationResult, error) {
	rt := &RunningTask{
		TaskID:    "task-" + uuid.NewString(),
		Goal:      goal,
		State:     StatePending,
		Results:   make(map[string]bus.ToolCallResult),
		StartedAt: time.Now(),
	}
	e.mu.Lock()
	e.running[rt.TaskID] = rt
	e.mu.Unlock()

	e.logger.Info("executing complex task", "task_id", rt.TaskID, "goal", goal)

	// Decomposing.
	e.setState(rt, StateDecomposing)
	subtasks, err := e.decomposer.Decompose(ctx, goal, taskCtx)
	if err != nil {
		e.finish(rt, StateFailed, fmt.Sprintf("decomposition failed: %v", err))
		return e.result(rt.TaskID), err
	}
	rt.Subtasks = subtasks

	// Scheduling.
	e.setState(rt, StateScheduling)
	rt.Plan = e.scheduler.CreatePlan(subtasks)

	refs := make([]progress.SubtaskRef, len(subtasks))
	for i, st := range subtasks {
		refs[i] = progress.SubtaskRef{ID: st.ID, Description: st.Description}
	}
	if err := e.tracker.StartTask(rt.TaskID, refs); err != nil {
		e.logger.Warn("progress tracking unavailable", "task_id", rt.TaskID, "error", err)
	}

	// Executing.
	e.setState(rt, StateExecuting)
	e.executePlan(ctx, rt)

	// Completion handling. executePlan set the terminal state.
	res := e.result(rt.TaskID)
	e.logger.Info("complex task finished",
		"task_id", rt.TaskID,
		"state", res.State,
		"completed", res.SubtasksCompleted,
		"total", res.SubtasksTotal)
	return res, nil
}

// executePlan runs phases in order, re-planning after partial failure up to
// the configured cap, and settles the task into its terminal state.
func (e *Engine) executePlan(ctx context.Context, rt *RunningTask) {
	plan := rt.Plan
	replans := 0
	aborted := false

	for {
		completed, failed, outcome := e.runPhases(ctx, rt, plan)

		if outcome == phaseOutcomeCancelled {
			e.finish(rt, StateCancelled, "")
			return
		}
		if outcome == phaseOutcomeAborted {
			aborted = true
			break
		}

		if len(failed) == 0 {
			break
		}
		if replans >= e.cfg.MaxReplans {
			break
		}

		// Checkpoint re-planning: rebuild from the not-yet-completed
		// subtasks and retry the failures.
		replans++
		e.logger.Info("replanning after partial failure",
			"task_id", rt.TaskID,
			"failed", len(failed),
			"round", replans)
		for _, id := range failed {
			if err := e.tracker.ResetSubtask(rt.TaskID, id); err != nil {
				e.logger.Warn("progress reset failed", "subtask_id", id, "error", err)
			}
		}
		plan = e.scheduler.Replan(plan, completed, failed)
		rt.Plan = plan
		rt.CurrentPhase = 0
	}

	counts, _ := e.tracker.GetCounts(rt.TaskID)
	switch {
	case aborted:
		e.finish(rt, StateFailed, "phase aborted: no subtask in the phase succeeded")
	case counts.Failed > 0:
		e.finish(rt, StateFailed, "")
	default:
		e.finish(rt, StateCompleted, "")
	}
}

// phaseOutcome classifies one pass over a plan's phases.
type phaseOutcome int

const (
	phaseOutcomeRan phaseOutcome = iota
	phaseOutcomeAborted
	phaseOutcomeCancelled
)

// runPhases executes every phase of the plan in order. Cancellation is
// checked only at phase boundaries: subtasks inside a running parallel
// batch are never interrupted.
func (e *Engine) runPhases(ctx context.Context, rt *RunningTask, plan *schedule.ExecutionPlan) (completed, failed []string, outcome phaseOutcome) {
	for i := range plan.Phases {
		phase := &plan.Phases[i]

		if rt.Cancelled() {
			e.logger.Info("task cancelled at phase boundary",
				"task_id", rt.TaskID,
				"phase", phase.PhaseID)
			e.skipPending(rt, plan, i, "task cancelled")
			return completed, failed, phaseOutcomeCancelled
		}

		rt.CurrentPhase = phase.PhaseID
		phaseResults := e.executePhase(ctx, rt, phase)

		anySuccess := false
		for id, res := range phaseResults {
			rt.Results[id] = res
			if res.Success {
				anySuccess = true
				completed = append(completed, id)
			} else {
				failed = append(failed, id)
			}
		}

		// A phase where nothing succeeded stops the whole plan early.
		if !anySuccess && len(phaseResults) > 0 {
			e.logger.Warn("aborting plan: phase produced no successful subtask",
				"task_id", rt.TaskID,
				"phase", phase.PhaseID)
			e.skipPending(rt, plan, i+1, "plan aborted")
			return completed, failed, phaseOutcomeAborted
		}
	}
	return completed, failed, phaseOutcomeRan
}

// executePhase runs one phase, parallel or strictly sequential. Sequential
// phases stop early on the first failure and skip the rest; parallel phases
// always await every member.
func (e *Engine) executePhase(ctx context.Context, rt *RunningTask, phase *schedule.ExecutionPhase) map[string]bus.ToolCallResult {
	results := make(map[string]bus.ToolCallResult, len(phase.Subtasks))

	if phase.CanParallel {
		e.mx.ObservePhase("parallel")
		var mu sync.Mutex
		var wg sync.WaitGroup
		for i := range phase.Subtasks {
			st := phase.Subtasks[i]
			wg.Add(1)
			go func() {
				defer wg.Done()
				res := e.runSubtask(ctx, rt, st)
				mu.Lock()
				results[st.ID] = res
				mu.Unlock()
			}()
		}
		wg.Wait()
		return results
	}

	e.mx.ObservePhase("sequential")
	for i := range phase.Subtasks {
		st := phase.Subtasks[i]
		res := e.runSubtask(ctx, rt, st)
		results[st.ID] = res
		if !res.Success {
			// Stop the phase early; later members were ordered after a
			// prerequisite that just failed.
			for _, rest := range phase.Subtasks[i+1:] {
				if err := e.tracker.SkipSubtask(rt.TaskID, rest.ID, "earlier subtask in phase failed"); err == nil {
					results[rest.ID] = bus.ToolCallResult{Success: false, Error: "skipped: earlier subtask in phase failed"}
				}
			}
			break
		}
	}
	return results
}

// runSubtask executes one subtask with progress bookkeeping. Failures are
// isolated: a panic or timeout becomes a failed result, never an escape.
func (e *Engine) runSubtask(ctx context.Context, rt *RunningTask, st subtask.Subtask) (res bus.ToolCallResult) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("subtask panicked", "task_id", rt.TaskID, "subtask_id", st.ID, "panic", r)
			res = bus.ToolCallResult{Success: false, Error: fmt.Sprintf("panic: %v", r)}
		}
	}()

	if err := e.tracker.StartSubtask(rt.TaskID, st.ID); err != nil {
		e.logger.Warn("progress update failed", "subtask_id", st.ID, "error", err)
	}

	res = e.dispatchWithTimeout(ctx, st)

	if err := e.tracker.CompleteSubtask(rt.TaskID, st.ID, res.Success, res.Result, res.Error); err != nil {
		e.logger.Warn("progress update failed", "subtask_id", st.ID, "error", err)
	}
	return res
}

// skipPending marks every subtask of the remaining phases as skipped.
func (e *Engine) skipPending(rt *RunningTask, plan *schedule.ExecutionPlan, fromPhase int, reason string) {
	for i := fromPhase; i < len(plan.Phases); i++ {
		for _, st := range plan.Phases[i].Subtasks {
			if _, done := rt.Results[st.ID]; done {
				continue
			}
			if err := e.tracker.SkipSubtask(rt.TaskID, st.ID, reason); err != nil {
				continue
			}
		}
	}
}

// CancelTask requests cooperative cancellation. It takes effect at the next
// phase boundary; subtasks inside a running parallel phase finish first.
func (e *Engine) CancelTask(taskID string) bool {
	e.mu.Lock()
	rt, ok := e.running[taskID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	rt.cancelFlag.Store(true)
	e.logger.Info("cancellation requested", "task_id", taskID)
	return true
}

// RunningTasks returns the ids of tasks not yet settled. Cancellation needs
// an id, and ExecuteComplexTask only returns it once the task is terminal.
func (e *Engine) RunningTasks() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.running))
	for id := range e.running {
		ids = append(ids, id)
	}
	return ids
}

// TaskState returns the current state of a running or finished task.
func (e *Engine) TaskState(taskID string) (State, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rt, ok := e.running[taskID]; ok {
		return rt.State, nil
	}
	if res, ok := e.finished[taskID]; ok {
		return res.State, nil
	}
	return "", fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
}

// Result returns the finished result for a task.
func (e *Engine) Result(taskID string) (*AutomationResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if res, ok := e.finished[taskID]; ok {
		return res, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
}

// setState records a lifecycle transition.
func (e *Engine) setState(rt *RunningTask, state State) {
	e.mu.Lock()
	rt.State = state
	e.mu.Unlock()
	e.logger.Debug("task state", "task_id", rt.TaskID, "state", state)
}

// finish settles a task into its terminal state, builds its result, and
// moves it from the running map to the finished map.
func (e *Engine) finish(rt *RunningTask, state State, errMsg string) {
	e.setState(rt, state)

	res := buildResult(rt, state, errMsg)
	if err := e.tracker.EndTask(rt.TaskID); err != nil && !errors.Is(err, progress.ErrTaskNotFound) {
		e.logger.Warn("failed to end progress tracking", "task_id", rt.TaskID, "error", err)
	}
	e.mx.ObserveTask(string(state))

	e.mu.Lock()
	delete(e.running, rt.TaskID)
	e.finished[rt.TaskID] = res
	e.mu.Unlock()
}

// result fetches the finished result, tolerating the brief window where the
// task is still settling.
func (e *Engine) result(taskID string) *AutomationResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.finished[taskID]
}
