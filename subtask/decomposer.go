package subtask

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/deskagent/coordinator/bus"
)

// DecompositionFamily is the worker family consulted for worker-assisted
// decomposition.
const DecompositionFamily = "decomposition"

// DefaultWorkerTimeout bounds one decomposition worker call.
const DefaultWorkerTimeout = 30 * time.Second

// Caller is the subset of the bus client the decomposer uses. Extracted as
// an interface to enable testing with scripted responses.
type Caller interface {
	Call(ctx context.Context, family string, params map[string]any, timeout time.Duration) (bus.ToolCallResult, error)
}

// Decomposer turns a natural-language goal into an ordered list of
// subtasks. It never returns an empty list for a well-formed goal: pattern
// rules are tried first, then the decomposition worker when one is
// reachable, then a heuristic split, and finally a single subtask wrapping
// the whole goal.
type Decomposer struct {
	caller  Caller
	timeout time.Duration
	logger  *slog.Logger
}

// NewDecomposer creates a Decomposer. A nil caller disables the
// worker-assisted path; pattern and heuristic decomposition still apply.
func NewDecomposer(caller Caller, workerTimeout time.Duration, logger *slog.Logger) *Decomposer {
	if workerTimeout <= 0 {
		workerTimeout = DefaultWorkerTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Decomposer{
		caller:  caller,
		timeout: workerTimeout,
		logger:  logger,
	}
}

// Decompose produces the subtask list for a goal. The returned list is
// never empty; internal failures fall through to the heuristic path.
func (d *Decomposer) Decompose(ctx context.Context, goal string, taskCtx map[string]any) ([]Subtask, error) {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return nil, ErrGoalRequired
	}

	if steps := matchPatterns(goal); len(steps) > 0 {
		d.logger.Debug("pattern decomposition", "goal", goal, "subtasks", len(steps))
		return steps, nil
	}

	if d.caller != nil {
		if steps := d.workerDecompose(ctx, goal, taskCtx, false); len(steps) > 0 {
			d.logger.Debug("worker decomposition", "goal", goal, "subtasks", len(steps))
			return steps, nil
		}
	}

	return d.heuristicDecompose(goal), nil
}

// DecomposeWithActions additionally asks the worker for one concrete action
// descriptor per step, stored on the subtask as a typed hint. On any
// worker or parse failure it falls back to the heuristic split.
func (d *Decomposer) DecomposeWithActions(ctx context.Context, goal string, taskCtx map[string]any) ([]Subtask, error) {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return nil, ErrGoalRequired
	}

	if d.caller != nil {
		if steps := d.workerDecompose(ctx, goal, taskCtx, true); len(steps) > 0 {
			d.logger.Debug("action-aware decomposition", "goal", goal, "subtasks", len(steps))
			return steps, nil
		}
	}

	return d.heuristicDecompose(goal), nil
}

// workerStep is the flat step shape a decomposition worker returns.
// Dependencies are 0-based indices into the same response; the decomposer
// rewrites them to generated ids.
type workerStep struct {
	Description      string         `json:"description"`
	Approach         string         `json:"approach"`
	Dependencies     []int          `json:"dependencies,omitempty"`
	CanParallel      bool           `json:"can_parallel"`
	TimeoutSeconds   float64        `json:"timeout_seconds,omitempty"`
	Action           map[string]any `json:"action,omitempty"`
	WaitAfterSeconds float64        `json:"wait_after_seconds,omitempty"`
}

// workerDecompose calls the decomposition worker and converts its flat step
// list into subtasks. Returns nil on any failure so the caller can fall
// through.
func (d *Decomposer) workerDecompose(ctx context.Context, goal string, taskCtx map[string]any, withActions bool) []Subtask {
	params := map[string]any{
		"goal":         goal,
		"context":      taskCtx,
		"with_actions": withActions,
	}

	res, err := d.caller.Call(ctx, DecompositionFamily, params, d.timeout)
	if err != nil {
		d.logger.Warn("decomposition call failed", "goal", goal, "error", err)
		return nil
	}
	if !res.Success || res.Result == nil {
		d.logger.Warn("decomposition worker unsuccessful", "goal", goal, "error", res.Error)
		return nil
	}

	raw, err := json.Marshal(res.Result["subtasks"])
	if err != nil {
		return nil
	}
	var steps []workerStep
	if err := json.Unmarshal(raw, &steps); err != nil {
		d.logger.Warn("unparseable decomposition response", "goal", goal, "error", err)
		return nil
	}
	if len(steps) == 0 {
		return nil
	}

	ids := make([]string, len(steps))
	for i := range steps {
		ids[i] = NewID()
	}

	subtasks := make([]Subtask, 0, len(steps))
	for i, step := range steps {
		approach := Approach(step.Approach)
		if !approach.IsValid() {
			approach = ApproachOrchestrator
		}

		st := Subtask{
			ID:          ids[i],
			Description: step.Description,
			Approach:    approach,
			CanParallel: step.CanParallel,
			Order:       i,
		}
		if step.TimeoutSeconds > 0 {
			st.Timeout = time.Duration(step.TimeoutSeconds * float64(time.Second))
		}
		for _, dep := range step.Dependencies {
			// Out-of-range indices are dropped, matching the scheduler's
			// dangling-dependency policy.
			if dep >= 0 && dep < len(steps) && dep != i {
				st.Dependencies = append(st.Dependencies, ids[dep])
			}
		}
		if withActions && len(step.Action) > 0 {
			st.SetActionHint(ActionHint{
				Action:    step.Action,
				WaitAfter: time.Duration(step.WaitAfterSeconds * float64(time.Second)),
			})
		}
		subtasks = append(subtasks, st)
	}
	return subtasks
}

// fragmentSplitter breaks a goal on conjunctions for heuristic
// decomposition.
var fragmentSplitter = regexp.MustCompile(`(?i)\s+and\s+|\s+then\s+|,`)

// heuristicDecompose splits the goal on conjunctions, classifies each
// fragment's approach by keyword, and chains every fragment to depend on
// the previous one. A goal yielding no fragments becomes a single
// orchestrator subtask.
func (d *Decomposer) heuristicDecompose(goal string) []Subtask {
	var fragments []string
	for _, f := range fragmentSplitter.Split(goal, -1) {
		if f = strings.TrimSpace(f); f != "" {
			fragments = append(fragments, f)
		}
	}

	if len(fragments) == 0 {
		return []Subtask{{
			ID:          NewID(),
			Description: goal,
			Approach:    ApproachOrchestrator,
		}}
	}

	var b chainBuilder
	for _, fragment := range fragments {
		b.add(fragment, classifyApproach(fragment), nil)
	}
	d.logger.Debug("heuristic decomposition", "goal", goal, "subtasks", len(b.steps))
	return b.steps
}

// classifyApproach guesses a fragment's approach from keywords.
func classifyApproach(fragment string) Approach {
	f := strings.ToLower(fragment)
	switch {
	case containsAny(f, "click", "drag", "scroll"):
		return ApproachMouse
	case containsAny(f, "type", "press", "ctrl"):
		return ApproachKeyboard
	case containsAny(f, "check", "verify", "read"):
		return ApproachVision
	case strings.Contains(f, "how to"), strings.Contains(f, "shortcut for"):
		return ApproachSpecialist
	default:
		return ApproachOrchestrator
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
