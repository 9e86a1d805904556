package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/deskagent/coordinator/bus"
)

// AutomationResult is the caller-facing outcome of one goal. Success holds
// only when the task reached the completed state; cancellation is reported
// via State, not as an error.
type AutomationResult struct {
	TaskID            string                        `json:"task_id"`
	Goal              string                        `json:"goal"`
	State             State                         `json:"state"`
	Success           bool                          `json:"success"`
	SubtasksCompleted int                           `json:"subtasks_completed"`
	SubtasksTotal     int                           `json:"subtasks_total"`
	Duration          time.Duration                 `json:"duration"`
	Results           map[string]bus.ToolCallResult `json:"results,omitempty"`
	Summary           string                        `json:"summary"`
	Error             string                        `json:"error,omitempty"`
}

// buildResult assembles the result record for a task settling into a
// terminal state.
func buildResult(rt *RunningTask, state State, errMsg string) *AutomationResult {
	res := &AutomationResult{
		TaskID:        rt.TaskID,
		Goal:          rt.Goal,
		State:         state,
		Success:       state == StateCompleted,
		SubtasksTotal: len(rt.Subtasks),
		Duration:      time.Since(rt.StartedAt),
		Results:       rt.Results,
		Error:         errMsg,
	}

	for _, r := range rt.Results {
		if r.Success {
			res.SubtasksCompleted++
		}
	}
	res.Summary = buildSummary(rt, res)
	return res
}

// buildSummary produces a short human-readable tally of successes versus
// named failures.
func buildSummary(rt *RunningTask, res *AutomationResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d/%d subtasks succeeded", res.SubtasksCompleted, res.SubtasksTotal)

	var failures []string
	for _, st := range rt.Subtasks {
		r, ok := rt.Results[st.ID]
		if ok && !r.Success {
			failures = append(failures, st.Description)
		}
	}
	if len(failures) > 0 {
		fmt.Fprintf(&b, "; failed: %s", strings.Join(failures, "; "))
	}
	if res.State == StateCancelled {
		b.WriteString(" (cancelled)")
	}
	return b.String()
}
