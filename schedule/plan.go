// Package schedule turns a subtask list into an execution plan: ordered
// phases that honor dependencies while allowing safe parallelism.
package schedule

import (
	"time"

	"github.com/deskagent/coordinator/subtask"
)

// ExecutionPhase is one scheduler-assigned batch of subtasks executed
// together. PhaseID is 1-based and dense; the ordering is a valid
// topological order, so every member's dependencies lie in a strictly lower
// phase.
type ExecutionPhase struct {
	PhaseID     int               `json:"phase_id"`
	Subtasks    []subtask.Subtask `json:"subtasks"`
	CanParallel bool              `json:"can_parallel"`
	Timeout     time.Duration     `json:"timeout"`
}

// SubtaskIDs returns the ids of the phase members, in order.
func (p *ExecutionPhase) SubtaskIDs() []string {
	ids := make([]string, len(p.Subtasks))
	for i := range p.Subtasks {
		ids[i] = p.Subtasks[i].ID
	}
	return ids
}

// ExecutionPlan is the ordered sequence of phases covering every input
// subtask exactly once.
type ExecutionPlan struct {
	Phases            []ExecutionPhase `json:"phases"`
	TotalSubtasks     int              `json:"total_subtasks"`
	EstimatedDuration time.Duration    `json:"estimated_duration"`
}

// IsEmpty reports whether the plan has no phases.
func (p *ExecutionPlan) IsEmpty() bool {
	return len(p.Phases) == 0
}

// Subtasks returns all subtasks across phases in phase order.
func (p *ExecutionPlan) Subtasks() []subtask.Subtask {
	out := make([]subtask.Subtask, 0, p.TotalSubtasks)
	for i := range p.Phases {
		out = append(out, p.Phases[i].Subtasks...)
	}
	return out
}
