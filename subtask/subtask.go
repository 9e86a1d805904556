// Package subtask defines the unit-of-work model for automation goals and
// the decomposer that turns a goal into an ordered list of dependent
// subtasks.
package subtask

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Approach declares how a subtask is carried out. It is a closed set:
// dispatchers switch over it exhaustively instead of comparing free-form
// strings.
type Approach string

// Supported approaches.
const (
	ApproachKeyboard     Approach = "keyboard"
	ApproachMouse        Approach = "mouse"
	ApproachHybrid       Approach = "hybrid"
	ApproachVision       Approach = "vision"
	ApproachSpecialist   Approach = "specialist"
	ApproachOrchestrator Approach = "orchestrator"
)

// IsValid reports whether the approach is one of the supported values.
func (a Approach) IsValid() bool {
	switch a {
	case ApproachKeyboard, ApproachMouse, ApproachHybrid,
		ApproachVision, ApproachSpecialist, ApproachOrchestrator:
		return true
	}
	return false
}

// IsExclusive reports whether the approach contends for the physical input
// focus. Two exclusive subtasks can never run in the same parallel phase.
func (a Approach) IsExclusive() bool {
	switch a {
	case ApproachKeyboard, ApproachMouse, ApproachHybrid:
		return true
	}
	return false
}

// String returns the approach name.
func (a Approach) String() string {
	return string(a)
}

// Sentinel errors for subtask operations.
var (
	ErrGoalRequired    = errors.New("goal is required")
	ErrInvalidApproach = errors.New("invalid approach")
)

// Subtask is one unit of work with a declared approach and dependency set.
// Dependencies reference only ids from the same decomposition batch. The
// record is read-only once scheduled, except that re-planning prunes
// Dependencies of ids that already completed.
type Subtask struct {
	ID           string         `json:"id"`
	Description  string         `json:"description"`
	Approach     Approach       `json:"approach"`
	Dependencies []string       `json:"dependencies,omitempty"`
	CanParallel  bool           `json:"can_parallel"`
	Timeout      time.Duration  `json:"timeout,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
	Order        int            `json:"order"`
}

// Validate checks structural validity of a single subtask.
func (s *Subtask) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("subtask id is required")
	}
	if s.Description == "" {
		return fmt.Errorf("subtask %s: description is required", s.ID)
	}
	if !s.Approach.IsValid() {
		return fmt.Errorf("subtask %s: %w: %q", s.ID, ErrInvalidApproach, s.Approach)
	}
	return nil
}

// DependsOn reports whether the subtask declares a dependency on id.
func (s *Subtask) DependsOn(id string) bool {
	for _, dep := range s.Dependencies {
		if dep == id {
			return true
		}
	}
	return false
}

// NewID generates a fresh subtask id.
func NewID() string {
	return "st-" + uuid.NewString()
}

// Context keys for typed hints carried in the opaque context map.
const (
	contextKeyAction    = "action"
	contextKeyWaitAfter = "wait_after_seconds"
)

// ActionHint is a concrete low-level action descriptor attached to a
// subtask by action-aware decomposition, plus the settle time to wait after
// the action runs. The descriptor itself stays opaque to the core; only the
// executor interprets it.
type ActionHint struct {
	Action    map[string]any
	WaitAfter time.Duration
}

// SetActionHint stores the hint in the subtask context.
func (s *Subtask) SetActionHint(hint ActionHint) {
	if s.Context == nil {
		s.Context = make(map[string]any, 2)
	}
	s.Context[contextKeyAction] = hint.Action
	s.Context[contextKeyWaitAfter] = hint.WaitAfter.Seconds()
}

// ActionHint extracts the typed hint from the subtask context. The second
// return is false when no concrete action is attached.
func (s *Subtask) ActionHint() (ActionHint, bool) {
	if s.Context == nil {
		return ActionHint{}, false
	}
	action, ok := s.Context[contextKeyAction].(map[string]any)
	if !ok || len(action) == 0 {
		return ActionHint{}, false
	}
	hint := ActionHint{Action: action}
	if secs, ok := s.Context[contextKeyWaitAfter].(float64); ok && secs > 0 {
		hint.WaitAfter = time.Duration(secs * float64(time.Second))
	}
	return hint, true
}
