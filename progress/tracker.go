// Package progress tracks per-task subtask state machines and notifies
// subscribers of transitions.
package progress

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// SubtaskStatus is the lifecycle state of one subtask.
type SubtaskStatus string

// Subtask lifecycle states. Completed, failed, and skipped are terminal.
const (
	StatusPending   SubtaskStatus = "pending"
	StatusRunning   SubtaskStatus = "running"
	StatusCompleted SubtaskStatus = "completed"
	StatusFailed    SubtaskStatus = "failed"
	StatusSkipped   SubtaskStatus = "skipped"
)

// IsValid reports whether the status is a known state.
func (s SubtaskStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is accepted.
func (s SubtaskStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

// CanTransitionTo reports whether the state machine accepts a transition.
func (s SubtaskStatus) CanTransitionTo(target SubtaskStatus) bool {
	switch s {
	case StatusPending:
		return target == StatusRunning || target == StatusSkipped
	case StatusRunning:
		return target.IsTerminal()
	default:
		return false
	}
}

// Sentinel errors for tracker operations.
var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrSubtaskNotFound   = errors.New("subtask not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrTaskExists        = errors.New("task already tracked")
)

// SubtaskProgress is the tracked state of one subtask.
type SubtaskProgress struct {
	ID          string         `json:"id"`
	Description string         `json:"description,omitempty"`
	Status      SubtaskStatus  `json:"status"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// TaskProgress aggregates one task's subtasks. Failed subtasks never count
// toward the progress ratio.
type TaskProgress struct {
	TaskID    string                      `json:"task_id"`
	Subtasks  map[string]*SubtaskProgress `json:"subtasks"`
	StartedAt time.Time                   `json:"started_at"`
	EndedAt   *time.Time                  `json:"ended_at,omitempty"`
}

// Counts tallies subtasks by state.
type Counts struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Running   int `json:"running"`
	Skipped   int `json:"skipped"`
}

// Subscriber receives transition events. Panics and errors inside a
// subscriber are caught and logged, never propagated.
type Subscriber func(taskID, event string, fields map[string]any)

// Transition event names passed to subscribers.
const (
	EventTaskStarted      = "task_started"
	EventSubtaskStarted   = "subtask_started"
	EventSubtaskCompleted = "subtask_completed"
	EventSubtaskFailed    = "subtask_failed"
	EventSubtaskSkipped   = "subtask_skipped"
	EventTaskEnded        = "task_ended"
)

// DefaultHistorySize caps the finished-task ring buffer.
const DefaultHistorySize = 50

// Tracker maintains in-memory task state. All maps are guarded by one
// mutex: callers run on arbitrary goroutines.
type Tracker struct {
	mu          sync.RWMutex
	tasks       map[string]*TaskProgress
	subscribers map[string][]Subscriber
	history     []*TaskProgress
	historySize int
	logger      *slog.Logger
}

// NewTracker creates a Tracker with the given history capacity (0 uses the
// default).
func NewTracker(historySize int, logger *slog.Logger) *Tracker {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		tasks:       make(map[string]*TaskProgress),
		subscribers: make(map[string][]Subscriber),
		history:     make([]*TaskProgress, 0, historySize),
		historySize: historySize,
		logger:      logger,
	}
}

// SubtaskRef identifies a subtask being registered with the tracker.
type SubtaskRef struct {
	ID          string
	Description string
}

// StartTask begins tracking a task with all subtasks pending.
func (t *Tracker) StartTask(taskID string, subtasks []SubtaskRef) error {
	t.mu.Lock()
	if _, exists := t.tasks[taskID]; exists {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskExists, taskID)
	}

	tp := &TaskProgress{
		TaskID:    taskID,
		Subtasks:  make(map[string]*SubtaskProgress, len(subtasks)),
		StartedAt: time.Now(),
	}
	for _, ref := range subtasks {
		tp.Subtasks[ref.ID] = &SubtaskProgress{
			ID:          ref.ID,
			Description: ref.Description,
			Status:      StatusPending,
		}
	}
	t.tasks[taskID] = tp
	t.mu.Unlock()

	t.notify(taskID, EventTaskStarted, map[string]any{"subtasks": len(subtasks)})
	return nil
}

// StartSubtask transitions a subtask to running.
func (t *Tracker) StartSubtask(taskID, subtaskID string) error {
	if err := t.transition(taskID, subtaskID, StatusRunning, nil, ""); err != nil {
		return err
	}
	t.notify(taskID, EventSubtaskStarted, map[string]any{"subtask_id": subtaskID})
	return nil
}

// CompleteSubtask transitions a running subtask to completed or failed and
// records its result.
func (t *Tracker) CompleteSubtask(taskID, subtaskID string, success bool, result map[string]any, errMsg string) error {
	status := StatusCompleted
	event := EventSubtaskCompleted
	if !success {
		status = StatusFailed
		event = EventSubtaskFailed
	}
	if err := t.transition(taskID, subtaskID, status, result, errMsg); err != nil {
		return err
	}
	t.notify(taskID, event, map[string]any{"subtask_id": subtaskID, "error": errMsg})
	return nil
}

// SkipSubtask marks a subtask skipped without running it.
func (t *Tracker) SkipSubtask(taskID, subtaskID, reason string) error {
	if err := t.transition(taskID, subtaskID, StatusSkipped, nil, reason); err != nil {
		return err
	}
	t.notify(taskID, EventSubtaskSkipped, map[string]any{"subtask_id": subtaskID, "reason": reason})
	return nil
}

// transition applies one state-machine step under the lock.
func (t *Tracker) transition(taskID, subtaskID string, target SubtaskStatus, result map[string]any, errMsg string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	tp, ok := t.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	sp, ok := tp.Subtasks[subtaskID]
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrSubtaskNotFound, taskID, subtaskID)
	}
	if !sp.Status.CanTransitionTo(target) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, sp.Status, target)
	}

	now := time.Now()
	sp.Status = target
	switch {
	case target == StatusRunning:
		sp.StartedAt = &now
	case target.IsTerminal():
		sp.CompletedAt = &now
		sp.Result = result
		sp.Error = errMsg
	}
	return nil
}

// ResetSubtask returns a failed or skipped subtask to pending so a
// replanning round can retry it. Completed subtasks cannot be reset.
func (t *Tracker) ResetSubtask(taskID, subtaskID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	tp, ok := t.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	sp, ok := tp.Subtasks[subtaskID]
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrSubtaskNotFound, taskID, subtaskID)
	}
	if sp.Status != StatusFailed && sp.Status != StatusSkipped {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, sp.Status, StatusPending)
	}

	sp.Status = StatusPending
	sp.StartedAt = nil
	sp.CompletedAt = nil
	sp.Result = nil
	sp.Error = ""
	return nil
}

// EndTask stops tracking a task, moving it into the bounded history ring
// and clearing its subscribers.
func (t *Tracker) EndTask(taskID string) error {
	t.mu.Lock()
	tp, ok := t.tasks[taskID]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	now := time.Now()
	tp.EndedAt = &now
	delete(t.tasks, taskID)

	t.history = append(t.history, tp)
	if len(t.history) > t.historySize {
		t.history = t.history[len(t.history)-t.historySize:]
	}
	t.mu.Unlock()

	t.notify(taskID, EventTaskEnded, nil)

	t.mu.Lock()
	delete(t.subscribers, taskID)
	t.mu.Unlock()
	return nil
}

// GetProgress returns completed/total for a live task, 0.0 when the task
// has no subtasks or is unknown. Failed and skipped subtasks do not count.
func (t *Tracker) GetProgress(taskID string) float64 {
	counts, err := t.GetCounts(taskID)
	if err != nil || counts.Total == 0 {
		return 0
	}
	return float64(counts.Completed) / float64(counts.Total)
}

// GetCounts tallies a live task's subtasks by state.
func (t *Tracker) GetCounts(taskID string) (Counts, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	tp, ok := t.tasks[taskID]
	if !ok {
		return Counts{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	counts := Counts{Total: len(tp.Subtasks)}
	for _, sp := range tp.Subtasks {
		switch sp.Status {
		case StatusCompleted:
			counts.Completed++
		case StatusFailed:
			counts.Failed++
		case StatusRunning:
			counts.Running++
		case StatusSkipped:
			counts.Skipped++
		}
	}
	return counts, nil
}

// GetSubtask returns a copy of one subtask's progress.
func (t *Tracker) GetSubtask(taskID, subtaskID string) (SubtaskProgress, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	tp, ok := t.tasks[taskID]
	if !ok {
		return SubtaskProgress{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	sp, ok := tp.Subtasks[subtaskID]
	if !ok {
		return SubtaskProgress{}, fmt.Errorf("%w: %s/%s", ErrSubtaskNotFound, taskID, subtaskID)
	}
	return *sp, nil
}

// Subscribe registers a callback for one task's transition events.
func (t *Tracker) Subscribe(taskID string, fn Subscriber) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subscribers[taskID] = append(t.subscribers[taskID], fn)
}

// History returns the finished tasks still held in the ring buffer, oldest
// first.
func (t *Tracker) History() []*TaskProgress {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*TaskProgress, len(t.history))
	copy(out, t.history)
	return out
}

// notify fans an event out to the task's subscribers, isolating panics.
func (t *Tracker) notify(taskID, event string, fields map[string]any) {
	t.mu.RLock()
	subs := make([]Subscriber, len(t.subscribers[taskID]))
	copy(subs, t.subscribers[taskID])
	t.mu.RUnlock()

	for _, fn := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.logger.Error("progress subscriber panicked",
						"task_id", taskID,
						"event", event,
						"panic", r)
				}
			}()
			fn(taskID, event, fields)
		}()
	}
}
