package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/deskagent/coordinator/bus"
	"github.com/deskagent/coordinator/progress"
	"github.com/deskagent/coordinator/schedule"
	"github.com/deskagent/coordinator/subagent"
	"github.com/deskagent/coordinator/subtask"
)

// fakeDecomposer returns a fixed subtask list.
type fakeDecomposer struct {
	subtasks []subtask.Subtask
	err      error
}

func (d *fakeDecomposer) Decompose(ctx context.Context, goal string, taskCtx map[string]any) ([]subtask.Subtask, error) {
	return d.subtasks, d.err
}

// fakeSubagents scripts results per subtask description and records calls.
// respond may be set to intercept a call; failFirst marks descriptions that
// fail once and then succeed.
type fakeSubagents struct {
	mu        sync.Mutex
	calls     []string
	families  []string
	failFirst map[string]bool
	attempts  map[string]int
	block     chan struct{}
	delay     time.Duration
}

func (s *fakeSubagents) result(goal string) bus.ToolCallResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attempts == nil {
		s.attempts = make(map[string]int)
	}
	s.attempts[goal]++
	if s.failFirst[goal] && s.attempts[goal] == 1 {
		return bus.ToolCallResult{Success: false, Error: "transient worker failure"}
	}
	return bus.ToolCallResult{Success: true, Confidence: 0.8, Result: map[string]any{"goal": goal}}
}

func (s *fakeSubagents) CallSingle(ctx context.Context, family string, params map[string]any, timeout time.Duration) bus.ToolCallResult {
	goal, _ := params["goal"].(string)
	if goal == "" {
		goal, _ = params["task"].(string)
	}
	if goal == "" {
		goal, _ = params["query"].(string)
	}

	s.mu.Lock()
	s.calls = append(s.calls, goal)
	s.families = append(s.families, family)
	block := s.block
	delay := s.delay
	s.mu.Unlock()

	if block != nil {
		<-block
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return bus.ToolCallResult{Success: false, Error: ctx.Err().Error()}
		}
	}
	return s.result(goal)
}

func (s *fakeSubagents) SpawnParallel(ctx context.Context, family string, variants []map[string]any, timeout time.Duration) bus.ToolCallResult {
	goal, _ := variants[0]["goal"].(string)
	s.mu.Lock()
	s.calls = append(s.calls, goal)
	s.families = append(s.families, family)
	s.mu.Unlock()
	return s.result(goal)
}

func (s *fakeSubagents) calledFamilies() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.families...)
}

type fakeExecutor struct {
	mu      sync.Mutex
	actions []map[string]any
	err     error
}

func (e *fakeExecutor) Execute(ctx context.Context, action map[string]any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.actions = append(e.actions, action)
	return e.err
}

type fakeReflector struct {
	out ReflectionResult
	err error
}

func (r *fakeReflector) Reflect(ctx context.Context, goal string, taskCtx map[string]any) (ReflectionResult, error) {
	return r.out, r.err
}

func newTestEngine(t *testing.T, dec Decomposer, sub Subagents, exec Executor, refl Reflector, cfg Config) *Engine {
	t.Helper()
	e, err := New(Dependencies{
		Decomposer: dec,
		Scheduler:  schedule.New(schedule.DefaultConfig(), nil),
		Subagents:  sub,
		Executor:   exec,
		Reflector:  refl,
		Tracker:    progress.NewTracker(0, nil),
	}, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func seqSubtask(id, desc string, approach subtask.Approach, order int, deps ...string) subtask.Subtask {
	return subtask.Subtask{
		ID:           id,
		Description:  desc,
		Approach:     approach,
		Dependencies: deps,
		Order:        order,
	}
}

func TestExecuteComplexTask_HappyPath(t *testing.T) {
	dec := &fakeDecomposer{subtasks: []subtask.Subtask{
		seqSubtask("a", "focus the window", subtask.ApproachKeyboard, 0),
		seqSubtask("b", "verify the result", subtask.ApproachVision, 1, "a"),
	}}
	subs := &fakeSubagents{}
	e := newTestEngine(t, dec, subs, nil, nil, DefaultConfig())

	res, err := e.ExecuteComplexTask(context.Background(), "do the thing", nil)
	if err != nil {
		t.Fatalf("ExecuteComplexTask: %v", err)
	}
	if !res.Success || res.State != StateCompleted {
		t.Fatalf("state = %s, error = %s", res.State, res.Error)
	}
	if res.SubtasksCompleted != 2 || res.SubtasksTotal != 2 {
		t.Errorf("completed %d/%d", res.SubtasksCompleted, res.SubtasksTotal)
	}
	if !strings.Contains(res.Summary, "2/2 subtasks succeeded") {
		t.Errorf("summary = %q", res.Summary)
	}

	// Vision subtasks route to the vision family, keyboard without an action
	// hint to planning.
	fams := subs.calledFamilies()
	if len(fams) != 2 || fams[0] != subagent.FamilyPlanning || fams[1] != subagent.FamilyVision {
		t.Errorf("families = %v", fams)
	}

	// The finished result is retrievable afterwards.
	got, err := e.Result(res.TaskID)
	if err != nil || got.TaskID != res.TaskID {
		t.Errorf("Result lookup failed: %v", err)
	}
	if st, err := e.TaskState(res.TaskID); err != nil || st != StateCompleted {
		t.Errorf("TaskState = %s, %v", st, err)
	}
}

func TestExecuteComplexTask_ActionHintUsesExecutor(t *testing.T) {
	st := seqSubtask("a", "press enter", subtask.ApproachKeyboard, 0)
	st.SetActionHint(subtask.ActionHint{Action: map[string]any{"type": "key", "key": "enter"}})
	dec := &fakeDecomposer{subtasks: []subtask.Subtask{st}}
	subs := &fakeSubagents{}
	exec := &fakeExecutor{}
	e := newTestEngine(t, dec, subs, exec, nil, DefaultConfig())

	res, err := e.ExecuteComplexTask(context.Background(), "press enter", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success {
		t.Fatalf("failed: %s", res.Error)
	}
	if len(exec.actions) != 1 || exec.actions[0]["key"] != "enter" {
		t.Errorf("executor actions = %v", exec.actions)
	}
	if len(subs.calledFamilies()) != 0 {
		t.Error("hinted subtask must not reach the planning family")
	}
	if r := res.Results["a"]; r.Confidence != 1.0 {
		t.Errorf("direct action confidence = %g, want 1.0", r.Confidence)
	}
}

func TestExecuteComplexTask_OrchestratorUsesReflector(t *testing.T) {
	dec := &fakeDecomposer{subtasks: []subtask.Subtask{
		seqSubtask("a", "sort out the rest", subtask.ApproachOrchestrator, 0),
	}}
	refl := &fakeReflector{out: ReflectionResult{Success: true, ActionsExecuted: 7}}
	e := newTestEngine(t, dec, &fakeSubagents{}, nil, refl, DefaultConfig())

	res, err := e.ExecuteComplexTask(context.Background(), "sort out the rest", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success {
		t.Fatalf("failed: %s", res.Error)
	}
	if got := res.Results["a"].Result["actions_executed"]; got != 7 {
		t.Errorf("actions_executed = %v", got)
	}
}

func TestExecuteComplexTask_DecompositionError(t *testing.T) {
	dec := &fakeDecomposer{err: errors.New("worker unreachable")}
	e := newTestEngine(t, dec, &fakeSubagents{}, nil, nil, DefaultConfig())

	res, err := e.ExecuteComplexTask(context.Background(), "anything", nil)
	if err == nil {
		t.Fatal("expected the decomposition error surfaced")
	}
	if res == nil || res.State != StateFailed {
		t.Fatalf("res = %+v", res)
	}
	if !strings.Contains(res.Error, "decomposition failed") {
		t.Errorf("error = %q", res.Error)
	}
}

func TestExecuteComplexTask_SequentialStopsEarly(t *testing.T) {
	// One sequential phase of three: the middle one fails, the last is
	// skipped without running.
	dec := &fakeDecomposer{subtasks: []subtask.Subtask{
		seqSubtask("a", "step one", subtask.ApproachVision, 0),
		seqSubtask("b", "step two", subtask.ApproachVision, 1),
		seqSubtask("c", "step three", subtask.ApproachVision, 2),
	}}
	subs := &fakeSubagents{failFirst: map[string]bool{"step two": true}}
	e := newTestEngine(t, dec, subs, nil, nil, Config{MaxReplans: 0})

	res, err := e.ExecuteComplexTask(context.Background(), "three steps", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Success || res.State != StateFailed {
		t.Fatalf("state = %s", res.State)
	}
	if res.SubtasksCompleted != 1 {
		t.Errorf("completed = %d, want 1", res.SubtasksCompleted)
	}
	if r := res.Results["c"]; r.Success || !strings.Contains(r.Error, "skipped") {
		t.Errorf("step three result = %+v, want a skip record", r)
	}

	// Step three never reached a worker.
	for _, goal := range subs.calls {
		if goal == "step three" {
			t.Error("skipped subtask was dispatched")
		}
	}
}

func TestExecuteComplexTask_PhaseAbort(t *testing.T) {
	// The only subtask of the first phase fails: the whole plan aborts and
	// downstream phases are skipped.
	dec := &fakeDecomposer{subtasks: []subtask.Subtask{
		seqSubtask("a", "doomed step", subtask.ApproachVision, 0),
		seqSubtask("b", "later step", subtask.ApproachVision, 1, "a"),
	}}
	subs := &fakeSubagents{failFirst: map[string]bool{"doomed step": true}}
	e := newTestEngine(t, dec, subs, nil, nil, Config{MaxReplans: 2})

	res, err := e.ExecuteComplexTask(context.Background(), "doomed", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.State != StateFailed {
		t.Fatalf("state = %s", res.State)
	}
	if !strings.Contains(res.Error, "phase aborted") {
		t.Errorf("error = %q", res.Error)
	}
	for _, goal := range subs.calls {
		if goal == "later step" {
			t.Error("downstream phase ran after an abort")
		}
	}
}

func TestExecuteComplexTask_ReplanRetriesFailure(t *testing.T) {
	// Phase 2 is parallel with one success and one transient failure: the
	// checkpoint replan retries the failure, which then succeeds.
	b := subtask.Subtask{ID: "b", Description: "watch left", Approach: subtask.ApproachVision, CanParallel: true, Order: 1, Dependencies: []string{"a"}}
	c := subtask.Subtask{ID: "c", Description: "watch right", Approach: subtask.ApproachVision, CanParallel: true, Order: 2, Dependencies: []string{"a"}}
	dec := &fakeDecomposer{subtasks: []subtask.Subtask{
		seqSubtask("a", "open the app", subtask.ApproachVision, 0), b, c,
	}}
	subs := &fakeSubagents{failFirst: map[string]bool{"watch right": true}}
	e := newTestEngine(t, dec, subs, nil, nil, Config{MaxReplans: 1})

	res, err := e.ExecuteComplexTask(context.Background(), "watch both", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success {
		t.Fatalf("state = %s, error = %s, summary = %s", res.State, res.Error, res.Summary)
	}
	if got := subs.attempts["watch right"]; got != 2 {
		t.Errorf("attempts = %d, want a retry", got)
	}
	// a and b are not re-executed by the replan.
	if got := subs.attempts["open the app"]; got != 1 {
		t.Errorf("completed subtask re-ran %d times", got)
	}
}

func TestExecuteComplexTask_ReplanCapRespected(t *testing.T) {
	b := subtask.Subtask{ID: "b", Description: "works", Approach: subtask.ApproachVision, CanParallel: true, Order: 0}
	c := subtask.Subtask{ID: "c", Description: "always fails", Approach: subtask.ApproachVision, CanParallel: true, Order: 1}
	dec := &fakeDecomposer{subtasks: []subtask.Subtask{b, c}}
	subs := &fakeSubagents{failFirst: map[string]bool{}}
	// Make "always fails" fail on every attempt.
	subs.attempts = map[string]int{}
	subs.failFirst["always fails"] = true
	e := newTestEngine(t, dec, subs, nil, nil, Config{MaxReplans: 0})

	res, err := e.ExecuteComplexTask(context.Background(), "capped", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Success {
		t.Fatal("expected failure with replanning disabled")
	}
	if got := subs.attempts["always fails"]; got != 1 {
		t.Errorf("attempts = %d, want 1 with MaxReplans=0", got)
	}
}

func TestExecuteComplexTask_SubtaskTimeout(t *testing.T) {
	st := seqSubtask("a", "slow step", subtask.ApproachVision, 0)
	st.Timeout = 50 * time.Millisecond
	dec := &fakeDecomposer{subtasks: []subtask.Subtask{st}}
	subs := &fakeSubagents{delay: 2 * time.Second}
	e := newTestEngine(t, dec, subs, nil, nil, DefaultConfig())

	start := time.Now()
	res, err := e.ExecuteComplexTask(context.Background(), "slow", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Success {
		t.Fatal("expected timeout failure")
	}
	if r := res.Results["a"]; !strings.Contains(r.Error, "timeout") {
		t.Errorf("result error = %q", r.Error)
	}
	if time.Since(start) > time.Second {
		t.Error("timeout did not bound the subtask")
	}
}

func TestCancelTask_AtPhaseBoundary(t *testing.T) {
	dec := &fakeDecomposer{subtasks: []subtask.Subtask{
		seqSubtask("a", "first phase", subtask.ApproachVision, 0),
		seqSubtask("b", "second phase", subtask.ApproachVision, 1, "a"),
	}}
	block := make(chan struct{})
	subs := &fakeSubagents{block: block}
	e := newTestEngine(t, dec, subs, nil, nil, DefaultConfig())

	type outcome struct {
		res *AutomationResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := e.ExecuteComplexTask(context.Background(), "cancel me", nil)
		done <- outcome{res, err}
	}()

	// Wait for the task to register, cancel it while phase 1 is in flight,
	// then let phase 1 finish.
	var taskID string
	deadline := time.After(2 * time.Second)
	for taskID == "" {
		select {
		case <-deadline:
			t.Fatal("task never started")
		case <-time.After(5 * time.Millisecond):
			if ids := e.RunningTasks(); len(ids) == 1 {
				taskID = ids[0]
			}
		}
	}
	if !e.CancelTask(taskID) {
		t.Fatal("CancelTask returned false for a running task")
	}
	close(block)

	out := <-done
	if out.err != nil {
		t.Fatal(out.err)
	}
	if out.res.State != StateCancelled {
		t.Fatalf("state = %s, want cancelled", out.res.State)
	}
	if !strings.Contains(out.res.Summary, "(cancelled)") {
		t.Errorf("summary = %q", out.res.Summary)
	}
	// Phase 1 ran to completion; phase 2 never started.
	if _, ok := out.res.Results["a"]; !ok {
		t.Error("in-flight phase should finish before cancellation lands")
	}
	for _, goal := range subs.calls {
		if goal == "second phase" {
			t.Error("phase after the cancellation boundary was dispatched")
		}
	}
}

func TestCancelTask_Unknown(t *testing.T) {
	e := newTestEngine(t, &fakeDecomposer{}, &fakeSubagents{}, nil, nil, DefaultConfig())
	if e.CancelTask("task-unknown") {
		t.Error("cancelling an unknown task should report false")
	}
}

func TestResult_Unknown(t *testing.T) {
	e := newTestEngine(t, &fakeDecomposer{}, &fakeSubagents{}, nil, nil, DefaultConfig())
	if _, err := e.Result("task-unknown"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("err = %v, want ErrTaskNotFound", err)
	}
	if _, err := e.TaskState("task-unknown"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("err = %v, want ErrTaskNotFound", err)
	}
}

func TestExecuteComplexTask_ParallelPhaseRunsAllMembers(t *testing.T) {
	b := subtask.Subtask{ID: "b", Description: "watch toolbar", Approach: subtask.ApproachVision, CanParallel: true, Order: 0}
	c := subtask.Subtask{ID: "c", Description: "watch sidebar", Approach: subtask.ApproachVision, CanParallel: true, Order: 1}
	dec := &fakeDecomposer{subtasks: []subtask.Subtask{b, c}}
	subs := &fakeSubagents{}
	e := newTestEngine(t, dec, subs, nil, nil, DefaultConfig())

	res, err := e.ExecuteComplexTask(context.Background(), "watch both panes", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success {
		t.Fatalf("failed: %s", res.Error)
	}
	if len(res.Results) != 2 {
		t.Errorf("results = %d, want both members", len(res.Results))
	}
}
