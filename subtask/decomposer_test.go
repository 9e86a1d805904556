package subtask

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/deskagent/coordinator/bus"
)

// scriptedCaller returns a canned result for the decomposition family.
type scriptedCaller struct {
	result bus.ToolCallResult
	err    error
	calls  int
	params map[string]any
}

func (c *scriptedCaller) Call(_ context.Context, family string, params map[string]any, _ time.Duration) (bus.ToolCallResult, error) {
	if family != DecompositionFamily {
		return bus.ToolCallResult{}, fmt.Errorf("unexpected family %s", family)
	}
	c.calls++
	c.params = params
	return c.result, c.err
}

func TestDecompose_OpenAppPattern(t *testing.T) {
	d := NewDecomposer(nil, 0, nil)

	subtasks, err := d.Decompose(context.Background(), "open word", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(subtasks) != 4 {
		t.Fatalf("expected 4 subtasks, got %d", len(subtasks))
	}

	// The chain is run dialog, type name, enter, vision verify, each step
	// depending on its predecessor.
	for i, st := range subtasks {
		if i == 0 {
			if len(st.Dependencies) != 0 {
				t.Errorf("first subtask should have no dependencies, got %v", st.Dependencies)
			}
			continue
		}
		if len(st.Dependencies) != 1 || st.Dependencies[0] != subtasks[i-1].ID {
			t.Errorf("subtask %d should depend on its predecessor", i)
		}
	}

	if subtasks[0].Approach != ApproachKeyboard {
		t.Errorf("step 1 approach = %s, want keyboard", subtasks[0].Approach)
	}
	if !strings.Contains(subtasks[1].Description, "word") {
		t.Errorf("step 2 should mention the app, got %q", subtasks[1].Description)
	}
	if subtasks[3].Approach != ApproachVision {
		t.Errorf("final step approach = %s, want vision", subtasks[3].Approach)
	}

	if _, ok := subtasks[0].ActionHint(); !ok {
		t.Error("pattern steps should carry concrete action hints")
	}
}

func TestDecompose_SearchPattern(t *testing.T) {
	d := NewDecomposer(nil, 0, nil)

	subtasks, err := d.Decompose(context.Background(), "search for golang generics", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(subtasks) != 4 {
		t.Fatalf("expected 4 subtasks, got %d", len(subtasks))
	}
	if !strings.Contains(subtasks[1].Description, "golang generics") {
		t.Errorf("query missing from type step: %q", subtasks[1].Description)
	}
}

func TestDecompose_CreateDocumentPattern(t *testing.T) {
	d := NewDecomposer(nil, 0, nil)

	subtasks, err := d.Decompose(context.Background(), "create a word document", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(subtasks) != 5 {
		t.Fatalf("expected 5 subtasks (open chain + ctrl+n), got %d", len(subtasks))
	}
	last := subtasks[len(subtasks)-1]
	if last.Approach != ApproachKeyboard {
		t.Errorf("create step approach = %s, want keyboard", last.Approach)
	}
	if !last.DependsOn(subtasks[len(subtasks)-2].ID) {
		t.Error("create step should depend on the verify step")
	}
}

func TestDecompose_WorkerAssisted(t *testing.T) {
	caller := &scriptedCaller{
		result: bus.ToolCallResult{
			Success:    true,
			Confidence: 0.9,
			Result: map[string]any{
				"subtasks": []any{
					map[string]any{"description": "focus the editor", "approach": "mouse"},
					map[string]any{"description": "type the heading", "approach": "keyboard", "dependencies": []any{float64(0)}},
					map[string]any{"description": "verify layout", "approach": "vision", "dependencies": []any{float64(1), float64(7)}},
				},
			},
		},
	}
	d := NewDecomposer(caller, 0, nil)

	subtasks, err := d.Decompose(context.Background(), "lay out the report heading", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if caller.calls != 1 {
		t.Fatalf("expected 1 worker call, got %d", caller.calls)
	}
	if len(subtasks) != 3 {
		t.Fatalf("expected 3 subtasks, got %d", len(subtasks))
	}

	// Integer indices rewritten to the generated ids, out-of-range dropped.
	if !subtasks[1].DependsOn(subtasks[0].ID) {
		t.Error("subtask 1 should depend on subtask 0's generated id")
	}
	if len(subtasks[2].Dependencies) != 1 || subtasks[2].Dependencies[0] != subtasks[1].ID {
		t.Errorf("subtask 2: out-of-range index should be dropped, got deps %v", subtasks[2].Dependencies)
	}
	if subtasks[0].Order != 0 || subtasks[2].Order != 2 {
		t.Error("worker response order should be preserved")
	}
}

func TestDecompose_WorkerInvalidApproachFallsBackToOrchestrator(t *testing.T) {
	caller := &scriptedCaller{
		result: bus.ToolCallResult{
			Success:    true,
			Confidence: 0.9,
			Result: map[string]any{
				"subtasks": []any{
					map[string]any{"description": "do something odd", "approach": "telepathy"},
				},
			},
		},
	}
	d := NewDecomposer(caller, 0, nil)

	subtasks, err := d.Decompose(context.Background(), "perform something unclassifiable", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if subtasks[0].Approach != ApproachOrchestrator {
		t.Errorf("invalid worker approach should map to orchestrator, got %s", subtasks[0].Approach)
	}
}

func TestDecompose_WorkerFailureFallsThroughToHeuristic(t *testing.T) {
	caller := &scriptedCaller{
		result: bus.ToolCallResult{Success: false, Error: "worker offline"},
	}
	d := NewDecomposer(caller, 0, nil)

	subtasks, err := d.Decompose(context.Background(), "click the icon and type hello", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(subtasks) != 2 {
		t.Fatalf("expected heuristic split into 2 fragments, got %d", len(subtasks))
	}
	if subtasks[0].Approach != ApproachMouse {
		t.Errorf("fragment 1 approach = %s, want mouse", subtasks[0].Approach)
	}
	if subtasks[1].Approach != ApproachKeyboard {
		t.Errorf("fragment 2 approach = %s, want keyboard", subtasks[1].Approach)
	}
	if !subtasks[1].DependsOn(subtasks[0].ID) {
		t.Error("heuristic fragments should chain")
	}
}

func TestDecompose_HeuristicClassification(t *testing.T) {
	tests := []struct {
		fragment string
		want     Approach
	}{
		{"click the save button", ApproachMouse},
		{"drag the slider", ApproachMouse},
		{"scroll to the bottom", ApproachMouse},
		{"type the password", ApproachKeyboard},
		{"press ctrl+s", ApproachKeyboard},
		{"verify the dialog closed", ApproachVision},
		{"check the status bar", ApproachVision},
		{"read the error message", ApproachVision},
		{"how to undo in vim", ApproachSpecialist},
		{"shortcut for full screen", ApproachSpecialist},
		{"arrange the workspace", ApproachOrchestrator},
	}

	for _, tt := range tests {
		t.Run(tt.fragment, func(t *testing.T) {
			if got := classifyApproach(tt.fragment); got != tt.want {
				t.Errorf("classifyApproach(%q) = %s, want %s", tt.fragment, got, tt.want)
			}
		})
	}
}

func TestDecompose_NeverEmpty(t *testing.T) {
	d := NewDecomposer(nil, 0, nil)

	subtasks, err := d.Decompose(context.Background(), "zzzzz", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(subtasks) != 1 {
		t.Fatalf("expected single fallback subtask, got %d", len(subtasks))
	}
	if subtasks[0].Approach != ApproachOrchestrator {
		t.Errorf("fallback approach = %s, want orchestrator", subtasks[0].Approach)
	}
}

func TestDecompose_EmptyGoal(t *testing.T) {
	d := NewDecomposer(nil, 0, nil)
	if _, err := d.Decompose(context.Background(), "   ", nil); err == nil {
		t.Fatal("expected error for empty goal")
	}
}

func TestDecomposeWithActions(t *testing.T) {
	caller := &scriptedCaller{
		result: bus.ToolCallResult{
			Success:    true,
			Confidence: 0.8,
			Result: map[string]any{
				"subtasks": []any{
					map[string]any{
						"description":        "open the run dialog",
						"approach":           "keyboard",
						"action":             map[string]any{"type": "hotkey", "keys": []any{"win", "r"}},
						"wait_after_seconds": 0.5,
					},
				},
			},
		},
	}
	d := NewDecomposer(caller, 0, nil)

	subtasks, err := d.DecomposeWithActions(context.Background(), "bring up the run dialog somehow", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(subtasks) != 1 {
		t.Fatalf("expected 1 subtask, got %d", len(subtasks))
	}

	hint, ok := subtasks[0].ActionHint()
	if !ok {
		t.Fatal("expected action hint from worker response")
	}
	if hint.Action["type"] != "hotkey" {
		t.Errorf("hint action type = %v, want hotkey", hint.Action["type"])
	}
	if hint.WaitAfter != 500*time.Millisecond {
		t.Errorf("hint wait = %v, want 500ms", hint.WaitAfter)
	}
	if got := caller.params["with_actions"]; got != true {
		t.Error("worker should be asked for actions")
	}
}

func TestDecomposeWithActions_ParseFailureFallsBack(t *testing.T) {
	caller := &scriptedCaller{
		result: bus.ToolCallResult{
			Success:    true,
			Confidence: 0.8,
			Result:     map[string]any{"subtasks": "not a list"},
		},
	}
	d := NewDecomposer(caller, 0, nil)

	subtasks, err := d.DecomposeWithActions(context.Background(), "press ctrl+p then verify the preview", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Heuristic path: two fragments chained.
	if len(subtasks) != 2 {
		t.Fatalf("expected heuristic fallback with 2 subtasks, got %d", len(subtasks))
	}
}
