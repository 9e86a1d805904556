package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/deskagent/coordinator/bus"
	"github.com/deskagent/coordinator/subagent"
	"github.com/deskagent/coordinator/subtask"
)

// dispatchWithTimeout runs the approach dispatch under the subtask's
// timeout. A timeout never crashes the phase: it yields a failed result.
func (e *Engine) dispatchWithTimeout(ctx context.Context, st subtask.Subtask) bus.ToolCallResult {
	timeout := st.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultSubtaskTimeout
	}

	subCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan bus.ToolCallResult, 1)
	go func() {
		done <- e.dispatch(subCtx, st)
	}()

	select {
	case res := <-done:
		return res
	case <-subCtx.Done():
		return bus.ToolCallResult{
			Success: false,
			Error:   fmt.Sprintf("timeout after %gs", timeout.Seconds()),
		}
	}
}

// dispatch routes a subtask to its collaborator by approach. The switch is
// exhaustive over the closed Approach set.
func (e *Engine) dispatch(ctx context.Context, st subtask.Subtask) bus.ToolCallResult {
	switch st.Approach {
	case subtask.ApproachKeyboard, subtask.ApproachMouse:
		// A concrete action descriptor goes straight to the executor;
		// without one, the planning family works out the steps.
		if hint, ok := st.ActionHint(); ok {
			return e.executeAction(ctx, hint)
		}
		return e.subagents.CallSingle(ctx, subagent.FamilyPlanning, map[string]any{
			"goal":     st.Description,
			"approach": st.Approach.String(),
			"context":  st.Context,
		}, 0)

	case subtask.ApproachHybrid:
		// Ambiguous input strategy: fan out one planning variant per
		// candidate approach and let the aggregator pick a winner.
		variants := make([]map[string]any, 0, 3)
		for _, approach := range []subtask.Approach{subtask.ApproachKeyboard, subtask.ApproachMouse, subtask.ApproachHybrid} {
			variants = append(variants, map[string]any{
				"goal":     st.Description,
				"approach": approach.String(),
				"context":  st.Context,
			})
		}
		return e.subagents.SpawnParallel(ctx, subagent.FamilyPlanning, variants, 0)

	case subtask.ApproachVision:
		return e.subagents.CallSingle(ctx, subagent.FamilyVision, map[string]any{
			"task":    st.Description,
			"context": st.Context,
		}, 0)

	case subtask.ApproachSpecialist:
		return e.subagents.CallSingle(ctx, subagent.FamilySpecialist, map[string]any{
			"query":   st.Description,
			"context": st.Context,
		}, 0)

	case subtask.ApproachOrchestrator:
		return e.reflect(ctx, st)

	default:
		return bus.ToolCallResult{
			Success: false,
			Error:   fmt.Sprintf("unknown approach %q", st.Approach),
		}
	}
}

// executeAction performs one concrete action descriptor through the
// executor collaborator, then waits out the settle time.
func (e *Engine) executeAction(ctx context.Context, hint subtask.ActionHint) bus.ToolCallResult {
	if e.executor == nil {
		return bus.ToolCallResult{Success: false, Error: "no executor configured"}
	}

	start := time.Now()
	if err := e.executor.Execute(ctx, hint.Action); err != nil {
		return bus.ToolCallResult{
			Success:       false,
			Error:         err.Error(),
			ExecutionTime: time.Since(start),
		}
	}

	if hint.WaitAfter > 0 {
		select {
		case <-time.After(hint.WaitAfter):
		case <-ctx.Done():
		}
	}

	return bus.ToolCallResult{
		Success:       true,
		Confidence:    1.0,
		Result:        map[string]any{"action": hint.Action},
		ExecutionTime: time.Since(start),
	}
}

// reflect delegates an orchestrator subtask to the reflection-loop
// collaborator.
func (e *Engine) reflect(ctx context.Context, st subtask.Subtask) bus.ToolCallResult {
	if e.reflector == nil {
		return bus.ToolCallResult{Success: false, Error: "no reflector configured"}
	}

	start := time.Now()
	out, err := e.reflector.Reflect(ctx, st.Description, st.Context)
	if err != nil {
		return bus.ToolCallResult{
			Success:       false,
			Error:         err.Error(),
			ExecutionTime: time.Since(start),
		}
	}

	res := bus.ToolCallResult{
		Success:       out.Success,
		Error:         out.Error,
		ExecutionTime: time.Since(start),
		Result: map[string]any{
			"actions_executed": out.ActionsExecuted,
		},
	}
	if out.Success {
		res.Confidence = 1.0
	}
	return res
}
