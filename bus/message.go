package bus

import (
	"fmt"
	"time"
)

// ToolCallRequest is the wire envelope published to a worker family subject.
// TaskID is the correlation key: the worker copies it verbatim onto its
// response so the caller can match the answer to the pending call.
type ToolCallRequest struct {
	TaskID         string         `json:"task_id"`
	Tool           string         `json:"tool"`
	Params         map[string]any `json:"params,omitempty"`
	Requester      string         `json:"requester,omitempty"`
	TimeoutSeconds float64        `json:"timeout_seconds,omitempty"`
}

// Validate checks required request fields.
func (r *ToolCallRequest) Validate() error {
	if r.TaskID == "" {
		return fmt.Errorf("task_id is required")
	}
	if r.Tool == "" {
		return fmt.Errorf("tool is required")
	}
	return nil
}

// ToolCallResponse is the wire envelope a worker publishes on the shared
// results subject. Every connected client sees every response and filters
// by TaskID.
type ToolCallResponse struct {
	TaskID  string         `json:"task_id"`
	Success bool           `json:"success"`
	Result  map[string]any `json:"result,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Validate checks required response fields.
func (r *ToolCallResponse) Validate() error {
	if r.TaskID == "" {
		return fmt.Errorf("task_id is required")
	}
	return nil
}

// ToolCallResult is the caller-side outcome of a correlated call. It is the
// unit the aggregator ranks and merges: Confidence is reported by the worker
// (0 when absent) and ExecutionTime is measured client-side.
type ToolCallResult struct {
	Success       bool           `json:"success"`
	Result        map[string]any `json:"result,omitempty"`
	Confidence    float64        `json:"confidence"`
	Error         string         `json:"error,omitempty"`
	ExecutionTime time.Duration  `json:"execution_time"`
}

// resultFromResponse converts a wire response into a caller-side result,
// lifting the worker-reported confidence out of the result payload.
func resultFromResponse(resp ToolCallResponse, elapsed time.Duration) ToolCallResult {
	res := ToolCallResult{
		Success:       resp.Success,
		Result:        resp.Result,
		Error:         resp.Error,
		ExecutionTime: elapsed,
	}
	if resp.Result != nil {
		if conf, ok := resp.Result["confidence"].(float64); ok {
			res.Confidence = conf
		}
	}
	return res
}
