package bus

import "sync"

// pendingCalls is the correlation table for in-flight calls. Each Call
// registers a buffered channel keyed by correlation id; the results listener
// resolves the channel when a matching response arrives. Responses for
// unknown ids (other clients' calls, or calls that already timed out) are
// dropped.
type pendingCalls struct {
	mu      sync.Mutex
	waiting map[string]chan ToolCallResponse
}

func newPendingCalls() *pendingCalls {
	return &pendingCalls{waiting: make(map[string]chan ToolCallResponse)}
}

// register creates the future for a correlation id. The channel is buffered
// so the listener never blocks on a caller that has already given up.
func (p *pendingCalls) register(id string) chan ToolCallResponse {
	ch := make(chan ToolCallResponse, 1)
	p.mu.Lock()
	p.waiting[id] = ch
	p.mu.Unlock()
	return ch
}

// resolve delivers a response to its waiting caller. It reports whether the
// id had a registered future.
func (p *pendingCalls) resolve(id string, resp ToolCallResponse) bool {
	p.mu.Lock()
	ch, ok := p.waiting[id]
	if ok {
		delete(p.waiting, id)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	ch <- resp
	return true
}

// drop removes a future without resolving it. Safe to call after resolve.
func (p *pendingCalls) drop(id string) {
	p.mu.Lock()
	delete(p.waiting, id)
	p.mu.Unlock()
}

// size returns the number of in-flight calls.
func (p *pendingCalls) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiting)
}
