package relay

import (
	"context"
	"sync"
)

// AbortRegistry maps a conversation to its in-flight run's cancel function,
// so stop reactions and the cancel command can target the right run.
type AbortRegistry struct {
	mu     sync.Mutex
	cancel map[string]context.CancelFunc
}

// NewAbortRegistry creates an empty registry.
func NewAbortRegistry() *AbortRegistry {
	return &AbortRegistry{cancel: make(map[string]context.CancelFunc)}
}

// Register derives an abortable context for a run in the conversation.
// A newer run for the same conversation replaces the previous entry.
func (a *AbortRegistry) Register(parent context.Context, conversationID string) context.Context {
	ctx, cancel := context.WithCancel(parent)
	a.mu.Lock()
	a.cancel[conversationID] = cancel
	a.mu.Unlock()
	return ctx
}

// Unregister drops the conversation's entry. Called when the run finishes.
func (a *AbortRegistry) Unregister(conversationID string) {
	a.mu.Lock()
	delete(a.cancel, conversationID)
	a.mu.Unlock()
}

// Abort cancels the in-flight run for the conversation, reporting whether
// one was registered.
func (a *AbortRegistry) Abort(conversationID string) bool {
	a.mu.Lock()
	cancel, ok := a.cancel[conversationID]
	delete(a.cancel, conversationID)
	a.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Active returns the number of registered in-flight runs.
func (a *AbortRegistry) Active() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.cancel)
}
