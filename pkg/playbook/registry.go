package playbook

import (
	"context"
	"fmt"
	"sync"
)

// Action performs a response step. Side effects are external; failures
// come back in the error, the engine never propagates a panic.
type Action func(ctx context.Context, params map[string]any, tenant string) (map[string]any, error)

// Notifier delivers a notification. Failures are logged, they never
// block execution progress.
type Notifier func(ctx context.Context, params map[string]any) error

// WorkflowRunner hands a step off to an external workflow system and
// waits for its terminal state. Implementations must honor the caller's
// context deadline.
type WorkflowRunner interface {
	Run(ctx context.Context, name string, params map[string]any) (map[string]any, error)
}

// ActionRegistry maps action names to implementations.
type ActionRegistry struct {
	mu      sync.RWMutex
	actions map[string]Action
}

// NewActionRegistry creates an empty registry.
func NewActionRegistry() *ActionRegistry {
	return &ActionRegistry{actions: make(map[string]Action)}
}

// Register adds an action under a name, replacing any previous one.
func (r *ActionRegistry) Register(name string, action Action) {
	r.mu.Lock()
	r.actions[name] = action
	r.mu.Unlock()
}

// Run invokes the named action, converting a panic into an error.
func (r *ActionRegistry) Run(ctx context.Context, name string, params map[string]any, tenant string) (output map[string]any, err error) {
	r.mu.RLock()
	action, ok := r.actions[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown action %q", name)
	}

	defer func() {
		if p := recover(); p != nil {
			output = nil
			err = fmt.Errorf("action %q panicked: %v", name, p)
		}
	}()
	return action(ctx, params, tenant)
}

// NotifierRegistry maps notification channels to implementations.
type NotifierRegistry struct {
	mu        sync.RWMutex
	notifiers map[string]Notifier
}

// NewNotifierRegistry creates an empty registry.
func NewNotifierRegistry() *NotifierRegistry {
	return &NotifierRegistry{notifiers: make(map[string]Notifier)}
}

// Register adds a notifier under a channel name.
func (r *NotifierRegistry) Register(channel string, n Notifier) {
	r.mu.Lock()
	r.notifiers[channel] = n
	r.mu.Unlock()
}

// Notify invokes the channel's notifier, converting a panic into an
// error.
func (r *NotifierRegistry) Notify(ctx context.Context, channel string, params map[string]any) (err error) {
	r.mu.RLock()
	n, ok := r.notifiers[channel]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown notification channel %q", channel)
	}

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("notifier %q panicked: %v", channel, p)
		}
	}()
	return n(ctx, params)
}
