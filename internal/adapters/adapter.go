// Package adapters routes engine callbacks to the chat surface that
// enqueued each task. Adapters register under a tag; tasks carry the tag.
package adapters

import (
	"context"
	"fmt"
	"sort"
	"sync"

	v1 "github.com/remotewiz/remotewiz/pkg/api/v1"
)

// Adapter is one outbound chat surface (web UI, chat-bot bridge).
// Implementations must tolerate being called from engine goroutines.
type Adapter interface {
	Name() string
	// SendTaskUpdate is invoked on every task status change.
	SendTaskUpdate(ctx context.Context, update v1.TaskUpdate) error
	// RequestApproval is invoked exactly once per approval creation.
	RequestApproval(ctx context.Context, req v1.ApprovalRequest) error
}

// Registry holds the registered adapters by tag.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter. Tags are unique.
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.adapters[a.Name()]; ok {
		return fmt.Errorf("adapter %q already registered", a.Name())
	}
	r.adapters[a.Name()] = a
	return nil
}

// Get looks up an adapter by tag.
func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// Names returns the registered tags, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
