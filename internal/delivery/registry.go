// internal/delivery/registry.go
package delivery

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/user/miniclaw/internal/types"
)

// Handler delivers a message to the conversation identified by key.
type Handler func(ctx context.Context, key types.SessionKey, message string) error

// Registry routes messages to the appropriate delivery handler based on
// session key prefix (e.g. "telegram:").
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty delivery registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// Register adds a handler for session keys starting with prefix.
func (r *Registry) Register(prefix string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[prefix] = handler
}

// Deliver finds the handler matching the session key prefix and calls it.
// Returns an error if no handler is registered for the prefix. When
// several prefixes match, the longest wins.
func (r *Registry) Deliver(ctx context.Context, key types.SessionKey, message string) error {
	r.mu.RLock()
	var (
		best    string
		handler Handler
	)
	for prefix, h := range r.handlers {
		if strings.HasPrefix(string(key), prefix) && len(prefix) >= len(best) {
			best, handler = prefix, h
		}
	}
	r.mu.RUnlock()

	if handler == nil {
		return fmt.Errorf("no delivery handler for session key: %s", key)
	}
	return handler(ctx, key, message)
}
