// ABOUTME: Tool dispatcher surface: resolves operation names to provider adapters
// ABOUTME: Thread-safe handler registry consumed by the protocol router

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrToolNotFound indicates the requested operation is not registered.
var ErrToolNotFound = errors.New("tool not found")

// Info describes a registered tool for listing to clients.
type Info struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// Result is the outcome of one tool invocation. IsError marks a provider-side
// failure that should be surfaced as tool output rather than a protocol error.
type Result struct {
	Content string
	IsError bool
}

// Handler executes one named operation against its provider. The secret is
// the caller's resolved downstream credential, empty when the provider needs
// none. Handlers are stateless translators; all session and credential state
// lives in front of them.
type Handler func(ctx context.Context, secret string, args json.RawMessage) (Result, error)

// Dispatcher resolves an operation name to a provider adapter and invokes it.
// The protocol router depends on this interface, not on the registry.
type Dispatcher interface {
	Tools() []Info
	Call(ctx context.Context, secret, name string, args json.RawMessage) (Result, error)
}

// Registry is a thread-safe Dispatcher backed by a name-to-handler map.
type Registry struct {
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
	infos    map[string]Info
	order    []string // registration order, for stable listings
}

// NewRegistry creates an empty tool registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:   logger.With("component", "tools"),
		handlers: make(map[string]Handler),
		infos:    make(map[string]Info),
	}
}

// Register adds a tool handler. Registering a duplicate name is an error.
func (r *Registry) Register(info Info, handler Handler) error {
	if info.Name == "" {
		return errors.New("tool name is required")
	}
	if handler == nil {
		return errors.New("tool handler is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[info.Name]; exists {
		return fmt.Errorf("tool %q already registered", info.Name)
	}
	r.handlers[info.Name] = handler
	r.infos[info.Name] = info
	r.order = append(r.order, info.Name)

	r.logger.Debug("registered tool", "tool_name", info.Name)
	return nil
}

// Tools lists registered tools in registration order.
func (r *Registry) Tools() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]Info, 0, len(r.order))
	for _, name := range r.order {
		infos = append(infos, r.infos[name])
	}
	return infos
}

// Call invokes the named tool. The handler's error is passed through
// unmodified; the router decides how to surface it.
func (r *Registry) Call(ctx context.Context, secret, name string, args json.RawMessage) (Result, error) {
	r.mu.RLock()
	handler, ok := r.handlers[name]
	r.mu.RUnlock()
	if !ok {
		return Result{}, ErrToolNotFound
	}
	return handler(ctx, secret, args)
}

// Ensure Registry implements Dispatcher.
var _ Dispatcher = (*Registry)(nil)
