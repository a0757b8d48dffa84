package workflow

import "context"

// Handler processes one event and returns the outcome to persist
// (§4.6). A returned error (as opposed to a Failed HandlerResult) is
// treated as a transient failure and retried per the backoff policy;
// Failed(...) is a deliberate, non-retried terminal failure.
type Handler func(ctx context.Context, event Event) (HandlerResult, error)

// HandlerRegistry maps event type to the Handler responsible for it.
// Unregistered types are reported to the caller rather than silently
// ignored, so a mistyped or forgotten handler fails loudly.
type HandlerRegistry struct {
	handlers map[string]Handler
}

// NewHandlerRegistry returns an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: map[string]Handler{}}
}

// Register installs handler for eventType, replacing any existing
// registration.
func (r *HandlerRegistry) Register(eventType string, handler Handler) {
	r.handlers[eventType] = handler
}

// Lookup returns the handler registered for eventType, and whether one
// was found.
func (r *HandlerRegistry) Lookup(eventType string) (Handler, bool) {
	h, ok := r.handlers[eventType]
	return h, ok
}
