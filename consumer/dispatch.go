package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/matterline/matterline-go/contracts"
)

// PayloadHandler processes one decoded payload.
type PayloadHandler interface {
	Handle(ctx context.Context, env *contracts.Envelope) error
}

// PayloadHandlerFunc is a function adapter for PayloadHandler.
type PayloadHandlerFunc func(ctx context.Context, env *contracts.Envelope) error

// Handle implements PayloadHandler.
func (f PayloadHandlerFunc) Handle(ctx context.Context, env *contracts.Envelope) error {
	return f(ctx, env)
}

// ErrUnknownPayloadType marks envelopes whose type tag has no
// registered handler. The batch consumer treats it as non-retryable:
// redelivering a message nobody can decode only burns its budget.
type ErrUnknownPayloadType struct {
	Type string
}

func (e *ErrUnknownPayloadType) Error() string {
	return fmt.Sprintf("no handler registered for payload type: %s", e.Type)
}

// IsRetryable implements the retryability probe.
func (e *ErrUnknownPayloadType) IsRetryable() bool { return false }

// DispatchTable routes envelopes to handlers by payload type tag.
type DispatchTable struct {
	mu       sync.RWMutex
	handlers map[string]PayloadHandler
	logger   *slog.Logger
}

// DispatchOption configures the DispatchTable.
type DispatchOption func(*DispatchTable)

// WithDispatchLogger sets the logger.
func WithDispatchLogger(logger *slog.Logger) DispatchOption {
	return func(t *DispatchTable) {
		t.logger = logger
	}
}

// NewDispatchTable creates an empty dispatch table.
func NewDispatchTable(options ...DispatchOption) *DispatchTable {
	t := &DispatchTable{
		handlers: make(map[string]PayloadHandler),
		logger:   slog.Default(),
	}

	for _, opt := range options {
		opt(t)
	}

	return t
}

// Register binds a handler to a payload type tag. Registering the same
// tag twice is a programming error.
func (t *DispatchTable) Register(payloadType string, handler PayloadHandler) error {
	if payloadType == "" {
		return fmt.Errorf("payload type cannot be empty")
	}
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.handlers[payloadType]; exists {
		return fmt.Errorf("handler already registered for payload type: %s", payloadType)
	}
	t.handlers[payloadType] = handler

	t.logger.Info("registered payload handler", "payloadType", payloadType)
	return nil
}

// RegisterFunc binds a function to a payload type tag.
func (t *DispatchTable) RegisterFunc(payloadType string, handler PayloadHandlerFunc) error {
	return t.Register(payloadType, handler)
}

// Dispatch routes one envelope to its handler. Unknown type tags and
// undecodable payloads return *ErrUnknownPayloadType.
func (t *DispatchTable) Dispatch(ctx context.Context, env *contracts.Envelope) error {
	if env == nil {
		return fmt.Errorf("envelope cannot be nil")
	}

	switch env.Payload.(type) {
	case nil, contracts.UnknownPayload, *contracts.UnknownPayload:
		return &ErrUnknownPayloadType{Type: env.Type}
	}

	t.mu.RLock()
	handler, exists := t.handlers[env.Type]
	t.mu.RUnlock()

	if !exists {
		return &ErrUnknownPayloadType{Type: env.Type}
	}

	return handler.Handle(ctx, env)
}

// RegisteredTypes returns the type tags with a bound handler.
func (t *DispatchTable) RegisteredTypes() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	types := make([]string, 0, len(t.handlers))
	for payloadType := range t.handlers {
		types = append(types, payloadType)
	}
	return types
}
