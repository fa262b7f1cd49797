package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ternarybob/pensum/interfaces"
	"github.com/ternarybob/pensum/models"
)

// TypedHandler adapts a function over a concrete payload type into a
// JobHandler. The JSON deserializer for T travels with the
// registration, so routing stays a plain string lookup. A payload that
// does not decode into T is a permanent failure - retrying cannot fix
// a malformed argument.
type TypedHandler[T any] struct {
	typeName string
	handle   func(ctx context.Context, args T) models.ExecutionResult
}

// NewTyped creates a handler for jobs whose arguments decode into T.
func NewTyped[T any](typeName string, handle func(ctx context.Context, args T) models.ExecutionResult) *TypedHandler[T] {
	return &TypedHandler[T]{typeName: typeName, handle: handle}
}

// TypeName returns the routing key for this handler.
func (h *TypedHandler[T]) TypeName() string {
	return h.typeName
}

// Handle decodes the arguments and invokes the typed function.
func (h *TypedHandler[T]) Handle(ctx context.Context, arguments string) models.ExecutionResult {
	var args T
	if arguments != "" {
		if err := json.Unmarshal([]byte(arguments), &args); err != nil {
			return models.PermanentFailure(fmt.Sprintf("failed to deserialize arguments for %s: %v", h.typeName, err))
		}
	}
	return h.handle(ctx, args)
}

// FuncHandler wraps a function that works on the raw serialized
// arguments, for handlers that do their own payload handling.
type FuncHandler struct {
	typeName string
	handle   func(ctx context.Context, arguments string) models.ExecutionResult
}

// NewFunc creates a handler from a raw-arguments function.
func NewFunc(typeName string, handle func(ctx context.Context, arguments string) models.ExecutionResult) *FuncHandler {
	return &FuncHandler{typeName: typeName, handle: handle}
}

// TypeName returns the routing key for this handler.
func (h *FuncHandler) TypeName() string {
	return h.typeName
}

// Handle invokes the wrapped function.
func (h *FuncHandler) Handle(ctx context.Context, arguments string) models.ExecutionResult {
	return h.handle(ctx, arguments)
}

var (
	_ interfaces.JobHandler = (*TypedHandler[struct{}])(nil)
	_ interfaces.JobHandler = (*FuncHandler)(nil)
)
