package interfaces

import (
	"context"

	"github.com/ternarybob/pensum/models"
)

// JobHandler processes the payload of one job type. Handle receives the
// raw serialized arguments; deserialization is the handler's own
// concern so the engine never needs global type reflection. The context
// is derived from the processor's lifetime and is cancelled on Stop -
// handlers are expected to observe it and return promptly.
type JobHandler interface {
	// TypeName returns the routing key jobs of this type are submitted
	// under.
	TypeName() string

	// Handle executes one attempt and reports the outcome. A panic
	// inside Handle is recovered by the worker and treated as a
	// retryable failure.
	Handle(ctx context.Context, arguments string) models.ExecutionResult
}
