// -----------------------------------------------------------------------
// ExecutionResult - Outcome returned by a job handler
// -----------------------------------------------------------------------

package models

import "time"

// ExecutionResult is the outcome a handler reports for one execution
// attempt. Succeeded carries an optional result payload; failures carry
// an error message, a retry hint, and an optional per-failure delay that
// overrides the processor's default retry delay.
type ExecutionResult struct {
	Succeeded    bool           `json:"succeeded"`
	Result       string         `json:"result,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	ShouldRetry  bool           `json:"should_retry"`
	RetryDelay   *time.Duration `json:"retry_delay,omitempty"`
}

// Success returns a successful result with no payload.
func Success() ExecutionResult {
	return ExecutionResult{Succeeded: true}
}

// SuccessWithResult returns a successful result carrying a serialized
// payload that is persisted on the job.
func SuccessWithResult(result string) ExecutionResult {
	return ExecutionResult{Succeeded: true, Result: result}
}

// Failure returns a retryable failure with the given message.
func Failure(errorMessage string) ExecutionResult {
	return ExecutionResult{ErrorMessage: errorMessage, ShouldRetry: true}
}

// PermanentFailure returns a failure that must not be retried.
func PermanentFailure(errorMessage string) ExecutionResult {
	return ExecutionResult{ErrorMessage: errorMessage, ShouldRetry: false}
}

// FailureFromError returns a retryable failure from an error value.
func FailureFromError(err error) ExecutionResult {
	return ExecutionResult{ErrorMessage: err.Error(), ShouldRetry: true}
}

// WithRetryDelay sets a per-failure retry delay and returns the result.
func (r ExecutionResult) WithRetryDelay(delay time.Duration) ExecutionResult {
	r.RetryDelay = &delay
	return r
}
