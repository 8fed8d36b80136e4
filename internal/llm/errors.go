package llm

import (
	"errors"
	"fmt"
)

// RateLimitedError reports a 429 from the completion service. Callers
// should back off and retry.
type RateLimitedError struct {
	Model string
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited by completion service (model %s)", e.Model)
}

// TransientError reports a network failure or 5xx response. Retryable
// with bounded attempts.
type TransientError struct {
	Status int
	Err    error
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transient completion error: %v", e.Err)
	}
	return fmt.Sprintf("transient completion error: status %d", e.Status)
}

func (e *TransientError) Unwrap() error { return e.Err }

// FatalError reports an auth failure or malformed request. Never retried.
type FatalError struct {
	Status int
	Detail string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal completion error: status %d: %s", e.Status, e.Detail)
}

// SchemaViolationError reports that a model response did not match the
// expected schema. Distinct from API failure; the raw response is kept
// (truncated) for diagnosis.
type SchemaViolationError struct {
	Reason string
	Raw    string
}

const rawPreviewLimit = 500

func (e *SchemaViolationError) Error() string {
	raw := e.Raw
	if len(raw) > rawPreviewLimit {
		raw = raw[:rawPreviewLimit] + "..."
	}
	return fmt.Sprintf("schema violation: %s (raw: %q)", e.Reason, raw)
}

// IsRetryable reports whether err should be retried by the client's
// backoff loop. Only rate limits and transient failures qualify.
func IsRetryable(err error) bool {
	var rl *RateLimitedError
	var tr *TransientError
	return errors.As(err, &rl) || errors.As(err, &tr)
}

// IsSchemaViolation reports whether err is a schema violation.
func IsSchemaViolation(err error) bool {
	var sv *SchemaViolationError
	return errors.As(err, &sv)
}
