package job

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Category classifies a stage failure for the retry policy.
type Category string

const (
	Transient Category = "transient"
	Permanent Category = "permanent"
)

// StageError is raised by a pipeline stage.
type StageError struct {
	Category Category
	Stage    string
	Err      error
}

func (e *StageError) Error() string {
	if e.Stage == "" {
		return fmt.Sprintf("%s: %v", e.Category, e.Err)
	}
	return fmt.Sprintf("stage %s (%s): %v", e.Stage, e.Category, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// TransientError marks err as retryable.
func TransientError(err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Category: Transient, Err: err}
}

// PermanentError marks err as never retryable.
func PermanentError(err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Category: Permanent, Err: err}
}

// Permanentf is PermanentError(fmt.Errorf(...)).
func Permanentf(format string, args ...any) error {
	return PermanentError(fmt.Errorf(format, args...))
}

// Transientf is TransientError(fmt.Errorf(...)).
func Transientf(format string, args ...any) error {
	return TransientError(fmt.Errorf(format, args...))
}

// Classify converts any error raised while running stage into a StageError.
// Unclassified errors and stage deadlines are transient.
func Classify(stage string, err error) *StageError {
	var se *StageError
	if errors.As(err, &se) {
		out := *se
		if out.Stage == "" {
			out.Stage = stage
		}
		return &out
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &StageError{Category: Transient, Stage: stage, Err: fmt.Errorf("stage timed out: %w", err)}
	}
	return &StageError{Category: Transient, Stage: stage, Err: err}
}

// Failure converts the error into the record stored on the job.
func (e *StageError) Failure() *Failure {
	msg := "unknown error"
	if e.Err != nil {
		msg = e.Err.Error()
	}
	return &Failure{Category: e.Category, Message: msg, Stage: e.Stage}
}

// ErrStalled is the cause recorded when the reaper reclaims a job whose
// worker stopped heartbeating.
var ErrStalled = errors.New("stalled job timeout: claim heartbeat expired")

// FieldError is a single violated field reported at admission.
type FieldError struct {
	Field   string `json:"field"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// ValidationError lists every violated field of a rejected submission.
type ValidationError struct {
	Fields []FieldError `json:"fields"`
}

func (e *ValidationError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		names = append(names, f.Field)
	}
	return "validation failed: " + strings.Join(names, ", ")
}

// RateLimited is returned when admission throttles a caller.
type RateLimited struct {
	Reason     string
	RetryAfter time.Duration
}

func (e *RateLimited) Error() string {
	return fmt.Sprintf("rate limited (%s): retry after %s", e.Reason, e.RetryAfter)
}

// RetryAfterSeconds rounds the wait up to whole seconds, never below one.
func (e *RateLimited) RetryAfterSeconds() int {
	secs := int((e.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
