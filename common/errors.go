package common

import "fmt"

// ErrorKind classifies a task failure and decides its disposition in the
// orchestrator: BAD_INPUT fails the workflow immediately, TRANSIENT_UPSTREAM
// and STAGE_TIMEOUT are retried up to the stage's attempt budget.
type ErrorKind string

const (
	KindBadInput          ErrorKind = "BAD_INPUT"
	KindTransientUpstream ErrorKind = "TRANSIENT_UPSTREAM"
	KindPoisonMessage     ErrorKind = "POISON_MESSAGE"
	KindBusUnavailable    ErrorKind = "BUS_UNAVAILABLE"
	KindWorkflowConflict  ErrorKind = "WORKFLOW_CONFLICT"
	KindStageTimeout      ErrorKind = "STAGE_TIMEOUT"
	KindCancelled         ErrorKind = "CANCELLED"
)

// Retryable reports whether a failure of this kind may be re-attempted.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindTransientUpstream, KindStageTimeout, KindBusUnavailable:
		return true
	}
	return false
}

// TaskError is a classified task failure. Workers translate every execution
// error into a TaskError before emitting a task_failed completion.
type TaskError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewTaskError builds a TaskError with a formatted message.
func NewTaskError(kind ErrorKind, format string, args ...interface{}) *TaskError {
	return &TaskError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// AsTaskError classifies an arbitrary error. Errors that are not already a
// TaskError default to TRANSIENT_UPSTREAM so the workflow retries them.
func AsTaskError(err error) *TaskError {
	if err == nil {
		return nil
	}
	if te, ok := err.(*TaskError); ok {
		return te
	}
	return &TaskError{Kind: KindTransientUpstream, Message: err.Error()}
}

// ErrorPayload is the completion payload carried by a task_failed message.
func (e *TaskError) ErrorPayload() map[string]interface{} {
	return map[string]interface{}{
		"error": map[string]interface{}{
			"kind":    string(e.Kind),
			"message": e.Message,
		},
	}
}

// ErrorFromPayload extracts a TaskError from a task_failed completion payload.
// A payload without error details yields a TRANSIENT_UPSTREAM error so the
// orchestrator still applies its retry policy.
func ErrorFromPayload(payload map[string]interface{}) *TaskError {
	raw, ok := payload["error"].(map[string]interface{})
	if !ok {
		return &TaskError{Kind: KindTransientUpstream, Message: "unspecified task failure"}
	}
	te := &TaskError{Kind: KindTransientUpstream}
	if kind, ok := raw["kind"].(string); ok && kind != "" {
		te.Kind = ErrorKind(kind)
	}
	if msg, ok := raw["message"].(string); ok {
		te.Message = msg
	}
	return te
}
