// Package common provides the shared message schemas, error taxonomy and
// logging utilities used by the orchestrator and the pipeline workers.
//
// Every message on the bus is JSON, UTF-8 and carries a top-level
// schema_version discriminant. Consumers reject versions they do not know.
package common

import (
	"encoding/json"
	"fmt"
)

// SchemaVersion is the wire schema version stamped on every message.
const SchemaVersion = "1"

// Stage names. A stage maps one-to-one onto a routing key and a worker.
const (
	StageExtraction     = "extraction"
	StageTransformation = "transformation"
	StageVerification   = "verification"
)

// Completion statuses.
const (
	StatusTaskSucceeded = "task_succeeded"
	StatusTaskFailed    = "task_failed"
)

// TaskMessage is published by the orchestrator onto a stage queue and
// consumed by exactly one worker.
type TaskMessage struct {
	SchemaVersion string                 `json:"schema_version"`
	CorrelationID string                 `json:"correlation_id"`
	Task          string                 `json:"task"`
	Attempt       int                    `json:"attempt"`
	ChildKey      string                 `json:"child_key,omitempty"`
	Payload       map[string]interface{} `json:"payload"`
}

// CompletionMessage is published by a worker after a task reaches a
// terminal outcome and consumed by the orchestrator.
type CompletionMessage struct {
	SchemaVersion string                 `json:"schema_version"`
	CorrelationID string                 `json:"correlation_id"`
	ProducedBy    string                 `json:"produced_by"`
	Status        string                 `json:"status"`
	ChildKey      string                 `json:"child_key,omitempty"`
	Payload       map[string]interface{} `json:"payload"`
}

// ParseTask decodes and validates a task message body.
func ParseTask(body []byte) (*TaskMessage, error) {
	var msg TaskMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode task message: %w", err)
	}
	if msg.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("unsupported schema version %q", msg.SchemaVersion)
	}
	if msg.CorrelationID == "" {
		return nil, fmt.Errorf("task message missing correlation_id")
	}
	if msg.Task == "" {
		return nil, fmt.Errorf("task message missing task name")
	}
	if msg.Attempt < 1 {
		return nil, fmt.Errorf("task message has invalid attempt %d", msg.Attempt)
	}
	return &msg, nil
}

// ParseCompletion decodes and validates a completion message body.
func ParseCompletion(body []byte) (*CompletionMessage, error) {
	var msg CompletionMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode completion message: %w", err)
	}
	if msg.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("unsupported schema version %q", msg.SchemaVersion)
	}
	if msg.CorrelationID == "" {
		return nil, fmt.Errorf("completion message missing correlation_id")
	}
	switch msg.Status {
	case StatusTaskSucceeded, StatusTaskFailed:
	default:
		return nil, fmt.Errorf("completion message has unknown status %q", msg.Status)
	}
	return &msg, nil
}

// DedupKey identifies one task attempt for the idempotent re-execution guard.
func (m *TaskMessage) DedupKey() string {
	return fmt.Sprintf("%s:%s:%d", m.CorrelationID, m.ChildKey, m.Attempt)
}

// PayloadToStruct converts an opaque message payload to a typed struct.
func PayloadToStruct(payload map[string]interface{}, target interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, target)
}

// StructToPayload converts a typed value into an opaque message payload.
func StructToPayload(value interface{}) (map[string]interface{}, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	payload := map[string]interface{}{}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}
	return payload, nil
}
