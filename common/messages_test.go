package common

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestParseTask tests task message validation
func TestParseTask(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{
			name: "valid",
			body: `{"schema_version": "1", "correlation_id": "wf-1", "task": "extraction", "attempt": 1, "payload": {}}`,
		},
		{
			name: "valid with child key",
			body: `{"schema_version": "1", "correlation_id": "wf-1", "task": "transformation", "attempt": 2, "child_key": "article:7", "payload": {"article_id": "article:7"}}`,
		},
		{
			name:    "not json",
			body:    `{{{`,
			wantErr: "failed to decode",
		},
		{
			name:    "wrong schema version",
			body:    `{"schema_version": "2", "correlation_id": "wf-1", "task": "extraction", "attempt": 1}`,
			wantErr: "unsupported schema version",
		},
		{
			name:    "missing correlation id",
			body:    `{"schema_version": "1", "task": "extraction", "attempt": 1}`,
			wantErr: "missing correlation_id",
		},
		{
			name:    "missing task",
			body:    `{"schema_version": "1", "correlation_id": "wf-1", "attempt": 1}`,
			wantErr: "missing task name",
		},
		{
			name:    "zero attempt",
			body:    `{"schema_version": "1", "correlation_id": "wf-1", "task": "extraction", "attempt": 0}`,
			wantErr: "invalid attempt",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := ParseTask([]byte(tt.body))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "wf-1", msg.CorrelationID)
		})
	}
}

// TestParseCompletion tests completion message validation
func TestParseCompletion(t *testing.T) {
	body := `{"schema_version": "1", "correlation_id": "wf-1", "produced_by": "extraction", "status": "task_succeeded", "payload": {"article_count": 3}}`
	msg, err := ParseCompletion([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, StageExtraction, msg.ProducedBy)
	assert.Equal(t, StatusTaskSucceeded, msg.Status)

	_, err = ParseCompletion([]byte(`{"schema_version": "1", "correlation_id": "wf-1", "produced_by": "extraction", "status": "done"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown status")
}

// TestDedupKey tests that retries and children get distinct keys
func TestDedupKey(t *testing.T) {
	first := &TaskMessage{CorrelationID: "wf-1", ChildKey: "article:1", Attempt: 1}
	retry := &TaskMessage{CorrelationID: "wf-1", ChildKey: "article:1", Attempt: 2}
	sibling := &TaskMessage{CorrelationID: "wf-1", ChildKey: "article:2", Attempt: 1}

	assert.Equal(t, "wf-1:article:1:1", first.DedupKey())
	assert.NotEqual(t, first.DedupKey(), retry.DedupKey())
	assert.NotEqual(t, first.DedupKey(), sibling.DedupKey())
}

// TestPayloadRoundTrip tests the typed payload helpers
func TestPayloadRoundTrip(t *testing.T) {
	type input struct {
		Sources  []string `json:"sources"`
		DateBase string   `json:"date_base"`
	}

	payload, err := StructToPayload(input{Sources: []string{"newspaper"}, DateBase: "2025-07-01"})
	require.NoError(t, err)

	// The payload survives a trip through JSON, as on the wire.
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))

	var out input
	require.NoError(t, PayloadToStruct(decoded, &out))
	assert.Equal(t, []string{"newspaper"}, out.Sources)
	assert.Equal(t, "2025-07-01", out.DateBase)
}
