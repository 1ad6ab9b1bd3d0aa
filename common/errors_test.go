package common

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestErrorKind_Retryable tests the retry classification
func TestErrorKind_Retryable(t *testing.T) {
	retryable := []ErrorKind{KindTransientUpstream, KindStageTimeout, KindBusUnavailable}
	for _, kind := range retryable {
		assert.True(t, kind.Retryable(), "kind %s", kind)
	}

	terminal := []ErrorKind{KindBadInput, KindPoisonMessage, KindWorkflowConflict, KindCancelled}
	for _, kind := range terminal {
		assert.False(t, kind.Retryable(), "kind %s", kind)
	}
}

// TestAsTaskError tests error classification defaults
func TestAsTaskError(t *testing.T) {
	assert.Nil(t, AsTaskError(nil))

	classified := NewTaskError(KindBadInput, "no sources named")
	assert.Same(t, classified, AsTaskError(classified))

	plain := AsTaskError(fmt.Errorf("connection refused"))
	assert.Equal(t, KindTransientUpstream, plain.Kind)
	assert.Equal(t, "connection refused", plain.Message)
}

// TestErrorPayloadRoundTrip tests the wire form of a classified failure
func TestErrorPayloadRoundTrip(t *testing.T) {
	original := NewTaskError(KindStageTimeout, "execution exceeded 5m")
	restored := ErrorFromPayload(original.ErrorPayload())

	assert.Equal(t, original.Kind, restored.Kind)
	assert.Equal(t, original.Message, restored.Message)
}

// TestErrorFromPayload_Missing tests the default for a bare failure payload
func TestErrorFromPayload_Missing(t *testing.T) {
	te := ErrorFromPayload(map[string]interface{}{})
	assert.Equal(t, KindTransientUpstream, te.Kind)
	assert.Equal(t, "unspecified task failure", te.Message)
}
