package schema

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGraphError_Format(t *testing.T) {
	err := NewError(ErrCodeRemoteInvocation, "model unavailable")
	assert.Equal(t, "[REMOTE_INVOCATION_ERROR] model unavailable", err.Error())

	err = err.WithNode("llm1")
	assert.Equal(t, "[REMOTE_INVOCATION_ERROR] node llm1: model unavailable", err.Error())
}

func TestGraphError_Unwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := RemoteInvocationError(cause, "tool %s failed", "search")

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "tool search failed", err.Message)
}

func TestGraphError_Classification(t *testing.T) {
	tests := []struct {
		code      string
		retryable bool
		fatal     bool
	}{
		{ErrCodeConfiguration, false, true},
		{ErrCodeThreadSafety, false, true},
		{ErrCodeMaxStepsExceeded, false, true},
		{ErrCodeRemoteInvocation, true, false},
		{ErrCodeTimeout, true, false},
		{ErrCodeValidation, false, false},
		{ErrCodeCircuitOpen, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := NewError(tt.code, "x")
			assert.Equal(t, tt.retryable, err.IsRetryable())
			assert.Equal(t, tt.fatal, err.IsFatal())
		})
	}
}

func TestAsGraphError(t *testing.T) {
	assert.Nil(t, AsGraphError(nil, ErrCodeExecution))

	orig := ConfigurationError("missing field %q", "url")
	wrapped := fmt.Errorf("build node: %w", orig)
	assert.Same(t, orig, AsGraphError(wrapped, ErrCodeExecution))

	plain := errors.New("boom")
	ge := AsGraphError(plain, ErrCodeExecution)
	require.NotNil(t, ge)
	assert.Equal(t, ErrCodeExecution, ge.Code)
	assert.ErrorIs(t, ge, plain)

	assert.True(t, HasCode(wrapped, ErrCodeConfiguration))
	assert.False(t, HasCode(plain, ErrCodeConfiguration))
}

func TestNodeType_Classification(t *testing.T) {
	assert.True(t, NodeTypeIfElse.IsBranch())
	assert.True(t, NodeTypeHumanInput.IsBranch())
	assert.False(t, NodeTypeLLM.IsBranch())
	assert.True(t, NodeTypeAnswer.IsTerminal())
	assert.True(t, NodeTypeLoop.IsContainer())
	assert.True(t, NodeTypeIterationStart.IsSubgraphStart())
}

func TestEdgeConfig_Handle(t *testing.T) {
	assert.Equal(t, HandleSource, EdgeConfig{Source: "a", Target: "b"}.Handle())
	assert.Equal(t, "true", EdgeConfig{Source: "a", Target: "b", SourceHandle: "true"}.Handle())
}
