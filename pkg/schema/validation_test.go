package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationResult_EmptyIsValid(t *testing.T) {
	r := &ValidationResult{}
	assert.True(t, r.Valid())
	assert.Nil(t, r.ToError())
}

func TestValidationResult_AddError(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("edges[2].target", ErrCodeConfiguration, "unknown node \"llm9\"")

	assert.False(t, r.Valid())
	require.Len(t, r.Errors, 1)
	assert.Equal(t, SeverityError, r.Errors[0].Severity)
	assert.Equal(t, "edges[2].target: unknown node \"llm9\"", r.Errors[0].String())
}

func TestValidationResult_WarningsDoNotInvalidate(t *testing.T) {
	r := &ValidationResult{}
	r.AddWarning("nodes.orphan", ErrCodeValidation, "node is unreachable from start")

	assert.True(t, r.Valid())
	assert.Nil(t, r.ToError())
	require.Len(t, r.Warnings, 1)
	assert.Equal(t, SeverityWarning, r.Warnings[0].Severity)
}

func TestValidationResult_Codes(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("edges[0]", ErrCodeCycleDetected, "a links to itself")
	r.AddError("nodes[1].id", ErrCodeConfiguration, "duplicate node id")
	r.AddError("scope(main)", ErrCodeCycleDetected, "cycle through a, b")

	assert.Equal(t, []string{ErrCodeCycleDetected, ErrCodeConfiguration}, r.Codes())
}

func TestValidationResult_ToError(t *testing.T) {
	t.Run("single error keeps message", func(t *testing.T) {
		r := &ValidationResult{}
		r.AddError("nodes[0].data.type", ErrCodeConfiguration, "unknown node type \"foo\"")

		var ge *GraphError
		require.ErrorAs(t, r.ToError(), &ge)
		assert.Equal(t, ErrCodeConfiguration, ge.Code)
		assert.Equal(t, "unknown node type \"foo\"", ge.Message)
		assert.Equal(t, 1, ge.Details["error_count"])
	})

	t.Run("multiple errors are listed", func(t *testing.T) {
		r := &ValidationResult{}
		r.AddError("edges[0].source", ErrCodeConfiguration, "edge source \"x\" does not exist")
		r.AddError("edges[1]", ErrCodeCycleDetected, "node \"a\" links to itself")

		var ge *GraphError
		require.ErrorAs(t, r.ToError(), &ge)
		assert.Equal(t, ErrCodeConfiguration, ge.Code)
		assert.Contains(t, ge.Message, "graph has 2 errors")
		assert.Contains(t, ge.Message, "edges[1]: node \"a\" links to itself")
		assert.Equal(t, []string{ErrCodeConfiguration, ErrCodeCycleDetected}, ge.Details["codes"])
	})
}
