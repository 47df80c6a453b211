package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rendis/graphrun/internal/nodes"
	"github.com/rendis/graphrun/pkg/schema"
)

func TestHandleNodeError_Abort(t *testing.T) {
	res := HandleNodeError(nodes.Policy{}, schema.NewError(schema.ErrCodeExecution, "boom"))
	assert.False(t, res.Handled)
}

func TestHandleNodeError_FailBranch(t *testing.T) {
	policy := nodes.Policy{ErrorStrategy: schema.ErrorStrategyFailBranch}
	res := HandleNodeError(policy, schema.NewError(schema.ErrCodeTimeout, "slow"))

	assert.True(t, res.Handled)
	assert.False(t, res.Succeeded)
	assert.Equal(t, schema.HandleFailBranch, res.Handle)
	assert.Equal(t, map[string]any{"error_message": "slow", "error_type": schema.ErrCodeTimeout}, res.Outputs)
}

func TestHandleNodeError_DefaultValue(t *testing.T) {
	policy := nodes.Policy{
		ErrorStrategy: schema.ErrorStrategyDefaultValue,
		DefaultValue:  map[string]any{"text": "n/a", "error_message": "overridden"},
	}
	res := HandleNodeError(policy, schema.NewError(schema.ErrCodeRemoteInvocation, "down"))

	assert.True(t, res.Handled)
	assert.True(t, res.Succeeded)
	assert.Equal(t, schema.HandleSource, res.Handle)
	assert.Equal(t, "n/a", res.Outputs["text"])
	assert.Equal(t, "down", res.Outputs["error_message"], "error info wins over defaults")
	assert.Equal(t, "n/a", policy.DefaultValue["text"], "policy is not mutated")
}

func TestHandleNodeError_FatalIsNeverHandled(t *testing.T) {
	for _, code := range []string{schema.ErrCodeConfiguration, schema.ErrCodeMaxStepsExceeded, schema.ErrCodeThreadSafety} {
		policy := nodes.Policy{ErrorStrategy: schema.ErrorStrategyFailBranch}
		assert.False(t, HandleNodeError(policy, schema.NewError(code, "x")).Handled, code)
	}
	assert.False(t, HandleNodeError(nodes.Policy{ErrorStrategy: schema.ErrorStrategyDefaultValue}, nil).Handled)
}
