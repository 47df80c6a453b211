package engine

import (
	"github.com/rendis/graphrun/internal/nodes"
	"github.com/rendis/graphrun/pkg/schema"
)

// ErrorHandlerResult describes what happens to a node that failed after its
// retries ran out.
type ErrorHandlerResult struct {
	// Handled is true when the run continues past the failure.
	Handled bool
	// Handle is the edge taken when Handled.
	Handle string
	// Outputs are written to the node's namespace when Handled.
	Outputs map[string]any
	// Succeeded reports that the node is recorded as a success (default-value)
	// rather than a failure routed to the fail-branch.
	Succeeded bool
}

// HandleNodeError applies the node's error strategy. Fatal errors are never
// handled.
func HandleNodeError(policy nodes.Policy, nodeErr *schema.GraphError) ErrorHandlerResult {
	if nodeErr == nil || nodeErr.IsFatal() {
		return ErrorHandlerResult{}
	}
	errOutputs := map[string]any{
		"error_message": nodeErr.Message,
		"error_type":    nodeErr.Code,
	}

	switch policy.ErrorStrategy {
	case schema.ErrorStrategyFailBranch:
		return ErrorHandlerResult{Handled: true, Handle: schema.HandleFailBranch, Outputs: errOutputs}

	case schema.ErrorStrategyDefaultValue:
		out := make(map[string]any, len(policy.DefaultValue)+len(errOutputs))
		for k, v := range policy.DefaultValue {
			out[k] = v
		}
		for k, v := range errOutputs {
			out[k] = v
		}
		return ErrorHandlerResult{Handled: true, Handle: schema.HandleSource, Outputs: out, Succeeded: true}

	default:
		return ErrorHandlerResult{}
	}
}
