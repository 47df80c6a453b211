package nodes

import (
	"context"
	"net/http"
	"time"

	"github.com/cloudwego/eino/components/model"

	"github.com/rendis/graphrun/internal/expressions"
	"github.com/rendis/graphrun/internal/graph"
	"github.com/rendis/graphrun/internal/runstate"
	"github.com/rendis/graphrun/internal/sandbox"
	"github.com/rendis/graphrun/internal/tools"
	"github.com/rendis/graphrun/pkg/schema"
)

// ChatModels resolves a chat model by provider and model name.
type ChatModels interface {
	ChatModel(ctx context.Context, provider, name string) (model.BaseChatModel, error)
}

// Sandboxes hands out the run's sandbox, creating it on first use.
type Sandboxes interface {
	Acquire(ctx context.Context, runID string) (sandbox.Sandbox, error)
}

// FormValidator checks human-input submissions.
type FormValidator interface {
	ValidateForm(fields []schema.FormField, values map[string]any) error
}

// Deps are the collaborators node constructors may need. Nodes whose
// collaborator is missing fail at construction.
type Deps struct {
	Models         ChatModels
	Tools          tools.Invoker
	Sandboxes      Sandboxes
	Forms          FormValidator
	HTTPClient     *http.Client
	CEL            *expressions.CELEngine
	Expr           *expressions.ExprEngine
	JQ             *expressions.GoJQEngine
	Now            func() time.Time
	PauseTTL       time.Duration
	WebhookBaseURL string
}

const defaultPauseTTL = 24 * time.Hour

type constructor func(b base, f *Factory) (Node, error)

// constructors is the closed table of implemented node types.
var constructors = map[schema.NodeType]constructor{
	schema.NodeTypeStart:              newStart,
	schema.NodeTypeEnd:                newEnd,
	schema.NodeTypeAnswer:             newAnswer,
	schema.NodeTypeIfElse:             newIfElse,
	schema.NodeTypeLLM:                newLLM,
	schema.NodeTypeQuestionClassifier: newClassifier,
	schema.NodeTypeCode:               newCode,
	schema.NodeTypeTool:               newTool,
	schema.NodeTypeHTTPRequest:        newHTTPRequest,
	schema.NodeTypeTemplateTransform:  newTemplateTransform,
	schema.NodeTypeVariableAggregator: newAggregator,
	schema.NodeTypeListOperator:       newListOperator,
	schema.NodeTypeIteration:          newIteration,
	schema.NodeTypeIterationStart:     newPassthrough,
	schema.NodeTypeLoop:               newLoop,
	schema.NodeTypeLoopStart:          newPassthrough,
	schema.NodeTypeLoopEnd:            newPassthrough,
	schema.NodeTypeHumanInput:         newHumanInput,
	schema.NodeTypeWebhook:            newWebhook,
}

// Implemented reports whether t has a constructor.
func Implemented(t schema.NodeType) bool {
	_, ok := constructors[t]
	return ok
}

// Factory builds nodes for one run.
type Factory struct {
	deps     Deps
	identity RunIdentity
	state    *runstate.GraphRuntimeState
}

// NewFactory prepares a factory. Expression engines are created when the
// caller did not supply them.
func NewFactory(deps Deps, identity RunIdentity, state *runstate.GraphRuntimeState) (*Factory, error) {
	if deps.CEL == nil {
		cel, err := expressions.NewCELEngine()
		if err != nil {
			return nil, schema.ConfigurationError("cel engine: %v", err).WithCause(err)
		}
		deps.CEL = cel
	}
	if deps.Expr == nil {
		deps.Expr = expressions.NewExprEngine()
	}
	if deps.JQ == nil {
		deps.JQ = expressions.NewGoJQEngine()
	}
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.PauseTTL <= 0 {
		deps.PauseTTL = defaultPauseTTL
	}
	return &Factory{deps: deps, identity: identity, state: state}, nil
}

// Create builds the node for n. Unknown or unimplemented types and invalid
// configuration yield CONFIGURATION_ERROR.
func (f *Factory) Create(n *graph.Node) (Node, error) {
	ctor, ok := constructors[n.Type]
	if !ok {
		return nil, schema.ConfigurationError("node type %q is not supported", n.Type).WithNode(n.ID)
	}
	data := n.Config.Data
	if data == nil {
		data = map[string]any{}
	}
	policy, err := parsePolicy(n.ID, data)
	if err != nil {
		return nil, err
	}
	return ctor(base{
		id:     n.ID,
		typ:    n.Type,
		title:  n.Title,
		policy: policy,
		data:   data,
		run:    f.identity,
	}, f)
}

// Build instantiates every node of g, sub-graphs included.
func (f *Factory) Build(g *graph.Graph) (map[string]Node, error) {
	all := g.AllNodes()
	out := make(map[string]Node, len(all))
	for _, n := range all {
		node, err := f.Create(n)
		if err != nil {
			return nil, err
		}
		out[n.ID] = node
	}
	return out, nil
}
