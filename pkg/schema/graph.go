package schema

// GraphConfig is the serializable graph format accepted by the engine.
// Both JSON and YAML encodings are supported.
type GraphConfig struct {
	Nodes []NodeConfig `json:"nodes" yaml:"nodes"`
	Edges []EdgeConfig `json:"edges" yaml:"edges"`
}

// NodeConfig describes a single node. Data carries the type tag, the title and
// the type-specific configuration.
type NodeConfig struct {
	ID       string         `json:"id" yaml:"id"`
	ParentID string         `json:"parentId,omitempty" yaml:"parentId,omitempty"`
	Data     map[string]any `json:"data" yaml:"data"`
}

// Type returns the node's type tag.
func (n NodeConfig) Type() NodeType {
	s, _ := n.Data["type"].(string)
	return NodeType(s)
}

// Title returns the node's display title, falling back to its ID.
func (n NodeConfig) Title() string {
	if s, ok := n.Data["title"].(string); ok && s != "" {
		return s
	}
	return n.ID
}

// EdgeConfig connects two nodes. SourceHandle selects the branch of a
// branching source node; empty or HandleSource means unconditional.
type EdgeConfig struct {
	ID           string `json:"id,omitempty" yaml:"id,omitempty"`
	Source       string `json:"source" yaml:"source"`
	Target       string `json:"target" yaml:"target"`
	SourceHandle string `json:"sourceHandle,omitempty" yaml:"sourceHandle,omitempty"`
}

// Handle returns the normalized branch identifier of the edge.
func (e EdgeConfig) Handle() string {
	if e.SourceHandle == "" {
		return HandleSource
	}
	return e.SourceHandle
}

// Well-known edge handles.
const (
	HandleSource        = "source"
	HandleFailBranch    = "fail-branch"
	HandleSuccessBranch = "success-branch"
)

// NodeType is the closed set of node type tags.
type NodeType string

const (
	NodeTypeStart              NodeType = "start"
	NodeTypeEnd                NodeType = "end"
	NodeTypeAnswer             NodeType = "answer"
	NodeTypeLLM                NodeType = "llm"
	NodeTypeIfElse             NodeType = "if-else"
	NodeTypeCode               NodeType = "code"
	NodeTypeTool               NodeType = "tool"
	NodeTypeHTTPRequest        NodeType = "http-request"
	NodeTypeTemplateTransform  NodeType = "template-transform"
	NodeTypeVariableAggregator NodeType = "variable-aggregator"
	NodeTypeListOperator       NodeType = "list-operator"
	NodeTypeQuestionClassifier NodeType = "question-classifier"
	NodeTypeIteration          NodeType = "iteration"
	NodeTypeIterationStart     NodeType = "iteration-start"
	NodeTypeLoop               NodeType = "loop"
	NodeTypeLoopStart          NodeType = "loop-start"
	NodeTypeLoopEnd            NodeType = "loop-end"
	NodeTypeHumanInput         NodeType = "human-input"
	NodeTypeWebhook            NodeType = "webhook"
	NodeTypeParameterExtractor NodeType = "parameter-extractor"
	NodeTypeKnowledgeRetrieval NodeType = "knowledge-retrieval"
	NodeTypeDocumentExtractor  NodeType = "document-extractor"
	NodeTypeAgent              NodeType = "agent"
	NodeTypeVariableAssigner   NodeType = "variable-assigner"
)

// KnownNodeTypes lists every type tag the configuration format defines.
var KnownNodeTypes = []NodeType{
	NodeTypeStart, NodeTypeEnd, NodeTypeAnswer, NodeTypeLLM, NodeTypeIfElse,
	NodeTypeCode, NodeTypeTool, NodeTypeHTTPRequest, NodeTypeTemplateTransform,
	NodeTypeVariableAggregator, NodeTypeListOperator, NodeTypeQuestionClassifier,
	NodeTypeIteration, NodeTypeIterationStart, NodeTypeLoop, NodeTypeLoopStart,
	NodeTypeLoopEnd, NodeTypeHumanInput, NodeTypeWebhook, NodeTypeParameterExtractor,
	NodeTypeKnowledgeRetrieval, NodeTypeDocumentExtractor, NodeTypeAgent,
	NodeTypeVariableAssigner,
}

// IsBranch reports whether nodes of this type choose among outgoing edges.
func (t NodeType) IsBranch() bool {
	switch t {
	case NodeTypeIfElse, NodeTypeQuestionClassifier, NodeTypeHumanInput:
		return true
	}
	return false
}

// IsTerminal reports whether nodes of this type produce the run's output.
func (t NodeType) IsTerminal() bool {
	return t == NodeTypeEnd || t == NodeTypeAnswer
}

// IsContainer reports whether nodes of this type own a sub-graph.
func (t NodeType) IsContainer() bool {
	return t == NodeTypeIteration || t == NodeTypeLoop
}

// IsSubgraphStart reports whether nodes of this type are a sub-graph's entry.
func (t NodeType) IsSubgraphStart() bool {
	return t == NodeTypeIterationStart || t == NodeTypeLoopStart
}

// ErrorStrategy controls what happens when a node fails after retries.
type ErrorStrategy string

const (
	ErrorStrategyAbort        ErrorStrategy = ""
	ErrorStrategyFailBranch   ErrorStrategy = "fail-branch"
	ErrorStrategyDefaultValue ErrorStrategy = "default-value"
)

// RetryPolicy configures node retry behavior. Intervals are milliseconds,
// matching the graph configuration format.
type RetryPolicy struct {
	Enabled       bool   `json:"retry_enabled"`
	MaxRetries    int    `json:"max_retries"`
	RetryInterval int    `json:"retry_interval"`
	Backoff       string `json:"backoff,omitempty"` // constant | linear | exponential (default: constant)
	MaxInterval   int    `json:"max_interval,omitempty"`
}
