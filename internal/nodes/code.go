package nodes

import (
	"context"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"github.com/rendis/graphrun/internal/variables"
	"github.com/rendis/graphrun/pkg/schema"
)

const resultMarker = "<<graphrun-result>>"

const pythonWrapper = `import json, sys

%s

if __name__ == "__main__":
    _inputs = json.loads(sys.stdin.read() or "{}")
    _result = main(**_inputs)
    print("` + resultMarker + `" + json.dumps(_result) + "` + resultMarker + `")
`

const javascriptWrapper = `%s

const _chunks = [];
process.stdin.on("data", (c) => _chunks.push(c));
process.stdin.on("end", async () => {
  const _inputs = JSON.parse(Buffer.concat(_chunks).toString() || "{}");
  const _result = await main(_inputs);
  console.log("` + resultMarker + `" + JSON.stringify(_result) + "` + resultMarker + `");
});
`

type codeLanguage struct {
	wrapper string
	ext     string
	command string
}

var codeLanguages = map[string]codeLanguage{
	"python3":    {wrapper: pythonWrapper, ext: ".py", command: "python3"},
	"javascript": {wrapper: javascriptWrapper, ext: ".js", command: "node"},
}

type boundVariable struct {
	name string
	sel  variables.Selector
}

func parseBoundVariables(id string, data map[string]any) ([]boundVariable, error) {
	var out []boundVariable
	for _, v := range listParam(data, "variables") {
		name, err := requireString(id, v, "variable")
		if err != nil {
			return nil, err
		}
		sel, err := requireSelector(id, v, "value_selector")
		if err != nil {
			return nil, err
		}
		out = append(out, boundVariable{name: name, sel: sel})
	}
	return out, nil
}

func bindInputs(pool *variables.Pool, vars []boundVariable) map[string]any {
	out := make(map[string]any, len(vars))
	for _, v := range vars {
		val, _ := pool.GetValue(v.sel)
		out[v.name] = val
	}
	return out
}

// codeNode runs user code in the run's sandbox. The code defines main, which
// receives the bound variables and returns an object of declared outputs.
type codeNode struct {
	base
	lang      codeLanguage
	code      string
	vars      []boundVariable
	outputs   map[string]string
	sandboxes Sandboxes
}

func newCode(b base, f *Factory) (Node, error) {
	if f.deps.Sandboxes == nil {
		return nil, schema.ConfigurationError("code node needs a sandbox provider").WithNode(b.id)
	}
	langName := stringParam(b.data, "code_language", "python3")
	lang, ok := codeLanguages[langName]
	if !ok {
		return nil, schema.ConfigurationError("unsupported code_language %q", langName).WithNode(b.id)
	}
	code, err := requireString(b.id, b.data, "code")
	if err != nil {
		return nil, err
	}
	vars, err := parseBoundVariables(b.id, b.data)
	if err != nil {
		return nil, err
	}
	n := &codeNode{base: b, lang: lang, code: code, vars: vars, outputs: map[string]string{}, sandboxes: f.deps.Sandboxes}
	for name, spec := range mapParam(b.data, "outputs") {
		typ := ""
		if m, ok := spec.(map[string]any); ok {
			typ = stringParam(m, "type", "")
		}
		n.outputs[name] = typ
	}
	return n, nil
}

func (n *codeNode) Run(ctx context.Context, rc RunContext) *Result {
	inputs := bindInputs(rc.Variables(), n.vars)
	stdin, err := sonic.ConfigStd.Marshal(inputs)
	if err != nil {
		return Failed(schema.NewErrorf(schema.ErrCodeExecution, "encode code inputs: %v", err).WithNode(n.id))
	}

	sb, err := n.sandboxes.Acquire(ctx, n.run.RunID)
	if err != nil {
		return Failed(schema.AsGraphError(err, schema.ErrCodeRemoteInvocation).WithNode(n.id))
	}
	script := fmt.Sprintf("code_%s_%s%s", n.id, uuid.NewString()[:8], n.lang.ext)
	if err := sb.Upload(ctx, script, []byte(fmt.Sprintf(n.lang.wrapper, n.code))); err != nil {
		return Failed(schema.RemoteInvocationError(err, "upload code: %v", err).WithNode(n.id))
	}

	res, err := sb.Exec(ctx, []string{n.lang.command, script}, stdin)
	if err != nil {
		return Failed(schema.RemoteInvocationError(err, "run code: %v", err).WithNode(n.id))
	}
	if res.ExitCode != 0 {
		return Failed(schema.NewErrorf(schema.ErrCodeExecution, "code exited with %d: %s",
			res.ExitCode, strings.TrimSpace(res.Stderr)).WithNode(n.id))
	}

	outputs, gerr := n.parse(res.Stdout)
	if gerr != nil {
		return Failed(gerr.WithNode(n.id))
	}
	return Succeeded(outputs).WithInputs(inputs)
}

func (n *codeNode) parse(stdout string) (map[string]any, *schema.GraphError) {
	start := strings.Index(stdout, resultMarker)
	end := strings.LastIndex(stdout, resultMarker)
	if start < 0 || end <= start {
		return nil, schema.NewError(schema.ErrCodeExecution, "code produced no result")
	}
	raw := stdout[start+len(resultMarker) : end]

	var out map[string]any
	if err := sonic.ConfigStd.UnmarshalFromString(raw, &out); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "main must return an object: %v", err)
	}
	for name, typ := range n.outputs {
		v, ok := out[name]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "output %q is missing", name)
		}
		if !matchesType(v, typ) {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "output %q is not of type %s", name, typ)
		}
	}
	return out, nil
}

func matchesType(v any, typ string) bool {
	if v == nil || typ == "" {
		return true
	}
	switch {
	case typ == "string":
		_, ok := v.(string)
		return ok
	case typ == "number":
		_, ok := v.(float64)
		return ok
	case typ == "boolean":
		_, ok := v.(bool)
		return ok
	case typ == "object":
		_, ok := v.(map[string]any)
		return ok
	case strings.HasPrefix(typ, "array"):
		_, ok := v.([]any)
		return ok
	}
	return true
}
