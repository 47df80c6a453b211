package nodes

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/graphrun/internal/variables"
	"github.com/rendis/graphrun/pkg/schema"
)

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

// httpNode performs one HTTP request. String values in url, headers, params
// and body may reference variables with {{#node.var#}}.
type httpNode struct {
	base
	method            string
	url               string
	headers           map[string]any
	params            map[string]any
	body              any
	bodyEncoding      string
	auth              map[string]any
	timeout           time.Duration
	followRedirects   bool
	maxRedirects      int
	tlsSkipVerify     bool
	failOnErrorStatus bool
	maxResponseBody   int64
	transport         http.RoundTripper
}

func newHTTPRequest(b base, f *Factory) (Node, error) {
	rawURL, err := requireString(b.id, b.data, "url")
	if err != nil {
		return nil, err
	}
	n := &httpNode{
		base:              b,
		method:            strings.ToUpper(stringParam(b.data, "method", "GET")),
		url:               rawURL,
		headers:           mapParam(b.data, "headers"),
		params:            mapParam(b.data, "params"),
		body:              b.data["body"],
		bodyEncoding:      stringParam(b.data, "body_encoding", "json"),
		auth:              mapParam(b.data, "auth"),
		timeout:           defaultHTTPTimeout,
		followRedirects:   boolParam(b.data, "follow_redirects", true),
		maxRedirects:      intParam(b.data, "max_redirects", 10),
		tlsSkipVerify:     boolParam(b.data, "tls_skip_verify", false),
		failOnErrorStatus: boolParam(b.data, "fail_on_error_status", false),
		maxResponseBody:   int64(intParam(b.data, "max_response_body", defaultMaxResponseBody)),
		transport:         f.deps.HTTPClient.Transport,
	}
	if ts := stringParam(b.data, "timeout", ""); ts != "" {
		d, err := time.ParseDuration(ts)
		if err != nil {
			return nil, schema.ConfigurationError("invalid timeout %q", ts).WithNode(b.id)
		}
		n.timeout = d
	}
	switch n.bodyEncoding {
	case "json", "form", "text", "raw":
	default:
		return nil, schema.ConfigurationError("unknown body_encoding %q", n.bodyEncoding).WithNode(b.id)
	}
	// Only fully static URLs can be checked before the run.
	if len(variables.TemplateSelectors(rawURL)) == 0 {
		if err := checkURL(rawURL); err != nil {
			return nil, schema.ConfigurationError("%v", err).WithNode(b.id)
		}
	}
	return n, nil
}

func checkURL(raw string) error {
	u, err := url.ParseRequestURI(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("invalid url %q", raw)
	}
	return nil
}

func (n *httpNode) Run(ctx context.Context, rc RunContext) *Result {
	pool := rc.Variables()

	rawURL := variables.Render(n.url, pool)
	if err := checkURL(rawURL); err != nil {
		return Failed(schema.NewError(schema.ErrCodeExecution, err.Error()).WithNode(n.id))
	}
	if len(n.params) > 0 {
		u, _ := url.Parse(rawURL)
		q := u.Query()
		for k, v := range n.params {
			q.Set(k, renderValue(v, pool))
		}
		u.RawQuery = q.Encode()
		rawURL = u.String()
	}

	bodyReader, contentType, err := n.encodeBody(pool)
	if err != nil {
		return Failed(schema.NewErrorf(schema.ErrCodeExecution, "encode body: %v", err).WithCause(err).WithNode(n.id))
	}

	reqCtx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, n.method, rawURL, bodyReader)
	if err != nil {
		return Failed(schema.NewErrorf(schema.ErrCodeExecution, "create request: %v", err).WithCause(err).WithNode(n.id))
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range n.headers {
		req.Header.Set(k, renderValue(v, pool))
	}
	n.applyAuth(req, pool)

	start := time.Now()
	resp, err := n.client().Do(req)
	durationMs := time.Since(start).Milliseconds()
	if err != nil {
		return Failed(schema.RemoteInvocationError(err, "request failed: %v", err).WithNode(n.id))
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, n.maxResponseBody))
	if err != nil {
		return Failed(schema.RemoteInvocationError(err, "read response body: %v", err).WithNode(n.id))
	}

	respContentType := resp.Header.Get("Content-Type")
	var parsedBody any
	if len(bodyBytes) > 0 {
		parsedBody = string(bodyBytes)
		if strings.Contains(respContentType, "application/json") {
			var jsonBody any
			if err := json.Unmarshal(bodyBytes, &jsonBody); err == nil {
				parsedBody = jsonBody
			}
		}
	}

	respHeaders := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}

	outputs := map[string]any{
		"status_code":  resp.StatusCode,
		"status":       resp.Status,
		"headers":      respHeaders,
		"body":         parsedBody,
		"content_type": respContentType,
		"duration_ms":  durationMs,
	}

	if n.failOnErrorStatus && resp.StatusCode >= 400 {
		code := schema.ErrCodeExecution
		if resp.StatusCode >= 500 {
			code = schema.ErrCodeRemoteInvocation
		}
		return Failed(schema.NewErrorf(code, "server returned %d", resp.StatusCode).
			WithDetails(outputs).WithNode(n.id))
	}
	return Succeeded(outputs).WithInputs(map[string]any{"method": n.method, "url": rawURL})
}

func (n *httpNode) encodeBody(pool *variables.Pool) (io.Reader, string, error) {
	if n.body == nil {
		return nil, "", nil
	}
	switch n.bodyEncoding {
	case "form":
		formData, ok := n.body.(map[string]any)
		if !ok {
			return nil, "", fmt.Errorf("form body must be an object")
		}
		vals := url.Values{}
		for k, v := range formData {
			vals.Set(k, renderValue(v, pool))
		}
		return strings.NewReader(vals.Encode()), "application/x-www-form-urlencoded", nil
	case "text":
		return strings.NewReader(renderValue(n.body, pool)), "text/plain", nil
	case "raw":
		return strings.NewReader(renderValue(n.body, pool)), "", nil
	default: // json
		if s, ok := n.body.(string); ok {
			return strings.NewReader(variables.Render(s, pool)), "application/json", nil
		}
		b, err := json.Marshal(n.body)
		if err != nil {
			return nil, "", err
		}
		return strings.NewReader(variables.Render(string(b), pool)), "application/json", nil
	}
}

func (n *httpNode) applyAuth(req *http.Request, pool *variables.Pool) {
	if n.auth == nil {
		return
	}
	switch stringParam(n.auth, "type", "") {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+variables.Render(stringParam(n.auth, "token", ""), pool))
	case "basic":
		req.SetBasicAuth(variables.Render(stringParam(n.auth, "username", ""), pool),
			variables.Render(stringParam(n.auth, "password", ""), pool))
	case "api_key":
		if name := stringParam(n.auth, "header_name", ""); name != "" {
			req.Header.Set(name, variables.Render(stringParam(n.auth, "header_value", ""), pool))
		}
	}
}

// client builds a per-request client so redirect and TLS settings never leak
// into the shared transport.
func (n *httpNode) client() *http.Client {
	transport := n.transport
	if n.tlsSkipVerify || transport == nil {
		tr, ok := http.DefaultTransport.(*http.Transport)
		if t, isT := n.transport.(*http.Transport); isT {
			tr, ok = t, true
		}
		if ok {
			clone := tr.Clone()
			if n.tlsSkipVerify {
				clone.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
			}
			transport = clone
		}
	}
	c := &http.Client{Transport: transport}
	if !n.followRedirects {
		c.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	} else if n.maxRedirects > 0 {
		limit := n.maxRedirects
		c.CheckRedirect = func(_ *http.Request, via []*http.Request) error {
			if len(via) >= limit {
				return fmt.Errorf("stopped after %d redirects", limit)
			}
			return nil
		}
	}
	return c
}

func renderValue(v any, pool *variables.Pool) string {
	if s, ok := v.(string); ok {
		return variables.Render(s, pool)
	}
	return textOf(v)
}
