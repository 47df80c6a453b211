package nodes

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/graphrun/pkg/schema"
)

func TestHTTPRequest_GET_JSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "go", r.URL.Query().Get("q"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"greeting": "hello"})
	}))
	defer srv.Close()

	f := newTestFactory(t, Deps{})
	n := mustCreate(t, f, "http", schema.NodeTypeHTTPRequest, map[string]any{
		"url":    srv.URL + "/search",
		"params": map[string]any{"q": "{{#start.q#}}"},
		"auth":   map[string]any{"type": "bearer", "token": "{{#env.token#}}"},
	})
	res := n.Run(context.Background(), newRunContext(poolWith(t, map[string]any{"start.q": "go", "env.token": "secret"})))
	require.Equal(t, StatusSucceeded, res.Status, res.Err)
	assert.Equal(t, 200, res.Outputs["status_code"])
	assert.Equal(t, map[string]any{"greeting": "hello"}, res.Outputs["body"])
}

func TestHTTPRequest_POST_TemplatedBody(t *testing.T) {
	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		b, _ := io.ReadAll(r.Body)
		json.Unmarshal(b, &received)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	f := newTestFactory(t, Deps{})
	n := mustCreate(t, f, "http", schema.NodeTypeHTTPRequest, map[string]any{
		"method": "post",
		"url":    srv.URL,
		"body":   map[string]any{"name": "{{#start.name#}}"},
	})
	res := n.Run(context.Background(), newRunContext(poolWith(t, map[string]any{"start.name": "ada"})))
	require.Equal(t, StatusSucceeded, res.Status, res.Err)
	assert.Equal(t, 201, res.Outputs["status_code"])
	assert.Equal(t, map[string]any{"name": "ada"}, received)
}

func TestHTTPRequest_ErrorStatus(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusBadGateway)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	f := newTestFactory(t, Deps{})
	n := mustCreate(t, f, "http", schema.NodeTypeHTTPRequest, map[string]any{"url": srv.URL, "fail_on_error_status": true})

	res := n.Run(context.Background(), newRunContext(nil))
	require.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, schema.ErrCodeRemoteInvocation, res.Err.Code)

	status.Store(http.StatusNotFound)
	res = n.Run(context.Background(), newRunContext(nil))
	assert.Equal(t, schema.ErrCodeExecution, res.Err.Code)

	lenient := mustCreate(t, f, "http2", schema.NodeTypeHTTPRequest, map[string]any{"url": srv.URL})
	res = lenient.Run(context.Background(), newRunContext(nil))
	assert.Equal(t, StatusSucceeded, res.Status)
}

func TestHTTPRequest_InvalidConfig(t *testing.T) {
	f := newTestFactory(t, Deps{})
	for _, data := range []map[string]any{
		{"url": "ftp://example.com"},
		{"url": "http://example.com", "timeout": "soon"},
		{"url": "http://example.com", "body_encoding": "xml"},
		{},
	} {
		_, err := create(f, "http", schema.NodeTypeHTTPRequest, data)
		assert.True(t, schema.HasCode(err, schema.ErrCodeConfiguration), data)
	}
}
