package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/graphrun/pkg/schema"
)

type fakeDeliverer struct {
	got schema.ResumePayload
	err error
}

func (f *fakeDeliverer) ResumeForm(_ context.Context, p schema.ResumePayload) (string, error) {
	f.got = p
	if f.err != nil {
		return "", f.err
	}
	return "run-1", nil
}

func TestPayloadFromRequest_JSON(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/hooks/form-9?source=ci&x=1&x=2", strings.NewReader(`{"status":"ok","n":3}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signature", "abc")

	p, err := PayloadFromRequest(req)
	require.NoError(t, err)
	assert.Equal(t, "form-9", p.FormID)
	assert.Equal(t, map[string]any{"status": "ok", "n": float64(3)}, p.Body)
	assert.Equal(t, "abc", p.Headers["x-signature"])
	assert.Equal(t, "ci", p.Query["source"])
	assert.Equal(t, "1", p.Query["x"])
}

func TestPayloadFromRequest_PlainText(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/hooks/form-9", strings.NewReader("done"))
	req.Header.Set("Content-Type", "text/plain")

	p, err := PayloadFromRequest(req)
	require.NoError(t, err)
	assert.Equal(t, "done", p.Body)
}

func TestPayloadFromRequest_EmptyBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/hooks/form-9", nil)
	p, err := PayloadFromRequest(req)
	require.NoError(t, err)
	assert.Nil(t, p.Body)
}

func TestPayloadFromRequest_InvalidJSON(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/hooks/form-9", strings.NewReader("{nope"))
	req.Header.Set("Content-Type", "application/json")
	_, err := PayloadFromRequest(req)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestPayloadFromRequest_TooLarge(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/hooks/form-9", strings.NewReader(strings.Repeat("a", MaxBodyBytes+1)))
	_, err := PayloadFromRequest(req)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestHandler_Delivers(t *testing.T) {
	d := &fakeDeliverer{}
	srv := httptest.NewServer(Handler(d, "/hooks", nil))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/hooks/form-1", "application/json", strings.NewReader(`{"a":1}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "run-1", body["run_id"])
	assert.Equal(t, "form-1", d.got.FormID)
	assert.Equal(t, map[string]any{"a": float64(1)}, d.got.Body)
}

func TestHandler_ErrorStatus(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"unknown form", schema.NewError(schema.ErrCodeNotFound, "no form"), http.StatusNotFound},
		{"already resumed", schema.NewError(schema.ErrCodeConflict, "claimed"), http.StatusConflict},
		{"bad payload", schema.NewError(schema.ErrCodeValidation, "bad"), http.StatusBadRequest},
		{"expired", schema.NewError(schema.ErrCodeTimeout, "late"), http.StatusGone},
		{"store down", schema.NewError(schema.ErrCodeStore, "db"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/hooks/f", strings.NewReader("{}"))
			Handler(&fakeDeliverer{err: tc.err}, "hooks", nil).ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestHandler_RejectsGet(t *testing.T) {
	rec := httptest.NewRecorder()
	Handler(&fakeDeliverer{}, "/hooks", nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/hooks/f", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
