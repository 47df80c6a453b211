// Package webhook turns inbound HTTP callbacks into resume payloads for runs
// paused on a webhook node.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"github.com/rendis/graphrun/pkg/schema"
)

// MaxBodyBytes caps how much of a callback body is read.
const MaxBodyBytes = 1 << 20

// Deliverer resumes the run waiting on payload.FormID. Satisfied by the runner service.
type Deliverer interface {
	ResumeForm(ctx context.Context, payload schema.ResumePayload) (string, error)
}

// PayloadFromRequest builds a ResumePayload from a callback request. The form
// id is the last path segment, which is how webhook nodes build their
// callback URLs. JSON bodies are decoded; anything else is kept as a string.
func PayloadFromRequest(r *http.Request) (schema.ResumePayload, error) {
	formID := r.PathValue("form_id")
	if formID == "" {
		formID = path.Base(strings.TrimRight(r.URL.Path, "/"))
	}
	if formID == "" || formID == "." || formID == "/" {
		return schema.ResumePayload{}, schema.NewError(schema.ErrCodeValidation, "callback path has no form id")
	}

	payload := schema.ResumePayload{
		FormID:  formID,
		Headers: make(map[string]string, len(r.Header)),
		Query:   make(map[string]string),
	}
	for k := range r.Header {
		payload.Headers[strings.ToLower(k)] = r.Header.Get(k)
	}
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			payload.Query[k] = v[0]
		}
	}

	if r.Body == nil {
		return payload, nil
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, MaxBodyBytes+1))
	if err != nil {
		return schema.ResumePayload{}, fmt.Errorf("read callback body: %w", err)
	}
	if len(raw) > MaxBodyBytes {
		return schema.ResumePayload{}, schema.NewErrorf(schema.ErrCodeValidation, "callback body exceeds %d bytes", MaxBodyBytes)
	}
	if len(raw) == 0 {
		return payload, nil
	}
	if isJSON(r.Header.Get("Content-Type")) || json.Valid(raw) {
		var body any
		if err := json.Unmarshal(raw, &body); err != nil {
			return schema.ResumePayload{}, schema.NewErrorf(schema.ErrCodeValidation, "invalid JSON body: %v", err)
		}
		payload.Body = body
		return payload, nil
	}
	payload.Body = string(raw)
	return payload, nil
}

func isJSON(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
	return ct == "application/json" || strings.HasSuffix(ct, "+json")
}

// Handler serves webhook callbacks under the given route prefix,
// e.g. Handler(d, "/hooks", logger) accepts POST /hooks/{form_id}.
func Handler(d Deliverer, prefix string, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	prefix = "/" + strings.Trim(prefix, "/")
	if prefix == "/" {
		prefix = ""
	}
	h := func(w http.ResponseWriter, r *http.Request) {
		payload, err := PayloadFromRequest(r)
		if err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
		runID, err := d.ResumeForm(r.Context(), payload)
		if err != nil {
			logger.Warn("webhook delivery failed",
				slog.String("form_id", payload.FormID),
				slog.String("error", err.Error()),
			)
			writeError(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID, "form_id": payload.FormID})
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+prefix+"/{form_id}", h)
	mux.HandleFunc("PUT "+prefix+"/{form_id}", h)
	return mux
}

func statusFor(err error) int {
	var ge *schema.GraphError
	if !errors.As(err, &ge) {
		return http.StatusInternalServerError
	}
	switch ge.Code {
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeConflict:
		return http.StatusConflict
	case schema.ErrCodeValidation:
		return http.StatusBadRequest
	case schema.ErrCodeTimeout:
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
