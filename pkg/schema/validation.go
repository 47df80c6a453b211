package schema

import (
	"fmt"
	"slices"
	"strings"
)

// ValidationSeverity separates problems that reject a graph from advisories.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is one problem found in a graph configuration. Path points
// into the configuration, e.g. "edges[3].target" or "nodes.llm1".
type ValidationIssue struct {
	Path     string             `json:"path"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

func (i ValidationIssue) String() string {
	if i.Path == "" {
		return i.Message
	}
	return i.Path + ": " + i.Message
}

// ValidationResult collects every issue of a parse so they can be reported
// together instead of one per attempt.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// Valid reports whether no error was recorded. Warnings never invalidate.
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{Path: path, Code: code, Message: message, Severity: SeverityError})
}

func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{Path: path, Code: code, Message: message, Severity: SeverityWarning})
}

// Codes returns the distinct error codes in first-seen order.
func (r *ValidationResult) Codes() []string {
	var out []string
	for _, is := range r.Errors {
		if !slices.Contains(out, is.Code) {
			out = append(out, is.Code)
		}
	}
	return out
}

// ToError folds the errors into one CONFIGURATION_ERROR, nil when valid. A
// lone error keeps its message; several are joined one per line.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}
	msg := r.Errors[0].Message
	if len(r.Errors) > 1 {
		lines := make([]string, len(r.Errors))
		for i, is := range r.Errors {
			lines[i] = is.String()
		}
		msg = fmt.Sprintf("graph has %d errors:\n%s", len(r.Errors), strings.Join(lines, "\n"))
	}
	return NewError(ErrCodeConfiguration, msg).WithDetails(map[string]any{
		"error_count": len(r.Errors),
		"codes":       r.Codes(),
		"errors":      r.Errors,
		"warnings":    r.Warnings,
	})
}
