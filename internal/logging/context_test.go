package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()

	assert.Equal(t, "", RunID(ctx))
	assert.Equal(t, "", NodeID(ctx))
	assert.Equal(t, "", ExecutionID(ctx))

	ctx = WithRunID(ctx, "run-1")
	ctx = WithNode(ctx, "llm", "exec-9")

	assert.Equal(t, "run-1", RunID(ctx))
	assert.Equal(t, "llm", NodeID(ctx))
	assert.Equal(t, "exec-9", ExecutionID(ctx))
}

func TestLogWith(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx := WithNode(WithRunID(context.Background(), "run-abc"), "code", "exec-1")
	LogWith(ctx, logger).Info("node finished")

	output := buf.String()
	assert.Contains(t, output, "run_id=run-abc")
	assert.Contains(t, output, "node_id=code")
	assert.Contains(t, output, "execution_id=exec-1")
	assert.Contains(t, output, "node finished")
}

func TestLogWithMissingKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	LogWith(WithRunID(context.Background(), "run-only"), logger).Info("partial")

	output := buf.String()
	assert.Contains(t, output, "run_id=run-only")
	assert.NotContains(t, output, "node_id")
	assert.NotContains(t, output, "execution_id")
}

func TestCorrelationHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))

	ctx := WithNode(WithRunID(context.Background(), "run-7"), "tool", "")
	logger.With(slog.String("component", "engine")).InfoContext(ctx, "dispatch")

	output := buf.String()
	assert.Contains(t, output, `"run_id":"run-7"`)
	assert.Contains(t, output, `"node_id":"tool"`)
	assert.Contains(t, output, `"component":"engine"`)
	assert.NotContains(t, output, "execution_id")
}

func TestCorrelationHandler_NoIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewTextHandler(&buf, nil)))

	logger.WithGroup("g").InfoContext(context.Background(), "plain")
	assert.NotContains(t, buf.String(), "run_id")
	assert.Contains(t, buf.String(), "plain")
}
