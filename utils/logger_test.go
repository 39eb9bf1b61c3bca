package utils

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoggerPrefixAndLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(&buf, slog.LevelInfo)

	log.Debug("hidden")
	log.Info("hello", "n", 1)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "[margo] hello")
	assert.Contains(t, out, "n=1")
}

func TestLoggerDefaultArgsFromContext(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(&buf, slog.LevelInfo)

	ctx := WithDefaultArgs(context.Background(), "corpus", "papers.jsonl", "holder", "alice")
	log.InfoCtx(ctx, "selected", "key", "10.1/a1")

	out := buf.String()
	assert.Contains(t, out, "corpus=papers.jsonl")
	assert.Contains(t, out, "holder=alice")
	assert.Contains(t, out, "key=10.1/a1")
}

func TestLoggerDefaultArgsDoNotLeakBetweenSiblings(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(&buf, slog.LevelInfo)

	parent := WithDefaultArgs(context.Background(), "corpus", "papers.jsonl")
	_ = WithDefaultArgs(parent, "holder", "alice")
	sibling := WithDefaultArgs(parent, "holder", "bob")

	log.InfoCtx(sibling, "probe")

	out := buf.String()
	assert.Contains(t, out, "corpus=papers.jsonl")
	assert.Contains(t, out, "holder=bob")
	assert.NotContains(t, out, "alice")
}

func TestLoggerCtxWithoutDefaults(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(&buf, slog.LevelWarn)

	log.WarnCtx(context.Background(), "plain", "k", "v")
	assert.Contains(t, buf.String(), "[margo] plain")
	assert.Contains(t, buf.String(), "k=v")
}
