package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestLFallsBackToGlobal(t *testing.T) {
	assert.Same(t, zap.L(), L(context.Background()))
}

func TestNewContext(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := zap.New(core)
	ctx := NewContext(context.Background(), l)

	L(ctx).Info("hello", zap.Int("window", 3))

	entries := logs.All()
	if assert.Len(t, entries, 1) {
		assert.Equal(t, "hello", entries[0].Message)
		assert.Equal(t, int64(3), entries[0].ContextMap()["window"])
	}
}
