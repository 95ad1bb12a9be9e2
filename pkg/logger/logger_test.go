package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew_Levels(t *testing.T) {
	assert.True(t, New("debug").Core().Enabled(zapcore.DebugLevel))
	assert.False(t, New("warn").Core().Enabled(zapcore.InfoLevel))
	assert.True(t, New("bogus").Core().Enabled(zapcore.InfoLevel))
	assert.False(t, New("bogus").Core().Enabled(zapcore.DebugLevel))
}

func TestFromContext_AddsFields(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	base := zap.New(core).Sugar()

	ctx := WithFields(context.Background(), "room_id", "r1")
	ctx = WithFields(ctx, "peer_id", "p1")
	FromContext(ctx, base).Infow("request handled")

	entries := logs.All()
	if assert.Len(t, entries, 1) {
		fields := entries[0].ContextMap()
		assert.Equal(t, "r1", fields["room_id"])
		assert.Equal(t, "p1", fields["peer_id"])
	}
}

func TestFromContext_NoFields(t *testing.T) {
	base := zap.NewNop().Sugar()
	assert.Same(t, base, FromContext(context.Background(), base))
}
