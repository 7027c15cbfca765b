package logging

import (
	"context"
	"testing"
	"time"

	"github.com/fyrsmithlabs/traceway/internal/config"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestSampledCore(t *testing.T) {
	core, observed := observer.New(TraceLevel)
	sampled := newSampledCore(core, SamplingConfig{
		Enabled:    true,
		Tick:       config.Duration(time.Minute),
		Initial:    2,
		Thereafter: 0,
	})
	logger := &Logger{zap: zap.New(sampled), config: NewDefaultConfig()}
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		logger.Info(ctx, "chatty")
		logger.Error(ctx, "failing")
	}

	assert.Equal(t, 2, observed.FilterMessage("chatty").Len())
	assert.Equal(t, 10, observed.FilterMessage("failing").Len(), "errors are never sampled")
}

func TestSampledCore_Disabled(t *testing.T) {
	core, _ := observer.New(zapcore.InfoLevel)
	assert.Same(t, core, newSampledCore(core, SamplingConfig{Enabled: false}))
}

func TestLevelRangeCore(t *testing.T) {
	core, observed := observer.New(TraceLevel)
	ranged := &levelRangeCore{Core: core, min: zapcore.InfoLevel, max: zapcore.WarnLevel}

	assert.False(t, ranged.Enabled(zapcore.DebugLevel))
	assert.True(t, ranged.Enabled(zapcore.InfoLevel))
	assert.True(t, ranged.Enabled(zapcore.WarnLevel))
	assert.False(t, ranged.Enabled(zapcore.ErrorLevel))

	logger := zap.New(ranged.With([]zapcore.Field{zap.String("k", "v")}))
	logger.Debug("d")
	logger.Warn("w")
	logger.Error("e")

	entries := observed.All()
	if assert.Len(t, entries, 1) {
		assert.Equal(t, "w", entries[0].Message)
		assert.Equal(t, "v", entries[0].ContextMap()["k"])
	}
}
