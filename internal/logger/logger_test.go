package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]zapcore.Level{
		"":        zapcore.InfoLevel,
		"DEBUG":   zapcore.DebugLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"bogus":   zapcore.InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), "level %q", in)
	}
}

func TestRankFieldsAndLogr(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	prev := Logger
	Logger = zap.New(core)
	defer func() { Logger = prev }()

	ForRank(3, 1).Info("epoch 0 | train loss = 1.5")
	Logr(Logger).WithName("dist").Info("rendezvous", "world", 4)

	entries := logs.AllUntimed()
	if assert.Len(t, entries, 2) {
		assert.Equal(t, map[string]interface{}{"rank": int64(3), "local_rank": int64(1)}, entries[0].ContextMap())
		assert.Equal(t, "dist", entries[1].LoggerName)
		assert.Equal(t, int64(4), entries[1].ContextMap()["world"])
	}
}

func TestToPrettyJSON(t *testing.T) {
	assert.Equal(t, "{\n  \"a\": 1\n}", ToPrettyJSON(map[string]int{"a": 1}))
}
