// Package logger holds the process-wide zap logger.
package logger

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// EnvLevel names the environment variable holding the log level.
const EnvLevel = "FINETUNE_LOG_LEVEL"

var (
	Logger *zap.Logger
	level  zap.AtomicLevel
)

func init() {
	level = zap.NewAtomicLevelAt(getLevelFromEnv())
	config := zap.NewProductionConfig()
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	config.OutputPaths = []string{"stdout"}
	config.ErrorOutputPaths = []string{"stderr"}
	config.Level = level
	config.EncoderConfig.CallerKey = "caller"
	config.EncoderConfig.StacktraceKey = "stacktrace"

	var err error
	Logger, err = config.Build()
	if err != nil {
		panic(err)
	}

	zap.ReplaceGlobals(Logger)
}

func getLevelFromEnv() zapcore.Level {
	return ParseLevel(os.Getenv(EnvLevel))
}

// ParseLevel maps a level name to a zap level, defaulting to info.
func ParseLevel(s string) zapcore.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "dpanic":
		return zapcore.DPanicLevel
	case "panic":
		return zapcore.PanicLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// SetLevel changes the level of Logger and every logger derived from it.
func SetLevel(s string) {
	level.SetLevel(ParseLevel(s))
}

// ForRank returns Logger tagged with the process's ranks.
func ForRank(rank, localRank int) *zap.Logger {
	return Logger.With(zap.Int("rank", rank), zap.Int("local_rank", localRank))
}

// Logr adapts l to the logr interface.
func Logr(l *zap.Logger) logr.Logger {
	return zapr.NewLogger(l)
}

// ToPrettyJSON renders v as indented JSON, falling back to %v.
func ToPrettyJSON(v interface{}) string {
	bytes, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(bytes)
}
