package logging

import (
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/splunk/hadoop-bundle-e2e/e2e/framework/config"
)

// NewLogger builds a zap logger based on runner config.
func NewLogger(cfg *config.Config) (*zap.Logger, error) {
	var zapCfg zap.Config
	if strings.EqualFold(cfg.LogFormat, "console") {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	} else {
		zapCfg = zap.NewProductionConfig()
		zapCfg.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	}
	zapCfg.Level = zap.NewAtomicLevelAt(ParseLevel(cfg.LogLevel))

	return zapCfg.Build()
}

// ParseLevel maps a level name to a zap level, defaulting to info.
func ParseLevel(value string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return zap.DebugLevel
	case "warn":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

// Logr adapts a zap logger for libraries that log through logr.
func Logr(logger *zap.Logger) logr.Logger {
	return zapr.NewLogger(logger)
}
