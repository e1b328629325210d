// Package logging builds the process-wide zap logger.
package logging

import (
	"log"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/DNYoussef/spek-swarm-go/internal/config"
)

// atomicLevel is the live log level handle shared with SetLevel
var atomicLevel zap.AtomicLevel

// Build constructs the base logger from config: info and below to stdout,
// errors to stderr, JSON by default. The returned logger is also installed as
// the zap global, and the level follows logger.level across config reloads.
func Build(cfg *config.Logger) *zap.Logger {
	level := "info"
	encoding := "json"
	if cfg != nil {
		if cfg.Level != "" {
			level = cfg.Level
		}
		if cfg.Encoding != "" {
			encoding = cfg.Encoding
		}
	}

	parsed, err := zap.ParseAtomicLevel(level)
	if err != nil {
		log.Fatalf("Couldn't parse initial atomic level at logger build: %v", err)
	}
	atomicLevel = parsed

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	encoder := zapcore.NewJSONEncoder(encoderConfig)
	if encoding == "console" {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	highPriority := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl >= zapcore.ErrorLevel
	})

	lowPriority := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return atomicLevel.Enabled(lvl) && lvl < zapcore.ErrorLevel
	})

	infoCore := zapcore.NewCore(encoder, os.Stdout, lowPriority)
	errorCore := zapcore.NewCore(encoder, os.Stderr, highPriority)

	logger := zap.New(zapcore.NewTee(infoCore, errorCore), zap.AddCaller())
	zap.ReplaceGlobals(logger)

	viper.OnConfigChange(func(in fsnotify.Event) {
		if in.Op&(fsnotify.Create) == 0 {
			SetLevel(viper.GetString("logger.level"))
		}
	})
	viper.WatchConfig()
	return logger
}

// SetLevel changes the logger level dynamically.
func SetLevel(level string) {
	l, err := zapcore.ParseLevel(level)
	if err != nil {
		zap.L().Error("Couldn't parse level", zap.Error(err))
	} else {
		zap.L().Info("Atomic level updated", zap.String("value", level))
		atomicLevel.SetLevel(l)
	}
}
