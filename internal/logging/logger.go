// Package logging builds the process logger.
package logging

import (
	"os"
	"strings"

	ipfslog "github.com/ipfs/go-log/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures the process logger.
type Options struct {
	// Level is one of debug, info, warn, error, dpanic, panic, fatal.
	Level string `yaml:"level"`
	// Format is json or console.
	Format string `yaml:"format"`
	// ShowCaller adds the caller and function to every entry.
	ShowCaller bool `yaml:"show_caller"`
}

// ParseLevel maps a level name to a zap level. Unknown names are info.
func ParseLevel(name string) zapcore.Level {
	switch strings.ToLower(name) {
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

// New builds a logger writing to stderr and aligns the level of the
// libp2p subsystem loggers with it.
func New(opts Options) *zap.Logger {
	level := ParseLevel(opts.Level)

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	if opts.ShowCaller {
		encoderConfig.FunctionKey = "func"
	}

	var encoder zapcore.Encoder
	if strings.ToLower(opts.Format) == "console" {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(os.Stderr), level)
	logger := zap.New(core)
	if opts.ShowCaller {
		logger = logger.WithOptions(zap.AddCaller())
	}

	AlignLibp2p(level)
	return logger
}

// AlignLibp2p sets every go-log subsystem to level. libp2p is noisy below
// warn, so debug is only forwarded when explicitly requested.
func AlignLibp2p(level zapcore.Level) {
	name := "warn"
	switch {
	case level <= zapcore.DebugLevel:
		name = "debug"
	case level >= zapcore.ErrorLevel:
		name = "error"
	}
	_ = ipfslog.SetLogLevel("*", name)
}
