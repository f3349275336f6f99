// Package logging builds the process logger.
package logging

import (
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ParseLevel maps "debug", "info", "warn" and "error" to a zap level.
// Anything else is info.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// New returns a logger writing to stdout and, when tee is non-nil, a copy of
// every entry to tee (for example the web log buffer).
//
// format is "json" (default) or "console". service is attached to every
// entry as service_name, along with the hostname.
func New(level, format, service string, tee io.Writer) *zap.Logger {
	return newWithOutput(level, format, service, zapcore.Lock(os.Stdout), tee)
}

func newWithOutput(level, format, service string, out zapcore.WriteSyncer, tee io.Writer) *zap.Logger {
	lvl := zap.NewAtomicLevelAt(ParseLevel(level))

	var enc zapcore.Encoder
	if strings.EqualFold(strings.TrimSpace(format), "console") {
		ec := zap.NewDevelopmentEncoderConfig()
		ec.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewConsoleEncoder(ec)
	} else {
		ec := zap.NewProductionEncoderConfig()
		ec.TimeKey = "timestamp"
		ec.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewJSONEncoder(ec)
	}

	cores := []zapcore.Core{zapcore.NewCore(enc, out, lvl)}
	if tee != nil {
		cores = append(cores, zapcore.NewCore(enc.Clone(), zapcore.AddSync(tee), lvl))
	}
	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.ErrorOutput(zapcore.Lock(os.Stderr)))

	if service != "" {
		logger = logger.With(zap.String("service_name", service))
	}
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		logger = logger.With(zap.String("hostname", hostname))
	}
	return logger
}
