// Package logging builds the two loggers the daemon wires through its
// components: a logrus entry for leveled lifecycle/request logging, and a
// zap sugared logger for the high-volume byte-accounting path in pkg/store
// and pkg/exchange. Neither is a package-global; callers construct one of
// each at startup and pass it down explicitly.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogrus builds the lifecycle logger at the given level (any name
// logrus.ParseLevel accepts, such as "debug", "info", "warn" or "error";
// anything else falls back to "info"). If
// file is non-empty, output is written there in addition to stderr;
// an unopenable file falls back to stderr only.
func NewLogrus(level, file string) *logrus.Entry {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)

	out := io.Writer(os.Stderr)
	if file != "" {
		if f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
			out = io.MultiWriter(os.Stderr, f)
		} else {
			l.WithError(err).Warn("logging: could not open log file, writing to stderr only")
		}
	}
	l.SetOutput(out)

	return logrus.NewEntry(l)
}

// NewAccounting builds the zap sugared logger used for per-block and
// per-transfer byte accounting. It always writes structured JSON, since
// this stream is meant for ingestion rather than a human terminal.
func NewAccounting(level string) *zap.SugaredLogger {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	cfg.EncoderConfig.TimeKey = "ts"

	logger, err := cfg.Build()
	if err != nil {
		// zap's production config only fails to build on a broken sink;
		// fall back to a no-op logger rather than panic at startup.
		logger = zap.NewNop()
	}
	return logger.Sugar()
}
