// Package log provides structured logging for the syftsync engine. It wraps
// logrus with per-module child loggers so each subsystem (sync, backend,
// cache, ...) carries its own contextual logger.
package log

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// defaultLogger is the process-wide logger used by Module and the
// package-level convenience functions.
var defaultLogger = newLogger(logrus.InfoLevel, os.Stderr)

func newLogger(level logrus.Level, out io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetLevel(level)
	l.SetOutput(out)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})
	return l
}

// SetLevel adjusts the level of the process-wide logger. Accepts the logrus
// level names (debug, info, warning, error). Unknown names are ignored.
func SetLevel(name string) {
	level, err := logrus.ParseLevel(name)
	if err != nil {
		return
	}
	defaultLogger.SetLevel(level)
}

// SetOutput redirects the process-wide logger, primarily for tests.
func SetOutput(out io.Writer) {
	defaultLogger.SetOutput(out)
}

// Module returns a child logger with a "module" field. This is the primary
// way subsystems obtain their own contextual logger:
//
//	var log = log.Module("sync")
func Module(name string) *logrus.Entry {
	return defaultLogger.WithField("module", name)
}

// With returns a child logger with additional key-value context.
func With(key string, value interface{}) *logrus.Entry {
	return defaultLogger.WithField(key, value)
}
