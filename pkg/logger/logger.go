// Package logger provides the structured logger shared by every core
// component of the execution sandbox.
package logger

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger wraps logrus.Logger so call sites can pass it around as a value
// without depending on the concrete logging library.
type Logger struct {
	*logrus.Logger
}

// Config controls level/format/output of a Logger.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json, text
}

// New builds a Logger from Config, defaulting to info/text.
func New(cfg Config) *Logger {
	l := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	if strings.EqualFold(cfg.Format, "json") {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	l.SetOutput(os.Stdout)
	return &Logger{Logger: l}
}

// With returns an entry pre-populated with the given fields, the
// conventional way every core component tags its log lines.
func (l *Logger) With(fields logrus.Fields) *logrus.Entry {
	return l.WithFields(fields)
}

// Nop returns a logger that discards everything, for use in tests.
func Nop() *Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(logrus.PanicLevel)
	return &Logger{Logger: l}
}
