// Package definition holds the default implementations of the small
// collaborator interfaces declared in pkg/cyphal/types.
package definition

import (
	"os"

	"github.com/sirupsen/logrus"

	"github.com/scottnortman/cyphal-udp-node/pkg/cyphal/types"
)

// DefaultLogger adapts a logrus.Logger to types.Logger, giving every
// component structured fields and level filtering without a hand-rolled
// prefix scheme.
type DefaultLogger struct {
	entry *logrus.Logger
	debug bool
}

// NewDefaultLogger builds a logger writing to stderr at Info level,
// with debug output disabled until ToggleDebug enables it.
func NewDefaultLogger() *DefaultLogger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.InfoLevel)
	return &DefaultLogger{entry: l}
}

func (l *DefaultLogger) Info(v ...interface{})                    { l.entry.Info(v...) }
func (l *DefaultLogger) Infof(format string, v ...interface{})    { l.entry.Infof(format, v...) }
func (l *DefaultLogger) Warn(v ...interface{})                    { l.entry.Warn(v...) }
func (l *DefaultLogger) Warnf(format string, v ...interface{})    { l.entry.Warnf(format, v...) }
func (l *DefaultLogger) Error(v ...interface{})                   { l.entry.Error(v...) }
func (l *DefaultLogger) Errorf(format string, v ...interface{})   { l.entry.Errorf(format, v...) }
func (l *DefaultLogger) Fatal(v ...interface{})                   { l.entry.Fatal(v...) }
func (l *DefaultLogger) Fatalf(format string, v ...interface{})   { l.entry.Fatalf(format, v...) }

func (l *DefaultLogger) Debug(v ...interface{}) {
	if l.debug {
		l.entry.Debug(v...)
	}
}

func (l *DefaultLogger) Debugf(format string, v ...interface{}) {
	if l.debug {
		l.entry.Debugf(format, v...)
	}
}

// ToggleDebug flips the debug gate and the underlying logrus level,
// returning the new state.
func (l *DefaultLogger) ToggleDebug(value bool) bool {
	l.debug = value
	if value {
		l.entry.SetLevel(logrus.DebugLevel)
	} else {
		l.entry.SetLevel(logrus.InfoLevel)
	}
	return l.debug
}

var _ types.Logger = (*DefaultLogger)(nil)
