package logflags

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Logger is what the layers of the unwinder log through.
type Logger interface {
	WithField(key string, value interface{}) Logger
	WithFields(fields Fields) Logger
	WithError(err error) Logger

	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Fields are the key/value pairs attached to every entry of a Logger.
type Fields map[string]interface{}

// LoggerFactory builds the Logger of a layer. fields and out may be nil.
type LoggerFactory func(level logrus.Level, fields Fields, out io.Writer) Logger

var loggerFactory LoggerFactory

// SetLoggerFactory replaces the logrus loggers handed out by this package
// with the ones built by lf. A nil lf restores the default.
func SetLoggerFactory(lf LoggerFactory) {
	loggerFactory = lf
}

// logrusLogger adapts a logrus entry, whose With methods return entries,
// to Logger.
type logrusLogger struct {
	*logrus.Entry
}

func (l *logrusLogger) WithField(key string, value interface{}) Logger {
	return &logrusLogger{l.Entry.WithField(key, value)}
}

func (l *logrusLogger) WithFields(fields Fields) Logger {
	return &logrusLogger{l.Entry.WithFields(logrus.Fields(fields))}
}

func (l *logrusLogger) WithError(err error) Logger {
	return &logrusLogger{l.Entry.WithError(err)}
}
