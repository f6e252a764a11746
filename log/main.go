// Package log provides logging services. All logging goes through this layer so that we can
// easily change the logging implementation. The loggers handed out are logrus entries carrying
// a "module" field. Info and below end up on stdout, warnings and errors on stderr.
package log

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

type LogLevel int

const (
	TraceLevel LogLevel = iota
	DebugLevel
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

func (level LogLevel) String() string {
	if level < TraceLevel || level > FatalLevel {
		return "unknown"
	}
	return [...]string{"trace", "debug", "info", "warn", "error", "fatal"}[level]
}

func (level LogLevel) logrusLevel() logrus.Level {
	switch level {
	case TraceLevel:
		return logrus.TraceLevel
	case DebugLevel:
		return logrus.DebugLevel
	case WarnLevel:
		return logrus.WarnLevel
	case ErrorLevel:
		return logrus.ErrorLevel
	case FatalLevel:
		return logrus.FatalLevel
	default:
		return logrus.InfoLevel
	}
}

// ParseLevel maps the names accepted on the command line to a LogLevel. Empty means info.
func ParseLevel(level string) (LogLevel, error) {
	switch level {
	case "", "info":
		return InfoLevel, nil
	case "trace":
		return TraceLevel, nil
	case "debug":
		return DebugLevel, nil
	case "warn":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	default:
		return InfoLevel, fmt.Errorf("unknown loglevel: %s", level)
	}
}

// splitHook does the actual writing. logrus itself writes to io.Discard.
type splitHook struct {
	infoOutput  io.Writer
	errorOutput io.Writer
	formatter   logrus.Formatter
}

func (h *splitHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *splitHook) Fire(entry *logrus.Entry) error {
	line, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}
	if entry.Level <= logrus.WarnLevel {
		_, err = h.errorOutput.Write(line)
	} else {
		_, err = h.infoOutput.Write(line)
	}
	return err
}

// NewLogger returns a logrus logger at info level that splits its output between the two writers.
func NewLogger(infoOutput, errorOutput io.Writer) *logrus.Logger {
	l := logrus.New()
	formatter := &logrus.TextFormatter{FullTimestamp: true}
	l.SetFormatter(formatter)
	l.SetOutput(io.Discard)
	l.AddHook(&splitHook{
		infoOutput:  infoOutput,
		errorOutput: errorOutput,
		formatter:   formatter,
	})
	l.SetLevel(logrus.InfoLevel)
	return l
}

func NewWithPrefix(infoOutput, errorOutput io.Writer, prefix string) *logrus.Entry {
	return NewLogger(infoOutput, errorOutput).WithField("module", prefix)
}

// New is what the packages use: a module logger on stdout/stderr at the given level.
func New(prefix string, level LogLevel) *logrus.Entry {
	entry := NewWithPrefix(os.Stdout, os.Stderr, prefix)
	entry.Logger.SetLevel(level.logrusLevel())
	return entry
}

var defaultLogger *logrus.Logger

func init() {
	defaultLogger = NewLogger(os.Stdout, os.Stderr)
}

func Debugf(format string, v ...interface{}) {
	defaultLogger.Debugf(format, v...)
}

func Infof(format string, v ...interface{}) {
	defaultLogger.Infof(format, v...)
}

func Warnf(format string, v ...interface{}) {
	defaultLogger.Warnf(format, v...)
}

func Errorf(format string, v ...interface{}) {
	defaultLogger.Errorf(format, v...)
}

func Fatalf(format string, v ...interface{}) {
	defaultLogger.Fatalf(format, v...)
}

func SetLevel(level LogLevel) {
	defaultLogger.SetLevel(level.logrusLevel())
}
