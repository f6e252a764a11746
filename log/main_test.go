package log

import (
	"bytes"
	"strings"
	"testing"

	is2 "github.com/matryer/is"
)

func Test_Prefix(t *testing.T) {
	stdoutBuffer := bytes.NewBuffer(nil)
	stderrBuffer := bytes.NewBuffer(nil)
	l := NewWithPrefix(stdoutBuffer, stderrBuffer, "myprefix")
	l.Info("test")
	if stdoutBuffer.Len() == 0 {
		t.Errorf("expected stdout buffer to not be empty")
	}
	logBuffer := stdoutBuffer.String()
	if !strings.Contains(logBuffer, "myprefix") {
		t.Errorf("expected prefix to be used in output")
	}
	if !strings.Contains(logBuffer, "test") {
		t.Errorf("expected logline to contain 'test'")
	}
	if stderrBuffer.Len() != 0 {
		t.Errorf("expected stderr buffer to be empty")
	}
}

func Test_Loglevel(t *testing.T) {
	stdoutBuffer := bytes.NewBuffer(nil)
	stderrBuffer := bytes.NewBuffer(nil)
	l := NewWithPrefix(stdoutBuffer, stderrBuffer, "myprefix")
	l.Trace("trace-message")
	if stdoutBuffer.Len() != 0 || stderrBuffer.Len() != 0 {
		t.Errorf("trace level: expected buffers to be empty")
	}
	l.Debug("debug-message")
	if stdoutBuffer.Len() != 0 || stderrBuffer.Len() != 0 {
		t.Errorf("debug level: expected buffers to be empty")
	}
	l.Info("info-message")
	if stdoutBuffer.Len() == 0 {
		t.Errorf("info level: expected stdout buffer to not be empty")
	}
	currentStdoutSize := stdoutBuffer.Len()
	if stderrBuffer.Len() != 0 {
		t.Errorf("info level: expected stderr buffer to be empty")
	}
	l.Warn("warn-message")
	if stdoutBuffer.Len() != currentStdoutSize {
		t.Errorf("warn level: expected stdout buffer to not change")
	}
	if stderrBuffer.Len() == 0 {
		t.Errorf("warn level: expected stderr buffer to not be empty")
	}
	currentStderrSize := stderrBuffer.Len()
	l.Error("error-message")
	if stdoutBuffer.Len() != currentStdoutSize {
		t.Errorf("error level: expected stdout buffer to not change")
	}
	if stderrBuffer.Len() == currentStderrSize {
		t.Errorf("error level: expected stderr buffer to change")
	}
}

func TestParseLevel(t *testing.T) {
	is := is2.New(t)
	tests := []struct {
		in   string
		want LogLevel
		err  bool
	}{
		{"", InfoLevel, false},
		{"trace", TraceLevel, false},
		{"debug", DebugLevel, false},
		{"info", InfoLevel, false},
		{"warn", WarnLevel, false},
		{"error", ErrorLevel, false},
		{"verbose", InfoLevel, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		is.Equal(err != nil, tt.err) // error expectation
		is.Equal(got, tt.want)
	}
	is.Equal(DebugLevel.String(), "debug")
	is.Equal(LogLevel(42).String(), "unknown")
}
