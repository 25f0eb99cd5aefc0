package logger

import (
	"bytes"
	"strings"
	"testing"
)

func TestLogLevel_String(t *testing.T) {
	cases := map[LogLevel]string{
		DEBUG:         "DEBUG",
		INFO:          "INFO",
		WARN:          "WARN",
		ERROR:         "ERROR",
		FATAL:         "FATAL",
		LogLevel(100): "UNKNOWN",
	}
	for level, want := range cases {
		if got := level.String(); got != want {
			t.Errorf("LogLevel(%d).String() = %q, want %q", level, got, want)
		}
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"debug":   DEBUG,
		"DEBUG":   DEBUG,
		"info":    INFO,
		"warn":    WARN,
		"warning": WARN,
		"error":   ERROR,
		"fatal":   FATAL,
		"":        INFO,
		"bogus":   INFO,
		" info ":  INFO,
	}
	for name, want := range cases {
		if got := ParseLevel(name); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("TestActor@t1")
	l.SetOutput(&buf)
	l.SetLevel(WARN)

	l.Debugf("debug message")
	l.Infof("info message")
	l.Warnf("warn message")
	l.Errorf("error message")

	out := buf.String()
	if strings.Contains(out, "debug message") {
		t.Errorf("DEBUG message should be filtered at WARN level")
	}
	if strings.Contains(out, "info message") {
		t.Errorf("INFO message should be filtered at WARN level")
	}
	if !strings.Contains(out, "warn message") {
		t.Errorf("WARN message missing from output")
	}
	if !strings.Contains(out, "error message") {
		t.Errorf("ERROR message missing from output")
	}
}

func TestLogger_PrefixAndLevelTag(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("ShardProcessor@shard-3")
	l.SetOutput(&buf)
	l.SetLevel(INFO)

	l.Infof("hello %s", "world")

	out := buf.String()
	if !strings.Contains(out, "[ShardProcessor@shard-3]") {
		t.Errorf("output missing prefix: %q", out)
	}
	if !strings.Contains(out, "[INFO]") {
		t.Errorf("output missing level tag: %q", out)
	}
	if !strings.Contains(out, "hello world") {
		t.Errorf("output missing formatted message: %q", out)
	}
}

func TestLogger_GetLevel(t *testing.T) {
	l := NewLogger("test")
	l.SetLevel(ERROR)
	if l.GetLevel() != ERROR {
		t.Fatalf("GetLevel() = %v, want ERROR", l.GetLevel())
	}
}
