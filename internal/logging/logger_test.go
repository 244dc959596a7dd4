package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(&Config{Level: LevelWarn, Output: &buf})

	l.Debug("hidden")
	l.Info("hidden too")
	l.Warn("shown")
	l.Error("also shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("low-level messages leaked: %q", out)
	}
	if !strings.Contains(out, "[WARN] shown") {
		t.Errorf("missing warn line: %q", out)
	}
	if !strings.Contains(out, "[ERROR] also shown") {
		t.Errorf("missing error line: %q", out)
	}
}

func TestKeyValueFormatting(t *testing.T) {
	var buf bytes.Buffer
	l := New(&Config{Level: LevelDebug, Output: &buf})

	l.Info("connected", "loop", 3, "fd", 12)
	if !strings.Contains(buf.String(), "connected loop=3 fd=12") {
		t.Errorf("bad kv rendering: %q", buf.String())
	}
}

func TestOddTrailingKey(t *testing.T) {
	var buf bytes.Buffer
	l := New(&Config{Level: LevelDebug, Output: &buf})

	l.Info("msg", "dangling")
	if !strings.Contains(buf.String(), "msg dangling") {
		t.Errorf("odd key dropped: %q", buf.String())
	}
}

func TestPrintfVariants(t *testing.T) {
	var buf bytes.Buffer
	l := New(&Config{Level: LevelDebug, Output: &buf})

	l.Infof("loop %d of %d", 1, 4)
	if !strings.Contains(buf.String(), "loop 1 of 4") {
		t.Errorf("printf formatting broken: %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   LevelDebug,
		"info":    LevelInfo,
		"warn":    LevelWarn,
		"warning": LevelWarn,
		"error":   LevelError,
		"bogus":   LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestDefaultIsSingleton(t *testing.T) {
	a := Default()
	b := Default()
	if a != b {
		t.Error("Default must return the same logger")
	}
}
