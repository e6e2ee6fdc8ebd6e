package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/hibiken/asynq"
)

var _ asynq.Logger = (*AsynqAdapter)(nil)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLoggerKeyValues(t *testing.T) {
	SetLevel("info")
	var buf bytes.Buffer
	l := NewLoggerTo(&buf, "Pipeline")

	l.Info("page complete", "page", 2, "rows", 7, "dangling")
	l.Debug("hidden")

	out := buf.String()
	for _, want := range []string{"component=Pipeline", `msg="page complete"`, "page=2", "rows=7"} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q missing %q", out, want)
		}
	}
	if strings.Contains(out, "dangling") || strings.Contains(out, "hidden") {
		t.Errorf("unexpected output: %q", out)
	}
}

func TestSetLevelDebug(t *testing.T) {
	SetLevel("debug")
	defer SetLevel("info")

	var buf bytes.Buffer
	NewLoggerTo(&buf, "Test").With("job", "j1").Debug("visible")

	if !strings.Contains(buf.String(), "visible") || !strings.Contains(buf.String(), "job=j1") {
		t.Errorf("debug output missing: %q", buf.String())
	}
}
