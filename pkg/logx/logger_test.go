package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()

	var l Logger
	if !l.IsZero() {
		t.Fatalf("zero logger should report IsZero")
	}
	l.Info("dropped", String("k", "v"))
	if l.With(Int("n", 1)).IsZero() {
		t.Fatalf("logger with fields should not be zero")
	}
}

func TestFieldsAndCaller(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	zl := zerolog.New(&buf)
	l := Logger{fixed: &zl}.With(String("comp", "watcher"), Int("n", 1))
	l.Warn("cycle failed",
		Int("n", 2),
		Duration("took", 1500*time.Millisecond),
		Err(errors.New("boom")),
		Err(nil),
		Stack("  "),
		Bool("manual", true),
	)

	var got map[string]any
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal %q: %v", buf.String(), err)
	}
	if got["comp"] != "watcher" || got["manual"] != true || got["level"] != "warn" {
		t.Fatalf("unexpected line %v", got)
	}
	if got["n"] != float64(2) {
		t.Fatalf("later field should win, n=%v", got["n"])
	}
	if _, ok := got["stack"]; ok {
		t.Fatalf("blank stack should be dropped")
	}
	if c, _ := got["caller"].(string); !strings.HasPrefix(c, "logger_test.go:") {
		t.Fatalf("caller=%q", c)
	}
	if !strings.Contains(buf.String(), `"boom"`) {
		t.Fatalf("error missing: %s", buf.String())
	}
}

func TestFormatTelegramLine(t *testing.T) {
	t.Parallel()

	line := []byte(`{"level":"warn","message":"cycle failed","watcher":"news","stage":"fetch","time":"x"}`)
	got := formatTelegramLine(line)
	want := "[WARN] cycle failed\n- stage=fetch\n- watcher=news"
	if got != want {
		t.Fatalf("formatTelegramLine()=%q want %q", got, want)
	}

	raw := formatTelegramLine([]byte("  not json \n"))
	if raw != "not json" {
		t.Fatalf("raw line=%q", raw)
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("a", 50)
	if got := truncate(long, 20); len(got) != 20 || !strings.HasSuffix(got, "...") {
		t.Fatalf("truncate()=%q", got)
	}
	if got := truncate("short", 20); got != "short" {
		t.Fatalf("truncate(short)=%q", got)
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	cases := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		" WARN ":  zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := parseLevel(in, zerolog.InfoLevel); got != want {
			t.Fatalf("parseLevel(%q)=%v want %v", in, got, want)
		}
	}
	if ValidLevel("loud") || ValidLevel("panic") {
		t.Fatalf("ValidLevel should reject unknown and unsupported levels")
	}
	if !ValidLevel("") || !ValidLevel("Trace") {
		t.Fatalf("ValidLevel should accept empty and trace")
	}
}
