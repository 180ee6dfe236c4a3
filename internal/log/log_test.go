package log

import (
	"errors"
	"testing"
	"time"
)

func TestFormatLine(t *testing.T) {
	ts := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	got := formatLine(ts, LevelInfo, "block fetched", "block", 3, "parts", "42/42")
	want := "2025-01-01T00:00:00Z [INFO] block fetched block=3 parts=42/42"
	if got != want {
		t.Fatalf("formatLine:\n got %q\nwant %q", got, want)
	}
}

func TestFormatKVsOddAndTyped(t *testing.T) {
	got := formatKVs("mac", []byte{0xde, 0xad}, "msg", "two words", 5, "skipped", "dangling")
	want := ` mac=dead msg="two words"`
	if got != want {
		t.Fatalf("formatKVs = %q, want %q", got, want)
	}
}

func TestComponentPrefix(t *testing.T) {
	l := With("radio")
	kv := l.prefix([]any{"err", errors.New("x")})
	if len(kv) != 4 || kv[0] != "component" || kv[1] != "radio" || kv[2] != "err" {
		t.Fatalf("prefix = %v", kv)
	}
	if got := With("").prefix([]any{"a", 1}); len(got) != 2 {
		t.Fatalf("empty component should not prefix, got %v", got)
	}
}

func TestEnabled(t *testing.T) {
	defer SetLevel(LevelInfo)

	SetLevel(LevelWarn)
	if enabled(LevelInfo) {
		t.Fatal("INFO should be filtered at WARN")
	}
	if !enabled(LevelError) {
		t.Fatal("ERROR should pass at WARN")
	}
	SetLevel(ParseLevel("debug"))
	if !enabled(LevelDebug) {
		t.Fatal("DEBUG should pass at DEBUG")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   LevelDebug,
		" Warn ":  LevelWarn,
		"warning": LevelWarn,
		"ERROR":   LevelError,
		"":        LevelInfo,
		"chatty":  LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}
