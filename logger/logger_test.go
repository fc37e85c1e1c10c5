package logger

import (
	"bytes"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug": LevelDebug, "DEBUG": LevelDebug, "0": LevelDebug,
		"info": LevelInfo, "1": LevelInfo,
		"warning": LevelWarning, "warn": LevelWarning, "2": LevelWarning,
		"error": LevelError, "3": LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Fatalf("ParseLevel(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseLevel("verbose"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestLevelGating(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelWarning)
	l.Infoln("should not appear")
	l.Warnln("should appear")
	out := buf.String()
	if strings.Contains(out, "should not appear") {
		t.Fatalf("info line leaked through: %q", out)
	}
	if !strings.Contains(out, "should appear") {
		t.Fatalf("warning line missing: %q", out)
	}
}

func TestHandlerInvoked(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelDebug)
	var got string
	l.AddHandler(LevelError, func(level Level, msg string) {
		got = msg
	})
	l.Errorln("boom")
	if got != "boom" {
		t.Fatalf("got %q", got)
	}
}
