package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"":      slog.LevelInfo,
		"INFO":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Fatalf("ParseLevel(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	l := New("json", slog.LevelInfo, &buf)
	l.Info("frame_sent", "signal", "DiagReq")
	if !strings.Contains(buf.String(), `"msg":"frame_sent"`) {
		t.Fatalf("expected json output, got %s", buf.String())
	}
}

func TestSetAndOr(t *testing.T) {
	prev := L()
	defer Set(prev)
	d := Discard()
	Set(d)
	if L() != d {
		t.Fatalf("Set did not replace logger")
	}
	Set(nil)
	if L() != d {
		t.Fatalf("Set(nil) must be ignored")
	}
	if Or(nil) != d {
		t.Fatalf("Or(nil) must return global logger")
	}
}
