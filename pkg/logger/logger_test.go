package logger

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"trace", LevelTrace},
		{"DEBUG", slog.LevelDebug},
		{"", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"Error", slog.LevelError},
		{"FATAL", LevelFatal},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if err != nil {
			t.Errorf("ParseLevel(%q) error: %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Error("expected unknown level to fail")
	}
}

func TestCustomLevelNames(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, LevelTrace, false)
	log.Log(context.Background(), LevelTrace, "tracing")
	log.Log(context.Background(), LevelFatal, "dying")

	out := buf.String()
	if !strings.Contains(out, "level=TRACE") {
		t.Errorf("trace level not named: %s", out)
	}
	if !strings.Contains(out, "level=FATAL") {
		t.Errorf("fatal level not named: %s", out)
	}
}

func TestWithComponentAndError(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, slog.LevelInfo, true).WithComponent("worker").WithError(errors.New("disk full"))
	log.Info("hello")

	out := buf.String()
	if !strings.Contains(out, `"component":"worker"`) || !strings.Contains(out, `"error":"disk full"`) {
		t.Errorf("missing fields: %s", out)
	}
}

func TestFromConfig(t *testing.T) {
	if _, err := FromConfig("debug", "text"); err != nil {
		t.Errorf("FromConfig: %v", err)
	}
	if _, err := FromConfig("nope", "json"); err == nil {
		t.Error("expected unknown level to fail")
	}
}
