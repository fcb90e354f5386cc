package logger

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
)

func TestAsyncHandlerWritesFileAndAttrs(t *testing.T) {
	color.NoColor = true
	dir := t.TempDir()
	var stdout bytes.Buffer
	handler := newAsyncHandler(dir, slog.LevelInfo, &stdout)
	log := slog.New(handler).With("component", "link")

	log.Debug("hidden")
	log.Info("state changed", "to", "up")
	if err := handler.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, time.Now().Format("2006-01-02")+".log"))
	if err != nil {
		t.Fatalf("log file not written: %v", err)
	}
	content := string(data)
	if strings.Contains(content, "hidden") {
		t.Error("debug line should be filtered at info level")
	}
	if !strings.Contains(content, "state changed") || !strings.Contains(content, "component=link") || !strings.Contains(content, "to=up") {
		t.Errorf("unexpected log content: %q", content)
	}
	if stdout.String() != content {
		t.Errorf("stdout and file content differ: %q vs %q", stdout.String(), content)
	}
}

func TestAsyncHandlerStdoutOnly(t *testing.T) {
	color.NoColor = true
	var stdout bytes.Buffer
	handler := newAsyncHandler("", slog.LevelDebug, &stdout)
	slog.New(handler).WithGroup("session").Debug("ping", "rtt", "3ms")
	_ = handler.Close()
	if !strings.Contains(stdout.String(), "session.rtt=3ms") {
		t.Errorf("unexpected output %q", stdout.String())
	}
}

func TestShutdownCallbackIsIdempotent(t *testing.T) {
	var stdout bytes.Buffer
	callback := &ShutdownCallback{handler: newAsyncHandler("", slog.LevelInfo, &stdout)}
	if err := callback.Invoke(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := callback.Invoke(context.Background()); err != nil {
		t.Fatalf("second invoke should not fail: %v", err)
	}
}
