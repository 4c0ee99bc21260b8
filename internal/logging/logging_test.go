package logging

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestPreInitLoggerUsesConfiguredHandler(t *testing.T) {
	logger := L("taskloop")

	var buf bytes.Buffer
	Init("text", "info", &buf)

	logger.Info("tasks fetched", KeyEndpoint, "http://localhost:5000")

	out := buf.String()
	if !strings.Contains(out, `msg="tasks fetched"`) {
		t.Fatalf("expected message, got: %s", out)
	}
	if !strings.Contains(out, "component=taskloop") {
		t.Fatalf("expected component field, got: %s", out)
	}
	if !strings.Contains(out, "endpoint=http://localhost:5000") {
		t.Fatalf("expected endpoint field, got: %s", out)
	}
}

func TestPreInitLoggerRespectsConfiguredLevel(t *testing.T) {
	logger := L("ipc")

	var buf bytes.Buffer
	Init("text", "warn", &buf)

	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info log should be filtered at warn level: %s", out)
	}
	if !strings.Contains(out, "shown") {
		t.Fatalf("warn log should be emitted: %s", out)
	}

	SetLevel("debug")
	logger.Debug("now visible")
	if !strings.Contains(buf.String(), "now visible") {
		t.Fatalf("SetLevel should lower the threshold: %s", buf.String())
	}
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	Init("json", "info", &buf)

	WithTask(L("taskloop"), 42, "update_package").Info("dispatching")

	out := buf.String()
	if !strings.Contains(out, `"taskId":42`) {
		t.Fatalf("expected taskId field, got: %s", out)
	}
	if !strings.Contains(out, `"command":"update_package"`) {
		t.Fatalf("expected command field, got: %s", out)
	}
}

func TestConsoleFormatWithoutTerminalHasNoColor(t *testing.T) {
	var buf bytes.Buffer
	Init("console", "info", &buf)

	L("server").Error("claim failed", KeyError, errors.New("database is locked"))

	out := buf.String()
	if strings.Contains(out, "\x1b[") {
		t.Fatalf("expected no ANSI escapes for a non-terminal writer: %q", out)
	}
	if !strings.Contains(out, "database is locked") {
		t.Fatalf("expected error text, got: %s", out)
	}
}

func TestRotatingWriterRotates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "agent.log")
	rw, err := NewRotatingWriter(path, 1, 2)
	if err != nil {
		t.Fatalf("NewRotatingWriter: %v", err)
	}
	defer rw.Close()

	chunk := bytes.Repeat([]byte("x"), 600*1024)
	for i := 0; i < 4; i++ {
		if _, err := rw.Write(chunk); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	for _, name := range []string{path, path + ".1", path + ".2"} {
		if _, err := os.Stat(name); err != nil {
			t.Fatalf("expected %s to exist: %v", name, err)
		}
	}
	if _, err := os.Stat(path + ".3"); !os.IsNotExist(err) {
		t.Fatalf("expected only two backups, stat .3: %v", err)
	}
}

func TestRotatingWriterClosed(t *testing.T) {
	rw, err := NewRotatingWriter(filepath.Join(t.TempDir(), "helper.log"), 1, 1)
	if err != nil {
		t.Fatalf("NewRotatingWriter: %v", err)
	}
	if err := rw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := rw.Write([]byte("late")); !errors.Is(err, os.ErrClosed) {
		t.Fatalf("expected os.ErrClosed, got %v", err)
	}
}
