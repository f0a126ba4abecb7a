package logging

import (
	"bytes"
	"testing"
)

func TestNewLoggerNilConfigUsesDefault(t *testing.T) {
	logger := NewLogger(nil)
	if logger == nil {
		t.Fatal("NewLogger(nil) returned nil")
	}
}

func TestLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelWarn, Output: &buf})

	logger.Info("should be suppressed")
	if buf.Len() != 0 {
		t.Fatalf("expected no output below the configured level, got: %s", buf.String())
	}

	logger.Warn("should appear")
	if !bytes.Contains(buf.Bytes(), []byte("should appear")) {
		t.Fatalf("expected warn message in output, got: %s", buf.String())
	}
}

func TestLoggerFormatsKeyValuePairs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelDebug, Output: &buf})

	logger.Info("request complete", "op", "read", "bytes", 4096)
	out := buf.String()
	if !bytes.Contains([]byte(out), []byte("op=read")) {
		t.Errorf("expected op=read in output, got: %s", out)
	}
	if !bytes.Contains([]byte(out), []byte("bytes=4096")) {
		t.Errorf("expected bytes=4096 in output, got: %s", out)
	}
}

func TestLoggerfVariantsFormatLikePrintf(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelDebug, Output: &buf})

	logger.Errorf("submit failed for fd=%d: %v", 7, "EIO")
	out := buf.String()
	if !bytes.Contains([]byte(out), []byte("submit failed for fd=7: EIO")) {
		t.Errorf("expected formatted error message, got: %s", out)
	}
}

func TestWithAttachesPersistentFieldsToEveryCall(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelDebug, Output: &buf}).With("component", "iothread")

	logger.Info("ready", "fd", 7)
	out := buf.String()
	if !bytes.Contains([]byte(out), []byte("component=iothread")) {
		t.Errorf("expected component=iothread in output, got: %s", out)
	}
	if !bytes.Contains([]byte(out), []byte("fd=7")) {
		t.Errorf("expected fd=7 in output, got: %s", out)
	}
}

func TestWithChainsOnTopOfExistingFields(t *testing.T) {
	var buf bytes.Buffer
	base := NewLogger(&Config{Level: LevelDebug, Output: &buf}).With("component", "iothread")
	derived := base.With("loop", "main")

	derived.Warn("slow handler")
	out := buf.String()
	if !bytes.Contains([]byte(out), []byte("component=iothread")) || !bytes.Contains([]byte(out), []byte("loop=main")) {
		t.Errorf("expected both base and derived fields in output, got: %s", out)
	}
}

func TestSetDefaultSwapsGlobalLogger(t *testing.T) {
	var buf bytes.Buffer
	orig := Default()
	t.Cleanup(func() { SetDefault(orig) })

	SetDefault(NewLogger(&Config{Level: LevelDebug, Output: &buf}))

	Debug("global debug message")
	if !bytes.Contains(buf.Bytes(), []byte("global debug message")) {
		t.Errorf("expected debug message routed through the global logger, got: %s", buf.String())
	}
}
