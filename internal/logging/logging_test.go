package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestPreInitLoggerUsesConfiguredHandler(t *testing.T) {
	logger := L("netgate")

	var buf bytes.Buffer
	Init("text", "info", &buf)

	logger.Info("adapter disabled", "adapter", "Ethernet0")

	out := buf.String()
	if !strings.Contains(out, "msg=\"adapter disabled\"") {
		t.Fatalf("expected message, got: %s", out)
	}
	if !strings.Contains(out, "component=netgate") {
		t.Fatalf("expected component field, got: %s", out)
	}
	if !strings.Contains(out, "adapter=Ethernet0") {
		t.Fatalf("expected adapter field, got: %s", out)
	}
}

func TestPreInitLoggerRespectsConfiguredLevel(t *testing.T) {
	logger := L("coordinator")

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
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	Init("json", "info", &buf)
	defer Init("text", "info", nil)

	L("audit").Info("record written")

	out := buf.String()
	if !strings.Contains(out, `"component":"audit"`) {
		t.Fatalf("expected json component field, got: %s", out)
	}
}
