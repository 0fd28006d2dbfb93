package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewLoggerToJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := Component(NewLoggerTo(Config{Level: "debug"}, &buf), "detector")
	logger.Debug().Str("casino_id", "stake").Msg("window analysed")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output should be JSON: %v (%s)", err, buf.String())
	}
	if entry["component"] != "detector" || entry["casino_id"] != "stake" {
		t.Fatalf("unexpected fields: %v", entry)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(Config{Level: "warn"}, &buf)
	logger.Info().Msg("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn: %s", buf.String())
	}
	logger.Warn().Msg("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Fatal("warn should be written")
	}
}

func TestConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(Config{Format: "console"}, &buf)
	logger.Info().Msg("hello")
	if strings.HasPrefix(strings.TrimSpace(buf.String()), "{") {
		t.Fatalf("console format should not emit JSON: %s", buf.String())
	}
}
