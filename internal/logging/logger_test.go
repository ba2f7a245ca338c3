package logging

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestNewJSONLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Options{Level: "warn", Format: "json", Out: &buf})
	logger.Info().Msg("hidden")
	logger.Warn().Str("component", "saf").Msg("shown")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info line should be filtered at warn level: %s", out)
	}
	if !strings.Contains(out, `"component":"saf"`) {
		t.Fatalf("expected structured field, got: %s", out)
	}
}

func TestRateLimiterSuppressesRepeats(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Options{Level: "debug", Format: "json", Out: &buf})
	rl := NewRateLimiter(time.Hour)
	for i := 0; i < 5; i++ {
		rl.Warn(logger, "drop:invalid").Int("i", i).Msg("dropped")
	}
	rl.Warn(logger, "drop:other").Msg("dropped")
	if n := strings.Count(buf.String(), "dropped"); n != 2 {
		t.Fatalf("expected 2 lines, got %d: %s", n, buf.String())
	}
}
