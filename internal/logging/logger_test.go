package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewFallsBackToInfoOnUnrecognizedLevel(t *testing.T) {
	New("not-a-real-level")

	if zerolog.GlobalLevel() != zerolog.InfoLevel {
		t.Fatalf("global level = %v, want info as the fallback", zerolog.GlobalLevel())
	}
}

func TestNewHonorsRecognizedLevel(t *testing.T) {
	New("warn")

	if zerolog.GlobalLevel() != zerolog.WarnLevel {
		t.Fatalf("global level = %v, want warn", zerolog.GlobalLevel())
	}
}

func TestComponentAddsComponentField(t *testing.T) {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	var buf bytes.Buffer
	child := Component(zerolog.New(&buf), "cache")

	child.Info().Msg("smoke test")

	if !strings.Contains(buf.String(), `"component":"cache"`) {
		t.Fatalf("log line = %q, want a component field", buf.String())
	}
}
