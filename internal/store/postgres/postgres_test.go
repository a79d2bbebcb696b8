package postgres

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestDefaultConfigDerivesPoolSizes(t *testing.T) {
	cfg := DefaultConfig("postgres://x", 12)

	if cfg.MaxOpenConns != 12 || cfg.MaxIdleConns != 12 {
		t.Fatalf("MaxOpenConns/MaxIdleConns = %d/%d, want both to follow poolSize (12)", cfg.MaxOpenConns, cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime != 30*time.Minute {
		t.Fatalf("ConnMaxLifetime = %v, want 30m", cfg.ConnMaxLifetime)
	}
}

func TestConnectRejectsEmptyURL(t *testing.T) {
	_, err := Connect(Config{}, zerolog.Nop())
	if err == nil {
		t.Fatal("expected an error when the database URL is empty")
	}
}
