package limits

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestResourceGuardAcceptsUnderCap(t *testing.T) {
	var current int64
	g := NewResourceGuard(zerolog.Nop(), 10, &current)

	accept, reason := g.ShouldAcceptConnection()
	if !accept {
		t.Fatalf("expected acceptance under the connection cap, reason = %q", reason)
	}
}

func TestResourceGuardRejectsAtCap(t *testing.T) {
	current := int64(10)
	g := NewResourceGuard(zerolog.Nop(), 10, &current)

	accept, reason := g.ShouldAcceptConnection()
	if accept {
		t.Fatal("expected rejection once currentConns reaches the cap")
	}
	if reason != "max_connections_reached" {
		t.Fatalf("reason = %q, want max_connections_reached", reason)
	}
}

func TestResourceGuardRejectsOverCap(t *testing.T) {
	current := int64(50)
	g := NewResourceGuard(zerolog.Nop(), 10, &current)

	accept, _ := g.ShouldAcceptConnection()
	if accept {
		t.Fatal("expected rejection once currentConns exceeds the cap")
	}
}
