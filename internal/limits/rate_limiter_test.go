package limits

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestConnectionRateLimiterAllowsWithinBurst(t *testing.T) {
	crl := NewConnectionRateLimiter(ConnectionRateLimiterConfig{
		Burst:  3,
		Rate:   1,
		TTL:    time.Minute,
		Logger: zerolog.Nop(),
	})
	defer crl.Stop()

	for i := 0; i < 3; i++ {
		if !crl.CheckConnectionAllowed("1.2.3.4") {
			t.Fatalf("attempt %d: expected it to be allowed within burst", i)
		}
	}
}

func TestConnectionRateLimiterRejectsBeyondBurst(t *testing.T) {
	crl := NewConnectionRateLimiter(ConnectionRateLimiterConfig{
		Burst:  2,
		Rate:   0.001, // effectively no sustained refill within the test
		TTL:    time.Minute,
		Logger: zerolog.Nop(),
	})
	defer crl.Stop()

	for i := 0; i < 2; i++ {
		if !crl.CheckConnectionAllowed("1.2.3.4") {
			t.Fatalf("attempt %d: expected it to be allowed within burst", i)
		}
	}
	if crl.CheckConnectionAllowed("1.2.3.4") {
		t.Fatal("expected the attempt beyond burst to be rejected")
	}
}

func TestConnectionRateLimiterTracksIPsIndependently(t *testing.T) {
	crl := NewConnectionRateLimiter(ConnectionRateLimiterConfig{
		Burst:  1,
		Rate:   0.001,
		TTL:    time.Minute,
		Logger: zerolog.Nop(),
	})
	defer crl.Stop()

	if !crl.CheckConnectionAllowed("1.1.1.1") {
		t.Fatal("expected first IP's first attempt to be allowed")
	}
	if !crl.CheckConnectionAllowed("2.2.2.2") {
		t.Fatal("a different IP must have its own independent budget")
	}
	if crl.CheckConnectionAllowed("1.1.1.1") {
		t.Fatal("first IP should now be over its burst")
	}
}

func TestConnectionRateLimiterCleanupEvictsStaleIPs(t *testing.T) {
	crl := NewConnectionRateLimiter(ConnectionRateLimiterConfig{
		Burst:  1,
		Rate:   1,
		TTL:    time.Minute,
		Logger: zerolog.Nop(),
	})
	defer crl.Stop()

	crl.CheckConnectionAllowed("3.3.3.3")
	crl.mu.Lock()
	crl.limiters["3.3.3.3"].lastAccess = time.Now().Add(-time.Hour)
	crl.mu.Unlock()

	crl.cleanup()

	crl.mu.RLock()
	_, ok := crl.limiters["3.3.3.3"]
	crl.mu.RUnlock()
	if ok {
		t.Fatal("expected the stale IP entry to be evicted by cleanup")
	}
}

func TestNewConnectionRateLimiterAppliesDefaults(t *testing.T) {
	crl := NewConnectionRateLimiter(ConnectionRateLimiterConfig{Logger: zerolog.Nop()})
	defer crl.Stop()

	if crl.burst != 10 {
		t.Fatalf("default burst = %d, want 10", crl.burst)
	}
	if crl.ttl != 5*time.Minute {
		t.Fatalf("default ttl = %v, want 5m", crl.ttl)
	}
}
