package limits

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ConnectionRateLimiter rate-limits per-IP connection attempts to absorb
// reconnect storms from misbehaving nodes without a global outage. There
// is no global limiter on top of the per-IP one since the ResourceGuard
// connection cap already bounds total admitted streams.
type ConnectionRateLimiter struct {
	mu       sync.RWMutex
	limiters map[string]*ipLimiterEntry
	burst    int
	rate     rate.Limit
	ttl      time.Duration
	logger   zerolog.Logger

	stop chan struct{}
}

type ipLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

type ConnectionRateLimiterConfig struct {
	Burst  int           // max burst connection attempts per IP
	Rate   float64       // sustained connections/sec per IP
	TTL    time.Duration // stop tracking an IP after this much inactivity
	Logger zerolog.Logger
}

func NewConnectionRateLimiter(cfg ConnectionRateLimiterConfig) *ConnectionRateLimiter {
	if cfg.Burst == 0 {
		cfg.Burst = 10
	}
	if cfg.Rate == 0 {
		cfg.Rate = 1.0
	}
	if cfg.TTL == 0 {
		cfg.TTL = 5 * time.Minute
	}
	crl := &ConnectionRateLimiter{
		limiters: make(map[string]*ipLimiterEntry),
		burst:    cfg.Burst,
		rate:     rate.Limit(cfg.Rate),
		ttl:      cfg.TTL,
		logger:   cfg.Logger,
		stop:     make(chan struct{}),
	}
	go crl.cleanupLoop()
	return crl
}

// CheckConnectionAllowed reports whether a new connection attempt from ip
// may proceed. Never blocks.
func (crl *ConnectionRateLimiter) CheckConnectionAllowed(ip string) bool {
	return crl.getIPLimiter(ip).Allow()
}

func (crl *ConnectionRateLimiter) getIPLimiter(ip string) *rate.Limiter {
	crl.mu.RLock()
	entry, ok := crl.limiters[ip]
	crl.mu.RUnlock()
	if ok {
		crl.mu.Lock()
		entry.lastAccess = time.Now()
		crl.mu.Unlock()
		return entry.limiter
	}

	crl.mu.Lock()
	defer crl.mu.Unlock()
	if entry, ok := crl.limiters[ip]; ok {
		entry.lastAccess = time.Now()
		return entry.limiter
	}
	limiter := rate.NewLimiter(crl.rate, crl.burst)
	crl.limiters[ip] = &ipLimiterEntry{limiter: limiter, lastAccess: time.Now()}
	return limiter
}

func (crl *ConnectionRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(crl.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-crl.stop:
			return
		case <-ticker.C:
			crl.cleanup()
		}
	}
}

func (crl *ConnectionRateLimiter) cleanup() {
	cutoff := time.Now().Add(-crl.ttl)
	crl.mu.Lock()
	defer crl.mu.Unlock()
	for ip, entry := range crl.limiters {
		if entry.lastAccess.Before(cutoff) {
			delete(crl.limiters, ip)
		}
	}
}

func (crl *ConnectionRateLimiter) Stop() {
	close(crl.stop)
}
