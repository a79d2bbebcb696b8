// Package limits holds the admission-control primitives that decide
// whether an inbound node stream is accepted: a resource guard backed by
// a connection cap and memory-pressure check, and a per-IP connection
// rate limiter (SPEC_FULL.md §4.1 admission control).
package limits

import (
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/mem"
)

// ResourceGuard enforces a static connection cap plus a safety valve on
// memory pressure. It is a coarse backstop, not the primary defense:
// protocol-level back-pressure (Overloaded on the Log Buffer) absorbs
// most overload, this just keeps admission itself from making things
// worse under memory pressure.
type ResourceGuard struct {
	logger         zerolog.Logger
	maxConnections int64
	maxMemPercent  float64

	currentConns *int64
}

func NewResourceGuard(logger zerolog.Logger, maxConnections int, currentConns *int64) *ResourceGuard {
	return &ResourceGuard{
		logger:         logger,
		maxConnections: int64(maxConnections),
		maxMemPercent:  90.0,
		currentConns:   currentConns,
	}
}

// ShouldAcceptConnection decides whether a new node stream may be
// accepted. It never blocks: on a rejection the caller refuses the
// upgrade with a 503 before the Node Session's Open is ever invoked.
func (g *ResourceGuard) ShouldAcceptConnection() (accept bool, reason string) {
	if n := atomic.LoadInt64(g.currentConns); n >= g.maxConnections {
		return false, "max_connections_reached"
	}
	if vm, err := mem.VirtualMemory(); err == nil && vm.UsedPercent >= g.maxMemPercent {
		g.logger.Warn().Float64("mem_used_percent", vm.UsedPercent).Msg("rejecting connection: memory pressure")
		return false, "memory_pressure"
	}
	return true, ""
}
