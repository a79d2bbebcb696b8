package metrics

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// StartResourceSampler periodically samples system load, memory and swap
// into the gauges above. The resource guard (internal/limits) does not
// read these gauges; it samples memory through gopsutil itself on each
// admission decision.
func StartResourceSampler(ctx context.Context, interval time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sampleOnce(logger)
			}
		}
	}()
}

func sampleOnce(logger zerolog.Logger) {
	if avg, err := load.Avg(); err == nil {
		SystemLoad1.Set(avg.Load1)
	} else {
		logger.Debug().Err(err).Msg("load sample failed")
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		SystemMemUsedPercent.Set(vm.UsedPercent)
	} else {
		logger.Debug().Err(err).Msg("memory sample failed")
	}
	if sw, err := mem.SwapMemory(); err == nil {
		SystemSwapUsedPercent.Set(sw.UsedPercent)
	} else {
		logger.Debug().Err(err).Msg("swap sample failed")
	}
}
