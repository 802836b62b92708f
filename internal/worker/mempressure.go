package worker

import (
	"context"
	"math"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog/log"
)

// memoryCheckInterval paces the watermark polling while intake is paused
const memoryCheckInterval = time.Second

// waitForMemory blocks new-job intake while heap usage sits above the
// configured share of the process memory limit. With no limit set
// (GOMEMLIMIT unset) the watermark is disabled.
func (p *Pool) waitForMemory(ctx context.Context) {
	if !p.memoryPressure() {
		return
	}
	p.Met.IntakePaused.Set(1)
	log.Warn().Msg("memory watermark exceeded; pausing worker intake")
	for p.memoryPressure() {
		select {
		case <-ctx.Done():
			p.Met.IntakePaused.Set(0)
			return
		case <-time.After(memoryCheckInterval):
		}
	}
	p.Met.IntakePaused.Set(0)
	log.Info().Msg("memory pressure cleared; resuming worker intake")
}

func (p *Pool) memoryPressure() bool {
	limit := debug.SetMemoryLimit(-1) // query without changing
	if limit <= 0 || limit == math.MaxInt64 {
		return false
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return float64(ms.HeapAlloc) >= float64(limit)*float64(p.Workers.MemoryPctMax)/100
}
