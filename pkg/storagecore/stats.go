package storagecore

import (
	"context"
	"time"
)

const defaultStatsInterval = time.Minute

// startStats launches the periodic statistics emitter when the core's
// config enables it; it is the ambient observability hook, not itself a
// Non-goal exclusion.
func (c *Core) startStats(parent context.Context) {
	if !c.cfg.OpenStatisticsCollector || c.collector == nil {
		return
	}
	interval := time.Duration(c.cfg.StatisticsCallbackIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = defaultStatsInterval
	}

	ctx, cancel := context.WithCancel(parent)
	c.statsCancel = cancel

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.emitStats()
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (c *Core) emitStats() {
	count, err := c.ApproximateCount()
	if err != nil {
		c.log.Warn("stats: approximate count failed", "core", c.identity.String(), "error", err)
		return
	}
	size, err := c.ApproximateSize()
	if err != nil {
		c.log.Warn("stats: approximate size failed", "core", c.identity.String(), "error", err)
		return
	}

	labels := map[string]string{"core_id": c.identity.CoreID, "mpu_id": c.identity.MpuID}
	c.collector.SetGauge("data_store_key_count", labels, float64(count))
	c.collector.SetGauge("data_store_size_bytes", labels, float64(size))
}

func (c *Core) stopStats() {
	if c.statsCancel != nil {
		c.statsCancel()
	}
}
