package monitoring

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// ResourceSampler periodically reads this process's RSS and CPU
// utilization via gopsutil, logs a "resource" line, updates Metrics, and
// invokes an optional soft-eviction hint when RSS crosses a configured
// threshold. Adapted from the teacher's cgroup-aware admission control
// (there used to gate accepting new connections; here there is no
// connection-admission concern, so the same signal instead triggers the
// delta engine to shed its oldest cached bases).
type ResourceSampler struct {
	proc       *process.Process
	interval   time.Duration
	rssLimit   uint64 // bytes; 0 disables the soft-eviction hint
	logger     zerolog.Logger
	metrics    *Metrics
	onPressure func()
}

// NewResourceSampler constructs a sampler for the current process.
// rssSoftLimitBytes of 0 disables the soft-eviction callback.
func NewResourceSampler(interval time.Duration, rssSoftLimitBytes uint64, metrics *Metrics, logger zerolog.Logger, onPressure func()) (*ResourceSampler, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &ResourceSampler{
		proc:       proc,
		interval:   interval,
		rssLimit:   rssSoftLimitBytes,
		logger:     logger,
		metrics:    metrics,
		onPressure: onPressure,
	}, nil
}

// Run blocks, sampling at the configured interval until ctx is done.
func (r *ResourceSampler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sampleOnce()
		}
	}
}

func (r *ResourceSampler) sampleOnce() {
	memInfo, err := r.proc.MemoryInfo()
	if err != nil {
		r.logger.Debug().Err(err).Msg("resource sampler: memory_info failed")
		return
	}
	cpuPct, err := r.proc.CPUPercent()
	if err != nil {
		r.logger.Debug().Err(err).Msg("resource sampler: cpu_percent failed")
		cpuPct = 0
	}

	if r.metrics != nil {
		r.metrics.ProcessRSSBytes.Set(float64(memInfo.RSS))
		r.metrics.ProcessCPUPct.Set(cpuPct)
	}

	r.logger.Debug().
		Uint64("rss_bytes", memInfo.RSS).
		Float64("cpu_percent", cpuPct).
		Msg("resource")

	if r.rssLimit > 0 && memInfo.RSS >= r.rssLimit && r.onPressure != nil {
		r.logger.Warn().
			Uint64("rss_bytes", memInfo.RSS).
			Uint64("rss_soft_limit", r.rssLimit).
			Msg("resource pressure: triggering delta cache eviction hint")
		r.onPressure()
	}
}
