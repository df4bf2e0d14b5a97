// Package metrics periodically samples per-worker resource usage and
// surfaces it through the manager's diagnostic logger. This is additive
// beyond spec.md: it adapts jroosing-HydraDNS's gopsutil-based health
// endpoint from an HTTP-exposed stat snapshot into a background sampler
// the manager logs from, rather than inventing a metrics format from
// scratch.
package metrics

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Sample is one worker's resource snapshot.
type Sample struct {
	PID        int32
	RSSBytes   uint64
	CPUPercent float64
}

// Sampler periodically reports resource usage for a set of pids.
type Sampler struct {
	interval time.Duration
	report   func(Sample)
}

// NewSampler builds a Sampler that invokes report for each live pid
// every interval.
func NewSampler(interval time.Duration, report func(Sample)) *Sampler {
	return &Sampler{interval: interval, report: report}
}

// Run samples pids() every interval until ctx is canceled.
func (s *Sampler) Run(ctx context.Context, pids func() []int32) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, pid := range pids() {
				if sample, ok := sampleOne(pid); ok {
					s.report(sample)
				}
			}
		}
	}
}

func sampleOne(pid int32) (Sample, bool) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return Sample{}, false
	}
	memInfo, err := proc.MemoryInfo()
	var rss uint64
	if err == nil && memInfo != nil {
		rss = memInfo.RSS
	}
	cpuPct, _ := proc.CPUPercent()
	return Sample{PID: pid, RSSBytes: rss, CPUPercent: cpuPct}, true
}
