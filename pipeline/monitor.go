package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// ResourceStats is a point-in-time host resource snapshot, in the teacher's
// SystemStats field naming.
type ResourceStats struct {
	CPUPercent    float64
	LoadAvg1M     float64
	LoadAvg5M     float64
	LoadAvg15M    float64
	MemoryPercent float64
	MemoryUsed    uint64
	MemoryTotal   uint64
}

// ResourceMonitor periodically samples host CPU/memory/load via gopsutil, for
// callers that want to throttle or report on a pipeline's host impact.
type ResourceMonitor struct {
	interval time.Duration

	mu   sync.RWMutex
	last ResourceStats

	stopOnce sync.Once
	done     chan struct{}
}

// NewResourceMonitor starts sampling at interval in a background goroutine.
// Call Close to stop it.
func NewResourceMonitor(interval time.Duration) *ResourceMonitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	m := &ResourceMonitor{interval: interval, done: make(chan struct{})}
	ctx := context.Background()
	m.sample(ctx)
	go m.run(ctx)
	return m
}

func (m *ResourceMonitor) run(ctx context.Context) {
	t := time.NewTicker(m.interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			m.sample(ctx)
		case <-m.done:
			return
		}
	}
}

func (m *ResourceMonitor) sample(ctx context.Context) {
	var s ResourceStats

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		s.CPUPercent = percents[0]
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		s.LoadAvg1M, s.LoadAvg5M, s.LoadAvg15M = avg.Load1, avg.Load5, avg.Load15
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		s.MemoryPercent = vm.UsedPercent
		s.MemoryUsed = vm.Used
		s.MemoryTotal = vm.Total
	}

	m.mu.Lock()
	m.last = s
	m.mu.Unlock()
}

// Stats returns the most recently sampled snapshot.
func (m *ResourceMonitor) Stats() ResourceStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// Close stops the background sampler. Safe to call more than once.
func (m *ResourceMonitor) Close() {
	m.stopOnce.Do(func() { close(m.done) })
}
