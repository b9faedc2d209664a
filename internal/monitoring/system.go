package monitoring

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemMonitor samples process CPU and memory on a fixed interval and
// publishes the values to the prometheus gauges plus a periodic debug log.
type SystemMonitor struct {
	logger zerolog.Logger
	proc   *process.Process

	mu         sync.RWMutex
	cpuPercent float64
	memoryMB   float64

	wg sync.WaitGroup
}

// NewSystemMonitor creates a monitor bound to the current process.
func NewSystemMonitor(logger zerolog.Logger) *SystemMonitor {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Warn().Err(err).Msg("Process handle unavailable, system metrics disabled")
	}
	return &SystemMonitor{
		logger: logger.With().Str("component", "system_monitor").Logger(),
		proc:   proc,
	}
}

// Start begins periodic sampling until ctx is cancelled.
func (sm *SystemMonitor) Start(ctx context.Context, interval time.Duration) {
	if sm.proc == nil {
		return
	}
	sm.wg.Add(1)
	go func() {
		defer sm.wg.Done()
		defer RecoverPanic(sm.logger, "system_monitor", nil)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		sm.sample()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sm.sample()
			}
		}
	}()
}

// Wait blocks until the sampling goroutine has exited.
func (sm *SystemMonitor) Wait() {
	sm.wg.Wait()
}

func (sm *SystemMonitor) sample() {
	cpuPct, err := sm.proc.CPUPercent()
	if err != nil {
		return
	}

	var memMB float64
	if mem, err := sm.proc.MemoryInfo(); err == nil && mem != nil {
		memMB = float64(mem.RSS) / 1024 / 1024
	}

	sm.mu.Lock()
	// Exponential moving average keeps short spikes from dominating.
	if sm.cpuPercent == 0 {
		sm.cpuPercent = cpuPct
	} else {
		sm.cpuPercent = 0.3*cpuPct + 0.7*sm.cpuPercent
	}
	sm.memoryMB = memMB
	cpu, mem := sm.cpuPercent, sm.memoryMB
	sm.mu.Unlock()

	ProcessCPUPercent.Set(cpu)
	ProcessMemoryMB.Set(mem)
	GoroutineCount.Set(float64(runtime.NumGoroutine()))

	sm.logger.Debug().
		Float64("cpu_percent", cpu).
		Float64("memory_mb", mem).
		Int("goroutines", runtime.NumGoroutine()).
		Msg("System sample")
}

// Snapshot returns the last sampled CPU percentage and memory MB.
func (sm *SystemMonitor) Snapshot() (cpuPercent, memoryMB float64) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.cpuPercent, sm.memoryMB
}
