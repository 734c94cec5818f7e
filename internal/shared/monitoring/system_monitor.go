package monitoring

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/adred-codev/realtime-relay/internal/shared/types"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemMetrics holds current process resource measurements
type SystemMetrics struct {
	CPUPercent  float64   // CPU usage of this process
	MemoryBytes uint64    // Resident set size (falls back to host used memory)
	MemoryMB    float64   // MemoryBytes in MB
	Goroutines  int       // Current goroutine count
	Timestamp   time.Time // When these metrics were captured
}

// SystemMonitor periodically samples process CPU and memory for /health and Prometheus.
// One instance is created by the relay server and shared by its handlers.
type SystemMonitor struct {
	proc   *process.Process
	stats  *types.Stats
	logger zerolog.Logger

	mu      sync.RWMutex
	metrics SystemMetrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSystemMonitor creates a monitor that mirrors its samples into stats
func NewSystemMonitor(stats *types.Stats, logger zerolog.Logger) *SystemMonitor {
	ctx, cancel := context.WithCancel(context.Background())

	sm := &SystemMonitor{
		stats:   stats,
		logger:  logger.With().Str("component", "system_monitor").Logger(),
		metrics: SystemMetrics{Timestamp: time.Now()},
		ctx:     ctx,
		cancel:  cancel,
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		// Host memory is still available through mem.VirtualMemory
		sm.logger.Warn().Err(err).Msg("Failed to get process info, falling back to host memory")
	} else {
		sm.proc = proc
	}

	return sm
}

// StartMonitoring begins periodic system metric updates.
func (sm *SystemMonitor) StartMonitoring(interval time.Duration) {
	sm.wg.Add(1)
	go func() {
		defer sm.wg.Done()
		defer RecoverPanic(sm.logger, "systemMonitor", nil)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		sm.logger.Info().
			Dur("interval", interval).
			Msg("SystemMonitor started")

		sm.Sample()

		for {
			select {
			case <-ticker.C:
				sm.Sample()
			case <-sm.ctx.Done():
				sm.logger.Info().Msg("SystemMonitor stopped")
				return
			}
		}
	}()
}

// Sample performs a single measurement of process resources
func (sm *SystemMonitor) Sample() SystemMetrics {
	var cpuPercent float64
	var memBytes uint64

	if sm.proc != nil {
		if pct, err := sm.proc.CPUPercent(); err == nil {
			cpuPercent = pct
		} else {
			LogError(sm.logger, err, "Failed to get CPU usage", nil)
		}
		if info, err := sm.proc.MemoryInfo(); err == nil {
			memBytes = info.RSS
		}
	}
	if memBytes == 0 {
		if vmem, err := mem.VirtualMemory(); err == nil {
			memBytes = vmem.Used
		}
	}

	m := SystemMetrics{
		CPUPercent:  cpuPercent,
		MemoryBytes: memBytes,
		MemoryMB:    float64(memBytes) / (1024 * 1024),
		Goroutines:  runtime.NumGoroutine(),
		Timestamp:   time.Now(),
	}

	sm.mu.Lock()
	sm.metrics = m
	sm.mu.Unlock()

	if sm.stats != nil {
		sm.stats.Mu.Lock()
		sm.stats.CPUPercent = m.CPUPercent
		sm.stats.MemoryMB = m.MemoryMB
		sm.stats.Mu.Unlock()
	}

	UpdateSystemMetrics(m.MemoryBytes, m.CPUPercent, m.Goroutines)

	sm.logger.Debug().
		Float64("cpu_percent", m.CPUPercent).
		Float64("memory_mb", m.MemoryMB).
		Int("goroutines", m.Goroutines).
		Msg("System metrics updated")

	return m
}

// GetMetrics returns a copy of the current system metrics.
func (sm *SystemMonitor) GetMetrics() SystemMetrics {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.metrics
}

// Shutdown stops the sampling goroutine
func (sm *SystemMonitor) Shutdown() {
	sm.cancel()
	sm.wg.Wait()
}
