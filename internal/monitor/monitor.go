package monitor

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/storageforge/diskmark/internal/config"
	"github.com/storageforge/diskmark/internal/metrics"
)

// Monitor runs a Sampler on a fixed cadence between Start and Stop. The
// sample buffer is bounded; once full, further snapshots are dropped and
// counted as gaps.
type Monitor struct {
	sampler    Sampler
	logger     *zap.Logger
	interval   time.Duration
	maxSamples int

	// Failed reads are throttled to one log line per period so a broken
	// /proc cannot flood the run output.
	failLog *rate.Limiter

	mu      sync.Mutex
	samples []Snapshot
	gaps    int
	stop    chan struct{}
	done    chan struct{}
}

// New builds a monitor from settings. A nil sampler defaults to gopsutil.
func New(cfg config.MonitorSettings, sampler Sampler, logger *zap.Logger) *Monitor {
	if sampler == nil {
		sampler = NewSampler()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		sampler:    sampler,
		logger:     logger,
		interval:   cfg.SampleInterval(),
		maxSamples: cfg.MaxSamples,
		failLog:    rate.NewLimiter(rate.Every(30*time.Second), 1),
	}
}

// Start begins sampling in the background. Starting an already-running
// monitor is a no-op.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stop != nil {
		return
	}
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.loop(m.stop, m.done)
	m.logger.Debug("resource monitor started", zap.Duration("interval", m.interval))
}

// Stop halts sampling and waits for the loop to exit. Stopping a monitor
// that never started is a no-op.
func (m *Monitor) Stop() {
	m.mu.Lock()
	stop, done := m.stop, m.done
	m.stop, m.done = nil, nil
	m.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
	m.logger.Debug("resource monitor stopped",
		zap.Int("samples", m.Len()),
		zap.Int("gaps", m.Gaps()))
}

func (m *Monitor) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	// First reading immediately, then on the tick.
	m.takeSample()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.takeSample()
		}
	}
}

func (m *Monitor) takeSample() {
	snap, err := m.sampler.Sample()

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.gaps++
		metrics.RecordSamplerGap()
		if m.failLog.Allow() {
			m.logger.Warn("resource sample failed", zap.Error(err))
		}
		return
	}
	if len(m.samples) >= m.maxSamples {
		m.gaps++
		metrics.RecordSamplerGap()
		return
	}
	m.samples = append(m.samples, snap)
}

// Samples returns a copy of the collected series.
func (m *Monitor) Samples() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, len(m.samples))
	copy(out, m.samples)
	return out
}

// Len returns the number of collected samples.
func (m *Monitor) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.samples)
}

// Gaps returns the number of readings lost to failures or buffer overflow.
func (m *Monitor) Gaps() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gaps
}

// Summary aggregates a sample series.
type Summary struct {
	Samples       int     `json:"samples"`
	Gaps          int     `json:"gaps"`
	CPUMeanPct    float64 `json:"cpu_mean_pct"`
	CPUPeakPct    float64 `json:"cpu_peak_pct"`
	MemMeanPct    float64 `json:"mem_mean_pct"`
	MemPeakPct    float64 `json:"mem_peak_pct"`
	Load1Peak     float64 `json:"load1_peak"`
	MinAvailBytes uint64  `json:"min_avail_bytes"`
}

// Summarize reduces the collected series to its aggregates. An empty series
// yields a zero summary with only the gap count set.
func (m *Monitor) Summarize() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Summary{Samples: len(m.samples), Gaps: m.gaps}
	if len(m.samples) == 0 {
		return s
	}

	var cpuSum, memSum float64
	s.MinAvailBytes = m.samples[0].AvailableBytes
	for _, snap := range m.samples {
		cpuSum += snap.CPUPercent
		memSum += snap.MemoryPercent
		if snap.CPUPercent > s.CPUPeakPct {
			s.CPUPeakPct = snap.CPUPercent
		}
		if snap.MemoryPercent > s.MemPeakPct {
			s.MemPeakPct = snap.MemoryPercent
		}
		if snap.Load1 > s.Load1Peak {
			s.Load1Peak = snap.Load1
		}
		if snap.AvailableBytes < s.MinAvailBytes {
			s.MinAvailBytes = snap.AvailableBytes
		}
	}
	n := float64(len(m.samples))
	s.CPUMeanPct = cpuSum / n
	s.MemMeanPct = memSum / n
	return s
}
