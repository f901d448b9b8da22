// Package monitor samples host resource usage in the background while
// benchmark tools run. Sampling is advisory: a failed reading is a gap in
// the series, never an error that disturbs the run.
package monitor

import (
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// Snapshot is one point-in-time reading of host resources.
type Snapshot struct {
	Time           time.Time `json:"time"`
	CPUPercent     float64   `json:"cpu_percent"`
	MemoryPercent  float64   `json:"memory_percent"`
	AvailableBytes uint64    `json:"available_bytes"`
	Load1          float64   `json:"load1"`
}

// Sampler takes one snapshot. Tests substitute a fake; production uses
// gopsutil.
type Sampler interface {
	Sample() (Snapshot, error)
}

type gopsutilSampler struct{}

// NewSampler returns the gopsutil-backed sampler.
func NewSampler() Sampler {
	return gopsutilSampler{}
}

func (gopsutilSampler) Sample() (Snapshot, error) {
	// Zero interval compares against the previous call instead of blocking,
	// which keeps the tick cadence intact.
	percents, err := cpu.Percent(0, false)
	if err != nil {
		return Snapshot{}, err
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return Snapshot{}, err
	}
	avg, err := load.Avg()
	if err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{
		Time:           time.Now(),
		MemoryPercent:  vm.UsedPercent,
		AvailableBytes: vm.Available,
		Load1:          avg.Load1,
	}
	if len(percents) > 0 {
		snap.CPUPercent = percents[0]
	}
	return snap, nil
}
