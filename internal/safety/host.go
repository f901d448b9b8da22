package safety

import (
	"os"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// Host supplies the live readings the gate checks against. Tests substitute
// a fake; production uses gopsutil.
type Host interface {
	AvailableMemory() (uint64, error)
	DiskFree(path string) (uint64, error)
	CPUPercent() (float64, error)
	LoadAverage() (float64, error)
	EffectiveUID() int
}

type gopsutilHost struct{}

// NewHost returns the gopsutil-backed host reader.
func NewHost() Host {
	return gopsutilHost{}
}

func (gopsutilHost) AvailableMemory() (uint64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.Available, nil
}

func (gopsutilHost) DiskFree(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

func (gopsutilHost) CPUPercent() (float64, error) {
	percents, err := cpu.Percent(time.Second, false)
	if err != nil {
		return 0, err
	}
	if len(percents) == 0 {
		return 0, nil
	}
	return percents[0], nil
}

func (gopsutilHost) LoadAverage() (float64, error) {
	avg, err := load.Avg()
	if err != nil {
		return 0, err
	}
	return avg.Load1, nil
}

func (gopsutilHost) EffectiveUID() int {
	return os.Geteuid()
}
