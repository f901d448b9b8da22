// Package config loads and validates diskmark settings.
package config

import (
	"fmt"
	"time"
)

// Settings is the full configuration for one benchmark run. The core treats
// it as read-only input.
type Settings struct {
	LogLevel string          `json:"log_level" yaml:"log_level"`
	Target   TargetSettings  `json:"target" yaml:"target"`
	Safety   SafetySettings  `json:"safety" yaml:"safety"`
	Monitor  MonitorSettings `json:"monitor" yaml:"monitor"`
	Tools    ToolSettings    `json:"tools" yaml:"tools"`
	Report   ReportSettings  `json:"report" yaml:"report"`
	Metrics  MetricsSettings `json:"metrics" yaml:"metrics"`
}

// TargetSettings controls provisioning of the benchmark target.
type TargetSettings struct {
	MountRoot          string  `json:"mount_root" yaml:"mount_root"`
	RamdiskMaxBytes    int64   `json:"ramdisk_max_bytes" yaml:"ramdisk_max_bytes"`
	RamdiskMemFraction float64 `json:"ramdisk_mem_fraction" yaml:"ramdisk_mem_fraction"`
}

// SafetySettings holds pre-flight thresholds.
type SafetySettings struct {
	MinFreeSpaceBytes int64   `json:"min_free_space_bytes" yaml:"min_free_space_bytes"`
	MemoryMarginBytes int64   `json:"memory_margin_bytes" yaml:"memory_margin_bytes"`
	MaxCPUPercent     float64 `json:"max_cpu_percent" yaml:"max_cpu_percent"`
	MaxLoadAverage    float64 `json:"max_load_average" yaml:"max_load_average"`
}

// MonitorSettings controls the background resource sampler.
type MonitorSettings struct {
	SampleIntervalSeconds float64 `json:"sample_interval_seconds" yaml:"sample_interval_seconds"`
	MaxSamples            int     `json:"max_samples" yaml:"max_samples"`
}

// SampleInterval returns the sampling period as a duration.
func (m MonitorSettings) SampleInterval() time.Duration {
	return time.Duration(m.SampleIntervalSeconds * float64(time.Second))
}

// ToolSettings selects and parameterizes the measurement tools.
type ToolSettings struct {
	Enabled        []string         `json:"enabled" yaml:"enabled"`
	TimeoutSeconds int              `json:"timeout_seconds" yaml:"timeout_seconds"`
	DD             DDSettings       `json:"dd" yaml:"dd"`
	FioWrite       FioJobSettings   `json:"fio_write" yaml:"fio_write"`
	FioRandRW      FioJobSettings   `json:"fio_randrw" yaml:"fio_randrw"`
	Sysbench       SysbenchSettings `json:"sysbench" yaml:"sysbench"`
	Ioping         IopingSettings   `json:"ioping" yaml:"ioping"`
}

// Timeout returns the per-tool timeout as a duration.
func (t ToolSettings) Timeout() time.Duration {
	return time.Duration(t.TimeoutSeconds) * time.Second
}

// DDSettings parameterizes the dd sequential-write test.
type DDSettings struct {
	BlockSize string `json:"block_size" yaml:"block_size"`
	Count     int    `json:"count" yaml:"count"`
	Flags     string `json:"flags" yaml:"flags"`
}

// FioJobSettings parameterizes one fio job.
type FioJobSettings struct {
	Size           string `json:"size" yaml:"size"`
	IOSize         string `json:"io_size" yaml:"io_size"`
	BlockSize      string `json:"block_size" yaml:"block_size"`
	IOEngine       string `json:"io_engine" yaml:"io_engine"`
	Fsync          int    `json:"fsync" yaml:"fsync"`
	IODepth        int    `json:"io_depth" yaml:"io_depth"`
	NumJobs        int    `json:"num_jobs" yaml:"num_jobs"`
	RuntimeSeconds int    `json:"runtime_seconds" yaml:"runtime_seconds"`
}

// SysbenchSettings parameterizes the sysbench fileio test.
type SysbenchSettings struct {
	FileTotalSize string `json:"file_total_size" yaml:"file_total_size"`
	FileNum       int    `json:"file_num" yaml:"file_num"`
	FileBlockSize int    `json:"file_block_size" yaml:"file_block_size"`
	Threads       int    `json:"threads" yaml:"threads"`
	TimeSeconds   int    `json:"time_seconds" yaml:"time_seconds"`
}

// IopingSettings parameterizes the ioping latency test.
type IopingSettings struct {
	Count int    `json:"count" yaml:"count"`
	Size  string `json:"size" yaml:"size"`
}

// ReportSettings controls report output.
type ReportSettings struct {
	OutputDir string `json:"output_dir" yaml:"output_dir"`
	Text      bool   `json:"text" yaml:"text"`
	JSON      bool   `json:"json" yaml:"json"`
}

// MetricsSettings controls the optional prometheus listener. An empty Addr
// disables it.
type MetricsSettings struct {
	Addr string `json:"addr" yaml:"addr"`
}

const (
	gib = int64(1) << 30
	mib = int64(1) << 20
)

// Default returns the built-in configuration.
func Default() *Settings {
	return &Settings{
		LogLevel: "info",
		Target: TargetSettings{
			MountRoot:          "/mnt",
			RamdiskMaxBytes:    8 * gib,
			RamdiskMemFraction: 0.75,
		},
		Safety: SafetySettings{
			MinFreeSpaceBytes: 1 * gib,
			MemoryMarginBytes: 512 * mib,
			MaxCPUPercent:     80.0,
			MaxLoadAverage:    2.0,
		},
		Monitor: MonitorSettings{
			SampleIntervalSeconds: 1.0,
			MaxSamples:            3600,
		},
		Tools: ToolSettings{
			Enabled:        []string{"hdparm", "dd", "fio", "sysbench", "ioping"},
			TimeoutSeconds: 300,
			DD: DDSettings{
				BlockSize: "1M",
				Count:     1000,
				Flags:     "direct,fsync",
			},
			FioWrite: FioJobSettings{
				Size:           "512M",
				IOSize:         "10G",
				BlockSize:      "4k",
				IOEngine:       "libaio",
				Fsync:          10000,
				IODepth:        32,
				NumJobs:        4,
				RuntimeSeconds: 300,
			},
			FioRandRW: FioJobSettings{
				Size:           "512M",
				IOSize:         "10G",
				BlockSize:      "4k",
				IOEngine:       "libaio",
				Fsync:          1,
				IODepth:        1,
				NumJobs:        4,
				RuntimeSeconds: 600,
			},
			Sysbench: SysbenchSettings{
				FileTotalSize: "1G",
				FileNum:       16,
				FileBlockSize: 16384,
				Threads:       4,
				TimeSeconds:   300,
			},
			Ioping: IopingSettings{
				Count: 100,
				Size:  "4k",
			},
		},
		Report: ReportSettings{
			OutputDir: ".",
			Text:      true,
			JSON:      true,
		},
	}
}

// Validate checks semantic constraints the schema cannot express.
func (s *Settings) Validate() error {
	if s.Target.RamdiskMemFraction <= 0 || s.Target.RamdiskMemFraction > 1 {
		return fmt.Errorf("config: ramdisk_mem_fraction must be in (0, 1], got %v", s.Target.RamdiskMemFraction)
	}
	if s.Target.RamdiskMaxBytes <= 0 {
		return fmt.Errorf("config: ramdisk_max_bytes must be positive")
	}
	if s.Safety.MinFreeSpaceBytes <= 0 {
		return fmt.Errorf("config: min_free_space_bytes must be positive")
	}
	if s.Safety.MemoryMarginBytes <= 0 {
		return fmt.Errorf("config: memory_margin_bytes must be positive")
	}
	if s.Monitor.SampleIntervalSeconds <= 0 {
		return fmt.Errorf("config: sample_interval_seconds must be positive")
	}
	if s.Monitor.MaxSamples <= 0 {
		return fmt.Errorf("config: max_samples must be positive")
	}
	if s.Tools.TimeoutSeconds <= 0 {
		return fmt.Errorf("config: tools.timeout_seconds must be positive")
	}
	for _, name := range s.Tools.Enabled {
		switch name {
		case "hdparm", "dd", "fio", "sysbench", "ioping":
		default:
			return fmt.Errorf("config: unknown tool %q", name)
		}
	}
	return nil
}
