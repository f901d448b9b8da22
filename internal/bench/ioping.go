package bench

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/storageforge/diskmark/internal/cmdexec"
	"github.com/storageforge/diskmark/internal/config"
	"github.com/storageforge/diskmark/internal/target"
)

// ioping measures request latency against the mounted filesystem.
type iopingAdapter struct {
	runner  cmdexec.Runner
	logger  *zap.Logger
	cfg     config.IopingSettings
	timeout time.Duration
}

func (a *iopingAdapter) Name() string      { return "ioping" }
func (a *iopingAdapter) Utility() string   { return "ioping" }
func (a *iopingAdapter) NeedsDevice() bool { return false }

var (
	// "99 requests completed in 794.9 us, 396 KiB read, 124.5 k iops, 486.5 MiB/s"
	iopingCompletedRe = regexp.MustCompile(`(\d+)\s+requests\s+completed\s+in\s+([\d.]+)\s*(\w+),\s+(\d+)\s*(\w+)\s+read,\s+([\d.]+)\s*(\w*)\s+iops,\s+([\d.]+)\s*(\w+)/s`)
	// "min/avg/max/mdev = 1.89 us / 8.03 us / 13.8 us / 2.91 us"
	iopingLatencyRe = regexp.MustCompile(`min/avg/max/mdev\s*=\s*([\d.]+)\s*(\w+)\s*/\s*([\d.]+)\s*(\w+)\s*/\s*([\d.]+)\s*(\w+)\s*/\s*([\d.]+)\s*(\w+)`)
)

func (a *iopingAdapter) Run(ctx context.Context, tgt *target.Target) (Measurements, error) {
	args := []string{"-c", fmt.Sprintf("%d", a.cfg.Count), "-s", a.cfg.Size, "-q"}
	if tgt.Kind != target.KindRamdisk {
		// tmpfs rejects O_DIRECT.
		args = append(args, "-D")
	}
	args = append(args, tgt.MountPoint)

	out, err := a.runner.Run(ctx, cmdexec.Spec{Name: "ioping", Args: args, Timeout: a.timeout})
	if err != nil {
		return Measurements{}, err
	}
	if out.TimedOut {
		return Measurements{}, fmt.Errorf("ioping: %w after %s", ErrTimedOut, a.timeout)
	}
	if out.ExitCode != 0 {
		return Measurements{RawOutput: out.Stderr},
			fmt.Errorf("ioping exited %d: %s", out.ExitCode, strings.TrimSpace(out.Stderr))
	}

	metrics := parseIopingOutput(out.Stdout)
	if len(metrics) == 0 {
		return Measurements{RawOutput: out.Stdout}, fmt.Errorf("ioping output had no summary lines")
	}
	return Measurements{Metrics: metrics, RawOutput: out.Stdout}, nil
}

func parseIopingOutput(stdout string) map[string]Metric {
	metrics := make(map[string]Metric)

	if m := iopingCompletedRe.FindStringSubmatch(stdout); m != nil {
		metrics["requests_completed"] = Metric{Value: mustFloat(m[1]), Unit: "requests"}
		metrics["completion_time"] = Metric{Value: toMicroseconds(mustFloat(m[2]), m[3]), Unit: "us"}

		iops := mustFloat(m[6])
		switch m[7] {
		case "k":
			iops *= 1e3
		case "M":
			iops *= 1e6
		}
		metrics["iops"] = Metric{Value: iops, Unit: "iops"}

		throughput := mustFloat(m[8])
		switch m[9] {
		case "MiB":
			throughput *= mibToMB
		case "KiB":
			throughput *= mibToMB / 1024
		case "GiB":
			throughput *= mibToMB * 1024
		}
		metrics["throughput"] = Metric{Value: throughput, Unit: "MB/s"}
	}

	if m := iopingLatencyRe.FindStringSubmatch(stdout); m != nil {
		metrics["latency_min"] = Metric{Value: toMicroseconds(mustFloat(m[1]), m[2]), Unit: "us"}
		metrics["latency_avg"] = Metric{Value: toMicroseconds(mustFloat(m[3]), m[4]), Unit: "us"}
		metrics["latency_max"] = Metric{Value: toMicroseconds(mustFloat(m[5]), m[6]), Unit: "us"}
		metrics["latency_mdev"] = Metric{Value: toMicroseconds(mustFloat(m[7]), m[8]), Unit: "us"}
	}
	return metrics
}

func toMicroseconds(v float64, unit string) float64 {
	switch unit {
	case "ns":
		return v / 1e3
	case "ms":
		return v * 1e3
	case "s":
		return v * 1e6
	}
	return v
}
