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

// sysbench runs the fileio workload in three phases: prepare, run, cleanup.
// Test files are created in the target's mount point; cleanup is attempted
// even when the run phase fails.
type sysbenchAdapter struct {
	runner  cmdexec.Runner
	logger  *zap.Logger
	cfg     config.SysbenchSettings
	timeout time.Duration
}

func (a *sysbenchAdapter) Name() string      { return "sysbench" }
func (a *sysbenchAdapter) Utility() string   { return "sysbench" }
func (a *sysbenchAdapter) NeedsDevice() bool { return false }

var (
	sysbenchReadsRe   = regexp.MustCompile(`reads/s:\s*([\d.]+)`)
	sysbenchWritesRe  = regexp.MustCompile(`writes/s:\s*([\d.]+)`)
	sysbenchFsyncsRe  = regexp.MustCompile(`fsyncs/s:\s*([\d.]+)`)
	sysbenchReadBWRe  = regexp.MustCompile(`read, MiB/s:\s*([\d.]+)`)
	sysbenchWriteBWRe = regexp.MustCompile(`written, MiB/s:\s*([\d.]+)`)
	sysbenchEventsRe  = regexp.MustCompile(`total number of events:\s*([\d.]+)`)
	sysbenchLatencyRe = regexp.MustCompile(`Latency \(ms\):\s*min:\s*([\d.]+)\s*avg:\s*([\d.]+)\s*max:\s*([\d.]+)\s*95th percentile:\s*([\d.]+)`)
)

const mibToMB = 1.048576

func (a *sysbenchAdapter) fileioArgs(verb string, extra ...string) []string {
	args := []string{
		"fileio",
		"--file-total-size=" + a.cfg.FileTotalSize,
		"--file-test-mode=rndrw",
		fmt.Sprintf("--file-num=%d", a.cfg.FileNum),
		fmt.Sprintf("--file-block-size=%d", a.cfg.FileBlockSize),
	}
	args = append(args, extra...)
	return append(args, verb)
}

func (a *sysbenchAdapter) Run(ctx context.Context, tgt *target.Target) (Measurements, error) {
	// Cleanup runs on every exit path so test files never outlive the run.
	defer a.cleanup(tgt.MountPoint)

	prep, err := a.runner.Run(ctx, cmdexec.Spec{
		Name:    "sysbench",
		Args:    a.fileioArgs("prepare"),
		Dir:     tgt.MountPoint,
		Timeout: a.timeout,
	})
	if err != nil {
		return Measurements{}, err
	}
	if prep.TimedOut {
		return Measurements{}, fmt.Errorf("sysbench prepare: %w after %s", ErrTimedOut, a.timeout)
	}
	if prep.ExitCode != 0 {
		return Measurements{RawOutput: prep.Stderr},
			fmt.Errorf("sysbench prepare exited %d: %s", prep.ExitCode, strings.TrimSpace(prep.Stderr))
	}

	run, err := a.runner.Run(ctx, cmdexec.Spec{
		Name: "sysbench",
		Args: a.fileioArgs("run",
			fmt.Sprintf("--time=%d", a.cfg.TimeSeconds),
			fmt.Sprintf("--threads=%d", a.cfg.Threads)),
		Dir:     tgt.MountPoint,
		Timeout: a.timeout,
	})
	if err != nil {
		return Measurements{}, err
	}
	if run.TimedOut {
		return Measurements{}, fmt.Errorf("sysbench run: %w after %s", ErrTimedOut, a.timeout)
	}
	if run.ExitCode != 0 {
		return Measurements{RawOutput: run.Stderr},
			fmt.Errorf("sysbench run exited %d: %s", run.ExitCode, strings.TrimSpace(run.Stderr))
	}

	metrics := parseSysbenchOutput(run.Stdout)
	if len(metrics) == 0 {
		return Measurements{RawOutput: run.Stdout}, fmt.Errorf("sysbench output had no recognized statistics")
	}
	return Measurements{Metrics: metrics, RawOutput: run.Stdout}, nil
}

func (a *sysbenchAdapter) cleanup(mountPoint string) {
	out, err := a.runner.Run(context.Background(), cmdexec.Spec{
		Name:    "sysbench",
		Args:    a.fileioArgs("cleanup"),
		Dir:     mountPoint,
		Timeout: 30 * time.Second,
	})
	if err != nil || out.ExitCode != 0 {
		a.logger.Warn("sysbench cleanup did not complete",
			zap.Int("exit_code", out.ExitCode), zap.Error(err))
	}
}

func parseSysbenchOutput(stdout string) map[string]Metric {
	metrics := make(map[string]Metric)

	var totalOps float64
	if m := sysbenchReadsRe.FindStringSubmatch(stdout); m != nil {
		v := mustFloat(m[1])
		metrics["reads_per_sec"] = Metric{Value: v, Unit: "ops/s"}
		totalOps += v
	}
	if m := sysbenchWritesRe.FindStringSubmatch(stdout); m != nil {
		v := mustFloat(m[1])
		metrics["writes_per_sec"] = Metric{Value: v, Unit: "ops/s"}
		totalOps += v
	}
	if m := sysbenchFsyncsRe.FindStringSubmatch(stdout); m != nil {
		v := mustFloat(m[1])
		metrics["fsyncs_per_sec"] = Metric{Value: v, Unit: "ops/s"}
		totalOps += v
	}
	if totalOps > 0 {
		metrics["file_operations_per_sec"] = Metric{Value: totalOps, Unit: "ops/s"}
	}

	if m := sysbenchReadBWRe.FindStringSubmatch(stdout); m != nil {
		metrics["read_throughput"] = Metric{Value: mustFloat(m[1]) * mibToMB, Unit: "MB/s"}
	}
	if m := sysbenchWriteBWRe.FindStringSubmatch(stdout); m != nil {
		metrics["write_throughput"] = Metric{Value: mustFloat(m[1]) * mibToMB, Unit: "MB/s"}
	}
	if m := sysbenchEventsRe.FindStringSubmatch(stdout); m != nil {
		metrics["total_events"] = Metric{Value: mustFloat(m[1]), Unit: "events"}
	}
	if m := sysbenchLatencyRe.FindStringSubmatch(stdout); m != nil {
		metrics["latency_min"] = Metric{Value: mustFloat(m[1]), Unit: "ms"}
		metrics["latency_avg"] = Metric{Value: mustFloat(m[2]), Unit: "ms"}
		metrics["latency_max"] = Metric{Value: mustFloat(m[3]), Unit: "ms"}
		metrics["latency_p95"] = Metric{Value: mustFloat(m[4]), Unit: "ms"}
	}
	return metrics
}
