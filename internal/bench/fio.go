package bench

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/storageforge/diskmark/internal/cmdexec"
	"github.com/storageforge/diskmark/internal/config"
	"github.com/storageforge/diskmark/internal/target"
)

// fio runs two passes: a fsync-heavy sequential write and a random
// read-write mix. Each pass is parsed from fio's JSON output; the tool
// succeeds if at least one pass does.
type fioAdapter struct {
	runner  cmdexec.Runner
	logger  *zap.Logger
	write   config.FioJobSettings
	randrw  config.FioJobSettings
	timeout time.Duration
}

func (a *fioAdapter) Name() string      { return "fio" }
func (a *fioAdapter) Utility() string   { return "fio" }
func (a *fioAdapter) NeedsDevice() bool { return false }

type fioOutput struct {
	Jobs     []fioJob `json:"jobs"`
	DiskUtil []struct {
		Util float64 `json:"util"`
	} `json:"disk_util"`
}

type fioJob struct {
	Read   fioDirStats `json:"read"`
	Write  fioDirStats `json:"write"`
	UsrCPU float64     `json:"usr_cpu"`
	SysCPU float64     `json:"sys_cpu"`
}

type fioDirStats struct {
	IOPS  float64 `json:"iops"`
	BWKiB float64 `json:"bw"`
	LatNS struct {
		Mean   float64 `json:"mean"`
		Stddev float64 `json:"stddev"`
	} `json:"lat_ns"`
}

func (a *fioAdapter) Run(ctx context.Context, tgt *target.Target) (Measurements, error) {
	metrics := make(map[string]Metric)
	var raw strings.Builder
	var passErrs []error

	passes := []struct {
		name string
		mode string
		job  config.FioJobSettings
	}{
		{"write", "write", a.write},
		{"randrw", "randrw", a.randrw},
	}
	// fio leaves its job files behind; they must not outlive the run.
	defer a.removeJobFiles(tgt.MountPoint, passes[0].name, passes[1].name)

	for _, pass := range passes {
		passMetrics, output, err := a.runPass(ctx, tgt, pass.name, pass.mode, pass.job)
		fmt.Fprintf(&raw, "=== fio %s ===\n%s\n", pass.name, output)
		if err != nil {
			a.logger.Warn("fio pass failed", zap.String("pass", pass.name), zap.Error(err))
			passErrs = append(passErrs, fmt.Errorf("%s: %w", pass.name, err))
			continue
		}
		for k, v := range passMetrics {
			metrics[pass.name+"."+k] = v
		}
	}

	// One good pass is still a usable result. Joining keeps the pass errors
	// inspectable, so an all-timeout run still classifies as timed out.
	if len(passErrs) == len(passes) {
		return Measurements{RawOutput: raw.String()},
			fmt.Errorf("all fio passes failed: %w", errors.Join(passErrs...))
	}
	return Measurements{Metrics: metrics, RawOutput: raw.String()}, nil
}

// removeJobFiles deletes the files fio created under the mount point. With
// numjobs > 1 each pass leaves one file per job, all prefixed with the pass
// name.
func (a *fioAdapter) removeJobFiles(mountPoint string, names ...string) {
	for _, name := range names {
		matches, err := filepath.Glob(filepath.Join(mountPoint, name+"_test*"))
		if err != nil {
			continue
		}
		for _, path := range matches {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				a.logger.Warn("fio job file not removed", zap.String("path", path), zap.Error(err))
			}
		}
	}
}

func (a *fioAdapter) runPass(ctx context.Context, tgt *target.Target, name, mode string, job config.FioJobSettings) (map[string]Metric, string, error) {
	direct := "1"
	if tgt.Kind == target.KindRamdisk {
		// tmpfs rejects O_DIRECT.
		direct = "0"
	}
	args := []string{
		"--name=" + name + "_test",
		"--directory=" + tgt.MountPoint,
		"--rw=" + mode,
		"--size=" + job.Size,
		"--io_size=" + job.IOSize,
		"--blocksize=" + job.BlockSize,
		"--ioengine=" + job.IOEngine,
		fmt.Sprintf("--fsync=%d", job.Fsync),
		fmt.Sprintf("--iodepth=%d", job.IODepth),
		"--direct=" + direct,
		fmt.Sprintf("--numjobs=%d", job.NumJobs),
		fmt.Sprintf("--runtime=%d", job.RuntimeSeconds),
		"--group_reporting",
		"--output-format=json",
	}

	out, err := a.runner.Run(ctx, cmdexec.Spec{Name: "fio", Args: args, Timeout: a.timeout})
	if err != nil {
		return nil, "", err
	}
	if out.TimedOut {
		return nil, out.Stderr, fmt.Errorf("fio %s: %w after %s", name, ErrTimedOut, a.timeout)
	}
	if out.ExitCode != 0 {
		return nil, out.Stderr, fmt.Errorf("fio %s exited %d: %s", name, out.ExitCode, strings.TrimSpace(out.Stderr))
	}

	metrics, err := parseFioJSON(out.Stdout)
	if err != nil {
		return nil, out.Stdout, fmt.Errorf("parse fio %s output: %w", name, err)
	}
	return metrics, out.Stdout, nil
}

func parseFioJSON(stdout string) (map[string]Metric, error) {
	var data fioOutput
	if err := json.Unmarshal([]byte(stdout), &data); err != nil {
		return nil, err
	}
	if len(data.Jobs) == 0 {
		return nil, fmt.Errorf("no jobs in fio output")
	}
	// With group_reporting all jobs aggregate into the first entry.
	job := data.Jobs[0]

	metrics := map[string]Metric{
		"read_iops":        {Value: job.Read.IOPS, Unit: "iops"},
		"read_throughput":  {Value: job.Read.BWKiB / 1024, Unit: "MB/s"},
		"write_iops":       {Value: job.Write.IOPS, Unit: "iops"},
		"write_throughput": {Value: job.Write.BWKiB / 1024, Unit: "MB/s"},
		"cpu_user":         {Value: job.UsrCPU, Unit: "%"},
		"cpu_system":       {Value: job.SysCPU, Unit: "%"},
	}
	if job.Read.LatNS.Mean > 0 {
		metrics["read_lat_mean"] = Metric{Value: job.Read.LatNS.Mean, Unit: "ns"}
		metrics["read_lat_stddev"] = Metric{Value: job.Read.LatNS.Stddev, Unit: "ns"}
	}
	if job.Write.LatNS.Mean > 0 {
		metrics["write_lat_mean"] = Metric{Value: job.Write.LatNS.Mean, Unit: "ns"}
		metrics["write_lat_stddev"] = Metric{Value: job.Write.LatNS.Stddev, Unit: "ns"}
	}
	if len(data.DiskUtil) > 0 {
		metrics["disk_util"] = Metric{Value: data.DiskUtil[0].Util, Unit: "%"}
	}
	return metrics, nil
}
