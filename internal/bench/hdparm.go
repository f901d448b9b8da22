package bench

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/storageforge/diskmark/internal/cmdexec"
	"github.com/storageforge/diskmark/internal/target"
)

// hdparm measures cached and buffered read timing against the raw device.
type hdparmAdapter struct {
	runner  cmdexec.Runner
	logger  *zap.Logger
	timeout time.Duration
}

func (a *hdparmAdapter) Name() string      { return "hdparm" }
func (a *hdparmAdapter) Utility() string   { return "hdparm" }
func (a *hdparmAdapter) NeedsDevice() bool { return true }

var (
	hdparmCachedRe   = regexp.MustCompile(`Timing cached reads:\s+(\d+)\s+MB in\s+([\d.]+)\s+seconds\s+=\s+([\d.]+)\s+MB/sec`)
	hdparmBufferedRe = regexp.MustCompile(`Timing buffered disk reads:\s+(\d+)\s+MB in\s+([\d.]+)\s+seconds\s+=\s+([\d.]+)\s+MB/sec`)
)

func (a *hdparmAdapter) Run(ctx context.Context, tgt *target.Target) (Measurements, error) {
	out, err := a.runner.Run(ctx, cmdexec.Spec{
		Name:    "hdparm",
		Args:    []string{"-Tt", tgt.SourcePath},
		Timeout: a.timeout,
	})
	if err != nil {
		return Measurements{}, err
	}
	if out.TimedOut {
		return Measurements{RawOutput: out.Stdout}, fmt.Errorf("hdparm: %w after %s", ErrTimedOut, a.timeout)
	}
	if out.ExitCode != 0 {
		return Measurements{RawOutput: out.Stdout},
			fmt.Errorf("hdparm exited %d: %s", out.ExitCode, strings.TrimSpace(out.Stderr))
	}

	metrics := make(map[string]Metric)
	if m := hdparmCachedRe.FindStringSubmatch(out.Stdout); m != nil {
		metrics["cached_reads"] = Metric{Value: mustFloat(m[1]), Unit: "MB"}
		metrics["cached_reads_time"] = Metric{Value: mustFloat(m[2]), Unit: "s"}
		metrics["cached_read_speed"] = Metric{Value: mustFloat(m[3]), Unit: "MB/s"}
	}
	if m := hdparmBufferedRe.FindStringSubmatch(out.Stdout); m != nil {
		metrics["buffered_reads"] = Metric{Value: mustFloat(m[1]), Unit: "MB"}
		metrics["buffered_reads_time"] = Metric{Value: mustFloat(m[2]), Unit: "s"}
		metrics["buffered_read_speed"] = Metric{Value: mustFloat(m[3]), Unit: "MB/s"}
	}
	if len(metrics) == 0 {
		return Measurements{RawOutput: out.Stdout}, fmt.Errorf("hdparm output had no timing lines")
	}
	return Measurements{Metrics: metrics, RawOutput: out.Stdout}, nil
}

func mustFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
