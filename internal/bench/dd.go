package bench

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/storageforge/diskmark/internal/cmdexec"
	"github.com/storageforge/diskmark/internal/config"
	"github.com/storageforge/diskmark/internal/target"
)

// dd measures sequential write throughput with a single large copy from
// /dev/zero into the mounted filesystem.
type ddAdapter struct {
	runner  cmdexec.Runner
	logger  *zap.Logger
	cfg     config.DDSettings
	timeout time.Duration
}

func (a *ddAdapter) Name() string      { return "dd" }
func (a *ddAdapter) Utility() string   { return "dd" }
func (a *ddAdapter) NeedsDevice() bool { return false }

// dd reports "104857600 bytes (105 MB, 100 MiB) copied, 2.12 s, 49.4 MB/s"
// on stderr; some locales use comma decimal separators.
var ddTransferRe = regexp.MustCompile(`(\d+)\s+bytes.*copied,\s+([\d.,]+)\s+s,\s+([\d.,]+)\s+([KMGT]?B/s)`)

func (a *ddAdapter) Run(ctx context.Context, tgt *target.Target) (Measurements, error) {
	testFile := filepath.Join(tgt.MountPoint, "dd_test_file")
	defer os.Remove(testFile)

	args := []string{
		"if=/dev/zero",
		"of=" + testFile,
		"bs=" + a.cfg.BlockSize,
		fmt.Sprintf("count=%d", a.cfg.Count),
	}
	if oflags, conv := a.splitFlags(tgt.Kind == target.KindRamdisk); oflags != "" || conv != "" {
		if oflags != "" {
			args = append(args, "oflag="+oflags)
		}
		if conv != "" {
			args = append(args, "conv="+conv)
		}
	}

	out, err := a.runner.Run(ctx, cmdexec.Spec{Name: "dd", Args: args, Timeout: a.timeout})
	if err != nil {
		return Measurements{}, err
	}
	if out.TimedOut {
		return Measurements{RawOutput: out.Stderr}, fmt.Errorf("dd: %w after %s", ErrTimedOut, a.timeout)
	}
	if out.ExitCode != 0 {
		return Measurements{RawOutput: out.Stderr},
			fmt.Errorf("dd exited %d: %s", out.ExitCode, strings.TrimSpace(out.Stderr))
	}

	// dd writes its statistics to stderr.
	metrics := parseDDOutput(out.Stderr)
	if len(metrics) == 0 {
		return Measurements{RawOutput: out.Stderr}, fmt.Errorf("dd output had no transfer summary")
	}
	return Measurements{Metrics: metrics, RawOutput: out.Stderr}, nil
}

// splitFlags separates the configured flags into oflag and conv groups.
// tmpfs rejects O_DIRECT, so the direct flag is dropped for ramdisks.
func (a *ddAdapter) splitFlags(ramdisk bool) (oflag, conv string) {
	var oflags, convs []string
	for _, f := range strings.Split(a.cfg.Flags, ",") {
		switch f = strings.TrimSpace(f); f {
		case "direct":
			if ramdisk {
				a.logger.Info("dropping dd direct flag, tmpfs does not support O_DIRECT")
				continue
			}
			oflags = append(oflags, f)
		case "sync", "dsync":
			oflags = append(oflags, f)
		case "fsync", "fdatasync":
			convs = append(convs, f)
		}
	}
	return strings.Join(oflags, ","), strings.Join(convs, ",")
}

func parseDDOutput(stderr string) map[string]Metric {
	m := ddTransferRe.FindStringSubmatch(stderr)
	if m == nil {
		return nil
	}
	bytes, _ := strconv.ParseUint(m[1], 10, 64)
	seconds, err1 := strconv.ParseFloat(strings.ReplaceAll(m[2], ",", "."), 64)
	rate, err2 := strconv.ParseFloat(strings.ReplaceAll(m[3], ",", "."), 64)
	if err1 != nil || err2 != nil {
		return nil
	}

	metrics := map[string]Metric{
		"bytes_transferred": {Value: float64(bytes), Unit: "B"},
		"transfer_time":     {Value: seconds, Unit: "s"},
	}
	switch m[4] {
	case "GB/s":
		rate *= 1024
	case "KB/s":
		rate /= 1024
	case "B/s":
		rate /= 1024 * 1024
	}
	metrics["write_speed"] = Metric{Value: rate, Unit: "MB/s"}
	return metrics
}
