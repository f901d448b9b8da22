package bench

import (
	"context"

	"go.uber.org/zap"

	"github.com/storageforge/diskmark/internal/cmdexec"
	"github.com/storageforge/diskmark/internal/config"
	"github.com/storageforge/diskmark/internal/target"
)

// Adapter wraps one external measurement utility: it builds the command
// line, runs it, and parses the output into metrics.
type Adapter interface {
	// Name is the tool name used in configuration and results.
	Name() string
	// Utility is the binary resolved on PATH before running.
	Utility() string
	// NeedsDevice reports whether the tool reads the block device node
	// directly instead of the mounted filesystem. Such tools cannot run
	// against a ramdisk.
	NeedsDevice() bool
	Run(ctx context.Context, tgt *target.Target) (Measurements, error)
}

// NewAdapters builds the adapters for the enabled tools, in the configured
// order. Unknown names are rejected by config validation before this point.
func NewAdapters(cfg config.ToolSettings, runner cmdexec.Runner, logger *zap.Logger) []Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	var out []Adapter
	for _, name := range cfg.Enabled {
		switch name {
		case "hdparm":
			out = append(out, &hdparmAdapter{runner: runner, logger: logger, timeout: cfg.Timeout()})
		case "dd":
			out = append(out, &ddAdapter{runner: runner, logger: logger, cfg: cfg.DD, timeout: cfg.Timeout()})
		case "fio":
			out = append(out, &fioAdapter{runner: runner, logger: logger, write: cfg.FioWrite, randrw: cfg.FioRandRW, timeout: cfg.Timeout()})
		case "sysbench":
			out = append(out, &sysbenchAdapter{runner: runner, logger: logger, cfg: cfg.Sysbench, timeout: cfg.Timeout()})
		case "ioping":
			out = append(out, &iopingAdapter{runner: runner, logger: logger, cfg: cfg.Ioping, timeout: cfg.Timeout()})
		}
	}
	return out
}
