package bench

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/storageforge/diskmark/internal/cmdexec"
	"github.com/storageforge/diskmark/internal/metrics"
	"github.com/storageforge/diskmark/internal/target"
)

// Orchestrator runs every adapter in order against one target. A tool that
// is missing, fails, or times out yields a recorded result; nothing a tool
// does can abort the remaining tools.
type Orchestrator struct {
	runner   cmdexec.Runner
	logger   *zap.Logger
	adapters []Adapter
	now      func() time.Time
}

// NewOrchestrator builds an orchestrator over the given adapters.
func NewOrchestrator(adapters []Adapter, runner cmdexec.Runner, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		runner:   runner,
		logger:   logger,
		adapters: adapters,
		now:      time.Now,
	}
}

// Run executes all adapters sequentially and returns one result per tool,
// in execution order.
func (o *Orchestrator) Run(ctx context.Context, tgt *target.Target) []ToolResult {
	results := make([]ToolResult, 0, len(o.adapters))
	for _, adapter := range o.adapters {
		result := o.runOne(ctx, adapter, tgt)
		metrics.RecordToolRun(result.Tool, string(result.Status), result.Elapsed)
		results = append(results, result)
	}
	return results
}

func (o *Orchestrator) runOne(ctx context.Context, adapter Adapter, tgt *target.Target) ToolResult {
	name := adapter.Name()

	if _, err := o.runner.LookPath(adapter.Utility()); err != nil {
		o.logger.Info("tool not installed, skipping", zap.String("tool", name))
		return ToolResult{
			Tool:   name,
			Status: StatusSkippedMissing,
			Reason: adapter.Utility() + " not found on PATH",
		}
	}

	if adapter.NeedsDevice() && tgt.SourcePath == "" {
		o.logger.Info("tool needs a block device, skipping for ramdisk", zap.String("tool", name))
		return ToolResult{
			Tool:   name,
			Status: StatusSkipped,
			Reason: "requires a block device, target is a ramdisk",
		}
	}

	o.logger.Info("running tool", zap.String("tool", name), zap.String("mount_point", tgt.MountPoint))
	start := o.now()
	measured, err := adapter.Run(ctx, tgt)
	end := o.now()
	elapsed := end.Sub(start)

	result := ToolResult{
		Tool:      name,
		Started:   start,
		Ended:     end,
		Elapsed:   elapsed,
		Metrics:   measured.Metrics,
		RawOutput: measured.RawOutput,
	}
	switch {
	case err == nil:
		result.Status = StatusSuccess
		o.logger.Info("tool completed",
			zap.String("tool", name),
			zap.Duration("elapsed", elapsed),
			zap.Int("metrics", len(measured.Metrics)))
	case errors.Is(err, ErrTimedOut):
		result.Status = StatusTimedOut
		result.Reason = err.Error()
		o.logger.Warn("tool timed out", zap.String("tool", name), zap.Duration("elapsed", elapsed))
	default:
		result.Status = StatusFailed
		result.Reason = err.Error()
		o.logger.Warn("tool failed", zap.String("tool", name), zap.Error(err))
	}
	return result
}
