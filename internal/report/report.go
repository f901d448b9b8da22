// Package report assembles and writes the results of one benchmark run.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/storageforge/diskmark/internal/bench"
	"github.com/storageforge/diskmark/internal/config"
	"github.com/storageforge/diskmark/internal/monitor"
	"github.com/storageforge/diskmark/internal/safety"
	"github.com/storageforge/diskmark/internal/sysinfo"
	"github.com/storageforge/diskmark/internal/target"
)

// TargetInfo is the report's view of what was benchmarked.
type TargetInfo struct {
	Kind       string `json:"kind"`
	DevicePath string `json:"device_path,omitempty"`
	MountPoint string `json:"mount_point"`
	SizeBytes  uint64 `json:"size_bytes"`
	Borrowed   bool   `json:"borrowed,omitempty"`
}

// Summary aggregates the tool outcomes.
type Summary struct {
	Total     int     `json:"total"`
	Succeeded int     `json:"succeeded"`
	Failed    int     `json:"failed"`
	Skipped   int     `json:"skipped"`
	TimedOut  int     `json:"timed_out"`
	Duration  float64 `json:"duration_seconds"`
}

// RunReport is the complete record of one run.
type RunReport struct {
	RunID       string             `json:"run_id"`
	GeneratedAt time.Time          `json:"generated_at"`
	System      sysinfo.Info       `json:"system"`
	Target      TargetInfo         `json:"target"`
	Safety      safety.Results     `json:"safety_checks"`
	Tools       []bench.ToolResult `json:"tools"`
	Resources   monitor.Summary    `json:"resources"`
	Summary     Summary            `json:"summary"`
}

// Generator assembles and writes reports.
type Generator struct {
	cfg    config.ReportSettings
	logger *zap.Logger

	now   func() time.Time
	newID func() string
}

// NewGenerator builds a report generator.
func NewGenerator(cfg config.ReportSettings, logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// Build assembles a report from the run's artifacts.
func (g *Generator) Build(sys sysinfo.Info, tgt *target.Target, checks safety.Results, tools []bench.ToolResult, resources monitor.Summary) *RunReport {
	r := &RunReport{
		RunID:       g.newID(),
		GeneratedAt: g.now(),
		System:      sys,
		Safety:      checks,
		Tools:       tools,
		Resources:   resources,
	}
	if tgt != nil {
		r.Target = TargetInfo{
			Kind:       string(tgt.Kind),
			DevicePath: tgt.SourcePath,
			MountPoint: tgt.MountPoint,
			SizeBytes:  tgt.SizeBytes,
			Borrowed:   tgt.Borrowed,
		}
	}

	for _, res := range tools {
		r.Summary.Total++
		r.Summary.Duration += res.Elapsed.Seconds()
		switch res.Status {
		case bench.StatusSuccess:
			r.Summary.Succeeded++
		case bench.StatusTimedOut:
			r.Summary.TimedOut++
		case bench.StatusSkipped, bench.StatusSkippedMissing:
			r.Summary.Skipped++
		default:
			r.Summary.Failed++
		}
	}
	return r
}

// Write emits the configured report files and returns their paths.
func (g *Generator) Write(r *RunReport) ([]string, error) {
	if err := os.MkdirAll(g.cfg.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create report dir: %w", err)
	}
	stamp := r.GeneratedAt.Format("20060102_150405")

	var paths []string
	if g.cfg.JSON {
		path := filepath.Join(g.cfg.OutputDir, "diskmark_report_"+stamp+".json")
		if err := g.writeJSON(r, path); err != nil {
			return paths, err
		}
		g.logger.Info("json report written", zap.String("path", path))
		paths = append(paths, path)
	}
	if g.cfg.Text {
		path := filepath.Join(g.cfg.OutputDir, "diskmark_report_"+stamp+".txt")
		if err := g.writeText(r, path); err != nil {
			return paths, err
		}
		g.logger.Info("text report written", zap.String("path", path))
		paths = append(paths, path)
	}
	return paths, nil
}

func (g *Generator) writeJSON(r *RunReport, path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

func (g *Generator) writeText(r *RunReport, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return RenderText(f, r)
}

// RenderText writes the human-readable report.
func RenderText(w io.Writer, r *RunReport) error {
	var b strings.Builder
	rule := strings.Repeat("=", 72)
	sub := strings.Repeat("-", 40)

	fmt.Fprintf(&b, "%s\nDISK BENCHMARK REPORT\n%s\n", rule, rule)
	fmt.Fprintf(&b, "Run ID:    %s\n", r.RunID)
	fmt.Fprintf(&b, "Generated: %s\n\n", r.GeneratedAt.Format("2006-01-02 15:04:05"))

	fmt.Fprintf(&b, "SYSTEM\n%s\n", sub)
	fmt.Fprintf(&b, "Hostname: %s\nOS:       %s\nKernel:   %s\nArch:     %s\n\n",
		r.System.Hostname, r.System.OS, r.System.Kernel, r.System.Arch)

	fmt.Fprintf(&b, "TARGET\n%s\n", sub)
	fmt.Fprintf(&b, "Kind:        %s\n", r.Target.Kind)
	if r.Target.DevicePath != "" {
		fmt.Fprintf(&b, "Device:      %s\n", r.Target.DevicePath)
	}
	fmt.Fprintf(&b, "Mount point: %s\n", r.Target.MountPoint)
	fmt.Fprintf(&b, "Size:        %.2f GiB\n", float64(r.Target.SizeBytes)/(1<<30))
	if r.Target.Borrowed {
		fmt.Fprintf(&b, "Mount was borrowed from a pre-existing mount\n")
	}
	b.WriteString("\n")

	if len(r.Safety) > 0 {
		fmt.Fprintf(&b, "SAFETY CHECKS\n%s\n", sub)
		for _, c := range r.Safety {
			fmt.Fprintf(&b, "[%-4s] %-18s %s\n", strings.ToUpper(string(c.Status)), c.Name, c.Detail)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "RESULTS\n%s\n", sub)
	for _, res := range r.Tools {
		fmt.Fprintf(&b, "%s: %s", res.Tool, res.Status)
		if res.Reason != "" {
			fmt.Fprintf(&b, " (%s)", res.Reason)
		}
		fmt.Fprintf(&b, " [%.2fs]\n", res.Elapsed.Seconds())
		names := make([]string, 0, len(res.Metrics))
		for name := range res.Metrics {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			m := res.Metrics[name]
			fmt.Fprintf(&b, "    %-28s %12.2f %s\n", name, m.Value, m.Unit)
		}
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "RESOURCES DURING RUN\n%s\n", sub)
	fmt.Fprintf(&b, "Samples:  %d (%d gaps)\n", r.Resources.Samples, r.Resources.Gaps)
	fmt.Fprintf(&b, "CPU:      %.1f%% mean, %.1f%% peak\n", r.Resources.CPUMeanPct, r.Resources.CPUPeakPct)
	fmt.Fprintf(&b, "Memory:   %.1f%% mean, %.1f%% peak\n", r.Resources.MemMeanPct, r.Resources.MemPeakPct)
	fmt.Fprintf(&b, "Load1:    %.2f peak\n\n", r.Resources.Load1Peak)

	fmt.Fprintf(&b, "SUMMARY\n%s\n", sub)
	fmt.Fprintf(&b, "Tools: %d total, %d succeeded, %d failed, %d timed out, %d skipped\n",
		r.Summary.Total, r.Summary.Succeeded, r.Summary.Failed, r.Summary.TimedOut, r.Summary.Skipped)
	fmt.Fprintf(&b, "Measurement time: %.2f seconds\n", r.Summary.Duration)

	_, err := io.WriteString(w, b.String())
	return err
}
