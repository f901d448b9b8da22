package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/storageforge/diskmark/internal/bench"
	"github.com/storageforge/diskmark/internal/cleanup"
	"github.com/storageforge/diskmark/internal/cmdexec"
	"github.com/storageforge/diskmark/internal/config"
	"github.com/storageforge/diskmark/internal/lifecycle"
	"github.com/storageforge/diskmark/internal/metrics"
	"github.com/storageforge/diskmark/internal/monitor"
	"github.com/storageforge/diskmark/internal/report"
	"github.com/storageforge/diskmark/internal/safety"
	"github.com/storageforge/diskmark/internal/sysinfo"
	"github.com/storageforge/diskmark/internal/target"
)

const (
	exitOK          = 0
	exitSafety      = 2
	exitProvision   = 3
	exitUsage       = 4
	exitInterrupted = 130
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("diskmark", flag.ContinueOnError)
	device := fs.String("device", "", "block device to benchmark (e.g. /dev/sdb1)")
	ramdisk := fs.Bool("ramdisk", false, "benchmark an ephemeral tmpfs ramdisk")
	configPath := fs.String("config", "", "path to a JSON or YAML settings file")
	createConfig := fs.String("create-config", "", "write the default settings to the given path and exit")
	debug := fs.Bool("debug", false, "enable debug logging")
	metricsAddr := fs.String("metrics-addr", "", "serve prometheus metrics on this address")
	outputDir := fs.String("output-dir", "", "report output directory (overrides config)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	if *createConfig != "" {
		if err := config.WriteDefault(*createConfig); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitUsage
		}
		fmt.Println("default configuration written to", *createConfig)
		return exitOK
	}

	if (*device == "") == !*ramdisk {
		fmt.Fprintln(os.Stderr, "exactly one of -device or -ramdisk is required")
		fs.Usage()
		return exitUsage
	}

	logger := newLogger(*debug)
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load(*configPath, logger)
	if err != nil {
		logger.Error("configuration rejected", zap.Error(err))
		return exitUsage
	}
	if *outputDir != "" {
		cfg.Report.OutputDir = *outputDir
	}
	if *metricsAddr != "" {
		cfg.Metrics.Addr = *metricsAddr
	}

	if cfg.Metrics.Addr != "" {
		shutdown := metrics.Serve(cfg.Metrics.Addr, logger)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = shutdown(ctx)
		}()
	}

	spec := target.Spec{Kind: target.KindRamdisk}
	if *device != "" {
		spec = target.Spec{Kind: target.KindPhysical, DevicePath: *device}
	}

	runner := cmdexec.NewSystem(logger)
	host := safety.NewHost()
	registry := cleanup.New(logger)
	gate := safety.NewGate(cfg.Safety, host, runner, logger)
	provisioner := target.NewProvisioner(cfg.Target, runner, target.NewUnixMounter(), logger)
	mon := monitor.New(cfg.Monitor, nil, logger)
	controller := lifecycle.New(gate, provisioner, registry, mon, logger)

	// The signal path releases everything the foreground acquired and exits
	// with the conventional interrupt code.
	disarm := registry.Arm(func(sig os.Signal) {
		controller.Release()
		_ = logger.Sync()
		os.Exit(exitInterrupted)
	})
	defer disarm()
	defer controller.Release()

	ctx := context.Background()
	checks, err := controller.Validate(ctx, safetyRequest(cfg, spec, host))
	printChecks(checks)
	if err != nil {
		if errors.Is(err, lifecycle.ErrSafetyViolation) {
			logger.Error("run blocked by safety checks", zap.Error(err))
			return exitSafety
		}
		logger.Error("validation failed", zap.Error(err))
		return exitProvision
	}

	tgt, err := controller.Provision(ctx, spec)
	if err != nil {
		logger.Error("provisioning failed", zap.Error(err))
		return exitProvision
	}
	if err := controller.MarkReady(); err != nil {
		logger.Error("readiness probe failed", zap.Error(err))
		return exitProvision
	}

	orchestrator := bench.NewOrchestrator(bench.NewAdapters(cfg.Tools, runner, logger), runner, logger)

	if err := controller.EnterActive(); err != nil {
		logger.Error("cannot enter measurement window", zap.Error(err))
		return exitProvision
	}
	results := orchestrator.Run(ctx, tgt)
	if err := controller.ExitActive(); err != nil {
		logger.Warn("measurement window close out of order", zap.Error(err))
	}

	gen := report.NewGenerator(cfg.Report, logger)
	runReport := gen.Build(sysinfo.Collect(ctx, runner), tgt, checks, results, mon.Summarize())
	if paths, err := gen.Write(runReport); err != nil {
		logger.Error("report write failed", zap.Error(err))
	} else {
		for _, p := range paths {
			fmt.Println("report:", p)
		}
	}
	_ = report.RenderText(os.Stdout, runReport)

	controller.Release()
	return exitOK
}

// safetyRequest assembles what the gate needs to validate this run.
func safetyRequest(cfg *config.Settings, spec target.Spec, host safety.Host) safety.Request {
	req := safety.Request{
		Spec:              spec,
		WritePath:         cfg.Report.OutputDir,
		OptionalUtilities: cfg.Tools.Enabled,
	}
	if spec.Kind == target.KindPhysical {
		req.CoreUtilities = []string{"mount", "umount", "lsblk"}
	}
	if spec.Kind == target.KindRamdisk {
		if available, err := host.AvailableMemory(); err == nil {
			req.RamdiskBytes = target.ComputeRamdiskSize(
				available, cfg.Target.RamdiskMemFraction, uint64(cfg.Target.RamdiskMaxBytes))
		}
	}
	return req
}

func printChecks(checks safety.Results) {
	for _, c := range checks {
		marker := "ok"
		switch c.Status {
		case safety.StatusWarn:
			marker = "warn"
		case safety.StatusFail:
			marker = "FAIL"
		}
		fmt.Printf("  [%s] %s: %s\n", marker, c.Name, c.Detail)
	}
}

func newLogger(debug bool) *zap.Logger {
	if debug {
		logger, _ := zap.NewDevelopment()
		return logger
	}
	logger, _ := zap.NewProduction()
	return logger
}
