// Package safety is the stateless pre-flight validator. Every check runs,
// none short-circuits, and a single FAIL blocks provisioning before any
// mutation occurs.
package safety

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/storageforge/diskmark/internal/cmdexec"
	"github.com/storageforge/diskmark/internal/config"
	"github.com/storageforge/diskmark/internal/target"
)

// Status is the outcome of one safety check.
type Status string

const (
	StatusPass Status = "pass"
	StatusWarn Status = "warn"
	StatusFail Status = "fail"
)

// CheckResult is one check's outcome with a human-readable detail.
type CheckResult struct {
	Name   string `json:"name"`
	Status Status `json:"status"`
	Detail string `json:"detail"`
}

// Results is the ordered outcome of a full gate run.
type Results []CheckResult

// OK reports overall pass: no FAIL present. Warnings are surfaced but
// non-blocking.
func (rs Results) OK() bool {
	for _, r := range rs {
		if r.Status == StatusFail {
			return false
		}
	}
	return true
}

// Failures returns only the failing checks.
func (rs Results) Failures() Results {
	var out Results
	for _, r := range rs {
		if r.Status == StatusFail {
			out = append(out, r)
		}
	}
	return out
}

// Warnings returns only the warning checks.
func (rs Results) Warnings() Results {
	var out Results
	for _, r := range rs {
		if r.Status == StatusWarn {
			out = append(out, r)
		}
	}
	return out
}

// Request describes what the gate should validate for one run.
type Request struct {
	Spec target.Spec

	// WritePath, when set, names an existing filesystem path that will
	// receive benchmark files; the free-space check runs against it.
	WritePath string

	// RamdiskBytes is the planned ramdisk size for memory headroom checks.
	// Zero for physical targets.
	RamdiskBytes uint64

	// CoreUtilities must be present or the gate fails; OptionalUtilities
	// only warn and cause the corresponding tool to be skipped later.
	CoreUtilities     []string
	OptionalUtilities []string
}

// Gate evaluates all safety checks against the host.
type Gate struct {
	cfg    config.SafetySettings
	host   Host
	runner cmdexec.Runner
	logger *zap.Logger

	// Injection points for tests.
	procMounts     string
	procSwaps      string
	criticalMounts []string
	resolvePath    func(string) (string, error)
}

// NewGate wires a gate against the live host.
func NewGate(cfg config.SafetySettings, host Host, runner cmdexec.Runner, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		cfg:            cfg,
		host:           host,
		runner:         runner,
		logger:         logger,
		procMounts:     "/proc/mounts",
		procSwaps:      "/proc/swaps",
		criticalMounts: []string{"/", "/boot", "/boot/efi", "/home", "/usr", "/var"},
		resolvePath:    filepath.EvalSymlinks,
	}
}

// Run evaluates every check and returns all results, so the operator sees
// every problem at once.
func (g *Gate) Run(_ context.Context, req Request) Results {
	results := Results{
		g.checkDeviceIdentity(req),
		g.checkPermission(),
		g.checkDiskSpace(req),
		g.checkMemory(req),
		g.checkCPU(),
		g.checkLoad(),
		g.checkTools(req),
	}

	for _, r := range results {
		switch r.Status {
		case StatusFail:
			g.logger.Error("safety check failed", zap.String("check", r.Name), zap.String("detail", r.Detail))
		case StatusWarn:
			g.logger.Warn("safety check warning", zap.String("check", r.Name), zap.String("detail", r.Detail))
		default:
			g.logger.Debug("safety check passed", zap.String("check", r.Name), zap.String("detail", r.Detail))
		}
	}
	return results
}

// checkDeviceIdentity rejects targets that resolve to a protected device:
// the root filesystem's device, active swap, any device hosting a critical
// mount, and the whole disks containing them.
func (g *Gate) checkDeviceIdentity(req Request) CheckResult {
	const name = "device_identity"
	if req.Spec.Kind != target.KindPhysical {
		return CheckResult{Name: name, Status: StatusPass, Detail: "ramdisk target, no device to validate"}
	}

	resolved, err := g.resolvePath(req.Spec.DevicePath)
	if err != nil {
		return CheckResult{Name: name, Status: StatusFail,
			Detail: fmt.Sprintf("cannot resolve device path %s: %v", req.Spec.DevicePath, err)}
	}

	protected, err := g.protectedDevices()
	if err != nil {
		return CheckResult{Name: name, Status: StatusFail,
			Detail: fmt.Sprintf("cannot determine protected devices: %v", err)}
	}

	for dev, why := range protected {
		if resolved == dev {
			return CheckResult{Name: name, Status: StatusFail,
				Detail: fmt.Sprintf("%s is protected (%s)", resolved, why)}
		}
	}
	return CheckResult{Name: name, Status: StatusPass,
		Detail: fmt.Sprintf("%s is not a protected device", resolved)}
}

func (g *Gate) checkPermission() CheckResult {
	const name = "permission"
	if uid := g.host.EffectiveUID(); uid != 0 {
		return CheckResult{Name: name, Status: StatusFail,
			Detail: fmt.Sprintf("mount operations require root, running as uid %d", uid)}
	}
	return CheckResult{Name: name, Status: StatusPass, Detail: "running as root"}
}

func (g *Gate) checkDiskSpace(req Request) CheckResult {
	const name = "disk_space"
	if req.WritePath == "" {
		return CheckResult{Name: name, Status: StatusPass, Detail: "no existing filesystem to check"}
	}

	free, err := g.host.DiskFree(req.WritePath)
	if err != nil {
		return CheckResult{Name: name, Status: StatusFail,
			Detail: fmt.Sprintf("cannot read free space of %s: %v", req.WritePath, err)}
	}
	required := uint64(g.cfg.MinFreeSpaceBytes)
	if free < required {
		return CheckResult{Name: name, Status: StatusFail,
			Detail: fmt.Sprintf("%d MiB free on %s, %d MiB required", free>>20, req.WritePath, required>>20)}
	}
	return CheckResult{Name: name, Status: StatusPass,
		Detail: fmt.Sprintf("%d MiB free on %s", free>>20, req.WritePath)}
}

// checkMemory fails when the planned ramdisk plus the OS margin does not
// fit, warns when it fits but leaves less than a second margin spare.
func (g *Gate) checkMemory(req Request) CheckResult {
	const name = "memory"
	available, err := g.host.AvailableMemory()
	if err != nil {
		return CheckResult{Name: name, Status: StatusWarn,
			Detail: fmt.Sprintf("cannot determine available memory: %v", err)}
	}
	margin := uint64(g.cfg.MemoryMarginBytes)

	if req.RamdiskBytes > 0 {
		need := req.RamdiskBytes + margin
		switch {
		case available < need:
			return CheckResult{Name: name, Status: StatusFail,
				Detail: fmt.Sprintf("%d MiB available, %d MiB needed for ramdisk plus margin", available>>20, need>>20)}
		case available < need+margin:
			return CheckResult{Name: name, Status: StatusWarn,
				Detail: fmt.Sprintf("memory is tight: %d MiB available for a %d MiB ramdisk", available>>20, req.RamdiskBytes>>20)}
		}
		return CheckResult{Name: name, Status: StatusPass,
			Detail: fmt.Sprintf("%d MiB available for a %d MiB ramdisk", available>>20, req.RamdiskBytes>>20)}
	}

	if available < margin {
		return CheckResult{Name: name, Status: StatusWarn,
			Detail: fmt.Sprintf("low memory: %d MiB available", available>>20)}
	}
	return CheckResult{Name: name, Status: StatusPass,
		Detail: fmt.Sprintf("%d MiB available", available>>20)}
}

func (g *Gate) checkCPU() CheckResult {
	const name = "cpu_usage"
	percent, err := g.host.CPUPercent()
	if err != nil {
		return CheckResult{Name: name, Status: StatusWarn,
			Detail: fmt.Sprintf("cannot read cpu usage: %v", err)}
	}
	if percent > g.cfg.MaxCPUPercent {
		return CheckResult{Name: name, Status: StatusWarn,
			Detail: fmt.Sprintf("cpu at %.1f%%, results may be skewed", percent)}
	}
	return CheckResult{Name: name, Status: StatusPass, Detail: fmt.Sprintf("cpu at %.1f%%", percent)}
}

func (g *Gate) checkLoad() CheckResult {
	const name = "system_load"
	avg, err := g.host.LoadAverage()
	if err != nil {
		return CheckResult{Name: name, Status: StatusWarn,
			Detail: fmt.Sprintf("cannot read load average: %v", err)}
	}
	if avg > g.cfg.MaxLoadAverage {
		return CheckResult{Name: name, Status: StatusWarn,
			Detail: fmt.Sprintf("load average %.2f, results may be skewed", avg)}
	}
	return CheckResult{Name: name, Status: StatusPass, Detail: fmt.Sprintf("load average %.2f", avg)}
}

func (g *Gate) checkTools(req Request) CheckResult {
	const name = "tool_availability"
	var missingCore, missingOptional []string
	for _, tool := range req.CoreUtilities {
		if _, err := g.runner.LookPath(tool); err != nil {
			missingCore = append(missingCore, tool)
		}
	}
	for _, tool := range req.OptionalUtilities {
		if _, err := g.runner.LookPath(tool); err != nil {
			missingOptional = append(missingOptional, tool)
		}
	}

	if len(missingCore) > 0 {
		return CheckResult{Name: name, Status: StatusFail,
			Detail: "missing required utilities: " + strings.Join(missingCore, ", ")}
	}
	if len(missingOptional) > 0 {
		return CheckResult{Name: name, Status: StatusWarn,
			Detail: "missing optional utilities (their tests will be skipped): " + strings.Join(missingOptional, ", ")}
	}
	return CheckResult{Name: name, Status: StatusPass, Detail: "all utilities present"}
}

// protectedDevices maps device paths to the reason they are protected.
func (g *Gate) protectedDevices() (map[string]string, error) {
	protected := make(map[string]string)

	entries, err := target.ReadMountTable(g.procMounts)
	if err != nil {
		return nil, err
	}
	critical := make(map[string]bool, len(g.criticalMounts))
	for _, m := range g.criticalMounts {
		critical[m] = true
	}
	for _, e := range entries {
		if !critical[e.MountPoint] || !strings.HasPrefix(e.Device, "/dev/") {
			continue
		}
		reason := "hosts " + e.MountPoint
		g.protect(protected, e.Device, reason)
	}

	swaps, err := readSwapDevices(g.procSwaps)
	if err != nil {
		return nil, err
	}
	for _, dev := range swaps {
		g.protect(protected, dev, "active swap device")
	}
	return protected, nil
}

// protect records a device and the whole disk containing it, resolving
// symlinks (LVM, by-uuid paths) where possible.
func (g *Gate) protect(protected map[string]string, device, reason string) {
	if resolved, err := g.resolvePath(device); err == nil {
		device = resolved
	}
	if _, dup := protected[device]; !dup {
		protected[device] = reason
	}
	if parent := parentDisk(device); parent != "" {
		if _, dup := protected[parent]; !dup {
			protected[parent] = "whole disk, " + reason
		}
	}
}

var (
	numberedPartRe = regexp.MustCompile(`^(/dev/(?:nvme\d+n\d+|mmcblk\d+|loop\d+))p\d+$`)
	letterPartRe   = regexp.MustCompile(`^(/dev/[a-z]+)\d+$`)
)

// parentDisk returns the whole-disk node for a partition node, or "".
func parentDisk(device string) string {
	if m := numberedPartRe.FindStringSubmatch(device); m != nil {
		return m[1]
	}
	if m := letterPartRe.FindStringSubmatch(device); m != nil {
		return m[1]
	}
	return ""
}

// readSwapDevices parses /proc/swaps, skipping the header row.
func readSwapDevices(path string) ([]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var devices []string
	for i, line := range strings.Split(string(raw), "\n") {
		if i == 0 {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) > 0 && strings.HasPrefix(fields[0], "/dev/") {
			devices = append(devices, fields[0])
		}
	}
	return devices, nil
}
