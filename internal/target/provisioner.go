package target

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/mem"
	"go.uber.org/zap"

	"github.com/storageforge/diskmark/internal/cleanup"
	"github.com/storageforge/diskmark/internal/cmdexec"
	"github.com/storageforge/diskmark/internal/config"
)

// Provisioning step names, carried by ProvisionError so the operator learns
// exactly which step failed.
const (
	StepValidateDevice   = "validate_device"
	StepInspectDevice    = "inspect_device"
	StepComputeSize      = "compute_size"
	StepCreateMountPoint = "create_mount_point"
	StepMount            = "mount"
	StepReadiness        = "readiness"
)

// ProvisionError identifies the provisioning step that failed. Whatever
// partial state exists when it is returned has matching cleanup actions
// already registered.
type ProvisionError struct {
	Step string
	Err  error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provisioning failed at %s: %v", e.Step, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

const mountCommandTimeout = 30 * time.Second

// Provisioner creates benchmark targets and registers their teardown.
type Provisioner struct {
	runner  cmdexec.Runner
	mounter Mounter
	logger  *zap.Logger

	mountRoot   string
	ramdiskMax  uint64
	memFraction float64

	// Injection points for tests.
	procMounts      string
	availableMemory func() (uint64, error)
	checkDevice     func(path string) error
	now             func() time.Time
	newSuffix       func() string
}

// NewProvisioner wires a provisioner against the host.
func NewProvisioner(cfg config.TargetSettings, runner cmdexec.Runner, mounter Mounter, logger *zap.Logger) *Provisioner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provisioner{
		runner:      runner,
		mounter:     mounter,
		logger:      logger,
		mountRoot:   cfg.MountRoot,
		ramdiskMax:  uint64(cfg.RamdiskMaxBytes),
		memFraction: cfg.RamdiskMemFraction,
		procMounts:  "/proc/mounts",
		availableMemory: func() (uint64, error) {
			vm, err := mem.VirtualMemory()
			if err != nil {
				return 0, err
			}
			return vm.Available, nil
		},
		checkDevice: checkBlockDevice,
		now:         time.Now,
		newSuffix:   func() string { return uuid.NewString()[:8] },
	}
}

// ComputeRamdiskSize returns min(available*fraction, maxBytes).
func ComputeRamdiskSize(availableBytes uint64, fraction float64, maxBytes uint64) uint64 {
	size := uint64(float64(availableBytes) * fraction)
	if size > maxBytes {
		return maxBytes
	}
	return size
}

// Provision creates the target described by spec. Cleanup actions are
// registered with reg before each mutating step, so partial failures still
// tear down correctly in reverse order.
func (p *Provisioner) Provision(ctx context.Context, spec Spec, reg *cleanup.Registry) (*Target, error) {
	switch spec.Kind {
	case KindPhysical:
		return p.provisionPhysical(ctx, spec, reg)
	case KindRamdisk:
		return p.provisionRamdisk(ctx, reg)
	default:
		return nil, &ProvisionError{Step: StepValidateDevice, Err: fmt.Errorf("unknown target kind %q", spec.Kind)}
	}
}

func (p *Provisioner) provisionPhysical(ctx context.Context, spec Spec, reg *cleanup.Registry) (*Target, error) {
	if err := p.checkDevice(spec.DevicePath); err != nil {
		return nil, &ProvisionError{Step: StepValidateDevice, Err: err}
	}

	size, existingMount, err := p.inspectDevice(ctx, spec.DevicePath)
	if err != nil {
		return nil, &ProvisionError{Step: StepInspectDevice, Err: err}
	}

	if existingMount != "" {
		p.logger.Info("device already mounted, borrowing mount point",
			zap.String("device", spec.DevicePath),
			zap.String("mount_point", existingMount))
		return &Target{
			Kind:       KindPhysical,
			SourcePath: spec.DevicePath,
			MountPoint: existingMount,
			SizeBytes:  size,
			State:      StateMounted,
			Borrowed:   true,
		}, nil
	}

	mountPoint := p.uniqueMountPoint("diskmark")

	reg.Register("remove mount point "+mountPoint, p.removeDirAction(mountPoint))
	if err := os.MkdirAll(mountPoint, 0o755); err != nil {
		return nil, &ProvisionError{Step: StepCreateMountPoint, Err: err}
	}

	reg.Register("unmount "+mountPoint, p.unmountDeviceAction(mountPoint))
	out, err := p.runner.Run(ctx, cmdexec.Spec{
		Name:    "mount",
		Args:    []string{spec.DevicePath, mountPoint},
		Timeout: mountCommandTimeout,
	})
	if err != nil {
		return nil, &ProvisionError{Step: StepMount, Err: err}
	}
	if out.ExitCode != 0 {
		return nil, &ProvisionError{Step: StepMount,
			Err: fmt.Errorf("mount %s exited %d: %s", spec.DevicePath, out.ExitCode, strings.TrimSpace(out.Stderr))}
	}

	p.logger.Info("device mounted",
		zap.String("device", spec.DevicePath),
		zap.String("mount_point", mountPoint),
		zap.Uint64("size_bytes", size))

	return &Target{
		Kind:       KindPhysical,
		SourcePath: spec.DevicePath,
		MountPoint: mountPoint,
		SizeBytes:  size,
		State:      StateMounted,
	}, nil
}

func (p *Provisioner) provisionRamdisk(_ context.Context, reg *cleanup.Registry) (*Target, error) {
	// Available memory is read live: it can change between the safety gate
	// and this point.
	available, err := p.availableMemory()
	if err != nil {
		return nil, &ProvisionError{Step: StepComputeSize, Err: err}
	}
	size := ComputeRamdiskSize(available, p.memFraction, p.ramdiskMax)
	if size == 0 {
		return nil, &ProvisionError{Step: StepComputeSize, Err: errors.New("no memory available for ramdisk")}
	}

	mountPoint := p.uniqueMountPoint("diskmark_ram")

	reg.Register("remove mount point "+mountPoint, p.removeDirAction(mountPoint))
	if err := os.MkdirAll(mountPoint, 0o755); err != nil {
		return nil, &ProvisionError{Step: StepCreateMountPoint, Err: err}
	}

	reg.Register("unmount ramdisk "+mountPoint, p.unmountRamdiskAction(mountPoint))
	if err := p.mounter.MountTmpfs(mountPoint, size); err != nil {
		return nil, &ProvisionError{Step: StepMount, Err: err}
	}

	p.logger.Info("ramdisk created",
		zap.String("mount_point", mountPoint),
		zap.Uint64("size_bytes", size),
		zap.Uint64("available_bytes", available))

	return &Target{
		Kind:       KindRamdisk,
		MountPoint: mountPoint,
		SizeBytes:  size,
		State:      StateMounted,
	}, nil
}

// Readiness verifies the mounted target is writable and reports capacity.
func (p *Provisioner) Readiness(t *Target) error {
	probe := filepath.Join(t.MountPoint, ".diskmark_write_probe")
	if err := os.WriteFile(probe, []byte("probe"), 0o644); err != nil {
		return &ProvisionError{Step: StepReadiness, Err: fmt.Errorf("target not writable: %w", err)}
	}
	if err := os.Remove(probe); err != nil {
		return &ProvisionError{Step: StepReadiness, Err: err}
	}

	total, _, err := p.mounter.Statfs(t.MountPoint)
	if err != nil {
		return &ProvisionError{Step: StepReadiness, Err: err}
	}
	if total == 0 {
		return &ProvisionError{Step: StepReadiness, Err: errors.New("target reports zero capacity")}
	}
	if t.Kind == KindRamdisk && total < t.SizeBytes/2 {
		return &ProvisionError{Step: StepReadiness,
			Err: fmt.Errorf("ramdisk capacity %d far below requested %d", total, t.SizeBytes)}
	}
	return nil
}

// inspectDevice reads size and current mount point from lsblk.
func (p *Provisioner) inspectDevice(ctx context.Context, device string) (uint64, string, error) {
	out, err := p.runner.Run(ctx, cmdexec.Spec{
		Name:    "lsblk",
		Args:    []string{"-b", "-d", "-n", "-r", "-o", "SIZE,MOUNTPOINT", device},
		Timeout: mountCommandTimeout,
	})
	if err != nil {
		return 0, "", err
	}
	if out.ExitCode != 0 {
		return 0, "", fmt.Errorf("lsblk exited %d: %s", out.ExitCode, strings.TrimSpace(out.Stderr))
	}

	fields := strings.Fields(strings.TrimSpace(out.Stdout))
	if len(fields) == 0 {
		return 0, "", fmt.Errorf("lsblk returned no data for %s", device)
	}
	size, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("parse device size %q: %w", fields[0], err)
	}
	mountPoint := ""
	if len(fields) > 1 {
		mountPoint = fields[1]
	}
	return size, mountPoint, nil
}

func (p *Provisioner) uniqueMountPoint(prefix string) string {
	stamp := p.now().Format("20060102_150405")
	return filepath.Join(p.mountRoot, fmt.Sprintf("%s_%s_%s", prefix, stamp, p.newSuffix()))
}

// mountedAt checks the live mount table, making unmount actions idempotent.
func (p *Provisioner) mountedAt(mountPoint string) bool {
	entries, err := ReadMountTable(p.procMounts)
	if err != nil {
		// If the table is unreadable, attempt the unmount anyway.
		return true
	}
	for _, e := range entries {
		if e.MountPoint == mountPoint {
			return true
		}
	}
	return false
}

func (p *Provisioner) unmountRamdiskAction(mountPoint string) func() error {
	return func() error {
		if !p.mountedAt(mountPoint) {
			return nil
		}
		return p.mounter.Unmount(mountPoint)
	}
}

func (p *Provisioner) unmountDeviceAction(mountPoint string) func() error {
	return func() error {
		if !p.mountedAt(mountPoint) {
			return nil
		}
		out, err := p.runner.Run(context.Background(), cmdexec.Spec{
			Name:    "umount",
			Args:    []string{mountPoint},
			Timeout: mountCommandTimeout,
		})
		if err != nil {
			return err
		}
		if out.ExitCode != 0 {
			return fmt.Errorf("umount %s exited %d: %s", mountPoint, out.ExitCode, strings.TrimSpace(out.Stderr))
		}
		return nil
	}
}

func (p *Provisioner) removeDirAction(mountPoint string) func() error {
	return func() error {
		if _, err := os.Stat(mountPoint); errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return os.Remove(mountPoint)
	}
}

func checkBlockDevice(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("device %s: %w", path, err)
	}
	if fi.Mode()&os.ModeDevice == 0 || fi.Mode()&os.ModeCharDevice != 0 {
		return fmt.Errorf("%s is not a block device", path)
	}
	return nil
}
