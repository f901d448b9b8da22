package target

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storageforge/diskmark/internal/cleanup"
	"github.com/storageforge/diskmark/internal/cmdexec"
	"github.com/storageforge/diskmark/internal/config"
)

type fakeMounter struct {
	mounted    map[string]uint64
	total      uint64
	free       uint64
	mountErr   error
	unmountErr error
}

func newFakeMounter() *fakeMounter {
	return &fakeMounter{mounted: make(map[string]uint64), total: 1 << 30, free: 1 << 29}
}

func (m *fakeMounter) MountTmpfs(mountPoint string, sizeBytes uint64) error {
	if m.mountErr != nil {
		return m.mountErr
	}
	m.mounted[mountPoint] = sizeBytes
	return nil
}

func (m *fakeMounter) Unmount(mountPoint string) error {
	if m.unmountErr != nil {
		return m.unmountErr
	}
	delete(m.mounted, mountPoint)
	return nil
}

func (m *fakeMounter) Statfs(string) (uint64, uint64, error) {
	return m.total, m.free, nil
}

func newTestProvisioner(t *testing.T, runner cmdexec.Runner, mounter Mounter) *Provisioner {
	t.Helper()
	cfg := config.Default().Target
	cfg.MountRoot = t.TempDir()
	p := NewProvisioner(cfg, runner, mounter, nil)
	p.procMounts = filepath.Join(t.TempDir(), "mounts")
	require.NoError(t, os.WriteFile(p.procMounts, nil, 0o644))
	p.availableMemory = func() (uint64, error) { return 4 << 30, nil }
	p.checkDevice = func(string) error { return nil }
	p.now = func() time.Time { return time.Date(2026, 8, 24, 10, 30, 0, 0, time.UTC) }
	p.newSuffix = func() string { return "abcd1234" }
	return p
}

func setMountTable(t *testing.T, p *Provisioner, entries ...string) {
	t.Helper()
	require.NoError(t, os.WriteFile(p.procMounts, []byte(strings.Join(entries, "\n")+"\n"), 0o644))
}

func TestComputeRamdiskSize(t *testing.T) {
	gib := uint64(1) << 30

	t.Run("uses fraction below cap", func(t *testing.T) {
		got := ComputeRamdiskSize(10*gib, 0.75, 8*gib)
		assert.Equal(t, uint64(float64(10*gib)*0.75), got) // 7.5 GiB
	})

	t.Run("caps at max", func(t *testing.T) {
		got := ComputeRamdiskSize(16*gib, 0.75, 8*gib)
		assert.Equal(t, 8*gib, got)
	})

	t.Run("zero memory yields zero", func(t *testing.T) {
		assert.Equal(t, uint64(0), ComputeRamdiskSize(0, 0.75, 8*gib))
	})
}

func TestProvisioner_Ramdisk(t *testing.T) {
	t.Run("creates tmpfs and registers cleanup", func(t *testing.T) {
		mounter := newFakeMounter()
		p := newTestProvisioner(t, cmdexec.NewFake(), mounter)
		reg := cleanup.New(nil)

		tgt, err := p.Provision(context.Background(), Spec{Kind: KindRamdisk}, reg)
		require.NoError(t, err)

		assert.Equal(t, KindRamdisk, tgt.Kind)
		assert.Equal(t, StateMounted, tgt.State)
		assert.Equal(t, uint64(3)<<30, tgt.SizeBytes) // 75% of 4 GiB
		assert.Contains(t, tgt.MountPoint, "diskmark_ram_20260824_103000_abcd1234")
		assert.DirExists(t, tgt.MountPoint)
		assert.Contains(t, mounter.mounted, tgt.MountPoint)
		assert.Equal(t, 2, reg.Len())
	})

	t.Run("release unmounts then removes the directory", func(t *testing.T) {
		mounter := newFakeMounter()
		p := newTestProvisioner(t, cmdexec.NewFake(), mounter)
		reg := cleanup.New(nil)

		tgt, err := p.Provision(context.Background(), Spec{Kind: KindRamdisk}, reg)
		require.NoError(t, err)
		setMountTable(t, p, fmt.Sprintf("tmpfs %s tmpfs rw 0 0", tgt.MountPoint))

		reg.Release()
		assert.Empty(t, mounter.mounted)
		assert.NoDirExists(t, tgt.MountPoint)
	})

	t.Run("release skips unmount when not mounted", func(t *testing.T) {
		mounter := newFakeMounter()
		p := newTestProvisioner(t, cmdexec.NewFake(), mounter)
		reg := cleanup.New(nil)

		tgt, err := p.Provision(context.Background(), Spec{Kind: KindRamdisk}, reg)
		require.NoError(t, err)
		// Mount table never lists the target: unmount must be a no-op.
		mounter.unmountErr = fmt.Errorf("should not be called")

		reg.Release()
		assert.NoDirExists(t, tgt.MountPoint)
	})

	t.Run("mount failure surfaces step and leaves cleanup registered", func(t *testing.T) {
		mounter := newFakeMounter()
		mounter.mountErr = fmt.Errorf("tmpfs: permission denied")
		p := newTestProvisioner(t, cmdexec.NewFake(), mounter)
		reg := cleanup.New(nil)

		_, err := p.Provision(context.Background(), Spec{Kind: KindRamdisk}, reg)
		require.Error(t, err)

		var perr *ProvisionError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, StepMount, perr.Step)

		// The mount-point directory was created before the failure; cleanup
		// still removes it.
		assert.Equal(t, 2, reg.Len())
		reg.Release()
		entries, _ := os.ReadDir(filepath.Dir(p.uniqueMountPoint("x")))
		assert.Empty(t, entries)
	})
}

func TestProvisioner_Physical(t *testing.T) {
	const device = "/dev/sdb1"

	t.Run("mounts an unmounted device", func(t *testing.T) {
		runner := cmdexec.NewFake()
		runner.Respond("lsblk", cmdexec.Output{Stdout: "500107862016\n"})
		runner.Respond("mount", cmdexec.Output{ExitCode: 0})
		p := newTestProvisioner(t, runner, newFakeMounter())
		reg := cleanup.New(nil)

		tgt, err := p.Provision(context.Background(), Spec{Kind: KindPhysical, DevicePath: device}, reg)
		require.NoError(t, err)

		assert.Equal(t, device, tgt.SourcePath)
		assert.Equal(t, uint64(500107862016), tgt.SizeBytes)
		assert.False(t, tgt.Borrowed)
		assert.DirExists(t, tgt.MountPoint)
		assert.Equal(t, 2, reg.Len())
		assert.True(t, runner.CalledWith("mount"))
	})

	t.Run("borrows an already-mounted device", func(t *testing.T) {
		runner := cmdexec.NewFake()
		runner.Respond("lsblk", cmdexec.Output{Stdout: "500107862016 /data\n"})
		p := newTestProvisioner(t, runner, newFakeMounter())
		reg := cleanup.New(nil)

		tgt, err := p.Provision(context.Background(), Spec{Kind: KindPhysical, DevicePath: device}, reg)
		require.NoError(t, err)

		assert.True(t, tgt.Borrowed)
		assert.Equal(t, "/data", tgt.MountPoint)
		// Borrowed mounts register no teardown.
		assert.Equal(t, 0, reg.Len())
		assert.False(t, runner.CalledWith("mount"))
	})

	t.Run("mount failure is typed with its step", func(t *testing.T) {
		runner := cmdexec.NewFake()
		runner.Respond("lsblk", cmdexec.Output{Stdout: "1000000\n"})
		runner.Respond("mount", cmdexec.Output{ExitCode: 32, Stderr: "wrong fs type"})
		p := newTestProvisioner(t, runner, newFakeMounter())
		reg := cleanup.New(nil)

		_, err := p.Provision(context.Background(), Spec{Kind: KindPhysical, DevicePath: device}, reg)
		var perr *ProvisionError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, StepMount, perr.Step)
		assert.Contains(t, perr.Error(), "wrong fs type")
	})

	t.Run("device validation failure mutates nothing", func(t *testing.T) {
		runner := cmdexec.NewFake()
		p := newTestProvisioner(t, runner, newFakeMounter())
		p.checkDevice = func(path string) error { return fmt.Errorf("%s is not a block device", path) }
		reg := cleanup.New(nil)

		_, err := p.Provision(context.Background(), Spec{Kind: KindPhysical, DevicePath: "/etc/hosts"}, reg)
		var perr *ProvisionError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, StepValidateDevice, perr.Step)
		assert.Equal(t, 0, reg.Len())
		assert.Empty(t, runner.Calls())
	})
}

func TestProvisioner_Readiness(t *testing.T) {
	t.Run("writable target with capacity is ready", func(t *testing.T) {
		mounter := newFakeMounter()
		p := newTestProvisioner(t, cmdexec.NewFake(), mounter)
		tgt := &Target{Kind: KindRamdisk, MountPoint: t.TempDir(), SizeBytes: 1 << 30, State: StateMounted}

		assert.NoError(t, p.Readiness(tgt))
	})

	t.Run("rejects zero capacity", func(t *testing.T) {
		mounter := newFakeMounter()
		mounter.total = 0
		p := newTestProvisioner(t, cmdexec.NewFake(), mounter)
		tgt := &Target{Kind: KindPhysical, MountPoint: t.TempDir(), State: StateMounted}

		err := p.Readiness(tgt)
		var perr *ProvisionError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, StepReadiness, perr.Step)
	})

	t.Run("rejects unwritable mount point", func(t *testing.T) {
		p := newTestProvisioner(t, cmdexec.NewFake(), newFakeMounter())
		tgt := &Target{Kind: KindPhysical, MountPoint: "/nonexistent/diskmark", State: StateMounted}

		assert.Error(t, p.Readiness(tgt))
	})
}

func TestParseMountTable(t *testing.T) {
	table := `/dev/nvme0n1p2 / ext4 rw,relatime 0 0
tmpfs /tmp tmpfs rw,nosuid 0 0
/dev/sda1 /mnt/data\040disk ext4 rw 0 0
garbage
`
	entries := ParseMountTable(strings.NewReader(table))
	require.Len(t, entries, 3)
	assert.Equal(t, "/dev/nvme0n1p2", entries[0].Device)
	assert.Equal(t, "/", entries[0].MountPoint)
	assert.Equal(t, "ext4", entries[0].FSType)
	assert.Equal(t, "/mnt/data disk", entries[2].MountPoint)
}

func TestTarget_Mounted(t *testing.T) {
	tgt := &Target{MountPoint: "/mnt/x", State: StateReady}
	assert.True(t, tgt.Mounted())

	tgt.State = StateReleased
	assert.False(t, tgt.Mounted())

	tgt = &Target{State: StateUninitialized}
	assert.False(t, tgt.Mounted())
}
