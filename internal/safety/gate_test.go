package safety

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storageforge/diskmark/internal/cmdexec"
	"github.com/storageforge/diskmark/internal/config"
	"github.com/storageforge/diskmark/internal/target"
)

type fakeHost struct {
	available uint64
	free      uint64
	cpu       float64
	loadAvg   float64
	uid       int

	memErr  error
	diskErr error
	cpuErr  error
	loadErr error
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		available: 8 << 30,
		free:      100 << 30,
		cpu:       5.0,
		loadAvg:   0.2,
		uid:       0,
	}
}

func (h *fakeHost) AvailableMemory() (uint64, error) { return h.available, h.memErr }
func (h *fakeHost) DiskFree(string) (uint64, error)  { return h.free, h.diskErr }
func (h *fakeHost) CPUPercent() (float64, error)     { return h.cpu, h.cpuErr }
func (h *fakeHost) LoadAverage() (float64, error)    { return h.loadAvg, h.loadErr }
func (h *fakeHost) EffectiveUID() int                { return h.uid }

func newTestGate(t *testing.T, host Host, runner cmdexec.Runner) *Gate {
	t.Helper()
	g := NewGate(config.Default().Safety, host, runner, nil)
	dir := t.TempDir()
	g.procMounts = filepath.Join(dir, "mounts")
	g.procSwaps = filepath.Join(dir, "swaps")
	require.NoError(t, os.WriteFile(g.procMounts, []byte("/dev/sda2 / ext4 rw 0 0\n"), 0o644))
	require.NoError(t, os.WriteFile(g.procSwaps,
		[]byte("Filename Type Size Used Priority\n/dev/sda3 partition 8388604 0 -2\n"), 0o644))
	g.resolvePath = func(p string) (string, error) { return p, nil }
	return g
}

func resultFor(t *testing.T, rs Results, name string) CheckResult {
	t.Helper()
	for _, r := range rs {
		if r.Name == name {
			return r
		}
	}
	t.Fatalf("no result named %s", name)
	return CheckResult{}
}

func TestGate_AllChecksRun(t *testing.T) {
	g := newTestGate(t, newFakeHost(), cmdexec.NewFake())
	rs := g.Run(context.Background(), Request{Spec: target.Spec{Kind: target.KindRamdisk}})

	// Every check reports even when earlier ones would already decide the run.
	require.Len(t, rs, 7)
	assert.True(t, rs.OK())
	assert.Empty(t, rs.Failures())
}

func TestGate_DeviceIdentity(t *testing.T) {
	t.Run("rejects the root device", func(t *testing.T) {
		g := newTestGate(t, newFakeHost(), cmdexec.NewFake())
		rs := g.Run(context.Background(), Request{
			Spec: target.Spec{Kind: target.KindPhysical, DevicePath: "/dev/sda2"},
		})
		r := resultFor(t, rs, "device_identity")
		assert.Equal(t, StatusFail, r.Status)
		assert.Contains(t, r.Detail, "protected")
		assert.False(t, rs.OK())
	})

	t.Run("rejects the parent disk of a protected partition", func(t *testing.T) {
		g := newTestGate(t, newFakeHost(), cmdexec.NewFake())
		rs := g.Run(context.Background(), Request{
			Spec: target.Spec{Kind: target.KindPhysical, DevicePath: "/dev/sda"},
		})
		assert.Equal(t, StatusFail, resultFor(t, rs, "device_identity").Status)
	})

	t.Run("rejects an active swap device", func(t *testing.T) {
		g := newTestGate(t, newFakeHost(), cmdexec.NewFake())
		rs := g.Run(context.Background(), Request{
			Spec: target.Spec{Kind: target.KindPhysical, DevicePath: "/dev/sda3"},
		})
		r := resultFor(t, rs, "device_identity")
		assert.Equal(t, StatusFail, r.Status)
		assert.Contains(t, r.Detail, "swap")
	})

	t.Run("accepts an unrelated device", func(t *testing.T) {
		g := newTestGate(t, newFakeHost(), cmdexec.NewFake())
		rs := g.Run(context.Background(), Request{
			Spec: target.Spec{Kind: target.KindPhysical, DevicePath: "/dev/sdb1"},
		})
		assert.Equal(t, StatusPass, resultFor(t, rs, "device_identity").Status)
	})

	t.Run("resolves symlinked device paths", func(t *testing.T) {
		g := newTestGate(t, newFakeHost(), cmdexec.NewFake())
		g.resolvePath = func(p string) (string, error) {
			if p == "/dev/disk/by-uuid/abcd" {
				return "/dev/sda2", nil
			}
			return p, nil
		}
		rs := g.Run(context.Background(), Request{
			Spec: target.Spec{Kind: target.KindPhysical, DevicePath: "/dev/disk/by-uuid/abcd"},
		})
		assert.Equal(t, StatusFail, resultFor(t, rs, "device_identity").Status)
	})

	t.Run("nvme parent disk derivation", func(t *testing.T) {
		assert.Equal(t, "/dev/nvme0n1", parentDisk("/dev/nvme0n1p2"))
		assert.Equal(t, "/dev/mmcblk0", parentDisk("/dev/mmcblk0p1"))
		assert.Equal(t, "/dev/sda", parentDisk("/dev/sda1"))
		assert.Equal(t, "", parentDisk("/dev/sda"))
		assert.Equal(t, "", parentDisk("/dev/nvme0n1"))
	})
}

func TestGate_Permission(t *testing.T) {
	host := newFakeHost()
	host.uid = 1000
	g := newTestGate(t, host, cmdexec.NewFake())

	rs := g.Run(context.Background(), Request{Spec: target.Spec{Kind: target.KindRamdisk}})
	r := resultFor(t, rs, "permission")
	assert.Equal(t, StatusFail, r.Status)
	assert.Contains(t, r.Detail, "uid 1000")
	assert.False(t, rs.OK())
}

func TestGate_DiskSpace(t *testing.T) {
	t.Run("fails below the minimum", func(t *testing.T) {
		host := newFakeHost()
		host.free = 100 << 20 // below the 1 GiB default
		g := newTestGate(t, host, cmdexec.NewFake())

		rs := g.Run(context.Background(), Request{
			Spec:      target.Spec{Kind: target.KindPhysical, DevicePath: "/dev/sdb1"},
			WritePath: "/data",
		})
		assert.Equal(t, StatusFail, resultFor(t, rs, "disk_space").Status)
	})

	t.Run("skipped without a write path", func(t *testing.T) {
		host := newFakeHost()
		host.free = 0
		g := newTestGate(t, host, cmdexec.NewFake())

		rs := g.Run(context.Background(), Request{Spec: target.Spec{Kind: target.KindRamdisk}})
		assert.Equal(t, StatusPass, resultFor(t, rs, "disk_space").Status)
	})
}

func TestGate_Memory(t *testing.T) {
	gib := uint64(1) << 30

	t.Run("fails when the ramdisk does not fit", func(t *testing.T) {
		host := newFakeHost()
		host.available = 2 * gib
		g := newTestGate(t, host, cmdexec.NewFake())

		rs := g.Run(context.Background(), Request{
			Spec:         target.Spec{Kind: target.KindRamdisk},
			RamdiskBytes: 4 * gib,
		})
		assert.Equal(t, StatusFail, resultFor(t, rs, "memory").Status)
	})

	t.Run("warns when the fit is tight", func(t *testing.T) {
		host := newFakeHost()
		// 4 GiB ramdisk + 512 MiB margin = 4.5 GiB needed; 4.75 GiB available
		// is inside the second margin band.
		host.available = 4*gib + 768<<20
		g := newTestGate(t, host, cmdexec.NewFake())

		rs := g.Run(context.Background(), Request{
			Spec:         target.Spec{Kind: target.KindRamdisk},
			RamdiskBytes: 4 * gib,
		})
		assert.Equal(t, StatusWarn, resultFor(t, rs, "memory").Status)
	})

	t.Run("unreadable memory only warns", func(t *testing.T) {
		host := newFakeHost()
		host.memErr = fmt.Errorf("proc unavailable")
		g := newTestGate(t, host, cmdexec.NewFake())

		rs := g.Run(context.Background(), Request{Spec: target.Spec{Kind: target.KindRamdisk}})
		assert.Equal(t, StatusWarn, resultFor(t, rs, "memory").Status)
		assert.True(t, rs.OK())
	})
}

func TestGate_LoadAndCPUAreAdvisory(t *testing.T) {
	host := newFakeHost()
	host.cpu = 97.5
	host.loadAvg = 12.0
	g := newTestGate(t, host, cmdexec.NewFake())

	rs := g.Run(context.Background(), Request{Spec: target.Spec{Kind: target.KindRamdisk}})
	assert.Equal(t, StatusWarn, resultFor(t, rs, "cpu_usage").Status)
	assert.Equal(t, StatusWarn, resultFor(t, rs, "system_load").Status)
	// Warnings never block the run.
	assert.True(t, rs.OK())
	assert.Len(t, rs.Warnings(), 2)
}

func TestGate_ToolAvailability(t *testing.T) {
	t.Run("missing core utility fails", func(t *testing.T) {
		runner := cmdexec.NewFake()
		runner.MarkMissing("mount")
		g := newTestGate(t, newFakeHost(), runner)

		rs := g.Run(context.Background(), Request{
			Spec:          target.Spec{Kind: target.KindRamdisk},
			CoreUtilities: []string{"mount", "umount"},
		})
		r := resultFor(t, rs, "tool_availability")
		assert.Equal(t, StatusFail, r.Status)
		assert.Contains(t, r.Detail, "mount")
	})

	t.Run("missing optional utility warns", func(t *testing.T) {
		runner := cmdexec.NewFake()
		runner.MarkMissing("fio")
		g := newTestGate(t, newFakeHost(), runner)

		rs := g.Run(context.Background(), Request{
			Spec:              target.Spec{Kind: target.KindRamdisk},
			OptionalUtilities: []string{"fio", "dd"},
		})
		r := resultFor(t, rs, "tool_availability")
		assert.Equal(t, StatusWarn, r.Status)
		assert.Contains(t, r.Detail, "fio")
		assert.True(t, rs.OK())
	})
}
