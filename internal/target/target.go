// Package target models the thing being benchmarked and provisions it:
// either an existing partition mounted for the run, or an ephemeral
// memory-backed filesystem created for it.
package target

// Kind distinguishes the two provisionable target types.
type Kind string

const (
	KindPhysical Kind = "physical_device"
	KindRamdisk  Kind = "ramdisk"
)

// State is the lifecycle state of a target. Transitions are driven by the
// lifecycle controller; the provisioner only ever produces Mounted targets.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateValidated     State = "validated"
	StateProvisioned   State = "provisioned"
	StateMounted       State = "mounted"
	StateReady         State = "ready"
	StateInUse         State = "in_use"
	StateReleased      State = "released"
	StateFailed        State = "failed"
)

// Spec is the operator's request: what to benchmark.
type Spec struct {
	Kind       Kind
	DevicePath string // device node for KindPhysical, unused for KindRamdisk
}

// Target is a provisioned benchmark target.
type Target struct {
	Kind       Kind
	SourcePath string // device node; empty for ramdisk targets
	MountPoint string
	SizeBytes  uint64
	State      State

	// Borrowed marks a physical device that was already mounted before the
	// run. A borrowed mount is never unmounted by cleanup.
	Borrowed bool
}

// Mounted reports whether the target currently holds a mount point. The
// mount point is set exactly in the Mounted, Ready, and InUse states.
func (t *Target) Mounted() bool {
	switch t.State {
	case StateMounted, StateReady, StateInUse:
		return t.MountPoint != ""
	}
	return false
}
