// Package vmmerr defines the error taxonomy shared by every device and bus
// in the core: the abstract result kinds that a VBus/MSR-bus access, a
// virtio ring operation, or a guest-memory copy can produce.
package vmmerr

import "errors"

// Sentinel errors returned by device Access, ring, and address-space
// operations. Callers compare with errors.Is.
var (
	// ErrNoEntry means there was nothing to dequeue (e.g. DeviceQueue.recv
	// found no available descriptor).
	ErrNoEntry = errors.New("no entry")

	// ErrNoDevice means a VBus or MSR bus lookup found no device/register
	// registered at the given address/id.
	ErrNoDevice = errors.New("no device at address")

	// ErrAccess means the target device rejected the access, e.g. a write
	// to a read-only MSR.
	ErrAccess = errors.New("access rejected by device")

	// ErrInvalidParameter flags a malformed request (bad size, bad queue
	// length, ...).
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrOutOfMemory flags resource exhaustion during device construction.
	ErrOutOfMemory = errors.New("out of memory")

	// ErrPermission flags a permission violation: a write into a
	// read-only descriptor, or a read from a write-only one.
	ErrPermission = errors.New("permission denied")

	// ErrNotRecoverable flags a protocol violation in a virtio ring
	// (descriptor loop, index out of range, ...). The error is returned
	// to the caller; the offending chain is not drained or returned to
	// the used ring.
	ErrNotRecoverable = errors.New("not recoverable")
)

// Action is the set of non-error outcomes the exit-dispatch loop must act
// on after a bus Access call returns. Ok means nothing further is needed.
type Action int

const (
	// ActionOK means the access completed and requires no special
	// follow-up from the caller.
	ActionOK Action = iota

	// ActionUpdateRegister means the caller must write *val back into the
	// guest GPR/system register that triggered the access.
	ActionUpdateRegister

	// ActionReplayInstruction means the device produced a side effect
	// (e.g. demand-mapping a page) and the faulting instruction must be
	// retried.
	ActionReplayInstruction
)

func (a Action) String() string {
	switch a {
	case ActionOK:
		return "OK"
	case ActionUpdateRegister:
		return "UpdateRegister"
	case ActionReplayInstruction:
		return "ReplayInstruction"
	default:
		return "Unknown"
	}
}

// Fatal reports whether an error surfacing from the exit-dispatch layer
// should abort the VM. Data/instruction aborts that hit ErrNoDevice or
// ErrAccess are fatal because they indicate unmodeled hardware; ring
// protocol violations (ErrNotRecoverable) are not counted as fatal.
func Fatal(err error) bool {
	return errors.Is(err, ErrNoDevice) || errors.Is(err, ErrAccess)
}
