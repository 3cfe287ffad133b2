package provisioner

import (
	"errors"
	"fmt"
	"strings"
)

// State is a step of the create workflow.
type State int

const (
	StateInit State = iota
	StateVolumeCreated
	StateExtentCreated
	StateTargetResolved
	StateMapped
	StateDone
	StateRollingBack
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateVolumeCreated:
		return "VolumeCreated"
	case StateExtentCreated:
		return "ExtentCreated"
	case StateTargetResolved:
		return "TargetResolved"
	case StateMapped:
		return "Mapped"
	case StateDone:
		return "Done"
	case StateRollingBack:
		return "RollingBack"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Steps named in ProvisionError.
const (
	StepCreateVolume  = "create volume"
	StepCloneSnapshot = "clone snapshot"
	StepResizeClone   = "resize clone"
	StepCreateExtent  = "create extent"
	StepResolveTarget = "resolve target"
	StepMapLUN        = "map LUN"
)

// ProvisionError is a failed create together with whatever its rollback
// could not undo. errors.Is and errors.As see the original failure first,
// then each cleanup failure.
type ProvisionError struct {
	Volume string
	Step   string
	// Reached is the last state completed before the failure.
	Reached State
	Err     error
	Cleanup []error
}

func (e *ProvisionError) Error() string {
	msg := fmt.Sprintf("provisioning %s failed to %s after %s: %v", e.Volume, e.Step, e.Reached, e.Err)
	if len(e.Cleanup) > 0 {
		msg += "; rollback incomplete: " + joinMessages(e.Cleanup)
	}
	return msg
}

func (e *ProvisionError) Unwrap() []error {
	return append([]error{e.Err}, e.Cleanup...)
}

// CheckError is one failed pre-flight check.
type CheckError struct {
	Check string
	Err   error
}

func (e *CheckError) Error() string {
	return fmt.Sprintf("%s check failed: %v", e.Check, e.Err)
}

func (e *CheckError) Unwrap() error {
	return e.Err
}

// PreflightError aggregates every failed check of one request.
type PreflightError struct {
	Volume string
	Errs   []error
}

func (e *PreflightError) Error() string {
	return fmt.Sprintf("pre-flight for %s: %d check(s) failed: %s", e.Volume, len(e.Errs), joinMessages(e.Errs))
}

func (e *PreflightError) Unwrap() []error {
	return e.Errs
}

// Failed reports whether check is among the failures.
func (e *PreflightError) Failed(check string) bool {
	for _, err := range e.Errs {
		var ce *CheckError
		if errors.As(err, &ce) && ce.Check == check {
			return true
		}
	}
	return false
}

func joinMessages(errs []error) string {
	msgs := make([]string, len(errs))
	for i, err := range errs {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}
