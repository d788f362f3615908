package watchdog

import (
	"fmt"
	"time"
)

type Phase uint8

const (
	PhaseNoData Phase = iota
	PhaseOk
	PhaseTooFar
	PhaseGracePeriod
	PhaseResetting
	PhasePowerOff
)

// Phases lists every phase, in declaration order.
var Phases = []Phase{PhaseNoData, PhaseOk, PhaseTooFar, PhaseGracePeriod, PhaseResetting, PhasePowerOff}

func (p Phase) String() string {
	switch p {
	case PhaseNoData:
		return "no_data"
	case PhaseOk:
		return "ok"
	case PhaseTooFar:
		return "too_far"
	case PhaseGracePeriod:
		return "grace_period"
	case PhaseResetting:
		return "resetting"
	case PhasePowerOff:
		return "power_off"
	default:
		return fmt.Sprintf("phase(%d)", uint8(p))
	}
}

// State is the monitor state of one machine.
//
// At carries the payload of the timed phases:
//   - Ok: the deadline the guest last reported
//   - TooFar: the far-future deadline the guest reported
//   - GracePeriod: when the reset will be issued
//   - Resetting: when polling resumes
//
// At is zero for NoData and PowerOff.
type State struct {
	Phase Phase
	At    time.Time
}

func NoData() State                        { return State{Phase: PhaseNoData} }
func Ok(deadline time.Time) State          { return State{Phase: PhaseOk, At: deadline} }
func TooFar(deadline time.Time) State      { return State{Phase: PhaseTooFar, At: deadline} }
func GracePeriod(deadline time.Time) State { return State{Phase: PhaseGracePeriod, At: deadline} }
func Resetting(resumeAt time.Time) State   { return State{Phase: PhaseResetting, At: resumeAt} }
func PowerOff() State                      { return State{Phase: PhasePowerOff} }

func (s State) Is(p Phase) bool { return s.Phase == p }

func (s State) Equal(o State) bool {
	return s.Phase == o.Phase && s.At.Equal(o.At)
}

func (s State) String() string {
	switch s.Phase {
	case PhaseNoData, PhasePowerOff:
		return s.Phase.String()
	default:
		return fmt.Sprintf("%s(%s)", s.Phase, s.At.UTC().Format(time.RFC3339))
	}
}

// Runtime is the mutable per-machine record. It is owned by exactly one
// Monitor goroutine.
type Runtime struct {
	State        State
	PingFailures uint32

	// Seconds of the smallest threshold already announced in the current
	// grace period. Zero when none has been sent.
	LastSentThreshold uint64
}

func NewRuntime() Runtime {
	return Runtime{State: NoData()}
}
