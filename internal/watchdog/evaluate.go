package watchdog

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"guest-watchdog/internal/model"
)

// PingFailureLimit is the number of consecutive failed guest-agent pings
// that moves a healthy machine into its grace period.
const PingFailureLimit = 5

// Observation is everything one tick learned from the hypervisor.
// The power query itself must have succeeded; a failed power query never
// reaches Evaluate.
type Observation struct {
	Running bool
	PingErr error

	// Exchange is set only when the ping succeeded.
	Exchange *Exchange
}

// Exchange is the outcome of the heartbeat write/read pair.
// ReadErr and Content are meaningful only when WriteErr is nil.
type Exchange struct {
	WriteErr error
	ReadErr  error
	Content  string
}

type EffectKind uint8

const (
	EffectNotify EffectKind = iota + 1
	EffectReset
)

func (k EffectKind) String() string {
	switch k {
	case EffectNotify:
		return "notify"
	case EffectReset:
		return "reset"
	default:
		return fmt.Sprintf("effect(%d)", uint8(k))
	}
}

// Effect is a side effect requested by Evaluate, executed in order by the
// Monitor after the transition has been computed.
type Effect struct {
	Kind    EffectKind
	Message string
}

func notify(format string, args ...any) Effect {
	return Effect{Kind: EffectNotify, Message: fmt.Sprintf(format, args...)}
}

// Evaluate applies one tick's observation to rt and returns the next runtime
// together with the effects to perform. It performs no I/O.
func Evaluate(rt Runtime, cfg model.MachineConfig, obs Observation, now time.Time) (Runtime, []Effect) {
	e := evaluation{rt: rt, cfg: cfg.WithDefaults(), now: now}
	e.run(obs)
	if !e.rt.State.Is(PhaseGracePeriod) {
		e.rt.LastSentThreshold = 0
	}
	return e.rt, e.effects
}

type evaluation struct {
	rt      Runtime
	cfg     model.MachineConfig
	now     time.Time
	effects []Effect
}

func (e *evaluation) say(format string, args ...any) {
	e.effects = append(e.effects, notify(format, args...))
}

func (e *evaluation) enterGracePeriod() {
	e.rt.State = GracePeriod(e.now.Add(e.cfg.GracePeriod))
}

func (e *evaluation) run(obs Observation) {
	if !e.reconcilePower(obs.Running) {
		return
	}

	if !e.rt.State.Is(PhaseGracePeriod) {
		e.rt.LastSentThreshold = 0
	}

	if e.rt.State.Is(PhaseResetting) && !e.now.Before(e.rt.State.At) {
		e.say("Machine reset timer has completed, resuming monitoring")
		e.rt.State = NoData()
	}

	if e.rt.State.Is(PhaseTooFar) && !e.now.Add(e.cfg.MaxNoWarningInterval).Before(e.rt.State.At) {
		e.rt.State = Ok(e.rt.State.At)
	}

	e.applyPing(obs.PingErr)

	if e.rt.PingFailures == 0 && obs.Exchange != nil {
		e.applyExchange(*obs.Exchange)
	}

	if e.rt.State.Is(PhaseOk) && !e.rt.State.At.After(e.now) {
		last := e.rt.State.At
		e.enterGracePeriod()
		e.say("Machine has not updated its %s in a while (last update was at %s). Grace period started",
			e.cfg.ResetAfterPath, formatTime(last))
	}

	if e.rt.State.Is(PhaseNoData) {
		e.enterGracePeriod()
		e.say("Could not read the next reset time from the file at %s. Grace period started", e.cfg.ResetAfterPath)
	}

	if e.rt.State.Is(PhaseGracePeriod) && !e.rt.State.At.After(e.now) {
		e.say("Grace period has expired. Resetting machine now")
		if e.cfg.DryRun {
			e.say("Dry-run mode: not actually resetting the machine")
		} else {
			e.effects = append(e.effects, Effect{Kind: EffectReset})
		}
		e.rt.State = Resetting(e.now.Add(e.cfg.ResetDuration))
	}

	if e.rt.State.Is(PhaseGracePeriod) {
		t := ThresholdFor(secondsUntil(e.rt.State.At, e.now))
		if e.rt.LastSentThreshold != t.Seconds {
			e.rt.LastSentThreshold = t.Seconds
			e.say("Machine will reset in %s unless the issue is fixed", t.Label)
		}
	}
}

// reconcilePower reports whether the rest of the tick should run.
func (e *evaluation) reconcilePower(running bool) bool {
	wasOff := e.rt.State.Is(PhasePowerOff)
	switch {
	case !running && wasOff:
		return false
	case running && wasOff:
		e.say("Machine has been powered on, beginning reset timer")
		e.rt.State = Resetting(e.now.Add(e.cfg.ResetDuration))
		e.rt.PingFailures = 0
		return true
	case !running:
		e.say("Machine has been powered off, stopping monitoring")
		e.rt.State = PowerOff()
		return false
	default:
		return true
	}
}

func (e *evaluation) applyPing(err error) {
	if err == nil {
		e.rt.PingFailures = 0
		return
	}
	e.rt.PingFailures++
	if e.rt.State.Is(PhaseOk) && e.rt.PingFailures >= PingFailureLimit {
		e.enterGracePeriod()
		e.say("The machine has failed to respond to %d QEMU guest-agent pings in a row. Grace period started", PingFailureLimit)
	}
}

func (e *evaluation) applyExchange(x Exchange) {
	// Failures only escalate from Ok; an already anomalous machine is not
	// pushed back into a fresh grace period.
	healthy := e.rt.State.Is(PhaseOk)

	if x.WriteErr != nil {
		if healthy {
			e.enterGracePeriod()
			e.say("Watchdog failed to write the current time to the guest into %s. Grace period started", e.cfg.CurrentTimePath)
		}
		return
	}

	if x.ReadErr != nil {
		if healthy {
			e.enterGracePeriod()
			e.say("Watchdog failed to read the reset time from the guest from %s. Perhaps the file doesn't exist? Grace period started", e.cfg.ResetAfterPath)
		}
		return
	}

	unix, err := ParseResetAfter(x.Content)
	if err != nil {
		if healthy {
			e.enterGracePeriod()
			e.say("Watchdog failed to parse %s as a Unix time. Grace period started", e.cfg.ResetAfterPath)
			e.say("The current text in %s is: \n\n```\n%s\n```", e.cfg.ResetAfterPath, x.Content)
		}
		return
	}

	deadline := time.Unix(int64(unix), 0)
	until := secondsUntil(deadline, e.now)
	switch {
	case until > wholeSeconds(e.cfg.MaxNoWarningInterval):
		if !e.rt.State.Is(PhaseTooFar) {
			e.say("Machine requested reset at %s, which is too far into the future. This is OK if you are performing manual maintenance.", formatTime(deadline))
		}
		e.rt.State = TooFar(deadline)
	case until > 0:
		if !e.rt.State.Is(PhaseOk) {
			e.say("Machine is OK")
		}
		e.rt.State = Ok(deadline)
	}
}

// ParseResetAfter parses the guest's reset-after file content as a decimal
// Unix timestamp. Surrounding whitespace and one leading plus sign are
// ignored.
func ParseResetAfter(content string) (uint64, error) {
	v, err := strconv.ParseUint(strings.TrimPrefix(strings.TrimSpace(content), "+"), 10, 63)
	if err != nil {
		return 0, fmt.Errorf("parse reset-after %q: %w", content, err)
	}
	return v, nil
}

// secondsUntil is the whole number of seconds from now to t, or zero when t
// is not in the future.
func secondsUntil(t, now time.Time) uint64 {
	d := t.Sub(now)
	if d <= 0 {
		return 0
	}
	return uint64(d / time.Second)
}

func wholeSeconds(d time.Duration) uint64 {
	if d <= 0 {
		return 0
	}
	return uint64(d / time.Second)
}

func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05 UTC")
}
