package watchdog

import (
	"context"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"guest-watchdog/internal/metrics"
	"guest-watchdog/internal/model"
)

// DefaultTickInterval is the cadence at which the agent drives each monitor.
const DefaultTickInterval = 5 * time.Second

// Hypervisor is the API surface a Monitor consumes. Implementations must be
// safe for concurrent use by many monitors.
type Hypervisor interface {
	IsRunning(ctx context.Context, m model.Machine) (bool, error)
	PingGuestAgent(ctx context.Context, m model.Machine) error
	WriteGuestFile(ctx context.Context, m model.Machine, path string, content []byte) error
	ReadGuestFile(ctx context.Context, m model.Machine, path string) (string, error)
	Reset(ctx context.Context, m model.Machine) error
}

// Notifier delivers a message about a machine. Delivery is best effort:
// failures are handled by the implementation and never reported back.
type Notifier interface {
	Send(ctx context.Context, m model.Machine, message string)
}

// Snapshot is a read-only copy of a monitor's runtime, published after
// every tick.
type Snapshot struct {
	Machine           model.Machine `json:"machine"`
	Phase             string        `json:"phase"`
	At                *time.Time    `json:"at,omitempty"`
	PingFailures      uint32        `json:"ping_failures"`
	LastSentThreshold uint64        `json:"last_sent_threshold,omitempty"`
	DryRun            bool          `json:"dry_run"`
	LastTickAt        time.Time     `json:"last_tick_at,omitzero"`
	LastTickError     string        `json:"last_tick_error,omitempty"`
}

type Option func(*Monitor)

// WithClock overrides the time source used for every tick.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// WithRuntime seeds the initial runtime instead of NoData.
func WithRuntime(rt Runtime) Option {
	return func(m *Monitor) {
		m.rt = rt
	}
}

// Monitor owns the state machine of one machine. Tick must not be called
// concurrently with itself; Snapshot may be called from any goroutine.
type Monitor struct {
	cfg      model.MachineConfig
	hv       Hypervisor
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time

	rt       Runtime
	snapshot atomic.Pointer[Snapshot]
}

func NewMonitor(cfg model.MachineConfig, hv Hypervisor, notifier Notifier, logger *slog.Logger, opts ...Option) *Monitor {
	cfg = cfg.WithDefaults()
	m := &Monitor{
		cfg:      cfg,
		hv:       hv,
		notifier: notifier,
		logger:   logger.With("vmid", cfg.VMID, "node", cfg.Node, "machine", cfg.FriendlyName),
		now:      time.Now,
		rt:       NewRuntime(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.publish(time.Time{}, nil)
	return m
}

func (m *Monitor) Config() model.MachineConfig { return m.cfg }

// Runtime returns the current runtime. Only safe from the ticking goroutine.
func (m *Monitor) Runtime() Runtime { return m.rt }

func (m *Monitor) Snapshot() Snapshot { return *m.snapshot.Load() }

// Run ticks immediately and then every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick runs one round of observation, evaluation and effect execution.
func (m *Monitor) Tick(ctx context.Context) {
	now := m.now()
	machine := m.cfg.Machine

	running, err := m.hv.IsRunning(ctx, machine)
	metrics.RecordHypervisorCall("is_running", err)
	if err != nil {
		m.logger.Error("failed to get power state", "error", err)
		metrics.RecordTick(machine.Key(), true)
		m.publish(now, err)
		return
	}

	obs := Observation{Running: running}
	if running {
		obs.PingErr = m.hv.PingGuestAgent(ctx, machine)
		metrics.RecordHypervisorCall("ping", obs.PingErr)
		if obs.PingErr != nil {
			m.logger.Info("guest agent ping failed", "error", obs.PingErr, "streak", m.rt.PingFailures+1)
		} else {
			obs.Exchange = m.exchange(ctx, now)
		}
	}

	prev := m.rt.State
	next, effects := Evaluate(m.rt, m.cfg, obs, now)
	m.rt = next
	if !next.State.Equal(prev) {
		m.logger.Info("state changed", "from", prev.String(), "to", next.State.String())
		if m.cfg.DryRun && next.State.Is(PhaseResetting) && !prev.Is(PhaseResetting) && !prev.Is(PhasePowerOff) {
			metrics.RecordDryRunReset(machine.Key())
		}
	}

	m.execute(ctx, effects)
	metrics.RecordTick(machine.Key(), false)
	m.publish(now, nil)
}

func (m *Monitor) exchange(ctx context.Context, now time.Time) *Exchange {
	machine := m.cfg.Machine
	x := &Exchange{}

	stamp := strconv.FormatInt(now.Unix(), 10)
	x.WriteErr = m.hv.WriteGuestFile(ctx, machine, m.cfg.CurrentTimePath, []byte(stamp))
	metrics.RecordHypervisorCall("write_file", x.WriteErr)
	if x.WriteErr != nil {
		m.logger.Info("guest file write failed", "path", m.cfg.CurrentTimePath, "error", x.WriteErr)
		return x
	}

	x.Content, x.ReadErr = m.hv.ReadGuestFile(ctx, machine, m.cfg.ResetAfterPath)
	metrics.RecordHypervisorCall("read_file", x.ReadErr)
	if x.ReadErr != nil {
		m.logger.Info("guest file read failed", "path", m.cfg.ResetAfterPath, "error", x.ReadErr)
		return x
	}
	if _, err := ParseResetAfter(x.Content); err != nil {
		m.logger.Info("failed to parse reset time", "error", err)
	}
	return x
}

func (m *Monitor) execute(ctx context.Context, effects []Effect) {
	machine := m.cfg.Machine
	for _, eff := range effects {
		switch eff.Kind {
		case EffectNotify:
			m.notifier.Send(ctx, machine, eff.Message)
		case EffectReset:
			err := m.hv.Reset(ctx, machine)
			metrics.RecordHypervisorCall("reset", err)
			metrics.RecordReset(machine.Key(), err)
			if err != nil {
				m.logger.Error("reset failed", "error", err)
				m.notifier.Send(ctx, machine, "Failed to reset machine: "+err.Error())
				continue
			}
			m.logger.Warn("machine reset issued")
		default:
			m.logger.Warn("unknown effect", "kind", eff.Kind.String())
		}
	}
}

func (m *Monitor) publish(at time.Time, tickErr error) {
	s := &Snapshot{
		Machine:           m.cfg.Machine,
		Phase:             m.rt.State.Phase.String(),
		PingFailures:      m.rt.PingFailures,
		LastSentThreshold: m.rt.LastSentThreshold,
		DryRun:            m.cfg.DryRun,
		LastTickAt:        at,
	}
	if !m.rt.State.At.IsZero() {
		t := m.rt.State.At.UTC()
		s.At = &t
	}
	if tickErr != nil {
		s.LastTickError = tickErr.Error()
	}
	m.snapshot.Store(s)

	key := m.cfg.Machine.Key()
	metrics.RecordPhase(key, s.Phase, phaseNames)
	metrics.RecordPingStreak(key, s.PingFailures)
}

var phaseNames = func() []string {
	out := make([]string, 0, len(Phases))
	for _, p := range Phases {
		out = append(out, p.String())
	}
	return out
}()
