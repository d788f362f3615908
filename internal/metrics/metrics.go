// Package metrics defines Prometheus metrics for the watchdog.
//
// All metrics are registered with Registry, which the status server
// exposes on /metrics.
//
// Metric naming follows Prometheus conventions:
//   - guest_watchdog_ prefix for all custom metrics
//   - _total suffix for counters
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Registry holds every watchdog metric plus the Go and process collectors.
var Registry = prometheus.NewRegistry()

var (
	// TicksTotal counts completed monitor ticks by machine and outcome.
	TicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guest_watchdog_ticks_total",
			Help: "Total monitor ticks by machine and outcome.",
		},
		[]string{"machine", "outcome"},
	)

	// MachinePhase is 1 for the phase a machine is currently in and 0 otherwise.
	MachinePhase = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "guest_watchdog_machine_phase",
			Help: "Current monitor phase per machine (one-hot).",
		},
		[]string{"machine", "phase"},
	)

	// PingFailureStreak is the current number of consecutive failed pings.
	PingFailureStreak = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "guest_watchdog_ping_failure_streak",
			Help: "Consecutive failed guest-agent pings per machine.",
		},
		[]string{"machine"},
	)

	// ResetsTotal counts reset actions by machine and result.
	ResetsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guest_watchdog_resets_total",
			Help: "Total resets issued by machine and result (ok, failed, dry_run).",
		},
		[]string{"machine", "result"},
	)

	// NotificationsTotal counts notification deliveries by channel type and result.
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guest_watchdog_notifications_total",
			Help: "Total notification deliveries by channel and result.",
		},
		[]string{"channel", "result"},
	)

	// HypervisorCallsTotal counts hypervisor API calls by operation and result.
	HypervisorCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guest_watchdog_hypervisor_calls_total",
			Help: "Total hypervisor API calls by operation and result.",
		},
		[]string{"op", "result"},
	)

	// EventFramesDroppedTotal counts queued event frames the stream could not deliver.
	EventFramesDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "guest_watchdog_event_frames_dropped_total",
			Help: "Total event frames dropped after a failed or timed out stream write.",
		},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		TicksTotal,
		MachinePhase,
		PingFailureStreak,
		ResetsTotal,
		NotificationsTotal,
		HypervisorCallsTotal,
		EventFramesDroppedTotal,
	)
}

func result(err error) string {
	if err != nil {
		return "failed"
	}
	return "ok"
}

// RecordTick records one finished tick. skipped is true when the power
// query failed and the tick returned early.
func RecordTick(machine string, skipped bool) {
	outcome := "evaluated"
	if skipped {
		outcome = "skipped"
	}
	TicksTotal.WithLabelValues(machine, outcome).Inc()
}

// RecordPhase sets the one-hot phase gauge for a machine.
func RecordPhase(machine, current string, all []string) {
	for _, p := range all {
		v := 0.0
		if p == current {
			v = 1
		}
		MachinePhase.WithLabelValues(machine, p).Set(v)
	}
}

func RecordPingStreak(machine string, streak uint32) {
	PingFailureStreak.WithLabelValues(machine).Set(float64(streak))
}

func RecordReset(machine string, err error) {
	ResetsTotal.WithLabelValues(machine, result(err)).Inc()
}

func RecordDryRunReset(machine string) {
	ResetsTotal.WithLabelValues(machine, "dry_run").Inc()
}

func RecordNotification(channel string, err error) {
	NotificationsTotal.WithLabelValues(channel, result(err)).Inc()
}

func RecordHypervisorCall(op string, err error) {
	HypervisorCallsTotal.WithLabelValues(op, result(err)).Inc()
}

func RecordEventFrameDropped() {
	EventFramesDroppedTotal.Inc()
}
