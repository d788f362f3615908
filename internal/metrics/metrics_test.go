package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

// gauges returns the gathered gauge values of one family keyed by the value
// of label for series whose machine label matches.
func gauges(t *testing.T, family, machine, label string) map[string]float64 {
	t.Helper()
	mfs, err := Registry.Gather()
	require.NoError(t, err)

	out := map[string]float64{}
	for _, mf := range mfs {
		if mf.GetName() != family {
			continue
		}
		for _, m := range mf.GetMetric() {
			if labelValue(m, "machine") != machine {
				continue
			}
			out[labelValue(m, label)] = m.GetGauge().GetValue()
		}
	}
	return out
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

func TestRecordPhase_OneHot(t *testing.T) {
	all := []string{"no_data", "ok", "grace_period"}

	RecordPhase("pve1/900", "ok", all)
	require.Equal(t, map[string]float64{"no_data": 0, "ok": 1, "grace_period": 0},
		gauges(t, "guest_watchdog_machine_phase", "pve1/900", "phase"))

	RecordPhase("pve1/900", "grace_period", all)
	require.Equal(t, map[string]float64{"no_data": 0, "ok": 0, "grace_period": 1},
		gauges(t, "guest_watchdog_machine_phase", "pve1/900", "phase"))
}

func TestRecordPingStreak(t *testing.T) {
	RecordPingStreak("pve1/901", 4)
	require.Equal(t, 4.0, testutil.ToFloat64(PingFailureStreak.WithLabelValues("pve1/901")))
	RecordPingStreak("pve1/901", 0)
	require.Equal(t, 0.0, testutil.ToFloat64(PingFailureStreak.WithLabelValues("pve1/901")))
}

func TestCounters(t *testing.T) {
	RecordTick("pve1/902", false)
	RecordTick("pve1/902", true)
	RecordTick("pve1/902", false)
	require.Equal(t, 2.0, testutil.ToFloat64(TicksTotal.WithLabelValues("pve1/902", "evaluated")))
	require.Equal(t, 1.0, testutil.ToFloat64(TicksTotal.WithLabelValues("pve1/902", "skipped")))

	RecordReset("pve1/902", nil)
	RecordReset("pve1/902", errors.New("boom"))
	RecordDryRunReset("pve1/902")
	for _, res := range []string{"ok", "failed", "dry_run"} {
		require.Equal(t, 1.0, testutil.ToFloat64(ResetsTotal.WithLabelValues("pve1/902", res)), res)
	}

	before := testutil.ToFloat64(HypervisorCallsTotal.WithLabelValues("metrics_test", "failed"))
	RecordHypervisorCall("metrics_test", errors.New("timeout"))
	require.Equal(t, before+1, testutil.ToFloat64(HypervisorCallsTotal.WithLabelValues("metrics_test", "failed")))
}

func TestRegistryExposesProcessMetrics(t *testing.T) {
	mfs, err := Registry.Gather()
	require.NoError(t, err)

	names := map[string]bool{}
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}
	require.True(t, names["go_goroutines"])
}
