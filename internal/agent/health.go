package agent

import (
	"sync/atomic"
	"time"
)

type HealthStatus struct {
	backend             string
	hypervisorConnected atomic.Bool
	lastCheckAt         atomic.Int64
}

func NewHealthStatus(backend string) *HealthStatus {
	return &HealthStatus{backend: backend}
}

func (h *HealthStatus) SetHypervisorConnected(ok bool) {
	h.hypervisorConnected.Store(ok)
}

func (h *HealthStatus) HypervisorConnected() bool {
	return h.hypervisorConnected.Load()
}

func (h *HealthStatus) MarkChecked(ts time.Time) {
	h.lastCheckAt.Store(ts.UnixNano())
}

func (h *HealthStatus) Snapshot() map[string]any {
	out := map[string]any{
		"backend":              h.backend,
		"hypervisor_connected": h.hypervisorConnected.Load(),
	}
	if v := h.lastCheckAt.Load(); v > 0 {
		out["last_check_at"] = time.Unix(0, v).UTC()
	}
	return out
}
