package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"guest-watchdog/internal/metrics"
	"guest-watchdog/internal/watchdog"
)

const statusShutdownTimeout = 5 * time.Second

type healthResponse struct {
	Status   string              `json:"status"`
	Health   map[string]any      `json:"health"`
	Machines []watchdog.Snapshot `json:"machines"`
}

func (a *Agent) newStatusMux() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", a.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/machines", a.handleMachines).Methods(http.MethodGet)
	r.HandleFunc("/machines/{vmid}", a.handleMachine).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	return r
}

func (a *Agent) snapshots() []watchdog.Snapshot {
	out := make([]watchdog.Snapshot, 0, len(a.monitors))
	for _, m := range a.monitors {
		out = append(out, m.Snapshot())
	}
	return out
}

func (a *Agent) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Status:   "ok",
		Health:   a.health.Snapshot(),
		Machines: a.snapshots(),
	}
	code := http.StatusOK
	if !a.health.HypervisorConnected() {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (a *Agent) handleMachines(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.snapshots())
}

// handleMachine matches on VMID, or on node/vmid key via the node query
// parameter when several nodes share a VMID.
func (a *Agent) handleMachine(w http.ResponseWriter, r *http.Request) {
	vmid := mux.Vars(r)["vmid"]
	node := r.URL.Query().Get("node")
	for _, s := range a.snapshots() {
		if s.Machine.VMID != vmid {
			continue
		}
		if node != "" && s.Machine.Node != node {
			continue
		}
		writeJSON(w, http.StatusOK, s)
		return
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown machine " + vmid})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// runStatusServer serves until ctx is done. An empty listen address
// disables the server.
func (a *Agent) runStatusServer(ctx context.Context) error {
	if a.cfg.StatusListenAddr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", a.cfg.StatusListenAddr)
	if err != nil {
		return err
	}
	return a.serveStatus(ctx, ln)
}

func (a *Agent) serveStatus(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.newStatusMux(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	a.logger.Info("status server listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) || errors.Is(err, net.ErrClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), statusShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("status server shutdown failed", "error", err)
		}
		return nil
	}
}
