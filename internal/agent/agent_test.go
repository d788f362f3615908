package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/require"

	"guest-watchdog/internal/config"
	"guest-watchdog/internal/hypervisor/proxmox"
	"guest-watchdog/internal/model"
	"guest-watchdog/internal/notify"
	"guest-watchdog/internal/watchdog"
)

type stubHypervisor struct {
	mu     sync.Mutex
	ticks  int
	resets int
}

func (s *stubHypervisor) IsRunning(context.Context, model.Machine) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ticks++
	return true, nil
}

func (s *stubHypervisor) PingGuestAgent(context.Context, model.Machine) error { return nil }

func (s *stubHypervisor) WriteGuestFile(context.Context, model.Machine, string, []byte) error {
	return nil
}

func (s *stubHypervisor) ReadGuestFile(context.Context, model.Machine, string) (string, error) {
	return strconv.FormatInt(time.Now().Add(10*time.Minute).Unix(), 10), nil
}

func (s *stubHypervisor) Reset(context.Context, model.Machine) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets++
	return nil
}

func (s *stubHypervisor) tickCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ticks
}

type stubChecker struct {
	mu  sync.Mutex
	err error
}

func (s *stubChecker) Healthy(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func newTestAgent(t *testing.T, machines ...model.MachineConfig) (*Agent, *stubHypervisor, *stubChecker) {
	t.Helper()
	logger := slogt.New(t)
	hv := &stubHypervisor{}
	checker := &stubChecker{}
	a := &Agent{
		cfg: config.Config{
			Backend:         config.BackendProxmox,
			TickInterval:    10 * time.Millisecond,
			HealthInterval:  10 * time.Millisecond,
			ShutdownTimeout: time.Second,
		},
		logger:  logger,
		hv:      hv,
		checker: checker,
		router:  notify.NewRouter(logger),
		health:  NewHealthStatus("proxmox"),
	}
	for _, mc := range machines {
		a.addMachine(mc)
	}
	return a, hv, checker
}

func machine(node, vmid string) model.MachineConfig {
	return model.MachineConfig{
		Machine:              model.Machine{Node: node, VMID: vmid, FriendlyName: "vm-" + vmid},
		MaxNoWarningInterval: time.Hour,
		GracePeriod:          time.Minute,
		ResetDuration:        3 * time.Minute,
	}
}

func TestNew_Proxmox(t *testing.T) {
	cfg := config.Config{Backend: config.BackendProxmox, AgentID: "a1"}
	file := config.File{
		ProxmoxAuth: config.ProxmoxAuth{URL: "https://pve.example:8006", User: "root@pam", Password: "pw"},
		WebhookURL:  "https://hooks.example/all",
		VMConfigs: []config.MachineConfig{
			{HostName: "pve1", VMID: "101", MaxNoWarningInterval: 3600, TelegramBotToken: "t", TelegramChatID: "42"},
			{HostName: "pve1", VMID: "102", MaxNoWarningInterval: 3600, WebhookURL: "https://hooks.example/102"},
		},
	}

	a, err := New(cfg, file, slogt.New(t))
	require.NoError(t, err)
	require.Len(t, a.monitors, 2)
	require.IsType(t, &proxmox.Client{}, a.hv)
	require.Nil(t, a.conn)
	require.Nil(t, a.events)
	require.Equal(t, "pve1", a.monitors[0].Config().Node)
	require.NotNil(t, a.monitors[0].Config().Telegram)
}

func TestNew_EventStreamIsGlobalChannel(t *testing.T) {
	cfg := config.Config{
		Backend:         config.BackendLibvirt,
		LibvirtURI:      "qemu:///system",
		AgentID:         "a1",
		EventGRPCAddr:   "127.0.0.1:1",
		EventGRPCMethod: config.DefaultEventMethod,
	}
	file := config.File{VMConfigs: []config.MachineConfig{{VMID: "web-01", MaxNoWarningInterval: 60}}}

	a, err := New(cfg, file, slogt.New(t))
	require.NoError(t, err)
	require.NotNil(t, a.events)
	require.NotNil(t, a.conn)
	require.Equal(t, "", a.monitors[0].Config().Node)
	a.shutdown()
}

func TestNew_RejectsInvalidFile(t *testing.T) {
	_, err := New(config.Config{Backend: config.BackendProxmox}, config.File{}, slogt.New(t))
	require.ErrorContains(t, err, "vm_configs must list at least one machine")
}

func TestStatusMux(t *testing.T) {
	a, _, _ := newTestAgent(t, machine("pve1", "101"), machine("pve2", "101"), machine("pve1", "102"))
	srv := httptest.NewServer(a.newStatusMux())
	t.Cleanup(srv.Close)

	get := func(path string) (int, []byte) {
		t.Helper()
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, body
	}

	code, body := get("/healthz")
	require.Equal(t, http.StatusServiceUnavailable, code)
	var health healthResponse
	require.NoError(t, json.Unmarshal(body, &health))
	require.Equal(t, "degraded", health.Status)
	require.Len(t, health.Machines, 3)
	require.Equal(t, "no_data", health.Machines[0].Phase)

	a.health.SetHypervisorConnected(true)
	code, body = get("/healthz")
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(body, &health))
	require.Equal(t, "ok", health.Status)
	require.Equal(t, true, health.Health["hypervisor_connected"])

	code, body = get("/machines")
	require.Equal(t, http.StatusOK, code)
	var all []watchdog.Snapshot
	require.NoError(t, json.Unmarshal(body, &all))
	require.Len(t, all, 3)

	code, body = get("/machines/101?node=pve2")
	require.Equal(t, http.StatusOK, code)
	var one watchdog.Snapshot
	require.NoError(t, json.Unmarshal(body, &one))
	require.Equal(t, "pve2", one.Machine.Node)

	code, body = get("/machines/102")
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(body, &one))
	require.Equal(t, "vm-102", one.Machine.FriendlyName)

	code, _ = get("/machines/999")
	require.Equal(t, http.StatusNotFound, code)

	code, body = get("/metrics")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, string(body), "guest_watchdog_machine_phase")

	resp, err := http.Post(srv.URL+"/healthz", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestCheckHealth(t *testing.T) {
	a, _, checker := newTestAgent(t)

	a.checkHealth(context.Background())
	require.True(t, a.health.HypervisorConnected())
	require.Contains(t, a.health.Snapshot(), "last_check_at")

	checker.err = errors.New("connection refused")
	a.checkHealth(context.Background())
	require.False(t, a.health.HypervisorConnected())
}

func TestRun_TicksUntilCancelled(t *testing.T) {
	a, hv, _ := newTestAgent(t, machine("pve1", "101"))
	a.cfg.StatusListenAddr = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.run(ctx) }()

	require.Eventually(t, func() bool { return hv.tickCount() >= 3 }, 5*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return a.monitors[0].Snapshot().Phase == "ok"
	}, 5*time.Second, 5*time.Millisecond)
	require.True(t, a.health.HypervisorConnected())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
	require.Zero(t, hv.resets)
}

func TestServeStatus_ShutsDownOnCancel(t *testing.T) {
	a, _, _ := newTestAgent(t, machine("pve1", "101"))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.serveStatus(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/machines")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("status server did not stop")
	}
}

func TestBuildLogger(t *testing.T) {
	ctx := context.Background()
	for level, want := range map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	} {
		for _, jsonOut := range []bool{false, true} {
			l := BuildLogger(config.Config{LogLevel: level, LogJSON: jsonOut})
			require.True(t, l.Enabled(ctx, want), level)
			require.False(t, l.Enabled(ctx, want-1), level)
		}
	}
}
