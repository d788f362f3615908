package watchdog_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/require"

	"guest-watchdog/internal/model"
	"guest-watchdog/internal/watchdog"
)

type fakeHypervisor struct {
	mu sync.Mutex

	running    bool
	runningErr error
	pingErr    error
	writeErr   error
	readErr    error
	content    string
	resetErr   error

	writes []string
	reads  int
	resets int
	pings  int
}

func (h *fakeHypervisor) IsRunning(_ context.Context, _ model.Machine) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running, h.runningErr
}

func (h *fakeHypervisor) PingGuestAgent(_ context.Context, _ model.Machine) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pings++
	return h.pingErr
}

func (h *fakeHypervisor) WriteGuestFile(_ context.Context, _ model.Machine, path string, content []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.writes = append(h.writes, path+"="+string(content))
	return h.writeErr
}

func (h *fakeHypervisor) ReadGuestFile(_ context.Context, _ model.Machine, _ string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reads++
	return h.content, h.readErr
}

func (h *fakeHypervisor) Reset(_ context.Context, _ model.Machine) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.resets++
	return h.resetErr
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *recordingNotifier) Send(_ context.Context, _ model.Machine, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, message)
}

func (n *recordingNotifier) take() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := n.messages
	n.messages = nil
	return out
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestMonitor(t *testing.T, cfg model.MachineConfig, hv *fakeHypervisor) (*watchdog.Monitor, *recordingNotifier, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: t0}
	n := &recordingNotifier{}
	m := watchdog.NewMonitor(cfg, hv, n, slogt.New(t), watchdog.WithClock(clock.Now))
	return m, n, clock
}

func TestMonitor_PowerQueryErrorLeavesStateAlone(t *testing.T) {
	t.Parallel()

	hv := &fakeHypervisor{runningErr: errBoom}
	m, n, _ := newTestMonitor(t, testConfig(), hv)

	m.Tick(context.Background())

	require.True(t, m.Runtime().State.Is(watchdog.PhaseNoData))
	require.Empty(t, n.take())
	require.Zero(t, hv.pings)

	snap := m.Snapshot()
	require.Equal(t, "no_data", snap.Phase)
	require.Equal(t, "boom", snap.LastTickError)
	require.Equal(t, t0, snap.LastTickAt)
}

func TestMonitor_HealthyHeartbeat(t *testing.T) {
	t.Parallel()

	deadline := t0.Add(900 * time.Second)
	hv := &fakeHypervisor{running: true, content: unixText(deadline)}
	m, n, clock := newTestMonitor(t, testConfig(), hv)

	m.Tick(context.Background())
	requireState(t, watchdog.Ok(deadline), m.Runtime().State)
	require.Equal(t, []string{"Machine is OK"}, n.take())
	require.Equal(t, []string{"/tmp/watchdog_current_unix_time=1700000000"}, hv.writes)
	require.Equal(t, 1, hv.reads)

	clock.Advance(5 * time.Second)
	m.Tick(context.Background())
	require.Empty(t, n.take())
	require.Equal(t, "/tmp/watchdog_current_unix_time=1700000005", hv.writes[1])

	snap := m.Snapshot()
	require.Equal(t, "ok", snap.Phase)
	require.NotNil(t, snap.At)
	require.True(t, snap.At.Equal(deadline))
}

func TestMonitor_CustomPaths(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.CurrentTimePath = "/run/wd/now"
	cfg.ResetAfterPath = "/run/wd/deadline"
	hv := &fakeHypervisor{running: true, content: "junk"}
	m, n, _ := newTestMonitor(t, cfg, hv)

	m.Tick(context.Background())
	require.Equal(t, []string{"/run/wd/now=1700000000"}, hv.writes)
	require.Equal(t,
		"Could not read the next reset time from the file at /run/wd/deadline. Grace period started",
		n.take()[0],
	)
}

func TestMonitor_PingFailureSkipsExchange(t *testing.T) {
	t.Parallel()

	hv := &fakeHypervisor{running: true, pingErr: errBoom}
	m, _, _ := newTestMonitor(t, testConfig(), hv)

	m.Tick(context.Background())
	require.Empty(t, hv.writes)
	require.Zero(t, hv.reads)
	require.Equal(t, uint32(1), m.Runtime().PingFailures)
}

func TestMonitor_WriteFailureSkipsRead(t *testing.T) {
	t.Parallel()

	hv := &fakeHypervisor{running: true, writeErr: errBoom}
	m, _, _ := newTestMonitor(t, testConfig(), hv)

	m.Tick(context.Background())
	require.Len(t, hv.writes, 1)
	require.Zero(t, hv.reads)
}

func TestMonitor_ResetsAfterGracePeriod(t *testing.T) {
	t.Parallel()

	hv := &fakeHypervisor{running: true, readErr: errBoom}
	m, n, clock := newTestMonitor(t, testConfig(), hv)

	m.Tick(context.Background())
	require.True(t, m.Runtime().State.Is(watchdog.PhaseGracePeriod))
	n.take()

	clock.Advance(300 * time.Second)
	m.Tick(context.Background())
	require.Equal(t, 1, hv.resets)
	requireState(t, watchdog.Resetting(t0.Add(420*time.Second)), m.Runtime().State)
	require.Equal(t, []string{"Grace period has expired. Resetting machine now"}, n.take())
}

func TestMonitor_ResetFailureIsReported(t *testing.T) {
	t.Parallel()

	hv := &fakeHypervisor{running: true, readErr: errBoom, resetErr: errBoom}
	cfg := testConfig()
	cfg.GracePeriod = 0
	m, n, _ := newTestMonitor(t, cfg, hv)

	m.Tick(context.Background())
	require.Equal(t, 1, hv.resets)
	require.True(t, m.Runtime().State.Is(watchdog.PhaseResetting))
	require.Equal(t, []string{
		"Could not read the next reset time from the file at /tmp/watchdog_reset_after. Grace period started",
		"Grace period has expired. Resetting machine now",
		"Failed to reset machine: boom",
	}, n.take())
}

func TestMonitor_DryRunNeverResets(t *testing.T) {
	t.Parallel()

	hv := &fakeHypervisor{running: true, readErr: errBoom}
	cfg := testConfig()
	cfg.DryRun = true
	cfg.GracePeriod = 0
	m, n, _ := newTestMonitor(t, cfg, hv)

	m.Tick(context.Background())
	require.Zero(t, hv.resets)
	require.True(t, m.Runtime().State.Is(watchdog.PhaseResetting))
	require.Contains(t, n.take(), "Dry-run mode: not actually resetting the machine")
	require.True(t, m.Snapshot().DryRun)
}

func TestMonitor_PowerCycle(t *testing.T) {
	t.Parallel()

	hv := &fakeHypervisor{running: false}
	m, n, clock := newTestMonitor(t, testConfig(), hv)

	m.Tick(context.Background())
	require.True(t, m.Runtime().State.Is(watchdog.PhasePowerOff))
	require.Equal(t, []string{"Machine has been powered off, stopping monitoring"}, n.take())
	require.Zero(t, hv.pings)

	clock.Advance(5 * time.Second)
	m.Tick(context.Background())
	require.Empty(t, n.take())

	hv.mu.Lock()
	hv.running = true
	hv.readErr = errBoom
	hv.mu.Unlock()

	clock.Advance(5 * time.Second)
	m.Tick(context.Background())
	requireState(t, watchdog.Resetting(t0.Add(130*time.Second)), m.Runtime().State)
	require.Equal(t, []string{"Machine has been powered on, beginning reset timer"}, n.take())
}

func TestMonitor_RunStopsOnCancel(t *testing.T) {
	t.Parallel()

	hv := &fakeHypervisor{running: true, content: unixText(time.Now().Add(15 * time.Minute))}
	n := &recordingNotifier{}
	m := watchdog.NewMonitor(testConfig(), hv, n, slogt.New(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, 10*time.Millisecond) }()

	require.Eventually(t, func() bool {
		hv.mu.Lock()
		defer hv.mu.Unlock()
		return hv.pings >= 3
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	require.Equal(t, "ok", m.Snapshot().Phase)
}
