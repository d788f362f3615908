package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"guest-watchdog/internal/config"
	"guest-watchdog/internal/hypervisor"
	hvlibvirt "guest-watchdog/internal/hypervisor/libvirt"
	"guest-watchdog/internal/hypervisor/proxmox"
	"guest-watchdog/internal/model"
	"guest-watchdog/internal/notify"
	"guest-watchdog/internal/stream"
	"guest-watchdog/internal/watchdog"
)

// healthChecker reports whether the hypervisor API is reachable.
type healthChecker interface {
	Healthy(ctx context.Context) error
}

type Agent struct {
	cfg      config.Config
	logger   *slog.Logger
	hv       watchdog.Hypervisor
	checker  healthChecker
	conn     *hvlibvirt.ConnManager
	router   *notify.Router
	events   *stream.GRPCClient
	monitors []*watchdog.Monitor
	health   *HealthStatus
}

func New(cfg config.Config, file config.File, logger *slog.Logger) (*Agent, error) {
	if err := file.Validate(cfg.Backend); err != nil {
		return nil, fmt.Errorf("machines config: %w", err)
	}

	a := &Agent{
		cfg:    cfg,
		logger: logger,
		router: notify.NewRouter(logger),
		health: NewHealthStatus(string(cfg.Backend)),
	}

	switch cfg.Backend {
	case config.BackendLibvirt:
		a.conn = hvlibvirt.NewConnManager(cfg.LibvirtURI, cfg.ReconnectInterval, cfg.MaxReconnectJitter, logger)
		a.hv = hvlibvirt.NewBackend(a.conn, hypervisor.DefaultPolicy, logger)
		a.checker = a.conn
	case config.BackendProxmox:
		client, err := proxmox.New(proxmox.Options{
			BaseURL:          file.ProxmoxAuth.URL,
			User:             file.ProxmoxAuth.User,
			Password:         file.ProxmoxAuth.Password,
			TokenID:          file.ProxmoxAuth.TokenID,
			TokenSecret:      file.ProxmoxAuth.TokenSecret,
			AllowInvalidCert: file.ProxmoxAuth.AllowInvalidCert,
			RateLimit:        cfg.APIRateLimit,
			Retry:            hypervisor.DefaultPolicy,
			Logger:           logger,
		})
		if err != nil {
			return nil, fmt.Errorf("proxmox client: %w", err)
		}
		a.hv = client
		a.checker = client
	default:
		return nil, fmt.Errorf("unsupported backend %q", cfg.Backend)
	}

	if file.WebhookURL != "" {
		a.router.AddGlobal(notify.NewWebhookChannel(file.WebhookURL, nil))
	}
	if cfg.EventGRPCAddr != "" {
		tlsCfg, err := cfg.TLSConfig()
		if err != nil {
			return nil, fmt.Errorf("tls config: %w", err)
		}
		a.events = stream.NewGRPCClient(cfg.EventGRPCAddr, cfg.EventGRPCMethod, cfg.EventToken, cfg.AgentID, logger, stream.WithTLS(tlsCfg))
		a.router.AddGlobal(a.events)
	}

	for _, mc := range file.Machines(cfg.Backend) {
		a.addMachine(mc)
	}
	return a, nil
}

func (a *Agent) addMachine(mc model.MachineConfig) {
	var channels []notify.Channel
	if mc.Telegram != nil {
		channels = append(channels, notify.NewTelegramChannel(mc.Telegram.BotToken, mc.Telegram.ChatID))
	}
	if mc.WebhookURL != "" {
		channels = append(channels, notify.NewWebhookChannel(mc.WebhookURL, nil))
	}
	if len(channels) > 0 {
		a.router.Register(mc.Machine, channels...)
	}
	a.monitors = append(a.monitors, watchdog.NewMonitor(mc, a.hv, a.router, a.logger))
}

func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("starting guest-watchdog", "backend", a.cfg.Backend, "machines", len(a.monitors), "tick_interval", a.cfg.TickInterval)
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- a.run(runCtx)
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case runErr = <-runErrCh:
	case sig := <-sigCh:
		a.logger.Info("shutdown signal received, starting graceful shutdown", "signal", sig.String(), "timeout", a.cfg.ShutdownTimeout)
		cancelRun()

		graceTimer := time.NewTimer(a.cfg.ShutdownTimeout)
		defer graceTimer.Stop()

		select {
		case runErr = <-runErrCh:
		case sig2 := <-sigCh:
			a.logger.Warn("second signal received, forcing immediate shutdown", "signal", sig2.String())
			runErr = context.Canceled
		case <-graceTimer.C:
			a.logger.Warn("graceful shutdown timeout reached, forcing shutdown", "timeout", a.cfg.ShutdownTimeout)
			runErr = context.DeadlineExceeded
		}
	}

	a.shutdown()

	if runErr != nil && !errors.Is(runErr, context.Canceled) && !errors.Is(runErr, context.DeadlineExceeded) {
		return runErr
	}
	a.logger.Info("guest-watchdog stopped")
	return nil
}

func BuildLogger(cfg config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	hOpts := &slog.HandlerOptions{Level: level}
	if cfg.LogJSON {
		return slog.New(slog.NewJSONHandler(os.Stdout, hOpts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, hOpts))
}
