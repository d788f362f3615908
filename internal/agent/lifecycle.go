package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

func (a *Agent) run(ctx context.Context) error {
	if a.conn != nil {
		if err := a.conn.Connect(ctx); err != nil {
			return fmt.Errorf("initial libvirt connect: %w", err)
		}
		a.health.SetHypervisorConnected(true)
	} else {
		a.checkHealth(ctx)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, m := range a.monitors {
		g.Go(func() error {
			return m.Run(gctx, a.cfg.TickInterval)
		})
	}
	g.Go(func() error {
		return a.runHealthLoop(gctx)
	})
	g.Go(func() error {
		return a.runStatusServer(gctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (a *Agent) runHealthLoop(ctx context.Context) error {
	interval := a.cfg.HealthInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			a.checkHealth(ctx)
		}
	}
}

func (a *Agent) checkHealth(ctx context.Context) {
	err := a.checker.Healthy(ctx)
	a.health.MarkChecked(time.Now())
	if err == nil {
		a.health.SetHypervisorConnected(true)
		a.logHealth("ok")
		return
	}

	a.health.SetHypervisorConnected(false)
	if a.conn == nil {
		a.logger.Warn("hypervisor health check failed", "backend", a.cfg.Backend, "error", err)
		return
	}

	a.logger.Warn("libvirt health check failed, reconnecting", "error", err)
	if recErr := a.conn.Reconnect(ctx); recErr != nil {
		a.logger.Error("libvirt reconnect failed", "error", recErr)
		return
	}
	a.health.SetHypervisorConnected(true)
	a.logHealth("recovered")
}

func (a *Agent) logHealth(status string) {
	a.logger.Log(context.Background(), slog.LevelDebug, "agent health", "status", status, "snapshot", a.health.Snapshot())
}

func (a *Agent) shutdown() {
	if a.events != nil {
		if err := a.events.Close(); err != nil {
			a.logger.Warn("event stream close failed", "error", err)
		}
	}
	if a.conn != nil {
		if err := a.conn.Close(); err != nil {
			a.logger.Warn("libvirt close failed", "error", err)
		}
	}
	a.health.SetHypervisorConnected(false)
}
