package libvirt

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"sync"
	"time"

	golibvirt "github.com/digitalocean/go-libvirt"
)

// ConnManager owns the single libvirt RPC connection shared by every
// monitor. Client never blocks on a retry loop; Connect and Reconnect do.
type ConnManager struct {
	mu        sync.RWMutex
	client    *golibvirt.Libvirt
	uri       string
	logger    *slog.Logger
	retryWait time.Duration
	maxJitter time.Duration
	randSrc   *rand.Rand
}

func NewConnManager(uri string, retryWait, maxJitter time.Duration, logger *slog.Logger) *ConnManager {
	if retryWait <= 0 {
		retryWait = 3 * time.Second
	}
	if maxJitter < 0 {
		maxJitter = 0
	}
	return &ConnManager{
		uri:       uri,
		logger:    logger.With("component", "libvirt"),
		retryWait: retryWait,
		maxJitter: maxJitter,
		randSrc:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Connect dials until it succeeds or ctx is done.
func (m *ConnManager) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectLocked(ctx)
}

// Client returns the live connection, dialing once if there is none.
func (m *ConnManager) Client(ctx context.Context) (*golibvirt.Libvirt, error) {
	m.mu.RLock()
	c := m.client
	m.mu.RUnlock()
	if c != nil {
		return c, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil {
		return m.client, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.dialLocked(); err != nil {
		return nil, err
	}
	return m.client, nil
}

// Drop discards c if it is still the current connection, so the next
// Client call dials again.
func (m *ConnManager) Drop(c *golibvirt.Libvirt) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client == nil || m.client != c {
		return
	}
	if err := m.client.Disconnect(); err != nil {
		m.logger.Debug("libvirt disconnect failed", "error", err)
	}
	m.client = nil
}

func (m *ConnManager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil {
		if err := m.client.Disconnect(); err != nil {
			m.logger.Warn("libvirt disconnect failed", "error", err)
		}
		m.client = nil
	}
	return m.connectLocked(ctx)
}

func (m *ConnManager) Healthy(ctx context.Context) error {
	c, err := m.Client(ctx)
	if err != nil {
		return err
	}
	if _, err := c.Version(); err != nil {
		return fmt.Errorf("libvirt version check failed: %w", err)
	}
	return nil
}

func (m *ConnManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client == nil {
		return nil
	}
	err := m.client.Disconnect()
	m.client = nil
	return err
}

func (m *ConnManager) connectLocked(ctx context.Context) error {
	if m.client != nil {
		if _, err := m.client.Version(); err == nil {
			return nil
		}
		_ = m.client.Disconnect()
		m.client = nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		dialErr := m.dialLocked()
		if dialErr == nil {
			return nil
		}

		wait := m.retryWait + m.jitter()
		m.logger.Error("libvirt connect failed", "error", dialErr, "retry_in", wait)

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (m *ConnManager) dialLocked() error {
	uri, err := parseURI(m.uri)
	if err != nil {
		return err
	}
	c, err := golibvirt.ConnectToURI(uri)
	if err != nil {
		return fmt.Errorf("connect %s: %w", uri.Redacted(), err)
	}
	m.client = c
	m.logger.Info("libvirt connected", "uri", uri.Redacted())
	return nil
}

func parseURI(raw string) (*url.URL, error) {
	if raw == "" {
		raw = string(golibvirt.QEMUSystem)
	}
	uri, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse libvirt uri %q: %w", raw, err)
	}
	if uri.Scheme == "" {
		return url.Parse(string(golibvirt.QEMUSystem))
	}
	return uri, nil
}

func (m *ConnManager) jitter() time.Duration {
	if m.maxJitter == 0 {
		return 0
	}
	return time.Duration(m.randSrc.Int63n(int64(m.maxJitter)))
}
