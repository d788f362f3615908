package proxmox

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	ticketLifetime  = 10 * time.Minute
	ticketExtension = 60 * time.Second
)

type loginFunc func(ctx context.Context) (ticket, csrf string, err error)
type probeFunc func(ctx context.Context, ticket, csrf string) error

// ticketCache owns the session ticket. One mutex covers the freshness check,
// the probe and the re-login, so concurrent monitors trigger at most one
// login at a time.
type ticketCache struct {
	mu         sync.Mutex
	ticket     string
	csrf       string
	freshUntil time.Time

	now    func() time.Time
	login  loginFunc
	probe  probeFunc
	logger *slog.Logger
}

func (tc *ticketCache) get(ctx context.Context) (string, string, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	now := tc.now()
	if tc.ticket != "" && now.Before(tc.freshUntil) {
		return tc.ticket, tc.csrf, nil
	}

	if tc.ticket != "" {
		err := tc.probe(ctx, tc.ticket, tc.csrf)
		if err == nil {
			tc.logger.Debug("cached ticket still valid")
			tc.freshUntil = tc.now().Add(ticketExtension)
			return tc.ticket, tc.csrf, nil
		}
		tc.logger.Debug("cached ticket rejected", "error", err)
	}

	tc.logger.Info("requesting new proxmox ticket")
	ticket, csrf, err := tc.login(ctx)
	if err != nil {
		return "", "", err
	}
	tc.ticket = ticket
	tc.csrf = csrf
	tc.freshUntil = tc.now().Add(ticketLifetime)
	return ticket, csrf, nil
}

// invalidate forces the next get to probe or log in again.
func (tc *ticketCache) invalidate() {
	tc.mu.Lock()
	tc.freshUntil = time.Time{}
	tc.mu.Unlock()
}
