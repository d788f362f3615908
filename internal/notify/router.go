package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"guest-watchdog/internal/metrics"
	"guest-watchdog/internal/model"
)

// Router dispatches monitor messages to the machine's channels and to the
// global channels. It never reports delivery failures to the caller.
type Router struct {
	mu         sync.RWMutex
	global     []Channel
	perMachine map[string][]Channel
	logger     *slog.Logger
	now        func() time.Time
}

func NewRouter(logger *slog.Logger, global ...Channel) *Router {
	return &Router{
		global:     global,
		perMachine: make(map[string][]Channel),
		logger:     logger.With("component", "notify"),
		now:        time.Now,
	}
}

// Register adds channels that only receive messages about m.
func (r *Router) Register(m model.Machine, channels ...Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.perMachine[m.Key()] = append(r.perMachine[m.Key()], channels...)
}

// AddGlobal adds channels that receive messages about every machine.
func (r *Router) AddGlobal(channels ...Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.global = append(r.global, channels...)
}

// Send logs the message and delivers it to every matching channel in turn.
func (r *Router) Send(ctx context.Context, m model.Machine, message string) {
	r.logger.Info("MSG", "vmid", m.VMID, "machine", m.FriendlyName, "message", message)

	msg := Message{
		Machine:   m,
		Body:      message,
		Text:      FormatText(m, message),
		Timestamp: r.now(),
	}
	for _, ch := range r.channelsFor(m) {
		err := ch.Send(ctx, msg)
		metrics.RecordNotification(ch.Type(), err)
		if err != nil {
			r.logger.Warn("notification failed", "type", ch.Type(), "vmid", m.VMID, "error", err)
			continue
		}
		r.logger.Debug("notification sent", "type", ch.Type(), "vmid", m.VMID)
	}
}

func (r *Router) channelsFor(m model.Machine) []Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	own := r.perMachine[m.Key()]
	out := make([]Channel, 0, len(own)+len(r.global))
	out = append(out, own...)
	out = append(out, r.global...)
	return out
}
