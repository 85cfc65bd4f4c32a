// README: Relay stages messages in the caller's transaction, delivers them after commit,
// and drains whatever immediate delivery left behind.
package outbox

import (
	"context"
	"fmt"
	"time"

	"orderflow/internal/config"
	"orderflow/internal/logger"
)

// Sender publishes one message; notification.Dispatcher implements it.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

type Relay struct {
	store  Store
	sender Sender
	cfg    config.OutboxConfig
	log    *logger.Logger
	now    func() time.Time
}

func NewRelay(store Store, sender Sender, cfg config.OutboxConfig, log *logger.Logger) *Relay {
	return &Relay{store: store, sender: sender, cfg: cfg, log: log, now: time.Now}
}

// Enqueue persists msgs through the store; ctx should carry the open transaction.
// Messages become visible to the drainer only after the grace period.
func (r *Relay) Enqueue(ctx context.Context, msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}
	at := r.now().UTC().Add(r.cfg.Grace)
	for i := range msgs {
		msgs[i].AvailableAt = at
	}
	if err := r.store.Enqueue(ctx, msgs...); err != nil {
		return fmt.Errorf("outbox enqueue: %w", err)
	}
	return nil
}

// Deliver sends committed messages right away. Failures stay in the outbox for Drain.
func (r *Relay) Deliver(ctx context.Context, msgs []Message) int {
	ctx = context.WithoutCancel(ctx)
	sent := 0
	for _, m := range msgs {
		if r.deliverOne(ctx, m) {
			sent++
		}
	}
	return sent
}

// Drain claims one batch of due messages and delivers it.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	msgs, err := r.store.Claim(ctx, r.now().UTC(), r.cfg.BatchSize, r.cfg.MaxAttempts, r.lease())
	if err != nil {
		return 0, fmt.Errorf("outbox claim: %w", err)
	}
	sent := 0
	for _, m := range msgs {
		if r.deliverOne(ctx, m) {
			sent++
		}
	}
	return sent, nil
}

// Run drains on every tick until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Tick)
	defer ticker.Stop()
	r.log.Info(ctx, "outbox_relay_started", "outbox relay running", map[string]any{"tick": r.cfg.Tick.String()})
	for {
		select {
		case <-ctx.Done():
			r.log.Info(context.WithoutCancel(ctx), "outbox_relay_stopped", "outbox relay stopped", nil)
			return
		case <-ticker.C:
			n, err := r.Drain(ctx)
			if err != nil {
				if ctx.Err() == nil {
					r.log.Error(ctx, "outbox_drain_failed", "failed to drain outbox", err, nil)
				}
				continue
			}
			if n > 0 {
				r.log.Debug(ctx, "outbox_drained", "delivered pending notifications", map[string]any{"count": n})
			}
		}
	}
}

func (r *Relay) deliverOne(ctx context.Context, m Message) (ok bool) {
	err := r.send(ctx, m)
	now := r.now().UTC()
	if err == nil {
		if markErr := r.store.MarkSent(ctx, m.ID, now); markErr != nil {
			r.log.Error(ctx, "outbox_mark_failed", "sent message could not be marked", markErr,
				map[string]any{"message_id": m.ID.String()})
		}
		return true
	}

	attempt := m.Attempts + 1
	details := map[string]any{
		"message_id": m.ID.String(),
		"order_id":   string(m.OrderID),
		"topic":      m.Topic,
		"attempt":    attempt,
	}
	if attempt >= r.cfg.MaxAttempts {
		r.log.Error(ctx, "outbox_gave_up", "notification exceeded delivery attempts", err, details)
	} else {
		r.log.Warn(ctx, "outbox_delivery_failed", err.Error(), details)
	}
	if markErr := r.store.MarkFailed(ctx, m.ID, err.Error(), now.Add(Backoff(attempt))); markErr != nil {
		r.log.Error(ctx, "outbox_mark_failed", "failed message could not be marked", markErr, details)
	}
	return false
}

func (r *Relay) send(ctx context.Context, m Message) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("send panicked: %v", p)
		}
	}()
	return r.sender.Send(ctx, m)
}

func (r *Relay) lease() time.Duration {
	if r.cfg.Grace > 0 {
		return r.cfg.Grace
	}
	return 30 * time.Second
}

// Backoff doubles from one second per attempt and caps at one minute.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Second
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= time.Minute {
			return time.Minute
		}
	}
	return d
}
