// README: Dispatcher plans notifications for an order and publishes them through the pub/sub port.
package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"orderflow/internal/logger"
	"orderflow/internal/modules/order"
	"orderflow/internal/outbox"
	"orderflow/internal/pubsub"
)

type Dispatcher struct {
	notifiers []Notifier
	pub       pubsub.Publisher
	timeout   time.Duration
	log       *logger.Logger
}

func NewDispatcher(notifiers []Notifier, pub pubsub.Publisher, timeout time.Duration, log *logger.Logger) *Dispatcher {
	return &Dispatcher{notifiers: notifiers, pub: pub, timeout: timeout, log: log}
}

// Plan builds one message per relevant notifier. A notifier that fails or panics is
// logged and skipped; the others still produce their messages.
func (d *Dispatcher) Plan(ctx context.Context, o *order.Order) []outbox.Message {
	var out []outbox.Message
	for _, n := range d.notifiers {
		m, ok, err := d.build(n, o)
		if err != nil {
			d.log.Error(ctx, "notifier_failed", "notifier skipped", err, map[string]any{
				"audience": n.Audience(),
				"order_id": string(o.ID),
				"status":   int(o.Status),
			})
			continue
		}
		if ok {
			out = append(out, m)
		}
	}
	return out
}

// Dispatch plans and publishes immediately without persisting anything.
// It returns the number of messages published.
func (d *Dispatcher) Dispatch(ctx context.Context, o *order.Order) int {
	sent := 0
	for _, m := range d.Plan(ctx, o) {
		if err := d.Send(ctx, m); err != nil {
			d.log.Error(ctx, "publish_failed", "notification not delivered", err, map[string]any{
				"audience": m.Audience,
				"topic":    m.Topic,
				"order_id": string(o.ID),
			})
			continue
		}
		sent++
	}
	return sent
}

// Send publishes one planned message under the dispatcher's timeout.
func (d *Dispatcher) Send(ctx context.Context, m outbox.Message) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("publish panicked: %v", p)
		}
	}()
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	return d.pub.Publish(ctx, m.Topic, m.Payload)
}

func (d *Dispatcher) build(n Notifier, o *order.Order) (m outbox.Message, ok bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("notifier %s panicked: %v", n.Audience(), p)
		}
	}()
	if !n.RelevantFor(o) {
		return outbox.Message{}, false, nil
	}
	payload, err := n.Payload(o)
	if err != nil {
		return outbox.Message{}, false, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return outbox.Message{}, false, fmt.Errorf("encode %s payload: %w", n.Audience(), err)
	}
	return outbox.NewMessage(o.ID, n.Audience(), n.Topic(o), int(o.Status), body), true, nil
}
