// README: Recording publisher standing in for the pub/sub transport.
package testutil

import (
	"context"
	"encoding/json"
	"sync"
)

type Published struct {
	Topic   string
	Payload []byte
}

// Decode unmarshals the payload into a generic map.
func (p Published) Decode() map[string]any {
	var m map[string]any
	_ = json.Unmarshal(p.Payload, &m)
	return m
}

type Publisher struct {
	mu   sync.Mutex
	msgs []Published
	fail map[string]error

	// OnPublish runs before each publish is recorded.
	OnPublish func(topic string)
}

func NewPublisher() *Publisher {
	return &Publisher{fail: make(map[string]error)}
}

// FailTopic makes every publish to topic return err; a nil err clears it.
func (p *Publisher) FailTopic(topic string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.fail, topic)
		return
	}
	p.fail[topic] = err
}

func (p *Publisher) Publish(ctx context.Context, topic string, payload []byte) error {
	if p.OnPublish != nil {
		p.OnPublish(topic)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail[topic]; err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	p.msgs = append(p.msgs, Published{Topic: topic, Payload: append([]byte(nil), payload...)})
	return nil
}

func (p *Publisher) Close() error { return nil }

func (p *Publisher) Messages() []Published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Published(nil), p.msgs...)
}

func (p *Publisher) Topics() []string {
	var out []string
	for _, m := range p.Messages() {
		out = append(out, m.Topic)
	}
	return out
}

func (p *Publisher) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = nil
}
