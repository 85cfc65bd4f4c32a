// README: Pub/sub port used to deliver notifications, with a factory selecting the transport.
package pubsub

import (
	"context"
	"fmt"

	"orderflow/internal/config"
	"orderflow/internal/infra"
)

// Publisher delivers a payload to every subscriber of topic.
// Topics look like "driver:42"; transports may rewrite the separator.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Close() error
}

// New connects the transport named by cfg.Driver.
func New(ctx context.Context, cfg config.Config) (Publisher, error) {
	switch cfg.PubSub.Driver {
	case "redis":
		client, err := infra.NewRedis(ctx, cfg.Redis.Addr)
		if err != nil {
			return nil, err
		}
		return NewRedisPublisher(client), nil
	case "nats":
		return NewNATSPublisher(cfg.PubSub.NATSURL)
	case "amqp":
		return NewAMQPPublisher(ctx, cfg.PubSub.AMQPURL, cfg.PubSub.AMQPExchange)
	default:
		return nil, fmt.Errorf("pubsub: unknown driver %q", cfg.PubSub.Driver)
	}
}
