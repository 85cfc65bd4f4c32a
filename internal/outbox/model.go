// README: Outbox message persisted with the status change that planned it.
package outbox

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"orderflow/internal/types"
)

type Message struct {
	ID       uuid.UUID
	OrderID  types.ID
	Audience string
	Topic    string
	// Status is the order status code the message was planned for.
	Status      int
	Payload     json.RawMessage
	Attempts    int
	LastError   string
	AvailableAt time.Time
	CreatedAt   time.Time
	SentAt      *time.Time
}

func NewMessage(orderID types.ID, audience, topic string, status int, payload json.RawMessage) Message {
	return Message{
		ID:        uuid.New(),
		OrderID:   orderID,
		Audience:  audience,
		Topic:     topic,
		Status:    status,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
}
