// README: Notifiers decide who hears about an order state and what they receive.
package notification

import (
	"orderflow/internal/modules/order"
	"orderflow/internal/types"
)

type Notifier interface {
	Audience() string
	RelevantFor(o *order.Order) bool
	Topic(o *order.Order) string
	Payload(o *order.Order) (any, error)
}

// DefaultNotifiers returns the notifiers in dispatch order.
func DefaultNotifiers() []Notifier {
	return []Notifier{DriverNotifier{}, RestaurantNotifier{}, CustomerNotifier{}}
}

type DeliveryRequest struct {
	Type    string      `json:"type"`
	OrderID string      `json:"order_id"`
	Pickup  types.Point `json:"pickup"`
	Drop    types.Point `json:"drop"`
}

type OrderUpdate struct {
	Type    string `json:"type"`
	OrderID string `json:"order_id"`
	Status  int    `json:"status"`
	Message string `json:"message"`
}

func orderUpdate(o *order.Order) OrderUpdate {
	return OrderUpdate{
		Type:    "order_update",
		OrderID: string(o.ID),
		Status:  int(o.Status),
		Message: o.StatusMessage(),
	}
}

// DriverNotifier sends the pickup request to the driver bound at ReadyForPickup.
type DriverNotifier struct{}

func (DriverNotifier) Audience() string { return "driver" }

func (DriverNotifier) RelevantFor(o *order.Order) bool {
	return o.Status == order.StatusReadyForPickup && o.HasDriver()
}

func (DriverNotifier) Topic(o *order.Order) string {
	return "driver:" + string(*o.DriverID)
}

func (DriverNotifier) Payload(o *order.Order) (any, error) {
	return DeliveryRequest{
		Type:    "delivery_request",
		OrderID: string(o.ID),
		Pickup:  o.Pickup,
		Drop:    o.Drop,
	}, nil
}

// RestaurantNotifier covers new, delivered and cancelled orders.
type RestaurantNotifier struct{}

func (RestaurantNotifier) Audience() string { return "restaurant" }

func (RestaurantNotifier) RelevantFor(o *order.Order) bool {
	switch o.Status {
	case order.StatusPending, order.StatusDelivered, order.StatusCancelled:
		return true
	}
	return false
}

func (RestaurantNotifier) Topic(o *order.Order) string {
	return "restaurant:" + string(o.RestaurantID)
}

func (RestaurantNotifier) Payload(o *order.Order) (any, error) {
	return orderUpdate(o), nil
}

type CustomerNotifier struct{}

func (CustomerNotifier) Audience() string { return "customer" }

func (CustomerNotifier) RelevantFor(o *order.Order) bool {
	return o.Status == order.StatusPreparing || o.Status == order.StatusOutForDelivery
}

func (CustomerNotifier) Topic(o *order.Order) string {
	return "customer:" + string(o.CustomerID)
}

func (CustomerNotifier) Payload(o *order.Order) (any, error) {
	return orderUpdate(o), nil
}
