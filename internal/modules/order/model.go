// README: Order aggregate and status definitions.
package order

import (
	"fmt"
	"time"

	"orderflow/internal/types"
)

// Status codes are stored and sent on the wire as integers.
type Status int

const (
	StatusPending        Status = 1
	StatusPreparing      Status = 2
	StatusReadyForPickup Status = 3
	StatusOutForDelivery Status = 4
	StatusDelivered      Status = 5
	StatusCancelled      Status = 6
)

var statusNames = map[Status]string{
	StatusPending:        "pending",
	StatusPreparing:      "preparing",
	StatusReadyForPickup: "ready_for_pickup",
	StatusOutForDelivery: "out_for_delivery",
	StatusDelivered:      "delivered",
	StatusCancelled:      "cancelled",
}

var statusLabels = map[Status]string{
	StatusPending:        "Pending",
	StatusPreparing:      "Preparing",
	StatusReadyForPickup: "Ready for Pickup",
	StatusOutForDelivery: "Out for Delivery",
	StatusDelivered:      "Delivered",
	StatusCancelled:      "Cancelled",
}

func (s Status) Valid() bool {
	_, ok := statusNames[s]
	return ok
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Label is the human-readable status shown to clients.
func (s Status) Label() string {
	if l, ok := statusLabels[s]; ok {
		return l
	}
	return "Unknown"
}

func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

// BusyStatuses mark a driver as unavailable while bound to an order.
var BusyStatuses = []Status{StatusReadyForPickup, StatusOutForDelivery}

type Order struct {
	ID                types.ID
	CustomerID        types.ID
	RestaurantID      types.ID
	RestaurantOwnerID types.ID
	DriverID          *types.ID
	Status            Status
	StatusVersion     int
	TotalPrice        types.Money
	DeliveryAddress   string
	Pickup            types.Point
	Drop              types.Point
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// CanEdit reports whether the order contents may still change.
func (o *Order) CanEdit() bool {
	return o.Status == StatusPending || o.Status == StatusPreparing
}

func (o *Order) HasDriver() bool {
	return o.DriverID != nil && *o.DriverID != ""
}

// StatusMessage is the sentence sent to customers and restaurants.
func (o *Order) StatusMessage() string {
	return fmt.Sprintf("Order #%s is now %s", o.ID, o.Status.Label())
}

// VisibleTo applies the per-role read rules.
func (o *Order) VisibleTo(p types.Principal) bool {
	switch p.Role {
	case types.RoleCustomer:
		return o.CustomerID == p.ID
	case types.RoleRestaurantOwner:
		return o.RestaurantOwnerID == p.ID
	case types.RoleDriver:
		return o.DriverID != nil && *o.DriverID == p.ID
	default:
		return false
	}
}

type Event struct {
	ID         int64
	OrderID    types.ID
	FromStatus Status
	ToStatus   Status
	ActorRole  types.Role
	ActorID    *types.ID
	CreatedAt  time.Time
}
