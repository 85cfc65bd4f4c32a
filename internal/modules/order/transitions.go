// README: Role-aware transition table for the order lifecycle.
package order

import "orderflow/internal/types"

// transitions[role][current] lists the statuses that role may move an order to.
var transitions = map[types.Role]map[Status][]Status{
	types.RoleCustomer: {
		StatusPending:   {StatusCancelled},
		StatusPreparing: {StatusCancelled},
	},
	types.RoleRestaurantOwner: {
		StatusPending:        {StatusPreparing},
		StatusPreparing:      {StatusReadyForPickup},
		StatusReadyForPickup: {StatusOutForDelivery},
	},
	types.RoleDriver: {
		StatusReadyForPickup: {StatusOutForDelivery},
		StatusOutForDelivery: {StatusDelivered},
	},
}

// AllowedNextStatuses returns a fresh slice; unknown roles or statuses yield an empty one.
func AllowedNextStatuses(role types.Role, current Status) []Status {
	next := transitions[role][current]
	out := make([]Status, len(next))
	copy(out, next)
	return out
}

func CanTransition(role types.Role, from, to Status) bool {
	for _, s := range transitions[role][from] {
		if s == to {
			return true
		}
	}
	return false
}
