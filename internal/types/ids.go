// README: Shared identifiers, coordinates, and the authenticated principal.
package types

type ID string

type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Role codes match the user store: 1 customer, 2 restaurant owner, 3 driver.
type Role int

const (
	RoleCustomer        Role = 1
	RoleRestaurantOwner Role = 2
	RoleDriver          Role = 3
)

func (r Role) Valid() bool {
	return r >= RoleCustomer && r <= RoleDriver
}

func (r Role) String() string {
	switch r {
	case RoleCustomer:
		return "customer"
	case RoleRestaurantOwner:
		return "restaurant_owner"
	case RoleDriver:
		return "driver"
	default:
		return "unknown"
	}
}

// Principal is the caller as resolved by the auth middleware.
type Principal struct {
	ID   ID
	Role Role
}

// ParseRole accepts either the numeric code or the role name.
func ParseRole(v string) (Role, bool) {
	switch v {
	case "1", "customer":
		return RoleCustomer, true
	case "2", "restaurant_owner", "owner":
		return RoleRestaurantOwner, true
	case "3", "driver":
		return RoleDriver, true
	default:
		return 0, false
	}
}
