// README: Env wires the real services over the in-memory world for scenario tests.
package testutil

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"orderflow/internal/config"
	"orderflow/internal/infra"
	"orderflow/internal/logger"
	"orderflow/internal/modules/matching"
	"orderflow/internal/modules/order"
	"orderflow/internal/notification"
	"orderflow/internal/outbox"
	"orderflow/internal/types"
)

const JWTSecret = "test-secret"

// Fixture ids seeded by NewEnv.
const (
	CustomerID   types.ID = "c1"
	OtherCustID  types.ID = "c2"
	OwnerID      types.ID = "own1"
	OtherOwnerID types.ID = "own2"
	RestaurantID types.ID = "r1"
	DriverA      types.ID = "d1"
	DriverB      types.ID = "d2"
	OrderID      types.ID = "o1"
)

var (
	RestaurantLoc = types.Point{Lat: 25.033, Lng: 121.565}
	DropLoc       = types.Point{Lat: 25.0478, Lng: 121.5318}
)

type Env struct {
	World      *World
	Pub        *Publisher
	Dispatcher *notification.Dispatcher
	Relay      *outbox.Relay
	Matching   *matching.Service
	Orders     *order.Service
}

func OutboxConfig() config.OutboxConfig {
	return config.OutboxConfig{Tick: 50 * time.Millisecond, BatchSize: 50, MaxAttempts: 5, Grace: 0}
}

// NewEnv seeds two restaurants with their owners, two drivers off any roster, and a pending order.
func NewEnv(t testing.TB) *Env {
	t.Helper()
	w := NewWorld()
	w.AddUser(CustomerID, types.RoleCustomer)
	w.AddUser(OtherCustID, types.RoleCustomer)
	w.AddUser(OwnerID, types.RoleRestaurantOwner)
	w.AddUser(OtherOwnerID, types.RoleRestaurantOwner)
	w.AddUser(DriverA, types.RoleDriver)
	w.AddUser(DriverB, types.RoleDriver)
	w.AddRestaurant(RestaurantID, OwnerID, RestaurantLoc)
	w.AddRestaurant("r2", OtherOwnerID, types.Point{})
	w.AddOrder(NewOrder(OrderID, order.StatusPending, nil))

	log := logger.Discard()
	pub := NewPublisher()
	dispatcher := notification.NewDispatcher(notification.DefaultNotifiers(), pub, time.Second, log)
	relay := outbox.NewRelay(w.Outbox(), dispatcher, OutboxConfig(), log)
	match := matching.NewService(w.Matching(), config.MatchingConfig{MaxClaimAttempts: 3}, log)
	orders := order.NewService(order.ServiceDeps{
		Repo:       w.Orders(),
		UoW:        w,
		Assigner:   match,
		Dispatcher: dispatcher,
		Outbox:     relay,
		Log:        log,
	})
	return &Env{World: w, Pub: pub, Dispatcher: dispatcher, Relay: relay, Matching: match, Orders: orders}
}

// NewOrder builds an order for the seeded restaurant and customer.
func NewOrder(id types.ID, status order.Status, driverID *types.ID) order.Order {
	return order.Order{
		ID:              id,
		CustomerID:      CustomerID,
		RestaurantID:    RestaurantID,
		DriverID:        driverID,
		Status:          status,
		TotalPrice:      types.Money{Amount: decimal.RequireFromString("18.50"), Currency: "USD"},
		DeliveryAddress: "1 Main St",
		Drop:            DropLoc,
	}
}

func Ptr(id types.ID) *types.ID { return &id }

func Customer() types.Principal { return types.Principal{ID: CustomerID, Role: types.RoleCustomer} }
func Owner() types.Principal    { return types.Principal{ID: OwnerID, Role: types.RoleRestaurantOwner} }
func Driver(id types.ID) types.Principal {
	return types.Principal{ID: id, Role: types.RoleDriver}
}

// Token mints a bearer token for p signed with JWTSecret.
func Token(t testing.TB, p types.Principal) string {
	t.Helper()
	tok, err := infra.SignToken(JWTSecret, p, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}
