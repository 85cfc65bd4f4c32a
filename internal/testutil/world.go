// README: In-memory stores and unit of work for service tests; a transaction holds the world lock.
package testutil

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"orderflow/internal/infra"
	"orderflow/internal/modules/order"
	"orderflow/internal/outbox"
	"orderflow/internal/types"
)

type restaurant struct {
	owner types.ID
	loc   types.Point
}

type state struct {
	orders map[types.ID]order.Order
	events []order.Event
	roster map[types.ID]map[types.ID]bool
	outbox map[uuid.UUID]outbox.Message
}

func (s state) clone() state {
	c := state{
		orders: make(map[types.ID]order.Order, len(s.orders)),
		events: append([]order.Event(nil), s.events...),
		roster: make(map[types.ID]map[types.ID]bool, len(s.roster)),
		outbox: make(map[uuid.UUID]outbox.Message, len(s.outbox)),
	}
	for k, v := range s.orders {
		c.orders[k] = v
	}
	for k, v := range s.roster {
		m := make(map[types.ID]bool, len(v))
		for d := range v {
			m[d] = true
		}
		c.roster[k] = m
	}
	for k, v := range s.outbox {
		c.outbox[k] = v
	}
	return c
}

type World struct {
	mu          sync.Mutex
	users       map[types.ID]types.Role
	restaurants map[types.ID]restaurant
	st          state

	txOpen       atomic.Bool
	statusWrites atomic.Int64

	// FailNextCommit makes the next transaction roll back with this error after fn succeeds.
	FailNextCommit error
}

func NewWorld() *World {
	return &World{
		users:       make(map[types.ID]types.Role),
		restaurants: make(map[types.ID]restaurant),
		st: state{
			orders: make(map[types.ID]order.Order),
			roster: make(map[types.ID]map[types.ID]bool),
			outbox: make(map[uuid.UUID]outbox.Message),
		},
	}
}

type txKey struct{}

func inTx(ctx context.Context) bool {
	_, ok := ctx.Value(txKey{}).(bool)
	return ok
}

// lock takes the world lock unless ctx already runs inside a transaction holding it.
func (w *World) lock(ctx context.Context) func() {
	if inTx(ctx) {
		return func() {}
	}
	w.mu.Lock()
	return w.mu.Unlock
}

func (w *World) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if inTx(ctx) {
		return fn(ctx)
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	snapshot := w.st.clone()
	w.txOpen.Store(true)
	defer w.txOpen.Store(false)

	err := fn(context.WithValue(ctx, txKey{}, true))
	if err == nil && w.FailNextCommit != nil {
		err = w.FailNextCommit
		w.FailNextCommit = nil
	}
	if err != nil {
		w.st = snapshot
		return err
	}
	return nil
}

// TxOpen reports whether a transaction is in progress.
func (w *World) TxOpen() bool { return w.txOpen.Load() }

// StatusWrites counts successful conditional status updates, including rolled back ones.
func (w *World) StatusWrites() int { return int(w.statusWrites.Load()) }

// RetryableCommitError mimics a serialization failure reported at commit.
func RetryableCommitError() error { return infra.ErrRetryable }

func (w *World) AddUser(id types.ID, role types.Role) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.users[id] = role
}

func (w *World) AddRestaurant(id, owner types.ID, loc types.Point) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.restaurants[id] = restaurant{owner: owner, loc: loc}
}

func (w *World) AddRosterDriver(restaurantID, driverID types.ID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.st.roster[restaurantID] == nil {
		w.st.roster[restaurantID] = make(map[types.ID]bool)
	}
	w.st.roster[restaurantID][driverID] = true
}

// AddOrder stores o as given; RestaurantOwnerID and Pickup are derived on read.
func (w *World) AddOrder(o order.Order) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	o.UpdatedAt = o.CreatedAt
	w.st.orders[o.ID] = o
}

func (w *World) Order(id types.ID) order.Order {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.hydrate(w.st.orders[id])
}

func (w *World) Events(orderID types.ID) []order.Event {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []order.Event
	for _, e := range w.st.events {
		if e.OrderID == orderID {
			out = append(out, e)
		}
	}
	return out
}

// OutboxMessages returns stored messages ordered by creation.
func (w *World) OutboxMessages() []outbox.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]outbox.Message, 0, len(w.st.outbox))
	for _, m := range w.st.outbox {
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (w *World) hydrate(o order.Order) order.Order {
	if r, ok := w.restaurants[o.RestaurantID]; ok {
		o.RestaurantOwnerID = r.owner
		o.Pickup = r.loc
	}
	return o
}

func (w *World) busy(driverID types.ID) bool {
	for _, o := range w.st.orders {
		if o.DriverID == nil || *o.DriverID != driverID {
			continue
		}
		for _, s := range order.BusyStatuses {
			if o.Status == s {
				return true
			}
		}
	}
	return false
}
