// README: In-memory implementations of the order, matching, and outbox store contracts.
package testutil

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"orderflow/internal/modules/matching"
	"orderflow/internal/modules/order"
	"orderflow/internal/outbox"
	"orderflow/internal/types"
)

// OrderRepo implements order.Repository.
type OrderRepo struct{ w *World }

func (w *World) Orders() *OrderRepo { return &OrderRepo{w: w} }

func (r *OrderRepo) Get(ctx context.Context, id types.ID) (*order.Order, error) {
	defer r.w.lock(ctx)()
	o, ok := r.w.st.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	h := r.w.hydrate(o)
	return &h, nil
}

func (r *OrderRepo) ListFor(ctx context.Context, p types.Principal) ([]*order.Order, error) {
	defer r.w.lock(ctx)()
	var out []*order.Order
	for _, o := range r.w.st.orders {
		h := r.w.hydrate(o)
		if h.VisibleTo(p) {
			out = append(out, &h)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (r *OrderRepo) UpdateStatus(ctx context.Context, id types.ID, from, to order.Status, version int) (bool, error) {
	defer r.w.lock(ctx)()
	o, ok := r.w.st.orders[id]
	if !ok || o.Status != from || o.StatusVersion != version {
		return false, nil
	}
	o.Status = to
	o.StatusVersion++
	o.UpdatedAt = time.Now().UTC()
	r.w.st.orders[id] = o
	r.w.statusWrites.Add(1)
	return true, nil
}

func (r *OrderRepo) AppendEvent(ctx context.Context, e *order.Event) error {
	defer r.w.lock(ctx)()
	ev := *e
	ev.ID = int64(len(r.w.st.events) + 1)
	r.w.st.events = append(r.w.st.events, ev)
	return nil
}

// MatchingStore implements matching.Store.
type MatchingStore struct{ w *World }

func (w *World) Matching() *MatchingStore { return &MatchingStore{w: w} }

func (m *MatchingStore) EligibleDrivers(ctx context.Context, restaurantID types.ID) ([]types.ID, error) {
	defer m.w.lock(ctx)()
	var out []types.ID
	for d := range m.w.st.roster[restaurantID] {
		if m.w.users[d] == types.RoleDriver && !m.w.busy(d) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (m *MatchingStore) Claim(ctx context.Context, orderID, driverID types.ID) (bool, error) {
	defer m.w.lock(ctx)()
	o, ok := m.w.st.orders[orderID]
	if !ok || o.DriverID != nil || m.w.busy(driverID) {
		return false, nil
	}
	d := driverID
	o.DriverID = &d
	m.w.st.orders[orderID] = o
	return true, nil
}

func (m *MatchingStore) RestaurantOwner(ctx context.Context, restaurantID types.ID) (types.ID, error) {
	defer m.w.lock(ctx)()
	r, ok := m.w.restaurants[restaurantID]
	if !ok {
		return "", matching.ErrRestaurantNotFound
	}
	return r.owner, nil
}

func (m *MatchingStore) UserRole(ctx context.Context, userID types.ID) (types.Role, error) {
	defer m.w.lock(ctx)()
	return m.w.users[userID], nil
}

func (m *MatchingStore) Roster(ctx context.Context, restaurantID types.ID) ([]types.ID, error) {
	defer m.w.lock(ctx)()
	var out []types.ID
	for d := range m.w.st.roster[restaurantID] {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (m *MatchingStore) AddToRoster(ctx context.Context, restaurantID, driverID types.ID) error {
	defer m.w.lock(ctx)()
	if m.w.st.roster[restaurantID] == nil {
		m.w.st.roster[restaurantID] = make(map[types.ID]bool)
	}
	m.w.st.roster[restaurantID][driverID] = true
	return nil
}

func (m *MatchingStore) RemoveFromRoster(ctx context.Context, restaurantID, driverID types.ID) (bool, error) {
	defer m.w.lock(ctx)()
	if !m.w.st.roster[restaurantID][driverID] {
		return false, nil
	}
	delete(m.w.st.roster[restaurantID], driverID)
	return true, nil
}

// OutboxStore implements outbox.Store.
type OutboxStore struct{ w *World }

func (w *World) Outbox() *OutboxStore { return &OutboxStore{w: w} }

func (s *OutboxStore) Enqueue(ctx context.Context, msgs ...outbox.Message) error {
	defer s.w.lock(ctx)()
	for _, m := range msgs {
		s.w.st.outbox[m.ID] = m
	}
	return nil
}

func (s *OutboxStore) Claim(ctx context.Context, now time.Time, limit, maxAttempts int, lease time.Duration) ([]outbox.Message, error) {
	defer s.w.lock(ctx)()
	var due []outbox.Message
	for _, m := range s.w.st.outbox {
		if m.SentAt == nil && m.Attempts < maxAttempts && !m.AvailableAt.After(now) {
			due = append(due, m)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].AvailableAt.Before(due[j].AvailableAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		due[i].AvailableAt = now.Add(lease)
		s.w.st.outbox[due[i].ID] = due[i]
	}
	return due, nil
}

func (s *OutboxStore) MarkSent(ctx context.Context, id uuid.UUID, at time.Time) error {
	defer s.w.lock(ctx)()
	m, ok := s.w.st.outbox[id]
	if !ok || m.SentAt != nil {
		return nil
	}
	m.Attempts++
	m.LastError = ""
	m.SentAt = &at
	s.w.st.outbox[id] = m
	return nil
}

func (s *OutboxStore) MarkFailed(ctx context.Context, id uuid.UUID, cause string, retryAt time.Time) error {
	defer s.w.lock(ctx)()
	m, ok := s.w.st.outbox[id]
	if !ok || m.SentAt != nil {
		return nil
	}
	m.Attempts++
	m.LastError = cause
	m.AvailableAt = retryAt
	s.w.st.outbox[id] = m
	return nil
}
