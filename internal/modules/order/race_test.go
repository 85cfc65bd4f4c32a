// README: DB-backed concurrency tests for order transitions (run with -race and ORDERFLOW_TEST_DSN).
package order

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"orderflow/internal/infra"
	"orderflow/internal/logger"
	"orderflow/internal/outbox"
	"orderflow/internal/types"
)

type noopDispatcher struct{}

func (noopDispatcher) Plan(_ context.Context, o *Order) []outbox.Message {
	return []outbox.Message{outbox.NewMessage(o.ID, "test", "test:"+string(o.ID), int(o.Status), []byte(`{}`))}
}
func (noopDispatcher) Dispatch(context.Context, *Order) int { return 0 }

type recordingOutbox struct {
	mu        sync.Mutex
	failWith  error
	delivered int
}

func (r *recordingOutbox) Enqueue(context.Context, ...outbox.Message) error { return r.failWith }
func (r *recordingOutbox) Deliver(_ context.Context, msgs []outbox.Message) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delivered += len(msgs)
	return len(msgs)
}

func TestDBConcurrentTransitionSingleWinner(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	store := NewStore(db)
	seedOrder(t, db, store, "o_race", StatusPending)
	box := &recordingOutbox{}
	svc := newDBService(db, store, box)

	const attempts = 8
	var wg sync.WaitGroup
	errs := make(chan error, attempts)
	start := make(chan struct{})
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := svc.TransitionStatus(ctx, TransitionCommand{
				Actor:   types.Principal{ID: "own1", Role: types.RoleRestaurantOwner},
				OrderID: "o_race",
				Status:  StatusPreparing,
			})
			errs <- err
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	success := 0
	for err := range errs {
		if err == nil {
			success++
			continue
		}
		if !errors.Is(err, ErrConflict) && !errors.Is(err, ErrUnauthorizedTransition) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if success != 1 {
		t.Fatalf("expected exactly 1 success, got %d", success)
	}
	if box.delivered != 1 {
		t.Fatalf("expected 1 delivered message, got %d", box.delivered)
	}

	o, err := store.Get(ctx, "o_race")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if o.Status != StatusPreparing || o.StatusVersion != 1 {
		t.Fatalf("unexpected final order: status=%s version=%d", o.Status, o.StatusVersion)
	}
	events, err := store.Events(ctx, "o_race")
	if err != nil || len(events) != 1 {
		t.Fatalf("expected 1 audit event, got %d (%v)", len(events), err)
	}
}

func TestDBRollbackLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	store := NewStore(db)
	seedOrder(t, db, store, "o_rollback", StatusPending)
	box := &recordingOutbox{failWith: errors.New("outbox unavailable")}
	svc := newDBService(db, store, box)

	_, err := svc.TransitionStatus(ctx, TransitionCommand{
		Actor:   types.Principal{ID: "c1", Role: types.RoleCustomer},
		OrderID: "o_rollback",
		Status:  StatusCancelled,
	})
	if err == nil {
		t.Fatal("expected error")
	}
	o, err := store.Get(ctx, "o_rollback")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if o.Status != StatusPending || o.StatusVersion != 0 {
		t.Fatalf("rollback left changes: %+v", o)
	}
	if events, _ := store.Events(ctx, "o_rollback"); len(events) != 0 {
		t.Fatalf("rollback left %d events", len(events))
	}
	if box.delivered != 0 {
		t.Fatal("nothing may be delivered after rollback")
	}
}

func TestDBListForRoles(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	store := NewStore(db)
	seedOrder(t, db, store, "o_list", StatusPending)
	o, err := store.Get(ctx, "o_list")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if o.RestaurantOwnerID != "own1" || o.Pickup.Lat != 25.033 || !o.TotalPrice.Amount.Equal(decimal.RequireFromString("18.5")) {
		t.Fatalf("unexpected hydration: %+v", o)
	}

	cases := []struct {
		p    types.Principal
		want int
	}{
		{types.Principal{ID: "c1", Role: types.RoleCustomer}, 1},
		{types.Principal{ID: "own1", Role: types.RoleRestaurantOwner}, 1},
		{types.Principal{ID: "d1", Role: types.RoleDriver}, 0},
	}
	for _, tc := range cases {
		list, err := store.ListFor(ctx, tc.p)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(list) != tc.want {
			t.Errorf("%+v: got %d orders, want %d", tc.p, len(list), tc.want)
		}
	}
}

func newDBService(db *pgxpool.Pool, store *Store, box Outbox) *Service {
	return NewService(ServiceDeps{
		Repo:       store,
		UoW:        infra.NewTxManager(db),
		Dispatcher: noopDispatcher{},
		Outbox:     box,
		Log:        logger.Discard(),
	})
}

func seedOrder(t *testing.T, db *pgxpool.Pool, store *Store, id types.ID, status Status) {
	t.Helper()
	ctx := context.Background()
	stmts := []string{
		`INSERT INTO users (id, role) VALUES ('c1', 1), ('own1', 2), ('d1', 3) ON CONFLICT DO NOTHING`,
		`INSERT INTO restaurants (id, owner_id, lat, lng) VALUES ('r1', 'own1', 25.033, 121.565) ON CONFLICT DO NOTHING`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(ctx, s); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	err := store.Create(ctx, &Order{
		ID:           id,
		CustomerID:   "c1",
		RestaurantID: "r1",
		Status:       status,
		TotalPrice:   types.Money{Amount: decimal.RequireFromString("18.50"), Currency: "USD"},
		Drop:         types.Point{Lat: 25.0478, Lng: 121.5318},
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
}

func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dsn := os.Getenv("ORDERFLOW_TEST_DSN")
	if dsn == "" {
		t.Skip("ORDERFLOW_TEST_DSN not set; skipping DB-backed tests")
	}

	ctx := context.Background()
	db, err := infra.NewDB(ctx, dsn)
	if err != nil {
		t.Fatalf("connect db: %v", err)
	}
	t.Cleanup(db.Close)

	if err := infra.Migrate(ctx, db); err != nil {
		t.Fatalf("apply migration: %v", err)
	}
	if _, err := db.Exec(ctx, "TRUNCATE TABLE outbox_messages, order_state_events, orders, restaurant_drivers, restaurants, users CASCADE"); err != nil {
		t.Fatalf("truncate tables: %v", err)
	}
	return db
}
