// README: Order lifecycle tests over the in-memory world: transitions, assignment, and notifications.
package order_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"orderflow/internal/modules/order"
	"orderflow/internal/testutil"
	"orderflow/internal/types"
)

func transition(t *testing.T, env *testutil.Env, actor types.Principal, id types.ID, to order.Status) (*order.Order, error) {
	t.Helper()
	return env.Orders.TransitionStatus(context.Background(), order.TransitionCommand{Actor: actor, OrderID: id, Status: to})
}

func assertTopics(t *testing.T, pub *testutil.Publisher, want ...string) {
	t.Helper()
	got := pub.Topics()
	if len(got) != len(want) {
		t.Fatalf("published topics = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("published topics = %v, want %v", got, want)
		}
	}
}

// Owner moves Preparing -> ReadyForPickup while one roster driver is idle and one is busy.
func TestOwnerReadyForPickupAssignsIdleDriver(t *testing.T) {
	env := testutil.NewEnv(t)
	env.World.AddOrder(testutil.NewOrder("o1", order.StatusPreparing, nil))
	env.World.AddOrder(testutil.NewOrder("busy", order.StatusOutForDelivery, testutil.Ptr(testutil.DriverB)))
	env.World.AddRosterDriver(testutil.RestaurantID, testutil.DriverA)
	env.World.AddRosterDriver(testutil.RestaurantID, testutil.DriverB)

	o, err := transition(t, env, testutil.Owner(), "o1", order.StatusReadyForPickup)
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if o.Status != order.StatusReadyForPickup {
		t.Fatalf("status = %s", o.Status)
	}
	if o.DriverID == nil || *o.DriverID != testutil.DriverA {
		t.Fatalf("driver = %v, want %s", o.DriverID, testutil.DriverA)
	}

	assertTopics(t, env.Pub, "driver:d1")
	msg := env.Pub.Messages()[0].Decode()
	if msg["type"] != "delivery_request" || msg["order_id"] != "o1" {
		t.Fatalf("unexpected payload: %v", msg)
	}
	pickup, _ := msg["pickup"].(map[string]any)
	drop, _ := msg["drop"].(map[string]any)
	if pickup["lat"] != testutil.RestaurantLoc.Lat || drop["lng"] != testutil.DropLoc.Lng {
		t.Fatalf("unexpected coordinates: pickup=%v drop=%v", pickup, drop)
	}
}

// Customer cancels a pending order: only the restaurant hears about it.
func TestCustomerCancelsPendingOrder(t *testing.T) {
	env := testutil.NewEnv(t)
	env.World.AddRosterDriver(testutil.RestaurantID, testutil.DriverA)

	o, err := transition(t, env, testutil.Customer(), testutil.OrderID, order.StatusCancelled)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if o.Status != order.StatusCancelled || o.DriverID != nil {
		t.Fatalf("unexpected order after cancel: %+v", o)
	}
	assertTopics(t, env.Pub, "restaurant:r1")
	msg := env.Pub.Messages()[0].Decode()
	if msg["type"] != "order_update" || msg["status"] != float64(6) {
		t.Fatalf("unexpected payload: %v", msg)
	}
	if msg["message"] != "Order #o1 is now Cancelled" {
		t.Fatalf("message = %v", msg["message"])
	}
}

// Driver tries to skip OutForDelivery.
func TestDriverCannotSkipToDelivered(t *testing.T) {
	env := testutil.NewEnv(t)
	env.World.AddOrder(testutil.NewOrder("o1", order.StatusReadyForPickup, testutil.Ptr(testutil.DriverA)))

	_, err := transition(t, env, testutil.Driver(testutil.DriverA), "o1", order.StatusDelivered)
	if !errors.Is(err, order.ErrUnauthorizedTransition) {
		t.Fatalf("expected ErrUnauthorizedTransition, got %v", err)
	}
	if got := env.World.Order("o1"); got.Status != order.StatusReadyForPickup || got.StatusVersion != 0 {
		t.Fatalf("order changed: %+v", got)
	}
	if env.World.StatusWrites() != 0 || len(env.Pub.Messages()) != 0 || len(env.World.OutboxMessages()) != 0 {
		t.Fatal("rejected transition had side effects")
	}
}

func TestRejectedTransitionsLeaveStatusUnchanged(t *testing.T) {
	cases := []struct {
		name  string
		from  order.Status
		actor types.Principal
		to    order.Status
	}{
		{"customer cannot prepare", order.StatusPending, testutil.Customer(), order.StatusPreparing},
		{"customer cannot cancel when ready", order.StatusReadyForPickup, testutil.Customer(), order.StatusCancelled},
		{"owner cannot cancel", order.StatusPending, testutil.Owner(), order.StatusCancelled},
		{"owner cannot deliver", order.StatusOutForDelivery, testutil.Owner(), order.StatusDelivered},
		{"owner cannot skip", order.StatusPending, testutil.Owner(), order.StatusReadyForPickup},
		{"driver cannot reopen", order.StatusOutForDelivery, testutil.Driver(testutil.DriverA), order.StatusReadyForPickup},
		{"delivered is terminal", order.StatusDelivered, testutil.Driver(testutil.DriverA), order.StatusCancelled},
		{"cancelled is terminal", order.StatusCancelled, testutil.Customer(), order.StatusPending},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := testutil.NewEnv(t)
			env.World.AddOrder(testutil.NewOrder("o1", tc.from, testutil.Ptr(testutil.DriverA)))
			_, err := transition(t, env, tc.actor, "o1", tc.to)
			if !errors.Is(err, order.ErrUnauthorizedTransition) {
				t.Fatalf("expected ErrUnauthorizedTransition, got %v", err)
			}
			if got := env.World.Order("o1").Status; got != tc.from {
				t.Fatalf("status = %s, want %s", got, tc.from)
			}
			if len(env.World.Events("o1")) != 0 || len(env.Pub.Messages()) != 0 {
				t.Fatal("rejected transition had side effects")
			}
		})
	}
}

func TestMalformedStatusIsBadRequest(t *testing.T) {
	env := testutil.NewEnv(t)
	for _, s := range []order.Status{0, 7, -1} {
		if _, err := transition(t, env, testutil.Owner(), testutil.OrderID, s); !errors.Is(err, order.ErrBadRequest) {
			t.Errorf("status %d: expected ErrBadRequest, got %v", s, err)
		}
	}
}

func TestInvisibleOrderIsNotFound(t *testing.T) {
	env := testutil.NewEnv(t)
	cases := []types.Principal{
		{ID: testutil.OtherCustID, Role: types.RoleCustomer},
		{ID: testutil.OtherOwnerID, Role: types.RoleRestaurantOwner},
		testutil.Driver(testutil.DriverA),
	}
	for _, actor := range cases {
		_, err := transition(t, env, actor, testutil.OrderID, order.StatusCancelled)
		if !errors.Is(err, order.ErrNotFound) {
			t.Errorf("%+v: expected ErrNotFound, got %v", actor, err)
		}
		if _, err := env.Orders.Get(context.Background(), actor, testutil.OrderID); !errors.Is(err, order.ErrNotFound) {
			t.Errorf("%+v get: expected ErrNotFound, got %v", actor, err)
		}
	}
	if _, err := transition(t, env, testutil.Owner(), "missing", order.StatusPreparing); !errors.Is(err, order.ErrNotFound) {
		t.Errorf("missing order: expected ErrNotFound, got %v", err)
	}
}

// Publishing happens strictly after commit, and the status is written exactly once.
func TestNotificationsPublishedAfterCommit(t *testing.T) {
	env := testutil.NewEnv(t)
	var duringTx int
	env.Pub.OnPublish = func(string) {
		if env.World.TxOpen() {
			duringTx++
		}
	}

	if _, err := transition(t, env, testutil.Owner(), testutil.OrderID, order.StatusPreparing); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if duringTx != 0 {
		t.Fatalf("%d publishes happened inside the transaction", duringTx)
	}
	if env.World.StatusWrites() != 1 {
		t.Fatalf("status writes = %d, want 1", env.World.StatusWrites())
	}
	assertTopics(t, env.Pub, "customer:c1")

	msgs := env.World.OutboxMessages()
	if len(msgs) != 1 || msgs[0].SentAt == nil || msgs[0].Audience != "customer" {
		t.Fatalf("outbox state: %+v", msgs)
	}
	events := env.World.Events(testutil.OrderID)
	if len(events) != 1 || events[0].FromStatus != order.StatusPending || events[0].ToStatus != order.StatusPreparing ||
		events[0].ActorRole != types.RoleRestaurantOwner || *events[0].ActorID != testutil.OwnerID {
		t.Fatalf("audit events: %+v", events)
	}
}

func TestRollbackPublishesNothing(t *testing.T) {
	env := testutil.NewEnv(t)
	env.World.AddOrder(testutil.NewOrder("o1", order.StatusPreparing, nil))
	env.World.AddRosterDriver(testutil.RestaurantID, testutil.DriverA)
	env.World.FailNextCommit = errors.New("disk full")

	_, err := transition(t, env, testutil.Owner(), "o1", order.StatusReadyForPickup)
	if err == nil || err.Error() != "disk full" {
		t.Fatalf("expected commit failure, got %v", err)
	}
	got := env.World.Order("o1")
	if got.Status != order.StatusPreparing || got.DriverID != nil {
		t.Fatalf("rollback left changes: %+v", got)
	}
	if len(env.Pub.Messages()) != 0 || len(env.World.OutboxMessages()) != 0 || len(env.World.Events("o1")) != 0 {
		t.Fatal("rolled back transition left notifications or events")
	}
}

func TestRetryableCommitFailureIsConflict(t *testing.T) {
	env := testutil.NewEnv(t)
	env.World.FailNextCommit = fmt.Errorf("commit tx: %w", testutil.RetryableCommitError())

	_, err := transition(t, env, testutil.Owner(), testutil.OrderID, order.StatusPreparing)
	if !errors.Is(err, order.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if _, err := transition(t, env, testutil.Owner(), testutil.OrderID, order.StatusPreparing); err != nil {
		t.Fatalf("retry should succeed: %v", err)
	}
}

func TestReadyWithoutEligibleDriverSucceeds(t *testing.T) {
	env := testutil.NewEnv(t)
	env.World.AddOrder(testutil.NewOrder("o1", order.StatusPreparing, nil))
	env.World.AddOrder(testutil.NewOrder("busy", order.StatusReadyForPickup, testutil.Ptr(testutil.DriverA)))
	env.World.AddRosterDriver(testutil.RestaurantID, testutil.DriverA)

	o, err := transition(t, env, testutil.Owner(), "o1", order.StatusReadyForPickup)
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if o.Status != order.StatusReadyForPickup || o.DriverID != nil {
		t.Fatalf("unexpected order: %+v", o)
	}
	if len(env.Pub.Messages()) != 0 {
		t.Fatalf("expected no notifications, got %v", env.Pub.Topics())
	}
}

func TestAssignmentNeverPicksBusyDriver(t *testing.T) {
	for i := 0; i < 50; i++ {
		env := testutil.NewEnv(t)
		env.World.AddUser("d3", types.RoleDriver)
		env.World.AddOrder(testutil.NewOrder("o1", order.StatusPreparing, nil))
		env.World.AddOrder(testutil.NewOrder("busy1", order.StatusReadyForPickup, testutil.Ptr(testutil.DriverB)))
		env.World.AddOrder(testutil.NewOrder("busy2", order.StatusOutForDelivery, testutil.Ptr("d3")))
		// A delivered order does not keep its driver busy.
		env.World.AddOrder(testutil.NewOrder("done", order.StatusDelivered, testutil.Ptr(testutil.DriverA)))
		for _, d := range []types.ID{testutil.DriverA, testutil.DriverB, "d3"} {
			env.World.AddRosterDriver(testutil.RestaurantID, d)
		}

		o, err := transition(t, env, testutil.Owner(), "o1", order.StatusReadyForPickup)
		if err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		if o.DriverID == nil || *o.DriverID != testutil.DriverA {
			t.Fatalf("run %d: assigned %v, want %s", i, o.DriverID, testutil.DriverA)
		}
	}
}

func TestRosterDriverWithoutDriverRoleIsIgnored(t *testing.T) {
	env := testutil.NewEnv(t)
	env.World.AddOrder(testutil.NewOrder("o1", order.StatusPreparing, nil))
	env.World.AddRosterDriver(testutil.RestaurantID, testutil.OtherCustID)

	o, err := transition(t, env, testutil.Owner(), "o1", order.StatusReadyForPickup)
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if o.DriverID != nil {
		t.Fatalf("non-driver assigned: %s", *o.DriverID)
	}
}

func TestFailedPublishDoesNotFailTransition(t *testing.T) {
	env := testutil.NewEnv(t)
	env.Pub.FailTopic("restaurant:r1", errors.New("broker down"))

	if _, err := transition(t, env, testutil.Customer(), testutil.OrderID, order.StatusCancelled); err != nil {
		t.Fatalf("transition should succeed: %v", err)
	}
	if got := env.World.Order(testutil.OrderID).Status; got != order.StatusCancelled {
		t.Fatalf("status = %s", got)
	}
	msgs := env.World.OutboxMessages()
	if len(msgs) != 1 || msgs[0].SentAt != nil || msgs[0].Attempts != 1 || msgs[0].LastError == "" {
		t.Fatalf("expected one failed outbox message, got %+v", msgs)
	}

	// Once the broker is back the drainer delivers it.
	env.Pub.FailTopic("restaurant:r1", nil)
	msgs[0].AvailableAt = time.Now().Add(-time.Second)
	if err := env.World.Outbox().Enqueue(context.Background(), msgs[0]); err != nil {
		t.Fatalf("reset availability: %v", err)
	}
	n, err := env.Relay.Drain(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("drain: n=%d err=%v", n, err)
	}
	assertTopics(t, env.Pub, "restaurant:r1")
}

func TestFullDeliveryLifecycle(t *testing.T) {
	env := testutil.NewEnv(t)
	env.World.AddRosterDriver(testutil.RestaurantID, testutil.DriverA)
	ctx := context.Background()

	steps := []struct {
		actor types.Principal
		to    order.Status
		topic string
	}{
		{testutil.Owner(), order.StatusPreparing, "customer:c1"},
		{testutil.Owner(), order.StatusReadyForPickup, "driver:d1"},
		{testutil.Driver(testutil.DriverA), order.StatusOutForDelivery, "customer:c1"},
		{testutil.Driver(testutil.DriverA), order.StatusDelivered, "restaurant:r1"},
	}
	var want []string
	for _, st := range steps {
		o, err := env.Orders.TransitionStatus(ctx, order.TransitionCommand{Actor: st.actor, OrderID: testutil.OrderID, Status: st.to})
		if err != nil {
			t.Fatalf("-> %s: %v", st.to, err)
		}
		if o.Status != st.to {
			t.Fatalf("status = %s, want %s", o.Status, st.to)
		}
		want = append(want, st.topic)
	}
	assertTopics(t, env.Pub, want...)

	final := env.World.Order(testutil.OrderID)
	if final.StatusVersion != 4 || *final.DriverID != testutil.DriverA {
		t.Fatalf("final order: %+v", final)
	}
	if n := len(env.World.Events(testutil.OrderID)); n != 4 {
		t.Fatalf("events = %d, want 4", n)
	}
}

func TestConcurrentTransitionsSingleWinner(t *testing.T) {
	env := testutil.NewEnv(t)
	const attempts = 8
	var wg sync.WaitGroup
	errs := make(chan error, attempts)
	start := make(chan struct{})
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := env.Orders.TransitionStatus(context.Background(), order.TransitionCommand{
				Actor: testutil.Owner(), OrderID: testutil.OrderID, Status: order.StatusPreparing,
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
		if !errors.Is(err, order.ErrConflict) && !errors.Is(err, order.ErrUnauthorizedTransition) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if success != 1 {
		t.Fatalf("expected exactly 1 success, got %d", success)
	}
	if got := len(env.Pub.Messages()); got != 1 {
		t.Fatalf("expected 1 notification, got %d", got)
	}
}

func TestQueries(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	other := testutil.NewOrder("o2", order.StatusPending, nil)
	other.CustomerID = testutil.OtherCustID
	env.World.AddOrder(other)

	list, err := env.Orders.List(ctx, testutil.Customer())
	if err != nil || len(list) != 1 || list[0].ID != testutil.OrderID {
		t.Fatalf("customer list: %v %v", list, err)
	}
	list, err = env.Orders.List(ctx, testutil.Owner())
	if err != nil || len(list) != 2 {
		t.Fatalf("owner list: %d %v", len(list), err)
	}
	list, _ = env.Orders.List(ctx, testutil.Driver(testutil.DriverA))
	if len(list) != 0 {
		t.Fatalf("driver should see nothing, got %d", len(list))
	}

	next, err := env.Orders.AllowedTransitions(ctx, testutil.Owner(), testutil.OrderID)
	if err != nil || len(next) != 1 || next[0] != order.StatusPreparing {
		t.Fatalf("owner transitions: %v %v", next, err)
	}
	next, err = env.Orders.AllowedTransitions(ctx, testutil.Customer(), testutil.OrderID)
	if err != nil || len(next) != 1 || next[0] != order.StatusCancelled {
		t.Fatalf("customer transitions: %v %v", next, err)
	}
	if _, err := env.Orders.AllowedTransitions(ctx, testutil.Driver(testutil.DriverA), testutil.OrderID); !errors.Is(err, order.ErrNotFound) {
		t.Fatalf("driver transitions: expected ErrNotFound, got %v", err)
	}
}

func TestNotifyRedispatchesCurrentState(t *testing.T) {
	env := testutil.NewEnv(t)
	n, err := env.Orders.Notify(context.Background(), testutil.Owner(), testutil.OrderID)
	if err != nil || n != 1 {
		t.Fatalf("notify: n=%d err=%v", n, err)
	}
	assertTopics(t, env.Pub, "restaurant:r1")
	if len(env.World.OutboxMessages()) != 0 {
		t.Fatal("re-notify must not persist messages")
	}
	if _, err := env.Orders.Notify(context.Background(), types.Principal{ID: testutil.OtherOwnerID, Role: types.RoleRestaurantOwner}, testutil.OrderID); !errors.Is(err, order.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
