// README: Order store backed by PostgreSQL; every query joins the transaction carried by ctx.
package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"orderflow/internal/infra"
	"orderflow/internal/types"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

const selectOrder = `
	SELECT o.id, o.customer_id, o.restaurant_id, r.owner_id, o.driver_id,
	       o.status, o.status_version, o.total_price::text, o.currency, o.delivery_address,
	       r.lat, r.lng, o.drop_lat, o.drop_lng, o.created_at, o.updated_at
	FROM orders o
	JOIN restaurants r ON r.id = o.restaurant_id`

// Create inserts a new order; order intake lives outside this service, so this is used for seeding.
func (s *Store) Create(ctx context.Context, o *Order) error {
	now := time.Now().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = o.CreatedAt
	if o.TotalPrice.Currency == "" {
		o.TotalPrice.Currency = "USD"
	}
	_, err := infra.Conn(ctx, s.db).Exec(ctx, `
		INSERT INTO orders (
			id, customer_id, restaurant_id, driver_id, status, status_version,
			total_price, currency, delivery_address, drop_lat, drop_lng, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8, $9, $10, $11, $12, $13)`,
		string(o.ID),
		string(o.CustomerID),
		string(o.RestaurantID),
		toStringPtr(o.DriverID),
		int(o.Status),
		o.StatusVersion,
		o.TotalPrice.Amount.String(),
		o.TotalPrice.Currency,
		o.DeliveryAddress,
		o.Drop.Lat, o.Drop.Lng,
		o.CreatedAt, o.UpdatedAt,
	)
	return err
}

func (s *Store) Get(ctx context.Context, id types.ID) (*Order, error) {
	row := infra.Conn(ctx, s.db).QueryRow(ctx, selectOrder+` WHERE o.id = $1`, string(id))
	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return o, nil
}

// ListFor returns the orders p may see, newest first.
func (s *Store) ListFor(ctx context.Context, p types.Principal) ([]*Order, error) {
	var where string
	switch p.Role {
	case types.RoleCustomer:
		where = ` WHERE o.customer_id = $1`
	case types.RoleRestaurantOwner:
		where = ` WHERE r.owner_id = $1`
	case types.RoleDriver:
		where = ` WHERE o.driver_id = $1`
	default:
		return nil, nil
	}
	rows, err := infra.Conn(ctx, s.db).Query(ctx, selectOrder+where+` ORDER BY o.created_at DESC`, string(p.ID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *Store) UpdateStatus(ctx context.Context, id types.ID, from, to Status, version int) (bool, error) {
	tag, err := infra.Conn(ctx, s.db).Exec(ctx, `
		UPDATE orders
		SET status = $1,
		    status_version = status_version + 1,
		    updated_at = NOW()
		WHERE id = $2 AND status = $3 AND status_version = $4`,
		int(to),
		string(id),
		int(from),
		version,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) AppendEvent(ctx context.Context, e *Event) error {
	_, err := infra.Conn(ctx, s.db).Exec(ctx, `
		INSERT INTO order_state_events (
			order_id, from_status, to_status, actor_role, actor_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6)`,
		string(e.OrderID),
		int(e.FromStatus),
		int(e.ToStatus),
		int(e.ActorRole),
		toStringPtr(e.ActorID),
		e.CreatedAt,
	)
	return err
}

func (s *Store) Events(ctx context.Context, orderID types.ID) ([]Event, error) {
	rows, err := infra.Conn(ctx, s.db).Query(ctx, `
		SELECT id, order_id, from_status, to_status, actor_role, actor_id, created_at
		FROM order_state_events
		WHERE order_id = $1
		ORDER BY id`, string(orderID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var oid string
		var from, to, role int
		var actorID *string
		if err := rows.Scan(&e.ID, &oid, &from, &to, &role, &actorID, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.OrderID = types.ID(oid)
		e.FromStatus, e.ToStatus, e.ActorRole = Status(from), Status(to), types.Role(role)
		if actorID != nil {
			a := types.ID(*actorID)
			e.ActorID = &a
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	var id, customerID, restaurantID, ownerID string
	var driverID *string
	var status int
	var price string
	err := row.Scan(
		&id, &customerID, &restaurantID, &ownerID, &driverID,
		&status, &o.StatusVersion, &price, &o.TotalPrice.Currency, &o.DeliveryAddress,
		&o.Pickup.Lat, &o.Pickup.Lng, &o.Drop.Lat, &o.Drop.Lng, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	o.ID = types.ID(id)
	o.CustomerID = types.ID(customerID)
	o.RestaurantID = types.ID(restaurantID)
	o.RestaurantOwnerID = types.ID(ownerID)
	if driverID != nil {
		d := types.ID(*driverID)
		o.DriverID = &d
	}
	o.Status = Status(status)
	amount, err := decimal.NewFromString(price)
	if err != nil {
		return nil, fmt.Errorf("parse total_price %q: %w", price, err)
	}
	o.TotalPrice.Amount = amount
	return &o, nil
}

func toStringPtr(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}
