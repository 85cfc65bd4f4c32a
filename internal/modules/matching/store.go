// README: Matching store backed by PostgreSQL: restaurant rosters, driver availability, and claims.
package matching

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"orderflow/internal/infra"
	"orderflow/internal/types"
)

type Store interface {
	// EligibleDrivers lists roster drivers with the driver role and no active delivery.
	EligibleDrivers(ctx context.Context, restaurantID types.ID) ([]types.ID, error)
	// Claim binds driverID to an unassigned order unless the driver became busy.
	Claim(ctx context.Context, orderID, driverID types.ID) (bool, error)
	RestaurantOwner(ctx context.Context, restaurantID types.ID) (types.ID, error)
	UserRole(ctx context.Context, userID types.ID) (types.Role, error)
	Roster(ctx context.Context, restaurantID types.ID) ([]types.ID, error)
	AddToRoster(ctx context.Context, restaurantID, driverID types.ID) error
	RemoveFromRoster(ctx context.Context, restaurantID, driverID types.ID) (bool, error)
}

type PgStore struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *PgStore {
	return &PgStore{db: db}
}

// Busy statuses: 3 ready for pickup, 4 out for delivery.
func (s *PgStore) EligibleDrivers(ctx context.Context, restaurantID types.ID) ([]types.ID, error) {
	rows, err := infra.Conn(ctx, s.db).Query(ctx, `
		SELECT rd.driver_id
		FROM restaurant_drivers rd
		JOIN users u ON u.id = rd.driver_id AND u.role = 3
		WHERE rd.restaurant_id = $1
		  AND NOT EXISTS (
			SELECT 1 FROM orders o
			WHERE o.driver_id = rd.driver_id AND o.status IN (3, 4)
		  )
		ORDER BY rd.driver_id`, string(restaurantID))
	if err != nil {
		return nil, err
	}
	return scanIDs(rows)
}

// Claim must run inside a transaction: the advisory lock serializes claims per driver
// until commit.
func (s *PgStore) Claim(ctx context.Context, orderID, driverID types.ID) (bool, error) {
	conn := infra.Conn(ctx, s.db)
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "driver:"+string(driverID)); err != nil {
		return false, fmt.Errorf("lock driver: %w", err)
	}
	tag, err := conn.Exec(ctx, `
		UPDATE orders
		SET driver_id = $2, updated_at = NOW()
		WHERE id = $1
		  AND driver_id IS NULL
		  AND NOT EXISTS (
			SELECT 1 FROM orders b
			WHERE b.driver_id = $2 AND b.status IN (3, 4)
		  )`, string(orderID), string(driverID))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PgStore) RestaurantOwner(ctx context.Context, restaurantID types.ID) (types.ID, error) {
	var owner string
	err := infra.Conn(ctx, s.db).QueryRow(ctx, `SELECT owner_id FROM restaurants WHERE id = $1`, string(restaurantID)).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrRestaurantNotFound
	}
	if err != nil {
		return "", err
	}
	return types.ID(owner), nil
}

func (s *PgStore) UserRole(ctx context.Context, userID types.ID) (types.Role, error) {
	var role int
	err := infra.Conn(ctx, s.db).QueryRow(ctx, `SELECT role FROM users WHERE id = $1`, string(userID)).Scan(&role)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return types.Role(role), nil
}

func (s *PgStore) Roster(ctx context.Context, restaurantID types.ID) ([]types.ID, error) {
	rows, err := infra.Conn(ctx, s.db).Query(ctx, `
		SELECT driver_id FROM restaurant_drivers WHERE restaurant_id = $1 ORDER BY driver_id`,
		string(restaurantID))
	if err != nil {
		return nil, err
	}
	return scanIDs(rows)
}

func (s *PgStore) AddToRoster(ctx context.Context, restaurantID, driverID types.ID) error {
	_, err := infra.Conn(ctx, s.db).Exec(ctx, `
		INSERT INTO restaurant_drivers (restaurant_id, driver_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, string(restaurantID), string(driverID))
	return err
}

func (s *PgStore) RemoveFromRoster(ctx context.Context, restaurantID, driverID types.ID) (bool, error) {
	tag, err := infra.Conn(ctx, s.db).Exec(ctx, `
		DELETE FROM restaurant_drivers WHERE restaurant_id = $1 AND driver_id = $2`,
		string(restaurantID), string(driverID))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func scanIDs(rows pgx.Rows) ([]types.ID, error) {
	defer rows.Close()
	var out []types.ID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, types.ID(id))
	}
	return out, rows.Err()
}
