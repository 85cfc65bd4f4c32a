// README: Matching service binds an idle roster driver to orders that become ready for pickup.
package matching

import (
	"context"
	"fmt"

	"orderflow/internal/config"
	"orderflow/internal/logger"
	"orderflow/internal/modules/order"
	"orderflow/internal/types"
)

type Service struct {
	store Store
	cfg   config.MatchingConfig
	log   *logger.Logger
}

func NewService(store Store, cfg config.MatchingConfig, log *logger.Logger) *Service {
	return &Service{store: store, cfg: cfg, log: log}
}

// Assign draws eligible drivers uniformly at random and claims the first that is still free.
// It returns (nil, nil) when nobody could be bound; ctx should carry the order's transaction.
func (s *Service) Assign(ctx context.Context, o *order.Order) (*types.ID, error) {
	eligible, err := s.store.EligibleDrivers(ctx, o.RestaurantID)
	if err != nil {
		return nil, fmt.Errorf("eligible drivers: %w", err)
	}
	for _, driverID := range PickRandomDrivers(eligible, s.maxClaims()) {
		ok, err := s.store.Claim(ctx, o.ID, driverID)
		if err != nil {
			return nil, fmt.Errorf("claim driver %s: %w", driverID, err)
		}
		if ok {
			s.log.Info(ctx, "driver_assigned", "driver bound to order", map[string]any{
				"order_id":  string(o.ID),
				"driver_id": string(driverID),
			})
			id := driverID
			return &id, nil
		}
		s.log.Debug(ctx, "driver_claim_lost", "driver no longer available", map[string]any{
			"order_id":  string(o.ID),
			"driver_id": string(driverID),
		})
	}
	return nil, nil
}

func (s *Service) Roster(ctx context.Context, actor types.Principal, restaurantID types.ID) ([]types.ID, error) {
	if err := s.requireOwner(ctx, actor, restaurantID); err != nil {
		return nil, err
	}
	return s.store.Roster(ctx, restaurantID)
}

func (s *Service) AddToRoster(ctx context.Context, actor types.Principal, restaurantID, driverID types.ID) error {
	if err := s.requireOwner(ctx, actor, restaurantID); err != nil {
		return err
	}
	role, err := s.store.UserRole(ctx, driverID)
	if err != nil {
		return err
	}
	if role != types.RoleDriver {
		return ErrNotDriver
	}
	return s.store.AddToRoster(ctx, restaurantID, driverID)
}

// RemoveFromRoster does not unbind the driver from orders already assigned.
func (s *Service) RemoveFromRoster(ctx context.Context, actor types.Principal, restaurantID, driverID types.ID) (bool, error) {
	if err := s.requireOwner(ctx, actor, restaurantID); err != nil {
		return false, err
	}
	return s.store.RemoveFromRoster(ctx, restaurantID, driverID)
}

func (s *Service) requireOwner(ctx context.Context, actor types.Principal, restaurantID types.ID) error {
	if actor.Role != types.RoleRestaurantOwner {
		return ErrNotOwner
	}
	owner, err := s.store.RestaurantOwner(ctx, restaurantID)
	if err != nil {
		return err
	}
	if owner != actor.ID {
		return ErrNotOwner
	}
	return nil
}

func (s *Service) maxClaims() int {
	if s.cfg.MaxClaimAttempts > 0 {
		return s.cfg.MaxClaimAttempts
	}
	return 3
}
