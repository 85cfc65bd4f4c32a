// README: Order service: role-checked status transitions, driver assignment, and notification planning.
package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"orderflow/internal/infra"
	"orderflow/internal/logger"
	"orderflow/internal/outbox"
	"orderflow/internal/types"
)

var (
	ErrUnauthorizedTransition = errors.New("transition not allowed for role")
	ErrNotFound               = errors.New("order not found")
	ErrConflict               = errors.New("order state conflict")
	ErrBadRequest             = errors.New("bad request")
)

type Repository interface {
	Get(ctx context.Context, id types.ID) (*Order, error)
	ListFor(ctx context.Context, p types.Principal) ([]*Order, error)
	UpdateStatus(ctx context.Context, id types.ID, from, to Status, version int) (bool, error)
	AppendEvent(ctx context.Context, e *Event) error
}

// UnitOfWork runs fn atomically; repositories pick the transaction up from ctx.
type UnitOfWork interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// DriverAssigner binds an eligible driver to o. A nil id with a nil error means nobody was free.
type DriverAssigner interface {
	Assign(ctx context.Context, o *Order) (*types.ID, error)
}

// Dispatcher turns an order state into notifications.
type Dispatcher interface {
	Plan(ctx context.Context, o *Order) []outbox.Message
	Dispatch(ctx context.Context, o *Order) int
}

type Outbox interface {
	Enqueue(ctx context.Context, msgs ...outbox.Message) error
	Deliver(ctx context.Context, msgs []outbox.Message) int
}

type ServiceDeps struct {
	Repo       Repository
	UoW        UnitOfWork
	Assigner   DriverAssigner
	Dispatcher Dispatcher
	Outbox     Outbox
	Log        *logger.Logger
}

type Service struct {
	repo       Repository
	uow        UnitOfWork
	assigner   DriverAssigner
	dispatcher Dispatcher
	outbox     Outbox
	log        *logger.Logger
}

func NewService(deps ServiceDeps) *Service {
	return &Service{
		repo:       deps.Repo,
		uow:        deps.UoW,
		assigner:   deps.Assigner,
		dispatcher: deps.Dispatcher,
		outbox:     deps.Outbox,
		log:        deps.Log,
	}
}

type TransitionCommand struct {
	Actor   types.Principal
	OrderID types.ID
	Status  Status
}

// TransitionStatus moves an order to cmd.Status. The status write, the audit event,
// any driver binding and the planned notifications commit together; notifications
// are published only after the commit succeeds.
func (s *Service) TransitionStatus(ctx context.Context, cmd TransitionCommand) (*Order, error) {
	if cmd.OrderID == "" || !cmd.Status.Valid() {
		return nil, ErrBadRequest
	}

	var updated *Order
	var planned []outbox.Message
	err := s.uow.WithinTx(ctx, func(ctx context.Context) error {
		o, err := s.visible(ctx, cmd.Actor, cmd.OrderID)
		if err != nil {
			return err
		}
		if !CanTransition(cmd.Actor.Role, o.Status, cmd.Status) {
			return ErrUnauthorizedTransition
		}

		ok, err := s.repo.UpdateStatus(ctx, o.ID, o.Status, cmd.Status, o.StatusVersion)
		if err != nil {
			return fmt.Errorf("update status: %w", err)
		}
		if !ok {
			return ErrConflict
		}
		actorID := cmd.Actor.ID
		if err := s.repo.AppendEvent(ctx, &Event{
			OrderID:    o.ID,
			FromStatus: o.Status,
			ToStatus:   cmd.Status,
			ActorRole:  cmd.Actor.Role,
			ActorID:    &actorID,
			CreatedAt:  time.Now().UTC(),
		}); err != nil {
			return fmt.Errorf("append event: %w", err)
		}
		o.Status = cmd.Status
		o.StatusVersion++

		if o.Status == StatusReadyForPickup && !o.HasDriver() && s.assigner != nil {
			driverID, err := s.assigner.Assign(ctx, o)
			if err != nil {
				return fmt.Errorf("assign driver: %w", err)
			}
			if driverID == nil {
				s.log.Warn(ctx, "driver_unassigned", "no eligible driver for order", map[string]any{
					"order_id":      string(o.ID),
					"restaurant_id": string(o.RestaurantID),
				})
			}
		}

		updated, err = s.repo.Get(ctx, o.ID)
		if err != nil {
			return fmt.Errorf("reload order: %w", err)
		}
		planned = s.dispatcher.Plan(ctx, updated)
		return s.outbox.Enqueue(ctx, planned...)
	})
	if err != nil {
		if errors.Is(err, infra.ErrRetryable) {
			return nil, ErrConflict
		}
		return nil, err
	}

	s.log.Info(ctx, "order_status_changed", "order status updated", map[string]any{
		"order_id":      string(updated.ID),
		"status":        int(updated.Status),
		"actor_role":    cmd.Actor.Role.String(),
		"notifications": len(planned),
	})
	s.outbox.Deliver(ctx, planned)
	return updated, nil
}

func (s *Service) Get(ctx context.Context, actor types.Principal, id types.ID) (*Order, error) {
	if id == "" {
		return nil, ErrBadRequest
	}
	return s.visible(ctx, actor, id)
}

func (s *Service) List(ctx context.Context, actor types.Principal) ([]*Order, error) {
	if !actor.Role.Valid() || actor.ID == "" {
		return nil, nil
	}
	return s.repo.ListFor(ctx, actor)
}

// AllowedTransitions lists the statuses actor may move the order to right now.
func (s *Service) AllowedTransitions(ctx context.Context, actor types.Principal, id types.ID) ([]Status, error) {
	o, err := s.Get(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	return AllowedNextStatuses(actor.Role, o.Status), nil
}

// Notify re-sends the notifications for the order's current state without persisting them.
func (s *Service) Notify(ctx context.Context, actor types.Principal, id types.ID) (int, error) {
	o, err := s.Get(ctx, actor, id)
	if err != nil {
		return 0, err
	}
	return s.dispatcher.Dispatch(ctx, o), nil
}

// visible hides orders the actor may not read behind ErrNotFound.
func (s *Service) visible(ctx context.Context, actor types.Principal, id types.ID) (*Order, error) {
	o, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !o.VisibleTo(actor) {
		return nil, ErrNotFound
	}
	return o, nil
}
