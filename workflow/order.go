package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/stock_engine/config"
	"github.com/mmdatafocus/stock_engine/docstore"
	"github.com/mmdatafocus/stock_engine/models"
	"github.com/sirupsen/logrus"
)

type CompleteOrderRequest struct {
	ID             string             `json:"id"`
	IdempotencyKey string             `json:"idempotency_key"`
	Lines          []models.OrderLine `json:"lines"`
}

// OrderService records completed orders and hands them to the Deductor.
type OrderService struct {
	Store    docstore.Store
	Deductor *Deductor
	Logger   *logrus.Logger

	now func() time.Time
}

func NewOrderService(store docstore.Store, deductor *Deductor, logger *logrus.Logger) *OrderService {
	if logger == nil {
		logger = config.GetLogger()
	}
	return &OrderService{Store: store, Deductor: deductor, Logger: logger, now: time.Now}
}

// Complete records a completed order and fulfills it. Submitting the same
// idempotency key again replays the stored order, never a second deduction.
func (s *OrderService) Complete(ctx context.Context, scope models.Scope, req CompleteOrderRequest) (*FulfillmentResult, error) {
	now := s.now().UTC()
	order := &models.Order{
		ID:             req.ID,
		TenantId:       scope.TenantId(),
		LocationId:     scope.LocationId(),
		IdempotencyKey: req.IdempotencyKey,
		Lines:          append([]models.OrderLine(nil), req.Lines...),
		Status:         models.OrderStatusCompleted,
		CreatedAt:      now,
		CompletedAt:    &now,
	}
	if order.ID == "" {
		order.ID = uuid.NewString()
	}
	if order.IdempotencyKey == "" {
		order.IdempotencyKey = order.ID
	}
	order.ComputeTotals()
	if err := models.ValidateDocument(order); err != nil {
		return nil, err
	}

	if err := s.record(ctx, scope, order); err != nil {
		if s.Deductor.Queue == nil || !models.IsTransient(err) {
			return nil, err
		}
		return s.Deductor.enqueue(ctx, scope, order, err)
	}
	return s.Deductor.Fulfill(ctx, scope, order)
}

// record stores order, or loads the order already stored under its
// idempotency key into it.
func (s *OrderService) record(ctx context.Context, scope models.Scope, order *models.Order) error {
	err := s.Store.SaveOrder(ctx, scope, order)
	if !errors.Is(err, models.ErrAlreadyApplied) {
		return err
	}
	existing, ferr := s.Store.FindOrderByIdempotencyKey(ctx, scope, order.IdempotencyKey)
	if errors.Is(ferr, models.ErrNotFound) {
		// The order id is taken, not the key.
		return fmt.Errorf("%w: order id %q reused with a different idempotency key", models.ErrInvalidDocument, order.ID)
	}
	if ferr != nil {
		return ferr
	}
	fields := scopeFields("OrderService", scope)
	fields["order_id"] = existing.ID
	fields["idempotency_key"] = order.IdempotencyKey
	s.Logger.WithFields(fields).Info("order already recorded; replaying stored order")
	*order = *existing
	return nil
}

// replay is the queue path: record, then apply strictly.
func (s *OrderService) replay(ctx context.Context, scope models.Scope, order *models.Order) error {
	if err := s.record(ctx, scope, order); err != nil {
		return err
	}
	_, err := s.Deductor.Apply(ctx, scope, order)
	return err
}
