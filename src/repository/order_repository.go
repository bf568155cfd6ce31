package repository

import (
	"context"
	"errors"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"martingaleexecutor/src/database"
	"martingaleexecutor/src/model"
)

// OrderRepository keeps the audit trail of every order a worker submits.
type OrderRepository struct {
	db *gorm.DB
}

// NewOrderRepository creates a new repository instance using the main read/write database.
func NewOrderRepository() *OrderRepository {
	logger.WithField("component", "OrderRepository").
		Info("Creating new OrderRepository with MainDB")

	return &OrderRepository{
		db: database.MainDB,
	}
}

// WithDB allows overriding the underlying *gorm.DB instance.
// Useful for tests or when using a specific session/transaction.
func (r *OrderRepository) WithDB(db *gorm.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

// Create inserts a new order row.
func (r *OrderRepository) Create(
	ctx context.Context,
	order *model.Order,
) error {

	logger.WithFields(map[string]interface{}{
		"repo":      "OrderRepository",
		"op":        "Create",
		"symbol":    order.Symbol,
		"role":      order.Role,
		"clientRef": order.ClientRef,
	}).Debug("Creating new order")

	if err := r.db.WithContext(ctx).Create(order).Error; err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":      "OrderRepository",
			"op":        "Create",
			"clientRef": order.ClientRef,
		}).WithError(err).Error("Failed to create order")

		return err
	}

	return nil
}

// FindByClientRef fetches an order by its client reference.
// Returns (nil, nil) if the order is not found.
func (r *OrderRepository) FindByClientRef(
	ctx context.Context,
	clientRef string,
) (*model.Order, error) {

	var order model.Order

	err := r.db.WithContext(ctx).
		Where("client_ref = ?", clientRef).
		First(&order).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}

		logger.WithFields(map[string]interface{}{
			"repo":      "OrderRepository",
			"op":        "FindByClientRef",
			"clientRef": clientRef,
		}).WithError(err).Error("Failed to fetch order by client ref")

		return nil, err
	}

	return &order, nil
}

// UpdateStatus sets the status (and reason) of the order with the given client reference.
// Returns gorm.ErrRecordNotFound if no row matches.
func (r *OrderRepository) UpdateStatus(
	ctx context.Context,
	clientRef string,
	status model.OrderStatus,
	reason string,
) error {

	updates := map[string]interface{}{"status": status}
	if reason != "" {
		updates["reason"] = reason
	}

	res := r.db.WithContext(ctx).
		Model(&model.Order{}).
		Where("client_ref = ?", clientRef).
		Updates(updates)

	if res.Error != nil {
		logger.WithFields(map[string]interface{}{
			"repo":      "OrderRepository",
			"op":        "UpdateStatus",
			"clientRef": clientRef,
			"status":    status,
		}).WithError(res.Error).Error("Failed to update order status")

		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}

	return nil
}

// FindByStrategy returns the newest orders of a strategy, newest first.
func (r *OrderRepository) FindByStrategy(
	ctx context.Context,
	accountID string,
	strategyKey string,
	limit int,
) ([]model.Order, error) {

	if limit <= 0 {
		limit = 50
	}

	var orders []model.Order

	err := r.db.WithContext(ctx).
		Where("account_id = ? AND strategy_key = ?", accountID, strategyKey).
		Order("id DESC").
		Limit(limit).
		Find(&orders).Error

	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":     "OrderRepository",
			"op":       "FindByStrategy",
			"strategy": strategyKey,
		}).WithError(err).Error("Failed to fetch strategy orders")

		return nil, err
	}

	return orders, nil
}
