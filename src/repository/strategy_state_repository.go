package repository

import (
	"context"
	"errors"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"martingaleexecutor/src/database"
	"martingaleexecutor/src/model"
)

// StrategyStateRepository stores one snapshot row per (account, strategy key).
type StrategyStateRepository struct {
	db *gorm.DB
}

func NewStrategyStateRepository() *StrategyStateRepository {
	logger.WithField("component", "StrategyStateRepository").
		Info("Creating new StrategyStateRepository with MainDB")

	return &StrategyStateRepository{
		db: database.MainDB,
	}
}

// WithDB allows overriding the underlying *gorm.DB instance.
func (r *StrategyStateRepository) WithDB(db *gorm.DB) *StrategyStateRepository {
	return &StrategyStateRepository{db: db}
}

// Upsert inserts the snapshot or overwrites the existing row of the same account and key.
func (r *StrategyStateRepository) Upsert(ctx context.Context, state *model.StrategyState) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "account_id"}, {Name: "strategy_key"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"symbol", "direction", "params", "avg_price", "position_size",
				"add_count", "execution_mode", "active_order_ids", "updated_at",
			}),
		}).
		Create(state).Error

	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":     "StrategyStateRepository",
			"op":       "Upsert",
			"strategy": state.StrategyKey,
		}).WithError(err).Error("Failed to upsert strategy state")
	}
	return err
}

// FindByKey returns (nil, nil) when no snapshot exists.
func (r *StrategyStateRepository) FindByKey(ctx context.Context, accountID, strategyKey string) (*model.StrategyState, error) {
	var state model.StrategyState

	err := r.db.WithContext(ctx).
		Where("account_id = ? AND strategy_key = ?", accountID, strategyKey).
		First(&state).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &state, nil
}

// FindByAccount returns every snapshot of the account ordered by key.
func (r *StrategyStateRepository) FindByAccount(ctx context.Context, accountID string) ([]model.StrategyState, error) {
	var states []model.StrategyState

	err := r.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("strategy_key ASC").
		Find(&states).Error

	return states, err
}

func (r *StrategyStateRepository) Delete(ctx context.Context, accountID, strategyKey string) error {
	return r.db.WithContext(ctx).
		Where("account_id = ? AND strategy_key = ?", accountID, strategyKey).
		Delete(&model.StrategyState{}).Error
}
