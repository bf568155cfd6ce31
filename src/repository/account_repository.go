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

type AccountRepository interface {
	Upsert(ctx context.Context, account *model.Account) error
	GetByAccountAndExchange(ctx context.Context, accountID, exchange string) (*model.Account, error)
}

type GormAccountRepository struct {
	db *gorm.DB
}

func NewAccountRepository() *GormAccountRepository {
	logger.WithField("component", "GormAccountRepository").
		Info("Creating new GormAccountRepository with MainDB")

	return &GormAccountRepository{
		db: database.MainDB,
	}
}

func (r *GormAccountRepository) WithDB(db *gorm.DB) *GormAccountRepository {
	return &GormAccountRepository{db: db}
}

// Upsert stores the credentials, replacing those of the same account and exchange.
func (r *GormAccountRepository) Upsert(ctx context.Context, account *model.Account) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account_id"}, {Name: "exchange"}},
			DoUpdates: clause.AssignmentColumns([]string{"api_key", "api_secret", "run_on_server", "updated_at"}),
		}).
		Create(account).Error
}

// GetByAccountAndExchange returns (nil, nil) when no credentials are stored.
func (r *GormAccountRepository) GetByAccountAndExchange(
	ctx context.Context,
	accountID string,
	exchange string,
) (*model.Account, error) {

	var account model.Account
	err := r.db.WithContext(ctx).
		Where("account_id = ? AND exchange = ?", accountID, exchange).
		First(&account).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	return &account, nil
}
