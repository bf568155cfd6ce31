package repository

import (
	"context"
	"encoding/json"
	"runtime/debug"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"martingaleexecutor/src/database"
	"martingaleexecutor/src/model"
)

const ServiceName = "martingale_executor"

// ExceptionRepository handles persistence of system exceptions.
type ExceptionRepository struct {
	db *gorm.DB
}

// NewExceptionRepository creates a new repository instance.
func NewExceptionRepository() *ExceptionRepository {
	return &ExceptionRepository{
		db: database.MainDB,
	}
}

func (r *ExceptionRepository) WithDB(db *gorm.DB) *ExceptionRepository {
	return &ExceptionRepository{db: db}
}

// Create persists a new exception in the database.
func (r *ExceptionRepository) Create(
	ctx context.Context,
	exc *model.Exception,
) error {

	logger.WithFields(map[string]interface{}{
		"service":  exc.Service,
		"module":   exc.Module,
		"method":   exc.Method,
		"strategy": exc.StrategyKey,
		"level":    exc.Level,
	}).Error("Persisting system exception")

	return r.db.WithContext(ctx).Create(exc).Error
}

// Capture records err with the current stack. Without a database it only logs.
// A failed insert is logged, never returned: capture must not mask the original error.
func (r *ExceptionRepository) Capture(
	ctx context.Context,
	module, method, strategyKey, level string,
	err error,
	extra map[string]interface{},
) {
	if err == nil {
		return
	}

	exc := &model.Exception{
		Service:     ServiceName,
		Module:      module,
		Method:      method,
		StrategyKey: strategyKey,
		Message:     err.Error(),
		Stack:       string(debug.Stack()),
		Level:       level,
	}
	if len(extra) > 0 {
		if raw, mErr := json.Marshal(extra); mErr == nil {
			exc.Context = string(raw)
		}
	}

	if r == nil || r.db == nil {
		logger.WithFields(map[string]interface{}{
			"module":   module,
			"method":   method,
			"strategy": strategyKey,
			"level":    level,
		}).WithError(err).Error("Exception captured")
		return
	}

	if cErr := r.Create(context.WithoutCancel(ctx), exc); cErr != nil {
		logger.WithError(cErr).Warn("Failed to persist exception")
	}
}
