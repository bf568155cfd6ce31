package model

import "time"

// Exception represents a system-level error that must be persisted
// for auditing, debugging, and monitoring purposes.
type Exception struct {
	ID uint `gorm:"primaryKey" json:"id"`

	// Where the error happened
	Service     string `gorm:"size:100;index" json:"service"`      // e.g. "martingale_executor"
	Module      string `gorm:"size:100;index" json:"module"`       // e.g. "worker"
	Method      string `gorm:"size:100" json:"method"`             // e.g. "selfHeal"
	StrategyKey string `gorm:"size:100;index" json:"strategy_key"` // e.g. "BTCUSDT_LONG"

	// Error information
	Message string `gorm:"type:text" json:"message"` // err.Error()
	Stack   string `gorm:"type:text" json:"stack"`   // stack trace (optional)

	// Severity level
	Level string `gorm:"size:20;index" json:"level"` // debug | info | warn | error | fatal

	// Extra context stored as JSON text (optional)
	Context string `gorm:"type:text" json:"context,omitempty"`

	// Audit info
	CreatedAt time.Time `json:"created_at"`
}

// TableName allows you to control the exact table name for exceptions.
func (Exception) TableName() string {
	return "exceptions"
}
