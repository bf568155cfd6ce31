package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// StrategyState is the persisted snapshot of one strategy worker.
// It is advisory: a restarted worker re-derives truth from the exchange.
type StrategyState struct {
	ID             uint            `gorm:"primaryKey" json:"id"`
	AccountID      string          `gorm:"size:100;not null;uniqueIndex:idx_strategy_states_account_key" json:"account_id"`
	StrategyKey    string          `gorm:"size:100;not null;uniqueIndex:idx_strategy_states_account_key" json:"strategy_key"`
	Symbol         string          `gorm:"size:50" json:"symbol"`
	Direction      Direction       `gorm:"size:10" json:"direction"`
	Params         string          `gorm:"type:text" json:"params"`
	AvgPrice       decimal.Decimal `gorm:"type:numeric" json:"avg_price"`
	PositionSize   decimal.Decimal `gorm:"type:numeric" json:"position_size"`
	AddCount       int             `json:"add_count"`
	ExecutionMode  ExecutionMode   `gorm:"size:20" json:"execution_mode"`
	ActiveOrderIDs string          `gorm:"type:text" json:"active_order_ids"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// TableName allows you to control the exact table name for strategy snapshots.
func (StrategyState) TableName() string {
	return "strategy_states"
}
