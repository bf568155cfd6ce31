package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is the normalized lifecycle of an exchange order.
type OrderStatus string

const (
	OrderStatusPending  OrderStatus = "PENDING"
	OrderStatusLive     OrderStatus = "LIVE"
	OrderStatusPartial  OrderStatus = "PARTIAL"
	OrderStatusFilled   OrderStatus = "FILLED"
	OrderStatusCanceled OrderStatus = "CANCELED"
	OrderStatusRejected OrderStatus = "REJECTED"
	OrderStatusMissing  OrderStatus = "MISSING"
)

// Working reports whether the order can still trade.
func (s OrderStatus) Working() bool {
	return s == OrderStatusLive || s == OrderStatusPartial || s == OrderStatusPending
}

// Final reports whether the order left the active set.
func (s OrderStatus) Final() bool {
	return s == OrderStatusFilled || s == OrderStatusCanceled || s == OrderStatusRejected || s == OrderStatusMissing
}

// Order is the audit row of every order a worker submits to the exchange.
type Order struct {
	ID              uint            `gorm:"primaryKey" json:"id"`
	AccountID       string          `gorm:"size:100;index" json:"account_id"`
	StrategyKey     string          `gorm:"size:100;index" json:"strategy_key"`
	Symbol          string          `gorm:"size:50" json:"symbol"`
	Side            string          `gorm:"size:10" json:"side"`
	PosSide         string          `gorm:"size:10" json:"pos_side"`
	OrderType       string          `gorm:"size:20" json:"order_type"`
	Role            Role            `gorm:"size:10;index" json:"role"`
	LevelIndex      int             `json:"level_index"`
	ClientRef       string          `gorm:"size:64;uniqueIndex" json:"client_ref"`
	ExchangeOrderID string          `gorm:"size:100;index" json:"exchange_order_id"`
	Quantity        decimal.Decimal `gorm:"type:numeric" json:"quantity"`
	Price           decimal.Decimal `gorm:"type:numeric" json:"price"`
	Status          OrderStatus     `gorm:"size:20;not null;default:PENDING" json:"status"`
	Reason          string          `gorm:"size:255" json:"reason,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// TableName allows you to control the exact table name for orders.
func (Order) TableName() string {
	return "ladder_orders"
}
