package model

import "time"

// Account holds the encrypted exchange credentials of one trading account.
type Account struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	AccountID     string    `gorm:"size:100;not null;uniqueIndex:idx_account_exchange" json:"account_id"`
	Exchange      string    `gorm:"size:30;not null;uniqueIndex:idx_account_exchange" json:"exchange"`
	APIKeyHash    string    `gorm:"column:api_key;type:text" json:"-"`
	APISecretHash string    `gorm:"column:api_secret;type:text" json:"-"`
	RunOnServer   bool      `gorm:"column:run_on_server" json:"run_on_server"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// TableName allows you to control the exact table name for accounts.
func (Account) TableName() string {
	return "accounts"
}
