package sqlite

import "time"

// ExchangeProfile holds the endpoint set shared by accounts on one venue deployment.
type ExchangeProfile struct {
	ID              int64  `gorm:"primaryKey"`
	Name            string `gorm:"uniqueIndex"`
	Environment     string `gorm:"not null;default:production"`
	RESTBaseURL     string `gorm:"column:rest_base_url"`
	WSMarketBaseURL string `gorm:"column:ws_market_base_url"`
	WSUserBaseURL   string `gorm:"column:ws_user_base_url"`
	Active          bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Account is a trading account bound to an exchange profile.
type Account struct {
	ID                int64 `gorm:"primaryKey"`
	Name              string
	ExchangeProfileID *int64
	Active            bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// AccountCredential stores the key pair for one account.
type AccountCredential struct {
	AccountID int64  `gorm:"primaryKey;autoIncrement:false"`
	APIKey    string `gorm:"column:api_key"`
	APISecret string `gorm:"column:api_secret"`
	UpdatedAt time.Time
}
