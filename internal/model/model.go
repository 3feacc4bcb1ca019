package model

import "time"

type Account struct {
	ID                   int64     `json:"id"`
	TelegramID           int64     `json:"telegram_id"`
	ReferralCode         *string   `json:"referral_code"`
	ReferredByID         *int64    `json:"referred_by_id"`
	ReferralBonusClaimed bool      `json:"referral_bonus_claimed"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

type License struct {
	ID             int64      `json:"id"`
	AccountID      int64      `json:"account_id"`
	Key            string     `json:"key"`
	IsActive       bool       `json:"is_active"`
	NextChargeAt   *time.Time `json:"next_charge_at"`
	SubscriptionID *string    `json:"subscription_id"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

type Payment struct {
	ID          int64      `json:"id"`
	PaymentID   string     `json:"payment_id"`
	Provider    string     `json:"provider"`
	TelegramID  int64      `json:"telegram_id"`
	Status      string     `json:"status"`
	AmountValue string     `json:"amount_value"`
	Currency    string     `json:"currency"`
	Description string     `json:"description"`
	Payload     string     `json:"-"`
	CreatedAt   time.Time  `json:"created_at"`
	ProcessedAt *time.Time `json:"processed_at"`
}

// LicenseRow is a license joined with its owner, as listed on the admin dashboard.
type LicenseRow struct {
	License    License `json:"license"`
	TelegramID int64   `json:"telegram_id"`
}

// AccountRow is an account with the number of licenses it owns (0 or 1).
type AccountRow struct {
	Account      Account `json:"account"`
	LicenseCount int     `json:"license_count"`
}
