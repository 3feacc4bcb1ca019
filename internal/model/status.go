package model

import "time"

// Status is the derived state of a license. It is never stored.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusExpired  Status = "expired"
	StatusNotFound Status = "not_found"
)

// Public collapses the derived status into the three-way answer given to
// external license checks: active, inactive or not_found.
func (s Status) Public() Status {
	switch s {
	case StatusActive, StatusNotFound:
		return s
	default:
		return StatusInactive
	}
}

// Snapshot is the read-only view of an account's license shared by every
// user-facing surface.
type Snapshot struct {
	Exists       bool       `json:"exists"`
	Active       bool       `json:"active"`
	Status       Status     `json:"status"`
	Key          string     `json:"key,omitempty"`
	NextChargeAt *time.Time `json:"next_charge_at,omitempty"`
	DaysLeft     int        `json:"days_left"`
	TelegramID   int64      `json:"telegram_id,omitempty"`
}

// ReferralSummary reports a referrer's successful and claimable invitations.
type ReferralSummary struct {
	SuccessfulReferrals int `json:"successful_referrals"`
	ClaimableReferrals  int `json:"claimable_referrals"`
	BonusDaysAvailable  int `json:"bonus_days_available"`
	BonusDaysClaimed    int `json:"bonus_days_claimed"`
	DaysLeft            int `json:"days_left"`
}

// LicenseEvent describes a committed license transition.
type LicenseEvent struct {
	Action       string     `json:"action"`
	AccountID    int64      `json:"account_id"`
	TelegramID   int64      `json:"telegram_id"`
	Key          string     `json:"key,omitempty"`
	IsActive     bool       `json:"is_active"`
	NextChargeAt *time.Time `json:"next_charge_at,omitempty"`
}
