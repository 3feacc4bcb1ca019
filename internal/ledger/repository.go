package ledger

import (
	"context"
	"time"

	"github.com/dukerupert/renderlicense/internal/model"
)

// Tx is the transactional view of storage handed to every core operation.
// Lookups return (nil, nil) when the row does not exist.
type Tx interface {
	AccountByID(ctx context.Context, id int64) (*model.Account, error)
	AccountByTelegramID(ctx context.Context, telegramID int64) (*model.Account, error)
	AccountByReferralCode(ctx context.Context, code string) (*model.Account, error)
	CreateAccount(ctx context.Context, telegramID int64, referralCode string, referredByID *int64) (*model.Account, error)
	// SetReferralCode assigns code only when the account has none and
	// reports whether it did.
	SetReferralCode(ctx context.Context, accountID int64, code string) (bool, error)
	DeleteAccount(ctx context.Context, id int64) error
	ReferredAccounts(ctx context.Context, referrerID int64) ([]model.Account, error)
	// MarkReferralBonusClaimed flips the one-shot flag and reports whether
	// this call was the one that flipped it.
	MarkReferralBonusClaimed(ctx context.Context, accountID int64) (bool, error)

	LicenseByAccountID(ctx context.Context, accountID int64) (*model.License, error)
	LicenseByKey(ctx context.Context, key string) (*model.License, error)
	LicenseBySubscriptionID(ctx context.Context, subscriptionID string) (*model.License, error)
	CreateLicense(ctx context.Context, l *model.License) error
	UpdateLicense(ctx context.Context, l *model.License) error
	DeleteLicense(ctx context.Context, id int64) error

	// InsertPayment records a processed payment. It returns
	// ErrDuplicatePayment when the provider payment id is already stored.
	InsertPayment(ctx context.Context, p *model.Payment) error
}

// Repository runs fn inside a single transaction. If fn returns an error
// nothing it wrote is visible; otherwise all of it is.
type Repository interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// Clock returns the current instant. Implementations must return UTC.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f().UTC() }

// SystemClock reads the wall clock.
var SystemClock Clock = ClockFunc(time.Now)

// KeyGenerator produces license keys and referral codes.
type KeyGenerator interface {
	LicenseKey() (string, error)
	ReferralCode() (string, error)
}

// Publisher receives committed license transitions.
type Publisher interface {
	Publish(event model.LicenseEvent)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(model.LicenseEvent)

func (f PublisherFunc) Publish(e model.LicenseEvent) { f(e) }
