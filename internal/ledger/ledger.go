package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukerupert/renderlicense/internal/model"
)

// Transition names carried on published events.
const (
	ActionGranted   = "granted"
	ActionRenewed   = "renewed"
	ActionExtended  = "extended"
	ActionReduced   = "reduced"
	ActionCanceled  = "canceled"
	ActionKeyIssued = "key_issued"
	ActionDeleted   = "deleted"
)

// Ledger is the license state machine. Each exported operation runs in its
// own transaction; the *Tx variants let higher-level callers compose a
// transition into a transaction they already hold.
type Ledger struct {
	repo      Repository
	keys      KeyGenerator
	clock     Clock
	publisher Publisher
	logger    *slog.Logger
}

type Option func(*Ledger)

func WithClock(c Clock) Option {
	return func(l *Ledger) { l.clock = c }
}

func WithPublisher(p Publisher) Option {
	return func(l *Ledger) { l.publisher = p }
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

func New(repo Repository, keys KeyGenerator, opts ...Option) *Ledger {
	l := &Ledger{
		repo:   repo,
		keys:   keys,
		clock:  SystemClock,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Now returns the ledger clock's current instant in UTC, truncated to the
// second resolution expiries are stored at.
func (l *Ledger) Now() time.Time {
	return l.clock.Now().UTC().Truncate(time.Second)
}

// Repository exposes the repository the ledger writes through.
func (l *Ledger) Repository() Repository {
	return l.repo
}

// GrantOrRenew creates the account's license or pushes its expiry forward
// by period, counting from the later of the current expiry and now.
func (l *Ledger) GrantOrRenew(ctx context.Context, accountID int64, period time.Duration) (*model.License, error) {
	var (
		lic    *model.License
		acct   *model.Account
		action string
	)
	err := l.repo.InTx(ctx, func(tx Tx) error {
		var err error
		acct, err = tx.AccountByID(ctx, accountID)
		if err != nil {
			return err
		}
		if acct == nil {
			return fmt.Errorf("account %d: %w", accountID, ErrNotFound)
		}
		lic, action, err = l.GrantOrRenewTx(ctx, tx, acct, period, l.Now())
		return err
	})
	if err != nil {
		return nil, err
	}
	l.PublishTransition(action, acct, lic)
	return lic, nil
}

// GrantOrRenewTx applies grant_or_renew inside tx and reports whether the
// license was granted or renewed.
func (l *Ledger) GrantOrRenewTx(ctx context.Context, tx Tx, acct *model.Account, period time.Duration, now time.Time) (*model.License, string, error) {
	if period <= 0 {
		return nil, "", ErrInvalidPeriod
	}
	lic, err := tx.LicenseByAccountID(ctx, acct.ID)
	if err != nil {
		return nil, "", err
	}
	if lic == nil {
		lic, err = l.createLicense(ctx, tx, acct.ID, now.Add(period))
		if err != nil {
			return nil, "", err
		}
		return lic, ActionGranted, nil
	}

	base := now
	if lic.NextChargeAt != nil && lic.NextChargeAt.After(now) {
		base = *lic.NextChargeAt
	}
	next := base.Add(period).UTC()
	lic.NextChargeAt = &next
	lic.IsActive = true
	if err := tx.UpdateLicense(ctx, lic); err != nil {
		return nil, "", err
	}
	return lic, ActionRenewed, nil
}

// Extend adds days to the license expiry and re-activates it.
func (l *Ledger) Extend(ctx context.Context, key string, days int) (*model.License, error) {
	return l.mutateByKey(ctx, key, ActionExtended, func(tx Tx, lic *model.License, now time.Time) error {
		return l.ExtendTx(ctx, tx, lic, days, now)
	})
}

// ExtendTx adds days to lic's expiry, treating an absent expiry as now.
func (l *Ledger) ExtendTx(ctx context.Context, tx Tx, lic *model.License, days int, now time.Time) error {
	if days <= 0 {
		return ErrInvalidPeriod
	}
	base := now
	if lic.NextChargeAt != nil {
		base = *lic.NextChargeAt
	}
	next := base.Add(Days(days)).UTC()
	lic.NextChargeAt = &next
	lic.IsActive = true
	return tx.UpdateLicense(ctx, lic)
}

// CreditTx extends the account's license by days, creating the license when
// the account has none.
func (l *Ledger) CreditTx(ctx context.Context, tx Tx, acct *model.Account, days int, now time.Time) (*model.License, string, error) {
	if days <= 0 {
		return nil, "", ErrInvalidPeriod
	}
	lic, err := tx.LicenseByAccountID(ctx, acct.ID)
	if err != nil {
		return nil, "", err
	}
	if lic == nil {
		lic, err = l.createLicense(ctx, tx, acct.ID, now.Add(Days(days)))
		if err != nil {
			return nil, "", err
		}
		return lic, ActionGranted, nil
	}
	if err := l.ExtendTx(ctx, tx, lic, days, now); err != nil {
		return nil, "", err
	}
	return lic, ActionExtended, nil
}

// Reduce subtracts days from the license expiry.
func (l *Ledger) Reduce(ctx context.Context, key string, days int) (*model.License, error) {
	return l.mutateByKey(ctx, key, ActionReduced, func(tx Tx, lic *model.License, now time.Time) error {
		return l.ReduceTx(ctx, tx, lic, days, now)
	})
}

// ReduceTx subtracts days from lic's expiry. The result is clamped at now,
// or at the current expiry when that already lies in the past, so a
// reduction never moves the expiry forward and never leaves an active
// license pointing further into the past than it already was.
func (l *Ledger) ReduceTx(ctx context.Context, tx Tx, lic *model.License, days int, now time.Time) error {
	if days <= 0 {
		return ErrInvalidPeriod
	}
	if lic.NextChargeAt == nil {
		return fmt.Errorf("reduce license without expiry: %w", ErrInvalidTransition)
	}
	floor := now
	if lic.NextChargeAt.Before(now) {
		floor = *lic.NextChargeAt
	}
	next := lic.NextChargeAt.Add(-Days(days))
	if next.Before(floor) {
		next = floor
	}
	next = next.UTC()
	lic.NextChargeAt = &next
	return tx.UpdateLicense(ctx, lic)
}

// Cancel deactivates the license and clears its expiry and subscription.
func (l *Ledger) Cancel(ctx context.Context, key string) (*model.License, error) {
	return l.mutateByKey(ctx, key, ActionCanceled, func(tx Tx, lic *model.License, _ time.Time) error {
		return l.CancelTx(ctx, tx, lic)
	})
}

// CancelBySubscription cancels the license registered under a provider
// subscription id.
func (l *Ledger) CancelBySubscription(ctx context.Context, subscriptionID string) (*model.License, error) {
	var (
		lic  *model.License
		acct *model.Account
	)
	err := l.repo.InTx(ctx, func(tx Tx) error {
		var err error
		lic, err = tx.LicenseBySubscriptionID(ctx, subscriptionID)
		if err != nil {
			return err
		}
		if lic == nil {
			return fmt.Errorf("subscription %s: %w", subscriptionID, ErrNotFound)
		}
		if acct, err = tx.AccountByID(ctx, lic.AccountID); err != nil {
			return err
		}
		return l.CancelTx(ctx, tx, lic)
	})
	if err != nil {
		return nil, err
	}
	l.PublishTransition(ActionCanceled, acct, lic)
	return lic, nil
}

func (l *Ledger) CancelTx(ctx context.Context, tx Tx, lic *model.License) error {
	lic.IsActive = false
	lic.NextChargeAt = nil
	lic.SubscriptionID = nil
	return tx.UpdateLicense(ctx, lic)
}

// IssueKey replaces the license key. The previous key stops validating.
func (l *Ledger) IssueKey(ctx context.Context, key string) (*model.License, error) {
	return l.mutateByKey(ctx, key, ActionKeyIssued, func(tx Tx, lic *model.License, _ time.Time) error {
		return l.IssueKeyTx(ctx, tx, lic)
	})
}

func (l *Ledger) IssueKeyTx(ctx context.Context, tx Tx, lic *model.License) error {
	newKey, err := l.keys.LicenseKey()
	if err != nil {
		return fmt.Errorf("generate license key: %w", err)
	}
	lic.Key = newKey
	return tx.UpdateLicense(ctx, lic)
}

// Delete removes the license identified by key.
func (l *Ledger) Delete(ctx context.Context, key string) error {
	var (
		lic  *model.License
		acct *model.Account
	)
	err := l.repo.InTx(ctx, func(tx Tx) error {
		var err error
		lic, err = tx.LicenseByKey(ctx, key)
		if err != nil {
			return err
		}
		if lic == nil {
			return fmt.Errorf("license %s: %w", key, ErrNotFound)
		}
		if acct, err = tx.AccountByID(ctx, lic.AccountID); err != nil {
			return err
		}
		return tx.DeleteLicense(ctx, lic.ID)
	})
	if err != nil {
		return err
	}
	lic.IsActive = false
	l.PublishTransition(ActionDeleted, acct, lic)
	return nil
}

// Snapshot returns the derived view of the account's license.
func (l *Ledger) Snapshot(ctx context.Context, accountID int64) (model.Snapshot, error) {
	var snap model.Snapshot
	err := l.repo.InTx(ctx, func(tx Tx) error {
		acct, err := tx.AccountByID(ctx, accountID)
		if err != nil {
			return err
		}
		if acct == nil {
			return fmt.Errorf("account %d: %w", accountID, ErrNotFound)
		}
		lic, err := tx.LicenseByAccountID(ctx, accountID)
		if err != nil {
			return err
		}
		snap = SnapshotOf(lic, acct.TelegramID, l.Now())
		return nil
	})
	return snap, err
}

// SnapshotByTelegramID is Snapshot keyed by the external account id. An
// unknown account yields a not_found snapshot rather than an error.
func (l *Ledger) SnapshotByTelegramID(ctx context.Context, telegramID int64) (model.Snapshot, error) {
	var snap model.Snapshot
	err := l.repo.InTx(ctx, func(tx Tx) error {
		acct, err := tx.AccountByTelegramID(ctx, telegramID)
		if err != nil {
			return err
		}
		if acct == nil {
			snap = SnapshotOf(nil, telegramID, l.Now())
			return nil
		}
		lic, err := tx.LicenseByAccountID(ctx, acct.ID)
		if err != nil {
			return err
		}
		snap = SnapshotOf(lic, acct.TelegramID, l.Now())
		return nil
	})
	return snap, err
}

// SnapshotByKey is the lookup behind the public license check.
func (l *Ledger) SnapshotByKey(ctx context.Context, key string) (model.Snapshot, error) {
	var snap model.Snapshot
	err := l.repo.InTx(ctx, func(tx Tx) error {
		lic, err := tx.LicenseByKey(ctx, key)
		if err != nil {
			return err
		}
		if lic == nil {
			snap = SnapshotOf(nil, 0, l.Now())
			return nil
		}
		acct, err := tx.AccountByID(ctx, lic.AccountID)
		if err != nil {
			return err
		}
		var telegramID int64
		if acct != nil {
			telegramID = acct.TelegramID
		}
		snap = SnapshotOf(lic, telegramID, l.Now())
		return nil
	})
	return snap, err
}

// PublishTransition forwards a committed transition to the publisher.
func (l *Ledger) PublishTransition(action string, acct *model.Account, lic *model.License) {
	if l.publisher == nil || lic == nil {
		return
	}
	ev := model.LicenseEvent{
		Action:       action,
		AccountID:    lic.AccountID,
		Key:          lic.Key,
		IsActive:     lic.IsActive,
		NextChargeAt: lic.NextChargeAt,
	}
	if acct != nil {
		ev.TelegramID = acct.TelegramID
	}
	l.publisher.Publish(ev)
}

func (l *Ledger) mutateByKey(ctx context.Context, key, action string, fn func(tx Tx, lic *model.License, now time.Time) error) (*model.License, error) {
	var (
		lic  *model.License
		acct *model.Account
	)
	err := l.repo.InTx(ctx, func(tx Tx) error {
		var err error
		lic, err = tx.LicenseByKey(ctx, key)
		if err != nil {
			return err
		}
		if lic == nil {
			return fmt.Errorf("license %s: %w", key, ErrNotFound)
		}
		if acct, err = tx.AccountByID(ctx, lic.AccountID); err != nil {
			return err
		}
		return fn(tx, lic, l.Now())
	})
	if err != nil {
		return nil, err
	}
	l.logger.Debug("license transition", "action", action, "account_id", lic.AccountID)
	l.PublishTransition(action, acct, lic)
	return lic, nil
}

func (l *Ledger) createLicense(ctx context.Context, tx Tx, accountID int64, expiry time.Time) (*model.License, error) {
	key, err := l.keys.LicenseKey()
	if err != nil {
		return nil, fmt.Errorf("generate license key: %w", err)
	}
	expiry = expiry.UTC()
	lic := &model.License{
		AccountID:    accountID,
		Key:          key,
		IsActive:     true,
		NextChargeAt: &expiry,
	}
	if err := tx.CreateLicense(ctx, lic); err != nil {
		return nil, err
	}
	return lic, nil
}
