// Package account maps external Telegram ids onto internal accounts.
package account

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukerupert/renderlicense/internal/ledger"
	"github.com/dukerupert/renderlicense/internal/model"
)

type Registry struct {
	repo   ledger.Repository
	keys   ledger.KeyGenerator
	logger *slog.Logger
}

func NewRegistry(repo ledger.Repository, keys ledger.KeyGenerator, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{repo: repo, keys: keys, logger: logger}
}

// Get returns the account for telegramID, or nil if there is none.
func (r *Registry) Get(ctx context.Context, telegramID int64) (*model.Account, error) {
	var acct *model.Account
	err := r.repo.InTx(ctx, func(tx ledger.Tx) error {
		var err error
		acct, err = tx.AccountByTelegramID(ctx, telegramID)
		return err
	})
	return acct, err
}

// GetOrCreate returns the account for telegramID, creating it with a fresh
// referral code on first contact.
func (r *Registry) GetOrCreate(ctx context.Context, telegramID int64) (*model.Account, error) {
	var acct *model.Account
	err := r.repo.InTx(ctx, func(tx ledger.Tx) error {
		var err error
		acct, _, err = r.GetOrCreateTx(ctx, tx, telegramID, nil)
		return err
	})
	return acct, err
}

// GetOrCreateReferred is GetOrCreate for a user arriving with a referral
// code. The referrer is recorded only when the account is created here;
// unknown codes and self-referrals are ignored.
func (r *Registry) GetOrCreateReferred(ctx context.Context, telegramID int64, code string) (*model.Account, bool, error) {
	var (
		acct    *model.Account
		created bool
	)
	err := r.repo.InTx(ctx, func(tx ledger.Tx) error {
		var referrer *model.Account
		if code = strings.TrimSpace(code); code != "" {
			var err error
			referrer, err = tx.AccountByReferralCode(ctx, code)
			if err != nil {
				return err
			}
			if referrer != nil && referrer.TelegramID == telegramID {
				referrer = nil
			}
		}
		var err error
		acct, created, err = r.GetOrCreateTx(ctx, tx, telegramID, referrer)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	if created && acct.ReferredByID != nil {
		r.logger.Info("referred account created", "telegram_id", telegramID, "referred_by_id", *acct.ReferredByID)
	}
	return acct, created, nil
}

// GetOrCreateTx is GetOrCreate inside tx. It reports whether the account
// was created by this call.
func (r *Registry) GetOrCreateTx(ctx context.Context, tx ledger.Tx, telegramID int64, referrer *model.Account) (*model.Account, bool, error) {
	acct, err := tx.AccountByTelegramID(ctx, telegramID)
	if err != nil {
		return nil, false, err
	}
	if acct != nil {
		return acct, false, nil
	}

	code, err := r.keys.ReferralCode()
	if err != nil {
		return nil, false, fmt.Errorf("generate referral code: %w", err)
	}
	var referredBy *int64
	if referrer != nil {
		referredBy = &referrer.ID
	}
	acct, err = tx.CreateAccount(ctx, telegramID, code, referredBy)
	if err != nil {
		return nil, false, err
	}
	return acct, true, nil
}

// ResolveReferralCode returns the account owning code, or nil when the
// code is empty or unknown.
func (r *Registry) ResolveReferralCode(ctx context.Context, code string) (*model.Account, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, nil
	}
	var acct *model.Account
	err := r.repo.InTx(ctx, func(tx ledger.Tx) error {
		var err error
		acct, err = tx.AccountByReferralCode(ctx, code)
		return err
	})
	return acct, err
}

// EnsureReferralCode assigns a referral code to an account that predates
// referral support. Accounts that already have one are returned unchanged.
func (r *Registry) EnsureReferralCode(ctx context.Context, accountID int64) (*model.Account, error) {
	var acct *model.Account
	err := r.repo.InTx(ctx, func(tx ledger.Tx) error {
		var err error
		acct, err = tx.AccountByID(ctx, accountID)
		if err != nil {
			return err
		}
		if acct == nil {
			return fmt.Errorf("account %d: %w", accountID, ledger.ErrNotFound)
		}
		if acct.ReferralCode != nil {
			return nil
		}
		code, err := r.keys.ReferralCode()
		if err != nil {
			return fmt.Errorf("generate referral code: %w", err)
		}
		if _, err := tx.SetReferralCode(ctx, accountID, code); err != nil {
			return err
		}
		acct, err = tx.AccountByID(ctx, accountID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return acct, nil
}

// Delete removes the account and, through the foreign key, its license.
// Accounts it referred keep existing with their referrer cleared.
func (r *Registry) Delete(ctx context.Context, telegramID int64) error {
	return r.repo.InTx(ctx, func(tx ledger.Tx) error {
		acct, err := tx.AccountByTelegramID(ctx, telegramID)
		if err != nil {
			return err
		}
		if acct == nil {
			return fmt.Errorf("account %d: %w", telegramID, ledger.ErrNotFound)
		}
		return tx.DeleteAccount(ctx, acct.ID)
	})
}
