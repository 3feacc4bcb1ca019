// Package referral computes and pays out referral bonuses.
package referral

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukerupert/renderlicense/internal/ledger"
	"github.com/dukerupert/renderlicense/internal/metrics"
	"github.com/dukerupert/renderlicense/internal/model"
)

const DefaultBonusDays = 7

type Service struct {
	ledger    *ledger.Ledger
	bonusDays int
	retry     ledger.RetryPolicy
	logger    *slog.Logger
}

func NewService(l *ledger.Ledger, bonusDays int, logger *slog.Logger) *Service {
	if bonusDays <= 0 {
		bonusDays = DefaultBonusDays
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{ledger: l, bonusDays: bonusDays, retry: ledger.DefaultRetryPolicy, logger: logger}
}

// BonusDays is the credit per qualifying referral.
func (s *Service) BonusDays() int { return s.bonusDays }

// Summary counts the referrer's claimed and claimable referrals. A
// referral is claimable once the invitee's license is active and its
// bonus has not been paid.
func (s *Service) Summary(ctx context.Context, referrerID int64) (model.ReferralSummary, error) {
	var sum model.ReferralSummary
	err := s.ledger.Repository().InTx(ctx, func(tx ledger.Tx) error {
		referrer, err := tx.AccountByID(ctx, referrerID)
		if err != nil {
			return err
		}
		if referrer == nil {
			return fmt.Errorf("account %d: %w", referrerID, ledger.ErrNotFound)
		}
		now := s.ledger.Now()
		claimed, claimable, err := s.classify(ctx, tx, referrerID, now)
		if err != nil {
			return err
		}
		lic, err := tx.LicenseByAccountID(ctx, referrerID)
		if err != nil {
			return err
		}
		sum = model.ReferralSummary{
			SuccessfulReferrals: claimed,
			ClaimableReferrals:  len(claimable),
			BonusDaysAvailable:  len(claimable) * s.bonusDays,
			BonusDaysClaimed:    claimed * s.bonusDays,
			DaysLeft:            ledger.DaysLeft(lic, now),
		}
		return nil
	})
	return sum, err
}

// Claim flips the bonus flag on every claimable referral and credits the
// referrer's license with the combined bonus, creating the license when
// needed. Flags and credit commit together or not at all. It returns the
// number of days credited, which is zero when nothing was claimable.
func (s *Service) Claim(ctx context.Context, referrerID int64) (int, error) {
	var (
		credited int
		referrer *model.Account
		lic      *model.License
		action   string
	)
	err := s.retry.Do(ctx, func(ctx context.Context) error {
		credited, lic, action = 0, nil, ""
		return s.ledger.Repository().InTx(ctx, func(tx ledger.Tx) error {
			var err error
			referrer, err = tx.AccountByID(ctx, referrerID)
			if err != nil {
				return err
			}
			if referrer == nil {
				return fmt.Errorf("account %d: %w", referrerID, ledger.ErrNotFound)
			}

			now := s.ledger.Now()
			_, claimable, err := s.classify(ctx, tx, referrerID, now)
			if err != nil {
				return err
			}
			flipped := 0
			for _, a := range claimable {
				ok, err := tx.MarkReferralBonusClaimed(ctx, a.ID)
				if err != nil {
					return err
				}
				if ok {
					flipped++
				}
			}
			if flipped == 0 {
				return nil
			}

			credited = flipped * s.bonusDays
			lic, action, err = s.ledger.CreditTx(ctx, tx, referrer, credited, now)
			return err
		})
	})
	if err != nil {
		return 0, err
	}
	if credited > 0 {
		metrics.ReferralDaysCreditedTotal.Add(float64(credited))
		s.ledger.PublishTransition(action, referrer, lic)
		s.logger.Info("referral bonus claimed", "account_id", referrerID, "days", credited)
	}
	return credited, nil
}

// ClaimByTelegramID resolves the referrer by telegram id and claims.
func (s *Service) ClaimByTelegramID(ctx context.Context, telegramID int64) (int, error) {
	id, err := s.accountID(ctx, telegramID)
	if err != nil {
		return 0, err
	}
	return s.Claim(ctx, id)
}

// SummaryByTelegramID resolves the referrer by telegram id and summarizes.
func (s *Service) SummaryByTelegramID(ctx context.Context, telegramID int64) (model.ReferralSummary, error) {
	id, err := s.accountID(ctx, telegramID)
	if err != nil {
		return model.ReferralSummary{}, err
	}
	return s.Summary(ctx, id)
}

func (s *Service) accountID(ctx context.Context, telegramID int64) (int64, error) {
	var id int64
	err := s.ledger.Repository().InTx(ctx, func(tx ledger.Tx) error {
		a, err := tx.AccountByTelegramID(ctx, telegramID)
		if err != nil {
			return err
		}
		if a == nil {
			return fmt.Errorf("telegram id %d: %w", telegramID, ledger.ErrNotFound)
		}
		id = a.ID
		return nil
	})
	return id, err
}

// classify splits the referrer's invitees into the number already paid
// out and those whose bonus can be claimed now.
func (s *Service) classify(ctx context.Context, tx ledger.Tx, referrerID int64, now time.Time) (int, []model.Account, error) {
	referred, err := tx.ReferredAccounts(ctx, referrerID)
	if err != nil {
		return 0, nil, err
	}
	claimed := 0
	var claimable []model.Account
	for _, a := range referred {
		if a.ReferralBonusClaimed {
			claimed++
			continue
		}
		lic, err := tx.LicenseByAccountID(ctx, a.ID)
		if err != nil {
			return 0, nil, err
		}
		if ledger.StatusOf(lic, now) == model.StatusActive {
			claimable = append(claimable, a)
		}
	}
	return claimed, claimable, nil
}
