package handler

import (
	"log/slog"
	"net/http"

	"github.com/dukerupert/renderlicense/internal/account"
	"github.com/dukerupert/renderlicense/internal/ledger"
	"github.com/dukerupert/renderlicense/internal/referral"
)

// AccountHandler serves user registration and the referral API.
type AccountHandler struct {
	accounts *account.Registry
	ledger   *ledger.Ledger
	referral *referral.Service
	logger   *slog.Logger
}

func NewAccountHandler(accounts *account.Registry, l *ledger.Ledger, ref *referral.Service, logger *slog.Logger) *AccountHandler {
	return &AccountHandler{accounts: accounts, ledger: l, referral: ref, logger: logger}
}

type registerRequest struct {
	TelegramID   int64  `json:"telegram_id"`
	ReferralCode string `json:"referral_code"`
}

type registerResponse struct {
	ID           int64   `json:"id"`
	TelegramID   int64   `json:"telegram_id"`
	Created      bool    `json:"created"`
	ReferralCode *string `json:"referral_code"`
}

// Register gets or creates the account for a telegram id. A referral code
// only takes effect when the account is new.
func (h *AccountHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.TelegramID <= 0 {
		writeError(w, http.StatusBadRequest, "telegram_id is required")
		return
	}

	acct, created, err := h.accounts.GetOrCreateReferred(r.Context(), req.TelegramID, req.ReferralCode)
	if err != nil {
		writeLedgerError(w, h.logger, "register account", err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, registerResponse{
		ID:           acct.ID,
		TelegramID:   acct.TelegramID,
		Created:      created,
		ReferralCode: acct.ReferralCode,
	})
}

// License returns the caller-facing snapshot for a telegram id.
func (h *AccountHandler) License(w http.ResponseWriter, r *http.Request) {
	telegramID, err := parseTelegramID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid telegram_id")
		return
	}
	snap, err := h.ledger.SnapshotByTelegramID(r.Context(), telegramID)
	if err != nil {
		writeLedgerError(w, h.logger, "license snapshot", err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type referralResponse struct {
	ReferralCode        string `json:"referral_code"`
	BonusDays           int    `json:"bonus_days_per_referral"`
	SuccessfulReferrals int    `json:"successful_referrals"`
	ClaimableReferrals  int    `json:"claimable_referrals"`
	BonusDaysAvailable  int    `json:"bonus_days_available"`
	BonusDaysClaimed    int    `json:"bonus_days_claimed"`
	DaysLeft            int    `json:"days_left"`
}

// Referrals reports the referral summary and the account's invite code,
// assigning a code on first use.
func (h *AccountHandler) Referrals(w http.ResponseWriter, r *http.Request) {
	telegramID, err := parseTelegramID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid telegram_id")
		return
	}
	acct, err := h.accounts.Get(r.Context(), telegramID)
	if err != nil {
		writeLedgerError(w, h.logger, "get account", err)
		return
	}
	if acct == nil {
		writeError(w, http.StatusNotFound, "account not found")
		return
	}
	if acct, err = h.accounts.EnsureReferralCode(r.Context(), acct.ID); err != nil {
		writeLedgerError(w, h.logger, "ensure referral code", err)
		return
	}
	sum, err := h.referral.Summary(r.Context(), acct.ID)
	if err != nil {
		writeLedgerError(w, h.logger, "referral summary", err)
		return
	}

	resp := referralResponse{
		BonusDays:           h.referral.BonusDays(),
		SuccessfulReferrals: sum.SuccessfulReferrals,
		ClaimableReferrals:  sum.ClaimableReferrals,
		BonusDaysAvailable:  sum.BonusDaysAvailable,
		BonusDaysClaimed:    sum.BonusDaysClaimed,
		DaysLeft:            sum.DaysLeft,
	}
	if acct.ReferralCode != nil {
		resp.ReferralCode = *acct.ReferralCode
	}
	writeJSON(w, http.StatusOK, resp)
}

// ClaimReferrals credits every claimable referral bonus.
func (h *AccountHandler) ClaimReferrals(w http.ResponseWriter, r *http.Request) {
	telegramID, err := parseTelegramID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid telegram_id")
		return
	}
	days, err := h.referral.ClaimByTelegramID(r.Context(), telegramID)
	if err != nil {
		writeLedgerError(w, h.logger, "claim referrals", err)
		return
	}
	snap, err := h.ledger.SnapshotByTelegramID(r.Context(), telegramID)
	if err != nil {
		writeLedgerError(w, h.logger, "license snapshot", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"days_credited": days,
		"license":       snap,
	})
}
