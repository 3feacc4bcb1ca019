package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dukerupert/renderlicense/internal/model"
)

func scanAccount(scanner interface{ Scan(...any) error }) (*model.Account, error) {
	var a model.Account
	var code sql.NullString
	var referredBy sql.NullInt64
	var claimed int
	var createdAt, updatedAt int64
	err := scanner.Scan(&a.ID, &a.TelegramID, &code, &referredBy, &claimed, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if code.Valid {
		a.ReferralCode = &code.String
	}
	if referredBy.Valid {
		a.ReferredByID = &referredBy.Int64
	}
	a.ReferralBonusClaimed = claimed != 0
	a.CreatedAt = unixTime(createdAt)
	a.UpdatedAt = unixTime(updatedAt)
	return &a, nil
}

const accountCols = `id, telegram_id, referral_code, referred_by_id, referral_bonus_claimed, created_at, updated_at`

func getAccount(ctx context.Context, q querier, where string, arg any) (*model.Account, error) {
	row := q.QueryRowContext(ctx, `SELECT `+accountCols+` FROM accounts WHERE `+where+` = ?`, arg)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (t *txStore) AccountByID(ctx context.Context, id int64) (*model.Account, error) {
	a, err := getAccount(ctx, t.q, "id", id)
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return a, nil
}

func (t *txStore) AccountByTelegramID(ctx context.Context, telegramID int64) (*model.Account, error) {
	a, err := getAccount(ctx, t.q, "telegram_id", telegramID)
	if err != nil {
		return nil, fmt.Errorf("get account by telegram id: %w", err)
	}
	return a, nil
}

func (t *txStore) AccountByReferralCode(ctx context.Context, code string) (*model.Account, error) {
	a, err := getAccount(ctx, t.q, "referral_code", code)
	if err != nil {
		return nil, fmt.Errorf("get account by referral code: %w", err)
	}
	return a, nil
}

func (t *txStore) CreateAccount(ctx context.Context, telegramID int64, referralCode string, referredByID *int64) (*model.Account, error) {
	var code sql.NullString
	if referralCode != "" {
		code = sql.NullString{String: referralCode, Valid: true}
	}
	var referredBy sql.NullInt64
	if referredByID != nil {
		referredBy = sql.NullInt64{Int64: *referredByID, Valid: true}
	}

	result, err := t.q.ExecContext(ctx,
		`INSERT INTO accounts (telegram_id, referral_code, referred_by_id) VALUES (?, ?, ?)`,
		telegramID, code, referredBy,
	)
	if err != nil {
		return nil, fmt.Errorf("insert account: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return t.AccountByID(ctx, id)
}

func (t *txStore) SetReferralCode(ctx context.Context, accountID int64, code string) (bool, error) {
	result, err := t.q.ExecContext(ctx,
		`UPDATE accounts SET referral_code = ?, updated_at = unixepoch() WHERE id = ? AND referral_code IS NULL`,
		code, accountID,
	)
	if err != nil {
		return false, fmt.Errorf("set referral code: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

func (t *txStore) DeleteAccount(ctx context.Context, id int64) error {
	_, err := t.q.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	return nil
}

func (t *txStore) ReferredAccounts(ctx context.Context, referrerID int64) ([]model.Account, error) {
	rows, err := t.q.QueryContext(ctx,
		`SELECT `+accountCols+` FROM accounts WHERE referred_by_id = ? ORDER BY id`,
		referrerID,
	)
	if err != nil {
		return nil, fmt.Errorf("list referred accounts: %w", err)
	}
	defer rows.Close()

	var accounts []model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

func (t *txStore) MarkReferralBonusClaimed(ctx context.Context, accountID int64) (bool, error) {
	result, err := t.q.ExecContext(ctx,
		`UPDATE accounts SET referral_bonus_claimed = 1, updated_at = unixepoch() WHERE id = ? AND referral_bonus_claimed = 0`,
		accountID,
	)
	if err != nil {
		return false, fmt.Errorf("mark referral bonus claimed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// ListAccounts returns every account with its license count, newest first.
func (s *Store) ListAccounts(ctx context.Context) ([]model.AccountRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.telegram_id, a.referral_code, a.referred_by_id, a.referral_bonus_claimed,
		       a.created_at, a.updated_at, COUNT(l.id)
		FROM accounts a
		LEFT JOIN licenses l ON l.account_id = a.id
		GROUP BY a.id
		ORDER BY a.created_at DESC, a.id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var out []model.AccountRow
	for rows.Next() {
		var r model.AccountRow
		var count int
		a, err := scanAccount(scanFunc(func(dest ...any) error {
			return rows.Scan(append(dest, &count)...)
		}))
		if err != nil {
			return nil, fmt.Errorf("scan account row: %w", err)
		}
		r.Account = *a
		r.LicenseCount = count
		out = append(out, r)
	}
	return out, rows.Err()
}

// scanFunc lets a joined query reuse a single-table scan helper.
type scanFunc func(dest ...any) error

func (f scanFunc) Scan(dest ...any) error { return f(dest...) }
