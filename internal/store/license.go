package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dukerupert/renderlicense/internal/model"
)

func scanLicense(scanner interface{ Scan(...any) error }) (*model.License, error) {
	var l model.License
	var active int
	var next sql.NullInt64
	var subID sql.NullString
	var createdAt, updatedAt int64
	err := scanner.Scan(&l.ID, &l.AccountID, &l.Key, &active, &next, &subID, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	l.IsActive = active != 0
	l.NextChargeAt = timeFromNullable(next)
	if subID.Valid {
		l.SubscriptionID = &subID.String
	}
	l.CreatedAt = unixTime(createdAt)
	l.UpdatedAt = unixTime(updatedAt)
	return &l, nil
}

const licenseCols = `id, account_id, license_key, is_active, next_charge_at, subscription_id, created_at, updated_at`

func getLicense(ctx context.Context, q querier, where string, arg any) (*model.License, error) {
	row := q.QueryRowContext(ctx, `SELECT `+licenseCols+` FROM licenses WHERE `+where+` = ?`, arg)
	l, err := scanLicense(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return l, nil
}

func (t *txStore) LicenseByAccountID(ctx context.Context, accountID int64) (*model.License, error) {
	l, err := getLicense(ctx, t.q, "account_id", accountID)
	if err != nil {
		return nil, fmt.Errorf("get license by account: %w", err)
	}
	return l, nil
}

func (t *txStore) LicenseByKey(ctx context.Context, key string) (*model.License, error) {
	l, err := getLicense(ctx, t.q, "license_key", key)
	if err != nil {
		return nil, fmt.Errorf("get license by key: %w", err)
	}
	return l, nil
}

func (t *txStore) LicenseBySubscriptionID(ctx context.Context, subscriptionID string) (*model.License, error) {
	l, err := getLicense(ctx, t.q, "subscription_id", subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("get license by subscription: %w", err)
	}
	return l, nil
}

// CreateLicense inserts l and fills in its ID and timestamps.
func (t *txStore) CreateLicense(ctx context.Context, l *model.License) error {
	result, err := t.q.ExecContext(ctx,
		`INSERT INTO licenses (account_id, license_key, is_active, next_charge_at, subscription_id) VALUES (?, ?, ?, ?, ?)`,
		l.AccountID, l.Key, boolToInt(l.IsActive), nullableUnix(l.NextChargeAt), nullableString(l.SubscriptionID),
	)
	if err != nil {
		return fmt.Errorf("insert license: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	stored, err := getLicense(ctx, t.q, "id", id)
	if err != nil {
		return fmt.Errorf("get license: %w", err)
	}
	*l = *stored
	return nil
}

func (t *txStore) UpdateLicense(ctx context.Context, l *model.License) error {
	_, err := t.q.ExecContext(ctx,
		`UPDATE licenses
		 SET license_key = ?, is_active = ?, next_charge_at = ?, subscription_id = ?, updated_at = unixepoch()
		 WHERE id = ?`,
		l.Key, boolToInt(l.IsActive), nullableUnix(l.NextChargeAt), nullableString(l.SubscriptionID), l.ID,
	)
	if err != nil {
		return fmt.Errorf("update license: %w", err)
	}
	return nil
}

func (t *txStore) DeleteLicense(ctx context.Context, id int64) error {
	_, err := t.q.ExecContext(ctx, `DELETE FROM licenses WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete license: %w", err)
	}
	return nil
}

// LicenseSort orders admin license listings by next_charge_at.
type LicenseSort string

const (
	SortNextChargeAsc  LicenseSort = "asc"
	SortNextChargeDesc LicenseSort = "desc"
)

// LicenseFilter narrows ListLicenses. Query matches a key substring or an
// exact telegram id.
type LicenseFilter struct {
	Query string
	Sort  LicenseSort
}

const licenseRowCols = `l.id, l.account_id, l.license_key, l.is_active, l.next_charge_at, l.subscription_id,
	l.created_at, l.updated_at, a.telegram_id`

func scanLicenseRow(rows *sql.Rows) (*model.LicenseRow, error) {
	var r model.LicenseRow
	l, err := scanLicense(scanFunc(func(dest ...any) error {
		return rows.Scan(append(dest, &r.TelegramID)...)
	}))
	if err != nil {
		return nil, err
	}
	r.License = *l
	return &r, nil
}

// ListLicenses returns licenses joined with their owner's telegram id.
// Licenses without an expiry sort last in either direction.
func (s *Store) ListLicenses(ctx context.Context, f LicenseFilter) ([]model.LicenseRow, error) {
	query := `SELECT ` + licenseRowCols + ` FROM licenses l JOIN accounts a ON a.id = l.account_id`
	var args []any

	if q := strings.TrimSpace(f.Query); q != "" {
		clause := `l.license_key LIKE ? ESCAPE '\'`
		args = append(args, "%"+escapeLike(q)+"%")
		if id, err := strconv.ParseInt(q, 10, 64); err == nil {
			clause = `(` + clause + ` OR a.telegram_id = ?)`
			args = append(args, id)
		}
		query += ` WHERE ` + clause
	}

	switch f.Sort {
	case SortNextChargeDesc:
		query += ` ORDER BY l.next_charge_at IS NULL, l.next_charge_at DESC, l.id`
	case SortNextChargeAsc:
		query += ` ORDER BY l.next_charge_at IS NULL, l.next_charge_at ASC, l.id`
	default:
		query += ` ORDER BY l.id DESC`
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list licenses: %w", err)
	}
	defer rows.Close()

	var out []model.LicenseRow
	for rows.Next() {
		r, err := scanLicenseRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan license row: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// ExpiringBetween returns active-flagged licenses whose expiry falls in
// [from, to).
func (s *Store) ExpiringBetween(ctx context.Context, from, to time.Time) ([]model.LicenseRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+licenseRowCols+` FROM licenses l JOIN accounts a ON a.id = l.account_id
		 WHERE l.is_active = 1 AND l.next_charge_at >= ? AND l.next_charge_at < ?
		 ORDER BY l.next_charge_at`,
		from.UTC().Unix(), to.UTC().Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("list expiring licenses: %w", err)
	}
	defer rows.Close()

	var out []model.LicenseRow
	for rows.Next() {
		r, err := scanLicenseRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan license row: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// CountLicenses reports how many licenses exist and how many carry the
// active flag.
func (s *Store) CountLicenses(ctx context.Context) (total, flaggedActive int, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(is_active), 0) FROM licenses`,
	).Scan(&total, &flaggedActive)
	if err != nil {
		return 0, 0, fmt.Errorf("count licenses: %w", err)
	}
	return total, flaggedActive, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
