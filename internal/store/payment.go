package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dukerupert/renderlicense/internal/ledger"
	"github.com/dukerupert/renderlicense/internal/model"
)

func scanPayment(scanner interface{ Scan(...any) error }) (*model.Payment, error) {
	var p model.Payment
	var createdAt int64
	var processedAt sql.NullInt64
	err := scanner.Scan(
		&p.ID, &p.PaymentID, &p.Provider, &p.TelegramID, &p.Status,
		&p.AmountValue, &p.Currency, &p.Description, &p.Payload, &createdAt, &processedAt,
	)
	if err != nil {
		return nil, err
	}
	p.CreatedAt = unixTime(createdAt)
	p.ProcessedAt = timeFromNullable(processedAt)
	return &p, nil
}

const paymentCols = `id, payment_id, provider, telegram_id, status, amount_value, currency, description, payload, created_at, processed_at`

func (t *txStore) InsertPayment(ctx context.Context, p *model.Payment) error {
	result, err := t.q.ExecContext(ctx,
		`INSERT INTO payments (payment_id, provider, telegram_id, status, amount_value, currency, description, payload, processed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.PaymentID, p.Provider, p.TelegramID, p.Status,
		p.AmountValue, p.Currency, p.Description, p.Payload, nullableUnix(p.ProcessedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("payment %s/%s: %w", p.Provider, p.PaymentID, ledger.ErrDuplicatePayment)
		}
		return fmt.Errorf("insert payment: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	row := t.q.QueryRowContext(ctx, `SELECT `+paymentCols+` FROM payments WHERE id = ?`, id)
	stored, err := scanPayment(row)
	if err != nil {
		return fmt.Errorf("get payment: %w", err)
	}
	*p = *stored
	return nil
}

// PaymentByID returns the stored payment for a provider's payment id.
func (s *Store) PaymentByID(ctx context.Context, provider, paymentID string) (*model.Payment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+paymentCols+` FROM payments WHERE provider = ? AND payment_id = ?`,
		provider, paymentID,
	)
	p, err := scanPayment(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get payment: %w", err)
	}
	return p, nil
}

// ListPayments returns the payments recorded for a telegram id, newest first.
func (s *Store) ListPayments(ctx context.Context, telegramID int64) ([]model.Payment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+paymentCols+` FROM payments WHERE telegram_id = ? ORDER BY id DESC`,
		telegramID,
	)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()

	var out []model.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}
