package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/vcardrelay/internal/domain"
)

// Move debits from and credits to inside the caller's transaction. Rows are
// locked in phone order so concurrent opposite transfers cannot deadlock.
func (s *Store) Move(ctx context.Context, from, to string, amount decimal.Decimal, requestID uuid.UUID) error {
	return s.WithTransaction(ctx, func(ctx context.Context) error {
		q := s.q(ctx)

		first, second := from, to
		if first > second {
			first, second = second, first
		}
		locked := make(map[string]*domain.Account, 2)
		for _, phone := range []string{first, second} {
			acc, err := scanAccount(q.QueryRow(ctx,
				"SELECT "+accountColumns+" FROM accounts WHERE phone_number = $1 FOR UPDATE", phone))
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: %s", domain.ErrAccountNotFound, phone)
			}
			if err != nil {
				return fmt.Errorf("lock acquisition failed: %w", err)
			}
			locked[phone] = acc
		}

		src := locked[from]
		if src.MaxDebit.IsPositive() && amount.GreaterThan(src.MaxDebit) {
			return fmt.Errorf("%w: %s > %s", domain.ErrDebitLimitExceeded, amount, src.MaxDebit)
		}
		if src.Balance.LessThan(amount) {
			return domain.ErrInsufficientFunds
		}

		_, err := q.Exec(ctx, `
			INSERT INTO ledger_entries (request_id, account, delta)
			VALUES ($1, $2, -$4::numeric), ($1, $3, $4::numeric)`,
			requestID, from, to, amount.String())
		if err != nil {
			return fmt.Errorf("ledger entry failed: %w", err)
		}

		if _, err := q.Exec(ctx,
			"UPDATE accounts SET balance = balance - $1::numeric WHERE phone_number = $2", amount.String(), from); err != nil {
			return fmt.Errorf("debit %s: %w", from, err)
		}
		if _, err := q.Exec(ctx,
			"UPDATE accounts SET balance = balance + $1::numeric WHERE phone_number = $2", amount.String(), to); err != nil {
			return fmt.Errorf("credit %s: %w", to, err)
		}
		return nil
	})
}

// GetEntries returns the ledger lines of account, newest first.
func (s *Store) GetEntries(ctx context.Context, account string) ([]domain.LedgerEntry, error) {
	rows, err := s.q(ctx).Query(ctx,
		"SELECT request_id, account, delta::text, created_at FROM ledger_entries WHERE account = $1 ORDER BY created_at DESC, id DESC",
		account)
	if err != nil {
		return nil, fmt.Errorf("get entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		var (
			e     domain.LedgerEntry
			delta string
		)
		if err := rows.Scan(&e.RequestID, &e.Account, &delta, &e.CreatedAt); err != nil {
			return nil, err
		}
		if e.Delta, err = decimal.NewFromString(delta); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
