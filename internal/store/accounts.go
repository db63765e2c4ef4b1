package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/vcardrelay/internal/domain"
)

const accountColumns = `phone_number, name, email, user_type, blocked,
	balance::text, max_debit::text, password_hash, created_at`

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var (
		acc               domain.Account
		balance, maxDebit string
	)
	err := row.Scan(&acc.Phone, &acc.Name, &acc.Email, &acc.Role, &acc.Blocked,
		&balance, &maxDebit, &acc.PasswordHash, &acc.CreatedAt)
	if err != nil {
		return nil, err
	}
	if acc.Balance, err = decimal.NewFromString(balance); err != nil {
		return nil, fmt.Errorf("parse balance of %s: %w", acc.Phone, err)
	}
	if acc.MaxDebit, err = decimal.NewFromString(maxDebit); err != nil {
		return nil, fmt.Errorf("parse max_debit of %s: %w", acc.Phone, err)
	}
	return &acc, nil
}

func (s *Store) GetAccount(ctx context.Context, phone string) (*domain.Account, error) {
	acc, err := scanAccount(s.q(ctx).QueryRow(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE phone_number = $1", phone))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrAccountNotFound, phone)
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return acc, nil
}

func (s *Store) ListAccounts(ctx context.Context) ([]domain.Account, error) {
	rows, err := s.q(ctx).Query(ctx, "SELECT "+accountColumns+" FROM accounts ORDER BY phone_number")
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var out []domain.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *acc)
	}
	return out, rows.Err()
}

func (s *Store) ListAdmins(ctx context.Context) ([]string, error) {
	rows, err := s.q(ctx).Query(ctx,
		"SELECT phone_number FROM accounts WHERE user_type = 'A' ORDER BY phone_number")
	if err != nil {
		return nil, fmt.Errorf("list admins: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *Store) CreateAccount(ctx context.Context, acc domain.Account) error {
	_, err := s.q(ctx).Exec(ctx, `
		INSERT INTO accounts (phone_number, name, email, user_type, blocked, balance, max_debit, password_hash)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8)`,
		acc.Phone, acc.Name, acc.Email, string(acc.Role), acc.Blocked,
		acc.Balance.String(), acc.MaxDebit.String(), acc.PasswordHash)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", domain.ErrAccountExists, acc.Phone)
	}
	if err != nil {
		return fmt.Errorf("create account: %w", err)
	}
	return nil
}

// UpdateAccount changes profile fields. An empty PasswordHash keeps the
// current password.
func (s *Store) UpdateAccount(ctx context.Context, acc domain.Account) error {
	tag, err := s.q(ctx).Exec(ctx, `
		UPDATE accounts
		SET name = $2, email = $3,
		    password_hash = COALESCE(NULLIF($4, ''), password_hash)
		WHERE phone_number = $1`,
		acc.Phone, acc.Name, acc.Email, acc.PasswordHash)
	return affected(tag, err, acc.Phone)
}

func (s *Store) DeleteAccount(ctx context.Context, phone string) error {
	tag, err := s.q(ctx).Exec(ctx, "DELETE FROM accounts WHERE phone_number = $1", phone)
	return affected(tag, err, phone)
}

func (s *Store) SetBlocked(ctx context.Context, phone string, blocked bool) error {
	tag, err := s.q(ctx).Exec(ctx, "UPDATE accounts SET blocked = $2 WHERE phone_number = $1", phone, blocked)
	return affected(tag, err, phone)
}

func affected(tag pgconn.CommandTag, err error, phone string) error {
	if err != nil {
		return fmt.Errorf("write account %s: %w", phone, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", domain.ErrAccountNotFound, phone)
	}
	return nil
}
