package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/vcardrelay/internal/domain"
)

const requestColumns = `id, kind, sender, receiver, amount::text, status,
	rejected_by, COALESCE(idempotency_key, ''), created_at, resolved_at`

func scanRequest(row pgx.Row) (*domain.TransferRequest, error) {
	var (
		req    domain.TransferRequest
		amount string
	)
	err := row.Scan(&req.ID, &req.Kind, &req.Sender, &req.Receiver, &amount, &req.Status,
		&req.RejectedBy, &req.IdempotencyKey, &req.CreatedAt, &req.ResolvedAt)
	if err != nil {
		return nil, err
	}
	if req.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parse amount of %s: %w", req.ID, err)
	}
	return &req, nil
}

func (s *Store) CreateRequest(ctx context.Context, req *domain.TransferRequest) error {
	var key *string
	if req.IdempotencyKey != "" {
		key = &req.IdempotencyKey
	}
	err := s.q(ctx).QueryRow(ctx, `
		INSERT INTO transfer_requests (id, kind, sender, receiver, amount, status, rejected_by, idempotency_key, created_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9, $10)
		RETURNING created_at`,
		req.ID, string(req.Kind), req.Sender, req.Receiver, req.Amount.String(), string(req.Status),
		string(req.RejectedBy), key, req.CreatedAt, req.ResolvedAt,
	).Scan(&req.CreatedAt)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return domain.ErrDuplicateRequest
	}
	if err != nil {
		return fmt.Errorf("transfer insert failed: %w", err)
	}
	return nil
}

func (s *Store) GetRequest(ctx context.Context, id uuid.UUID) (*domain.TransferRequest, error) {
	return s.getRequest(ctx, "SELECT "+requestColumns+" FROM transfer_requests WHERE id = $1", id)
}

func (s *Store) GetRequestForUpdate(ctx context.Context, id uuid.UUID) (*domain.TransferRequest, error) {
	return s.getRequest(ctx, "SELECT "+requestColumns+" FROM transfer_requests WHERE id = $1 FOR UPDATE", id)
}

func (s *Store) GetRequestByIdempotencyKey(ctx context.Context, sender, key string) (*domain.TransferRequest, error) {
	return s.getRequest(ctx,
		"SELECT "+requestColumns+" FROM transfer_requests WHERE sender = $1 AND idempotency_key = $2",
		sender, key)
}

func (s *Store) getRequest(ctx context.Context, query string, args ...any) (*domain.TransferRequest, error) {
	req, err := scanRequest(s.q(ctx).QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %v", domain.ErrRequestNotFound, args[len(args)-1])
	}
	if err != nil {
		return nil, fmt.Errorf("get transfer request: %w", err)
	}
	return req, nil
}

// UpdateRequest persists a resolution. Identity columns never change.
func (s *Store) UpdateRequest(ctx context.Context, req *domain.TransferRequest) error {
	tag, err := s.q(ctx).Exec(ctx, `
		UPDATE transfer_requests
		SET status = $2, rejected_by = $3, resolved_at = $4
		WHERE id = $1`,
		req.ID, string(req.Status), string(req.RejectedBy), req.ResolvedAt)
	if err != nil {
		return fmt.Errorf("update transfer request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", domain.ErrRequestNotFound, req.ID)
	}
	return nil
}
