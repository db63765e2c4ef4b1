package service

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/vcardrelay/internal/domain"
	"github.com/punchamoorthee/vcardrelay/internal/events"
)

// AccountRepository is read and written by the account lifecycle service;
// the transfer engine only reads it.
type AccountRepository interface {
	GetAccount(ctx context.Context, phone string) (*domain.Account, error)
	ListAccounts(ctx context.Context) ([]domain.Account, error)
	ListAdmins(ctx context.Context) ([]string, error)
	CreateAccount(ctx context.Context, acc domain.Account) error
	UpdateAccount(ctx context.Context, acc domain.Account) error
	DeleteAccount(ctx context.Context, phone string) error
	SetBlocked(ctx context.Context, phone string, blocked bool) error
}

// Ledger moves funds between two accounts. Implementations refuse with
// domain.ErrInsufficientFunds or domain.ErrDebitLimitExceeded.
type Ledger interface {
	Move(ctx context.Context, from, to string, amount decimal.Decimal, requestID uuid.UUID) error
}

type RequestRepository interface {
	// CreateRequest fails with domain.ErrDuplicateRequest when the sender
	// already used the idempotency key.
	CreateRequest(ctx context.Context, req *domain.TransferRequest) error
	GetRequest(ctx context.Context, id uuid.UUID) (*domain.TransferRequest, error)
	// GetRequestForUpdate locks the request until the transaction ends.
	GetRequestForUpdate(ctx context.Context, id uuid.UUID) (*domain.TransferRequest, error)
	GetRequestByIdempotencyKey(ctx context.Context, sender, key string) (*domain.TransferRequest, error)
	UpdateRequest(ctx context.Context, req *domain.TransferRequest) error
}

// TxManager runs fn in one transaction carried by the context.
type TxManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

type Notifier interface {
	Route(ctx context.Context, n domain.Notification) error
}

type EventPublisher interface {
	Publish(ctx context.Context, ev events.TransferEvent) error
}
