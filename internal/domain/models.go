package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Role is the kind of principal behind an account.
type Role string

const (
	RoleAdmin         Role = "A"
	RoleAccountHolder Role = "V"
)

func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleAccountHolder
}

// Account is a vcard. Balance is only ever changed by the ledger.
type Account struct {
	Phone        string          `json:"phone_number"`
	Name         string          `json:"name"`
	Email        string          `json:"email"`
	Role         Role            `json:"user_type"`
	Blocked      bool            `json:"blocked"`
	Balance      decimal.Decimal `json:"balance"`
	MaxDebit     decimal.Decimal `json:"max_debit"`
	PasswordHash string          `json:"-"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Actor is the authenticated principal performing an operation.
type Actor struct {
	Phone string
	Role  Role
}

type TransferKind string

const (
	KindSend    TransferKind = "send"
	KindRequest TransferKind = "request"
)

type TransferStatus string

const (
	StatusPending  TransferStatus = "pending"
	StatusAccepted TransferStatus = "accepted"
	StatusRejected TransferStatus = "rejected"
	StatusSettled  TransferStatus = "settled"
)

// RejectedBy identifies which side of a request turned it down.
type RejectedBy string

const (
	RejectedByRequester RejectedBy = "requester"
	RejectedByTarget    RejectedBy = "target"
)

func (r RejectedBy) Valid() bool {
	return r == RejectedByRequester || r == RejectedByTarget
}

// TransferRequest records one send or one money request.
//
// For a send, Sender pays Receiver. For a request, Sender is the requester
// (who will be paid) and Receiver is the target asked to pay.
type TransferRequest struct {
	ID             uuid.UUID       `json:"id"`
	Kind           TransferKind    `json:"kind"`
	Sender         string          `json:"sender"`
	Receiver       string          `json:"receiver"`
	Amount         decimal.Decimal `json:"amount"`
	Status         TransferStatus  `json:"status"`
	RejectedBy     RejectedBy      `json:"rejected_by,omitempty"`
	IdempotencyKey string          `json:"-"`
	CreatedAt      time.Time       `json:"created_at"`
	ResolvedAt     *time.Time      `json:"resolved_at,omitempty"`
}

// LedgerEntry is one side of a settled movement.
type LedgerEntry struct {
	RequestID uuid.UUID       `json:"request_id"`
	Account   string          `json:"vcard"`
	Delta     decimal.Decimal `json:"delta"`
	CreatedAt time.Time       `json:"created_at"`
}

// Notification is an outbound event addressed to one account. Message is the
// rendered text kept when the target cannot be reached live.
type Notification struct {
	Kind    NotificationKind
	Target  string
	Payload any
	Message string
}

// PersistedNotification is a stored Notification awaiting delivery.
type PersistedNotification struct {
	ID        int64     `json:"id"`
	Account   string    `json:"vcard"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
	Delivered bool      `json:"-"`
}

// Frame is one unit written to a live connection. A non-zero AckID marks a
// replayed stored notification that must be acknowledged once written.
type Frame struct {
	Event      string
	Data       any
	AckID      int64
	CloseAfter bool
}
