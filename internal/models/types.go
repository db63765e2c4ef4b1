// Package models holds the JSON bodies exchanged over HTTP and the
// websocket.
package models

import (
	"encoding/json"

	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/vcardrelay/internal/domain"
)

type LoginRequest struct {
	Phone    string `json:"phone_number"`
	Password string `json:"password"`
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

type RegisterRequest struct {
	Phone    string      `json:"phone_number"`
	Name     string      `json:"name"`
	Email    string      `json:"email"`
	Password string      `json:"password"`
	UserType domain.Role `json:"user_type,omitempty"`
}

type UpdateAccountRequest struct {
	Name     *string `json:"name"`
	Email    *string `json:"email"`
	Password *string `json:"password"`
}

type ChangeStatusRequest struct {
	Blocked *bool `json:"blocked"`
}

// SendMoneyRequest is the body of POST /transfers and of sendMoney.
type SendMoneyRequest struct {
	Receiver       string          `json:"receiver"`
	Amount         decimal.Decimal `json:"amount"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

type RequestMoneyRequest struct {
	Target string          `json:"target"`
	Amount decimal.Decimal `json:"amount"`
}

// ResolveRequest names a pending request. RejectedBy is only read on reject.
type ResolveRequest struct {
	RequestID  string            `json:"request_id"`
	RejectedBy domain.RejectedBy `json:"rejected_by"`
}

type AuthenticateRequest struct {
	Token string `json:"token"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// InboundFrame is a client message on the websocket.
type InboundFrame struct {
	Event string          `json:"event"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// OutboundFrame is a server message on the websocket. Replies carry the
// client's correlation id; pushed notifications carry none.
type OutboundFrame struct {
	Event string     `json:"event"`
	ID    string     `json:"id,omitempty"`
	Data  any        `json:"data,omitempty"`
	Error *ErrorBody `json:"error,omitempty"`
}

const EventReply = "reply"
