package domain

import "errors"

var (
	ErrInvalidTransfer    = errors.New("invalid transfer")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrDebitLimitExceeded = errors.New("amount exceeds maximum debit")
	ErrForbidden          = errors.New("not allowed to resolve this request")
	ErrAlreadyResolved    = errors.New("request has already been resolved")
	ErrDeliveryFailure    = errors.New("delivery failed")
	ErrAccountNotFound    = errors.New("account not found")
	ErrRequestNotFound    = errors.New("transfer request not found")
	ErrUnauthenticated    = errors.New("not authenticated")
	ErrAccountExists      = errors.New("account already exists")
	ErrBalanceNotZero     = errors.New("account balance is not zero")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrDuplicateRequest   = errors.New("idempotency key already used")
	ErrInvalidAccount     = errors.New("invalid account data")
)

var codes = []struct {
	err  error
	code string
}{
	{ErrInvalidTransfer, "INVALID_TRANSFER"},
	{ErrInsufficientFunds, "INSUFFICIENT_FUNDS"},
	{ErrDebitLimitExceeded, "DEBIT_LIMIT_EXCEEDED"},
	{ErrForbidden, "FORBIDDEN"},
	{ErrAlreadyResolved, "ALREADY_RESOLVED"},
	{ErrDeliveryFailure, "DELIVERY_FAILURE"},
	{ErrAccountNotFound, "ACCOUNT_NOT_FOUND"},
	{ErrRequestNotFound, "REQUEST_NOT_FOUND"},
	{ErrUnauthenticated, "UNAUTHENTICATED"},
	{ErrAccountExists, "ACCOUNT_EXISTS"},
	{ErrBalanceNotZero, "BALANCE_NOT_ZERO"},
	{ErrPermissionDenied, "PERMISSION_DENIED"},
	{ErrDuplicateRequest, "DUPLICATE_REQUEST"},
	{ErrInvalidAccount, "INVALID_ACCOUNT"},
}

// Code returns a stable machine-readable code for err.
func Code(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "INTERNAL"
}
