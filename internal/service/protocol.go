package service

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/vcardrelay/internal/domain"
)

// The functions in this file are the transfer request state machine. They
// perform no I/O: each takes the current state and returns the next one.

func validateParties(from, to string, amount decimal.Decimal) error {
	if from == "" || to == "" {
		return fmt.Errorf("%w: both parties are required", domain.ErrInvalidTransfer)
	}
	if from == to {
		return fmt.Errorf("%w: cannot transfer to self", domain.ErrInvalidTransfer)
	}
	if !amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", domain.ErrInvalidTransfer)
	}
	if amount.Exponent() < -2 && !amount.Equal(amount.Truncate(2)) {
		return fmt.Errorf("%w: amount has more than two decimal places", domain.ErrInvalidTransfer)
	}
	return nil
}

// NewSend creates the settled record of a direct payment.
func NewSend(sender, receiver string, amount decimal.Decimal, idempotencyKey string, now time.Time) (domain.TransferRequest, error) {
	if err := validateParties(sender, receiver, amount); err != nil {
		return domain.TransferRequest{}, err
	}
	return domain.TransferRequest{
		ID:             uuid.New(),
		Kind:           domain.KindSend,
		Sender:         sender,
		Receiver:       receiver,
		Amount:         amount,
		Status:         domain.StatusSettled,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      now,
		ResolvedAt:     &now,
	}, nil
}

// NewRequest creates a pending request where requester asks target to pay.
func NewRequest(requester, target string, amount decimal.Decimal, now time.Time) (domain.TransferRequest, error) {
	if err := validateParties(requester, target, amount); err != nil {
		return domain.TransferRequest{}, err
	}
	return domain.TransferRequest{
		ID:        uuid.New(),
		Kind:      domain.KindRequest,
		Sender:    requester,
		Receiver:  target,
		Amount:    amount,
		Status:    domain.StatusPending,
		CreatedAt: now,
	}, nil
}

// Accept resolves req in favour of the requester. Only the target may
// accept, and only while the request is pending.
func Accept(req domain.TransferRequest, actor domain.Actor, now time.Time) (domain.TransferRequest, error) {
	if !domain.Allow(actor, domain.ActionAcceptRequest, req.Receiver) {
		return req, domain.ErrForbidden
	}
	if req.Kind != domain.KindRequest || req.Status != domain.StatusPending {
		return req, fmt.Errorf("%w: status is %s", domain.ErrAlreadyResolved, req.Status)
	}
	req.Status = domain.StatusAccepted
	req.ResolvedAt = &now
	return req, nil
}

// Reject turns req down. The target rejects; the requester cancels.
func Reject(req domain.TransferRequest, actor domain.Actor, by domain.RejectedBy, now time.Time) (domain.TransferRequest, error) {
	var allowed bool
	switch by {
	case domain.RejectedByTarget:
		allowed = domain.Allow(actor, domain.ActionRejectAsTarget, req.Receiver)
	case domain.RejectedByRequester:
		allowed = domain.Allow(actor, domain.ActionRejectAsRequester, req.Sender)
	default:
		return req, fmt.Errorf("%w: unknown rejecting side %q", domain.ErrInvalidTransfer, by)
	}
	if !allowed {
		return req, domain.ErrForbidden
	}
	if req.Kind != domain.KindRequest || req.Status != domain.StatusPending {
		return req, fmt.Errorf("%w: status is %s", domain.ErrAlreadyResolved, req.Status)
	}
	req.Status = domain.StatusRejected
	req.RejectedBy = by
	req.ResolvedAt = &now
	return req, nil
}

// SentNotification tells the payee about a direct payment.
func SentNotification(req domain.TransferRequest) domain.Notification {
	return domain.Notification{
		Kind:   domain.NotifyMoneySent,
		Target: req.Receiver,
		Payload: domain.MoneySentPayload{
			Sender: req.Sender,
			Amount: req.Amount,
		},
		Message: fmt.Sprintf("You have received %s from %s", euros(req.Amount), req.Sender),
	}
}

// RequestedNotification asks the target to pay.
func RequestedNotification(req domain.TransferRequest) domain.Notification {
	return domain.Notification{
		Kind:   domain.NotifyRequestMoney,
		Target: req.Receiver,
		Payload: domain.RequestMoneyPayload{
			RequestID: req.ID.String(),
			Receiver:  req.Sender,
			Amount:    req.Amount,
		},
		Message: fmt.Sprintf("%s has requested %s from you", req.Sender, euros(req.Amount)),
	}
}

// AcceptedNotification tells the requester they were paid.
func AcceptedNotification(req domain.TransferRequest) domain.Notification {
	return domain.Notification{
		Kind:   domain.NotifyAcceptMoney,
		Target: req.Sender,
		Payload: domain.AcceptMoneyPayload{
			RequestID: req.ID.String(),
			Sender:    req.Receiver,
			Amount:    req.Amount,
		},
		Message: fmt.Sprintf("%s has accepted your request for %s", req.Receiver, euros(req.Amount)),
	}
}

// RejectedNotification goes to whichever side did not reject.
func RejectedNotification(req domain.TransferRequest) domain.Notification {
	n := domain.Notification{
		Kind: domain.NotifyRejectMoney,
		Payload: domain.RejectMoneyPayload{
			RequestID:   req.ID.String(),
			Sender:      req.Receiver,
			Receiver:    req.Sender,
			Amount:      req.Amount,
			WhoRejected: req.RejectedBy,
		},
	}
	if req.RejectedBy == domain.RejectedByTarget {
		n.Target = req.Sender
		n.Message = fmt.Sprintf("%s has rejected your request for %s", req.Receiver, euros(req.Amount))
	} else {
		n.Target = req.Receiver
		n.Message = fmt.Sprintf("%s has cancelled their request for %s", req.Sender, euros(req.Amount))
	}
	return n
}

func euros(amount decimal.Decimal) string {
	return amount.String() + "€"
}
