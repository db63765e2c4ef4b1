package events

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/vcardrelay/internal/domain"
)

const (
	TypeSent      = "transfer.sent"
	TypeRequested = "transfer.requested"
	TypeAccepted  = "transfer.accepted"
	TypeRejected  = "transfer.rejected"

	Currency = "EUR"
)

// TransferEvent is published once per committed transfer state change. The
// event type doubles as the routing key.
type TransferEvent struct {
	EventID    string          `json:"event_id"`
	EventType  string          `json:"event_type"`
	RequestID  string          `json:"request_id"`
	Kind       string          `json:"kind"`
	Status     string          `json:"status"`
	Sender     string          `json:"sender"`
	Receiver   string          `json:"receiver"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	RejectedBy string          `json:"rejected_by,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// FromRequest builds the event describing req's current state.
func FromRequest(eventType string, req *domain.TransferRequest) TransferEvent {
	at := req.CreatedAt
	if req.ResolvedAt != nil {
		at = *req.ResolvedAt
	}
	return TransferEvent{
		EventID:    uuid.NewString(),
		EventType:  eventType,
		RequestID:  req.ID.String(),
		Kind:       string(req.Kind),
		Status:     string(req.Status),
		Sender:     req.Sender,
		Receiver:   req.Receiver,
		Amount:     req.Amount,
		Currency:   Currency,
		RejectedBy: string(req.RejectedBy),
		OccurredAt: at.UTC(),
	}
}
