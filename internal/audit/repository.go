package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/vcardrelay/internal/events"
)

// Side says which end of a transfer an account was on.
type Side string

const (
	SideSender   Side = "sender"
	SideReceiver Side = "receiver"
)

// Record is one account's view of a transfer event.
type Record struct {
	EventID      string          `json:"event_id"`
	EventType    string          `json:"event_type"`
	RequestID    string          `json:"request_id"`
	Account      string          `json:"vcard"`
	Side         Side            `json:"side"`
	Counterparty string          `json:"counterparty"`
	Kind         string          `json:"kind"`
	Status       string          `json:"status"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	RejectedBy   string          `json:"rejected_by,omitempty"`
	OccurredAt   time.Time       `json:"occurred_at"`
}

// Redelivered events collapse on (account, occurred_at, event_id).
const schema = `
CREATE TABLE IF NOT EXISTS transfer_events (
	event_id      String,
	event_type    LowCardinality(String),
	request_id    String,
	account       String,
	side          Enum8('sender' = 1, 'receiver' = 2),
	counterparty  String,
	kind          LowCardinality(String),
	status        LowCardinality(String),
	amount        Decimal(15, 2),
	currency      LowCardinality(String),
	rejected_by   String,
	occurred_at   DateTime64(3, 'UTC'),
	inserted_at   DateTime DEFAULT now()
) ENGINE = ReplacingMergeTree(inserted_at)
ORDER BY (account, occurred_at, event_id)
`

// Repository stores audit records in ClickHouse.
type Repository struct {
	client *Client
}

func NewRepository(client *Client) *Repository {
	return &Repository{client: client}
}

func (r *Repository) EnsureSchema(ctx context.Context) error {
	if err := r.client.Conn().Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create transfer_events: %w", err)
	}
	return nil
}

// Records splits ev into one row for each party.
func Records(ev events.TransferEvent) []Record {
	base := Record{
		EventID:    ev.EventID,
		EventType:  ev.EventType,
		RequestID:  ev.RequestID,
		Kind:       ev.Kind,
		Status:     ev.Status,
		Amount:     ev.Amount,
		Currency:   ev.Currency,
		RejectedBy: ev.RejectedBy,
		OccurredAt: ev.OccurredAt,
	}
	sender, receiver := base, base
	sender.Account, sender.Side, sender.Counterparty = ev.Sender, SideSender, ev.Receiver
	receiver.Account, receiver.Side, receiver.Counterparty = ev.Receiver, SideReceiver, ev.Sender
	return []Record{sender, receiver}
}

// Insert writes both sides of ev in one batch.
func (r *Repository) Insert(ctx context.Context, ev events.TransferEvent) error {
	batch, err := r.client.Conn().PrepareBatch(ctx, `INSERT INTO transfer_events (
		event_id, event_type, request_id, account, side, counterparty,
		kind, status, amount, currency, rejected_by, occurred_at)`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	defer batch.Abort()

	for _, rec := range Records(ev) {
		err := batch.Append(
			rec.EventID,
			rec.EventType,
			rec.RequestID,
			rec.Account,
			string(rec.Side),
			rec.Counterparty,
			rec.Kind,
			rec.Status,
			rec.Amount,
			rec.Currency,
			rec.RejectedBy,
			rec.OccurredAt,
		)
		if err != nil {
			return fmt.Errorf("failed to append event %s: %w", rec.EventID, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to insert event %s: %w", ev.EventID, err)
	}
	return nil
}

// ListAccountEvents returns an account's records, most recent first.
func (r *Repository) ListAccountEvents(ctx context.Context, account string, limit int) ([]Record, error) {
	query := `
		SELECT
			event_id, event_type, request_id, account, toString(side), counterparty,
			kind, status, amount, currency, rejected_by, occurred_at
		FROM transfer_events FINAL
		WHERE account = ?
		ORDER BY occurred_at DESC, event_id
	`
	args := []any{account}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.client.Conn().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events for %s: %w", account, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var side string
		if err := rows.Scan(
			&rec.EventID,
			&rec.EventType,
			&rec.RequestID,
			&rec.Account,
			&side,
			&rec.Counterparty,
			&rec.Kind,
			&rec.Status,
			&rec.Amount,
			&rec.Currency,
			&rec.RejectedBy,
			&rec.OccurredAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		rec.Side = Side(side)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating event rows: %w", err)
	}
	return out, nil
}
