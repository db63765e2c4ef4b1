package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/punchamoorthee/vcardrelay/internal/domain"
)

// lockAccountQueue serializes appends and drains of one account for the rest
// of the transaction, so ids are assigned in commit order.
func (s *Store) lockAccountQueue(ctx context.Context, account string) error {
	if _, err := s.q(ctx).Exec(ctx, "SELECT pg_advisory_xact_lock(hashtextextended($1, 0))", account); err != nil {
		return fmt.Errorf("lock notification queue of %s: %w", account, err)
	}
	return nil
}

func (s *Store) Append(ctx context.Context, account, message string) (int64, error) {
	var id int64
	err := s.WithTransaction(ctx, func(ctx context.Context) error {
		if err := s.lockAccountQueue(ctx, account); err != nil {
			return err
		}
		return s.q(ctx).QueryRow(ctx,
			"INSERT INTO notifications (account, message) VALUES ($1, $2) RETURNING id",
			account, message).Scan(&id)
	})
	if err != nil {
		return 0, fmt.Errorf("append notification: %w", err)
	}
	return id, nil
}

func scanNotifications(rows pgx.Rows) ([]domain.PersistedNotification, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.PersistedNotification, error) {
		var n domain.PersistedNotification
		err := row.Scan(&n.ID, &n.Account, &n.Message, &n.CreatedAt, &n.Delivered)
		return n, err
	})
}

func (s *Store) Pending(ctx context.Context, account string) ([]domain.PersistedNotification, error) {
	rows, err := s.q(ctx).Query(ctx, `
		SELECT id, account, message, created_at, delivered
		FROM notifications
		WHERE account = $1 AND NOT delivered
		ORDER BY id`, account)
	if err != nil {
		return nil, fmt.Errorf("pending notifications: %w", err)
	}
	return scanNotifications(rows)
}

func (s *Store) Ack(ctx context.Context, account string, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.q(ctx).Exec(ctx,
		"UPDATE notifications SET delivered = TRUE WHERE account = $1 AND id = ANY($2)",
		account, ids)
	if err != nil {
		return fmt.Errorf("ack notifications: %w", err)
	}
	return nil
}

func (s *Store) Drain(ctx context.Context, account string) ([]domain.PersistedNotification, error) {
	var out []domain.PersistedNotification
	err := s.WithTransaction(ctx, func(ctx context.Context) error {
		if err := s.lockAccountQueue(ctx, account); err != nil {
			return err
		}
		rows, err := s.q(ctx).Query(ctx, `
			WITH drained AS (
				UPDATE notifications SET delivered = TRUE
				WHERE account = $1 AND NOT delivered
				RETURNING id, account, message, created_at, delivered
			)
			SELECT * FROM drained ORDER BY id`, account)
		if err != nil {
			return err
		}
		out, err = scanNotifications(rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("drain notifications: %w", err)
	}
	return out, nil
}

// PurgeDelivered deletes delivered notifications older than olderThan.
func (s *Store) PurgeDelivered(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.q(ctx).Exec(ctx,
		"DELETE FROM notifications WHERE delivered AND created_at < $1",
		time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("purge notifications: %w", err)
	}
	return tag.RowsAffected(), nil
}
