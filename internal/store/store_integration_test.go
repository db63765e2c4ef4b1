package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/punchamoorthee/vcardrelay/internal/domain"
)

func startStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("vcards"),
		postgres.WithUsername("vcard"),
		postgres.WithPassword("secret"),
		postgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err)

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	s, err := NewStore(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.Migrate(ctx), "schema must apply twice")
	return s
}

func seed(t *testing.T, s *Store, phone string, balance, maxDebit int64) {
	t.Helper()
	require.NoError(t, s.CreateAccount(context.Background(), domain.Account{
		Phone:    phone,
		Name:     "holder " + phone,
		Role:     domain.RoleAccountHolder,
		Balance:  decimal.NewFromInt(balance),
		MaxDebit: decimal.NewFromInt(maxDebit),
	}))
}

func sendRecord(from, to string, amount int64, key string) *domain.TransferRequest {
	return &domain.TransferRequest{
		ID:             uuid.New(),
		Kind:           domain.KindSend,
		Sender:         from,
		Receiver:       to,
		Amount:         decimal.NewFromInt(amount),
		Status:         domain.StatusSettled,
		IdempotencyKey: key,
		CreatedAt:      time.Now().UTC(),
	}
}

func TestPostgres_AccountsAndLedger(t *testing.T) {
	s := startStore(t)
	ctx := context.Background()

	seed(t, s, "911111111", 100, 5000)
	seed(t, s, "922222222", 0, 5000)

	err := s.CreateAccount(ctx, domain.Account{Phone: "911111111", Name: "dup", Role: domain.RoleAccountHolder})
	assert.ErrorIs(t, err, domain.ErrAccountExists)

	req := sendRecord("911111111", "922222222", 30, "k1")
	err = s.WithTransaction(ctx, func(ctx context.Context) error {
		if err := s.CreateRequest(ctx, req); err != nil {
			return err
		}
		return s.Move(ctx, req.Sender, req.Receiver, req.Amount, req.ID)
	})
	require.NoError(t, err)

	a, err := s.GetAccount(ctx, "911111111")
	require.NoError(t, err)
	b, err := s.GetAccount(ctx, "922222222")
	require.NoError(t, err)
	assert.True(t, a.Balance.Equal(decimal.NewFromInt(70)))
	assert.True(t, b.Balance.Equal(decimal.NewFromInt(30)))

	entries, err := s.GetEntries(ctx, "911111111")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Delta.Equal(decimal.NewFromInt(-30)))

	err = s.CreateRequest(ctx, sendRecord("911111111", "922222222", 30, "k1"))
	assert.ErrorIs(t, err, domain.ErrDuplicateRequest)

	got, err := s.GetRequestByIdempotencyKey(ctx, "911111111", "k1")
	require.NoError(t, err)
	assert.Equal(t, req.ID, got.ID)

	// A failed movement rolls back the whole transaction.
	over := sendRecord("911111111", "922222222", 500, "")
	err = s.WithTransaction(ctx, func(ctx context.Context) error {
		if err := s.CreateRequest(ctx, over); err != nil {
			return err
		}
		return s.Move(ctx, over.Sender, over.Receiver, over.Amount, over.ID)
	})
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	_, err = s.GetRequest(ctx, over.ID)
	assert.ErrorIs(t, err, domain.ErrRequestNotFound)
}

func TestPostgres_RequestResolution(t *testing.T) {
	s := startStore(t)
	ctx := context.Background()
	seed(t, s, "911111111", 100, 5000)
	seed(t, s, "922222222", 100, 5000)

	req := &domain.TransferRequest{
		ID:        uuid.New(),
		Kind:      domain.KindRequest,
		Sender:    "911111111",
		Receiver:  "922222222",
		Amount:    decimal.RequireFromString("12.50"),
		Status:    domain.StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateRequest(ctx, req))

	now := time.Now().UTC()
	req.Status, req.RejectedBy, req.ResolvedAt = domain.StatusRejected, domain.RejectedByTarget, &now
	require.NoError(t, s.WithTransaction(ctx, func(ctx context.Context) error {
		if _, err := s.GetRequestForUpdate(ctx, req.ID); err != nil {
			return err
		}
		return s.UpdateRequest(ctx, req)
	}))

	got, err := s.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, got.Status)
	assert.Equal(t, domain.RejectedByTarget, got.RejectedBy)
	assert.Equal(t, "12.5", got.Amount.String())
	require.NotNil(t, got.ResolvedAt)
}

func TestPostgres_OppositeMovesDoNotDeadlock(t *testing.T) {
	s := startStore(t)
	ctx := context.Background()
	seed(t, s, "911111111", 1000, 5000)
	seed(t, s, "922222222", 1000, 5000)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		from, to := "911111111", "922222222"
		if i%2 == 1 {
			from, to = to, from
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := sendRecord(from, to, 1, "")
			err := s.WithTransaction(ctx, func(ctx context.Context) error {
				if err := s.CreateRequest(ctx, req); err != nil {
					return err
				}
				return s.Move(ctx, from, to, req.Amount, req.ID)
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	a, _ := s.GetAccount(ctx, "911111111")
	b, _ := s.GetAccount(ctx, "922222222")
	assert.True(t, a.Balance.Add(b.Balance).Equal(decimal.NewFromInt(2000)))
}

func TestPostgres_NotificationQueue(t *testing.T) {
	s := startStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Append(ctx, "922222222", "hello")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	pending, err := s.Pending(ctx, "922222222")
	require.NoError(t, err)
	require.Len(t, pending, 10)
	for i := 1; i < len(pending); i++ {
		assert.Less(t, pending[i-1].ID, pending[i].ID)
	}

	require.NoError(t, s.Ack(ctx, "922222222", []int64{pending[0].ID}))
	drained, err := s.Drain(ctx, "922222222")
	require.NoError(t, err)
	assert.Len(t, drained, 9)

	drained, err = s.Drain(ctx, "922222222")
	require.NoError(t, err)
	assert.Empty(t, drained)

	purged, err := s.PurgeDelivered(ctx, -time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 10, purged)
}
