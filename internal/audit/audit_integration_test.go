package audit

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/clickhouse"
	"github.com/testcontainers/testcontainers-go/modules/rabbitmq"

	"github.com/punchamoorthee/vcardrelay/internal/config"
	"github.com/punchamoorthee/vcardrelay/internal/domain"
	"github.com/punchamoorthee/vcardrelay/internal/events"
)

func TestAuditPipeline(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()

	chContainer, err := clickhouse.Run(ctx,
		"clickhouse/clickhouse-server:23.3.8.21-alpine",
		clickhouse.WithUsername("default"),
		clickhouse.WithPassword("clickhouse"),
		clickhouse.WithDatabase("default"),
	)
	require.NoError(t, err)
	defer chContainer.Terminate(ctx)
	host, err := chContainer.ConnectionHost(ctx)
	require.NoError(t, err)

	mqContainer, err := rabbitmq.Run(ctx,
		"rabbitmq:3.13-management",
		rabbitmq.WithAdminUsername("guest"),
		rabbitmq.WithAdminPassword("guest"),
	)
	require.NoError(t, err)
	defer mqContainer.Terminate(ctx)
	url, err := mqContainer.AmqpURL(ctx)
	require.NoError(t, err)

	client, err := NewClient(ctx, config.ClickHouseConfig{
		Host:     host,
		Database: "default",
		User:     "default",
		Password: "clickhouse",
	})
	require.NoError(t, err)
	defer client.Close()

	repo := NewRepository(client)
	require.NoError(t, repo.EnsureSchema(ctx))

	const exchange = "test.vcard.transfers"
	consumer, err := NewConsumer(url, exchange, "test.vcard.audit", repo)
	require.NoError(t, err)
	defer consumer.Close()

	consumerCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go consumer.Start(consumerCtx)

	pub, err := events.NewRabbitMQPublisher(url, exchange)
	require.NoError(t, err)
	defer pub.Close()

	created := time.Now().UTC().Truncate(time.Millisecond)
	resolved := created.Add(time.Second)
	req := &domain.TransferRequest{
		ID:        uuid.New(),
		Kind:      domain.KindRequest,
		Sender:    "922222222",
		Receiver:  "911111111",
		Amount:    decimal.RequireFromString("20.50"),
		Status:    domain.StatusPending,
		CreatedAt: created,
	}
	require.NoError(t, pub.Publish(ctx, events.FromRequest(events.TypeRequested, req)))

	req.Status, req.ResolvedAt = domain.StatusAccepted, &resolved
	accepted := events.FromRequest(events.TypeAccepted, req)
	require.NoError(t, pub.Publish(ctx, accepted))
	// A redelivered event collapses into the stored row.
	require.NoError(t, pub.Publish(ctx, accepted))

	var records []Record
	require.Eventually(t, func() bool {
		records, err = repo.ListAccountEvents(ctx, "911111111", 10)
		return err == nil && len(records) == 2
	}, 20*time.Second, 250*time.Millisecond)

	assert.Equal(t, events.TypeAccepted, records[0].EventType)
	assert.Equal(t, SideReceiver, records[0].Side)
	assert.Equal(t, "922222222", records[0].Counterparty)
	assert.True(t, records[0].Amount.Equal(req.Amount))
	assert.Equal(t, events.TypeRequested, records[1].EventType)

	requester, err := repo.ListAccountEvents(ctx, "922222222", 1)
	require.NoError(t, err)
	require.Len(t, requester, 1)
	assert.Equal(t, SideSender, requester[0].Side)
}
