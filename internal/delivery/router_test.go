package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/vcardrelay/internal/domain"
	"github.com/punchamoorthee/vcardrelay/internal/session"
	"github.com/punchamoorthee/vcardrelay/internal/store/memstore"
)

type stubConn struct {
	id      string
	mu      sync.Mutex
	frames  []domain.Frame
	pushErr error
	sendErr error
}

func (c *stubConn) ID() string { return c.id }

func (c *stubConn) Push(f domain.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pushErr != nil {
		return c.pushErr
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *stubConn) Send(_ context.Context, f domain.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *stubConn) Close() {}

func note(target, msg string) domain.Notification {
	return domain.Notification{
		Kind:    domain.NotifyMoneySent,
		Target:  target,
		Payload: domain.MoneySentPayload{Sender: "A"},
		Message: msg,
	}
}

func TestRoute_OfflineStoresInOrder(t *testing.T) {
	st := memstore.New()
	r := NewRouter(session.NewRegistry(), st, time.Second)
	ctx := context.Background()

	for _, msg := range []string{"first", "second", "third"} {
		require.NoError(t, r.Route(ctx, note("B", msg)))
	}

	got, err := r.Drain(ctx, "B")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "first", got[0].Message)
	assert.Equal(t, "second", got[1].Message)
	assert.Equal(t, "third", got[2].Message)

	got, err = r.Drain(ctx, "B")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRoute_PartialPushIsDelivered(t *testing.T) {
	st := memstore.New()
	reg := session.NewRegistry()
	r := NewRouter(reg, st, time.Second)
	ctx := context.Background()

	good := &stubConn{id: "good"}
	bad := &stubConn{id: "bad", pushErr: domain.ErrDeliveryFailure}
	require.NoError(t, reg.Register(ctx, "B", good))
	require.NoError(t, reg.Register(ctx, "B", bad))

	require.NoError(t, r.Route(ctx, note("B", "hello")))
	assert.Len(t, good.frames, 1)

	pending, _ := st.Pending(ctx, "B")
	assert.Empty(t, pending)
}

func TestRoute_AllPushesFailStores(t *testing.T) {
	st := memstore.New()
	reg := session.NewRegistry()
	r := NewRouter(reg, st, time.Second)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, "B", &stubConn{id: "b1", pushErr: domain.ErrDeliveryFailure}))
	require.NoError(t, r.Route(ctx, note("B", "hello")))

	pending, _ := st.Pending(ctx, "B")
	require.Len(t, pending, 1)
	assert.Equal(t, "hello", pending[0].Message)
}

func TestRoute_BlockedClosesAfterWrite(t *testing.T) {
	reg := session.NewRegistry()
	r := NewRouter(reg, memstore.New(), time.Second)
	ctx := context.Background()

	c := &stubConn{id: "b1"}
	require.NoError(t, reg.Register(ctx, "B", c))
	require.NoError(t, r.Route(ctx, domain.Notification{Kind: domain.NotifyBlocked, Target: "B"}))

	require.Len(t, c.frames, 1)
	assert.True(t, c.frames[0].CloseAfter)
}

func TestReplay_StopsOnSendErrorAndKeepsRest(t *testing.T) {
	st := memstore.New()
	r := NewRouter(session.NewRegistry(), st, time.Second)
	ctx := context.Background()

	for _, msg := range []string{"one", "two"} {
		require.NoError(t, r.Route(ctx, note("B", msg)))
	}

	c := &stubConn{id: "b1", sendErr: errors.New("broken pipe")}
	assert.Error(t, r.Replay(ctx, "B", c))

	ok := &stubConn{id: "b2"}
	require.NoError(t, r.Replay(ctx, "B", ok))
	require.Len(t, ok.frames, 2)
	first := ok.frames[0].Data.(domain.PersistedNotification)
	assert.Equal(t, "one", first.Message)
	assert.Equal(t, first.ID, ok.frames[0].AckID)

	require.NoError(t, r.Acknowledge(ctx, "B", ok.frames[0].AckID))
	pending, _ := st.Pending(ctx, "B")
	require.Len(t, pending, 1)
	assert.Equal(t, "two", pending[0].Message)
}

func TestRoute_ConcurrentRegisterNeverLosesMessages(t *testing.T) {
	st := memstore.New()
	reg := session.NewRegistry()
	r := NewRouter(reg, st, time.Second)
	reg.OnFirstConnect(r.Replay)
	ctx := context.Background()

	const n = 50
	c := &stubConn{id: "b1"}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			assert.NoError(t, r.Route(ctx, note("B", "m")))
		}
	}()
	go func() {
		defer wg.Done()
		assert.NoError(t, reg.Register(ctx, "B", c))
	}()
	wg.Wait()

	// Every message is either written to the connection or still pending.
	pending, _ := st.Pending(ctx, "B")
	c.mu.Lock()
	live := 0
	for _, f := range c.frames {
		if f.AckID == 0 {
			live++
		}
	}
	c.mu.Unlock()
	assert.Equal(t, n, live+len(pending))
}
