package realtime_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/vcardrelay/internal/auth"
	"github.com/punchamoorthee/vcardrelay/internal/delivery"
	"github.com/punchamoorthee/vcardrelay/internal/domain"
	"github.com/punchamoorthee/vcardrelay/internal/realtime"
	"github.com/punchamoorthee/vcardrelay/internal/service"
	"github.com/punchamoorthee/vcardrelay/internal/session"
	"github.com/punchamoorthee/vcardrelay/internal/store/memstore"
)

type frame struct {
	Event string          `json:"event"`
	ID    string          `json:"id"`
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type env struct {
	t         *testing.T
	url       string
	store     *memstore.Store
	registry  *session.Registry
	tokens    *auth.Tokens
	transfers *service.TransferService
	accounts  *service.AccountService
}

const adminPhone = "900000000"

func newEnv(t *testing.T) *env {
	t.Helper()
	st := memstore.New()
	reg := session.NewRegistry()
	router := delivery.NewRouter(reg, st, time.Second)
	reg.OnFirstConnect(router.Replay)
	tokens := auth.NewTokens("test-secret", time.Hour)
	transfers := service.NewTransferService(st, st, st, st, router, nil)

	ctx := context.Background()
	for _, acc := range []domain.Account{
		{Phone: "A", Name: "Alice", Role: domain.RoleAccountHolder, Balance: decimal.NewFromInt(100), MaxDebit: decimal.NewFromInt(5000)},
		{Phone: "B", Name: "Bob", Role: domain.RoleAccountHolder, Balance: decimal.NewFromInt(100), MaxDebit: decimal.NewFromInt(5000)},
		{Phone: "C", Name: "Carol", Role: domain.RoleAccountHolder, Balance: decimal.NewFromInt(100), MaxDebit: decimal.NewFromInt(5000)},
		{Phone: adminPhone, Name: "Admin", Role: domain.RoleAdmin},
	} {
		require.NoError(t, st.CreateAccount(ctx, acc))
	}

	srv := httptest.NewServer(realtime.NewServer(reg, tokens, st, transfers, router, 16))
	t.Cleanup(func() {
		reg.CloseAll()
		srv.Close()
	})

	return &env{
		t:         t,
		url:       "ws" + strings.TrimPrefix(srv.URL, "http"),
		store:     st,
		registry:  reg,
		tokens:    tokens,
		transfers: transfers,
		accounts:  service.NewAccountService(st, st, router),
	}
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
	seq  int
}

func (e *env) dial() *wsClient {
	e.t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(e.url, nil)
	require.NoError(e.t, err)
	e.t.Cleanup(func() { conn.Close() })
	return &wsClient{t: e.t, conn: conn}
}

// connect dials and authenticates as phone, returning any frames pushed
// before the authenticate reply.
func (e *env) connect(phone string, role domain.Role) (*wsClient, []frame) {
	e.t.Helper()
	token, err := e.tokens.Issue(domain.Actor{Phone: phone, Role: role})
	require.NoError(e.t, err)

	c := e.dial()
	before, reply := c.call("authenticate", map[string]string{"token": token})
	require.Nil(e.t, reply.Error)
	return c, before
}

func (c *wsClient) read() frame {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var f frame
	require.NoError(c.t, c.conn.ReadJSON(&f))
	return f
}

// call sends event and reads until its reply, returning the frames that
// arrived first.
func (c *wsClient) call(event string, data any) ([]frame, frame) {
	c.t.Helper()
	c.seq++
	id := fmt.Sprintf("%s-%d", event, c.seq)
	require.NoError(c.t, c.conn.WriteJSON(map[string]any{"event": event, "id": id, "data": data}))

	var before []frame
	for {
		f := c.read()
		if f.Event == "reply" && f.ID == id {
			return before, f
		}
		before = append(before, f)
	}
}

func (c *wsClient) expect(event string) frame {
	c.t.Helper()
	f := c.read()
	require.Equal(c.t, event, f.Event, "data: %s", f.Data)
	return f
}

func decodeInto[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func TestStoredNotificationsReplayOnAuthenticate(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.transfers.Send(ctx, domain.Actor{Phone: "A", Role: domain.RoleAccountHolder}, "B", decimal.NewFromInt(30), "")
	require.NoError(t, err)

	_, before := e.connect("B", domain.RoleAccountHolder)
	require.Len(t, before, 1)
	assert.Equal(t, "notification", before[0].Event)
	stored := decodeInto[domain.PersistedNotification](t, before[0].Data)
	assert.Equal(t, "You have received 30€ from A", stored.Message)
	assert.Equal(t, "B", stored.Account)

	assert.Eventually(t, func() bool {
		pending, err := e.store.Pending(ctx, "B")
		return err == nil && len(pending) == 0
	}, 2*time.Second, 20*time.Millisecond, "replayed notification is acknowledged after the write")

	// A second device sees nothing old.
	_, before = e.connect("B", domain.RoleAccountHolder)
	assert.Empty(t, before)
}

func TestSendMoneyReachesEveryDevice(t *testing.T) {
	e := newEnv(t)

	phone, _ := e.connect("B", domain.RoleAccountHolder)
	laptop, _ := e.connect("B", domain.RoleAccountHolder)
	alice, _ := e.connect("A", domain.RoleAccountHolder)

	_, reply := alice.call("sendMoney", map[string]any{"receiver": "B", "amount": "30"})
	require.Nil(t, reply.Error)
	sent := decodeInto[domain.TransferRequest](t, reply.Data)
	assert.Equal(t, domain.StatusSettled, sent.Status)

	for _, c := range []*wsClient{phone, laptop} {
		f := c.expect("moneySentNotification")
		payload := decodeInto[domain.MoneySentPayload](t, f.Data)
		assert.Equal(t, "A", payload.Sender)
		assert.Equal(t, "30", payload.Amount.String())
	}

	pending, err := e.store.Pending(context.Background(), "B")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRejectByTargetIsPushedToRequester(t *testing.T) {
	e := newEnv(t)

	requester, _ := e.connect("B", domain.RoleAccountHolder)
	target, _ := e.connect("A", domain.RoleAccountHolder)

	_, reply := requester.call("requestMoney", map[string]any{"target": "A", "amount": 20})
	require.Nil(t, reply.Error)
	req := decodeInto[domain.TransferRequest](t, reply.Data)
	assert.Equal(t, domain.StatusPending, req.Status)

	target.expect("requestMoneyNotification")

	_, reply = target.call("rejectRequest", map[string]any{"request_id": req.ID.String(), "rejected_by": "target"})
	require.Nil(t, reply.Error)

	f := requester.expect("rejectMoneyNotification")
	var payload map[string]any
	require.NoError(t, json.Unmarshal(f.Data, &payload))
	assert.Equal(t, "target", payload["whoRejected"])
}

func TestResolutionErrorsAreDistinct(t *testing.T) {
	e := newEnv(t)

	requester, _ := e.connect("B", domain.RoleAccountHolder)
	target, _ := e.connect("A", domain.RoleAccountHolder)
	outsider, _ := e.connect("C", domain.RoleAccountHolder)

	_, reply := requester.call("requestMoney", map[string]any{"target": "A", "amount": "5"})
	require.Nil(t, reply.Error)
	req := decodeInto[domain.TransferRequest](t, reply.Data)
	target.expect("requestMoneyNotification")

	_, reply = outsider.call("acceptRequest", map[string]any{"request_id": req.ID.String()})
	require.NotNil(t, reply.Error)
	assert.Equal(t, "FORBIDDEN", reply.Error.Code)

	_, reply = target.call("acceptRequest", map[string]any{"request_id": req.ID.String()})
	require.Nil(t, reply.Error)
	requester.expect("acceptMoneyNotification")

	_, reply = target.call("acceptRequest", map[string]any{"request_id": req.ID.String()})
	require.NotNil(t, reply.Error)
	assert.Equal(t, "ALREADY_RESOLVED", reply.Error.Code)

	_, reply = outsider.call("rejectRequest", map[string]any{"request_id": req.ID.String(), "rejected_by": "requester"})
	require.NotNil(t, reply.Error)
	assert.Equal(t, "FORBIDDEN", reply.Error.Code)
	assert.NotEqual(t, "request has already been resolved", reply.Error.Message)
}

func TestProtocolErrors(t *testing.T) {
	e := newEnv(t)
	c := e.dial()

	_, reply := c.call("sendMoney", map[string]any{"receiver": "B", "amount": "1"})
	require.NotNil(t, reply.Error)
	assert.Equal(t, "UNAUTHENTICATED", reply.Error.Code)

	_, reply = c.call("authenticate", map[string]string{"token": "garbage"})
	require.NotNil(t, reply.Error)
	assert.Equal(t, "UNAUTHENTICATED", reply.Error.Code)

	_, reply = c.call("teleport", nil)
	require.NotNil(t, reply.Error)
	assert.Equal(t, "UNKNOWN_EVENT", reply.Error.Code)

	alice, _ := e.connect("A", domain.RoleAccountHolder)
	_, reply = alice.call("acceptRequest", map[string]any{"request_id": "not-a-uuid"})
	require.NotNil(t, reply.Error)
	assert.Equal(t, "MALFORMED", reply.Error.Code)

	_, reply = alice.call("sendMoney", map[string]any{"receiver": "A", "amount": "1"})
	require.NotNil(t, reply.Error)
	assert.Equal(t, "INVALID_TRANSFER", reply.Error.Code)
}

func TestDisconnectUnregisters(t *testing.T) {
	e := newEnv(t)

	c, _ := e.connect("B", domain.RoleAccountHolder)
	require.True(t, e.registry.IsOnline("B"))

	_, reply := c.call("disconnect", nil)
	require.Nil(t, reply.Error)
	assert.False(t, e.registry.IsOnline("B"))

	_, err := e.transfers.Send(context.Background(), domain.Actor{Phone: "A", Role: domain.RoleAccountHolder}, "B", decimal.NewFromInt(1), "")
	require.NoError(t, err)
	pending, _ := e.store.Pending(context.Background(), "B")
	assert.Len(t, pending, 1)
}

func TestBlockedAccountIsClosed(t *testing.T) {
	e := newEnv(t)

	c, _ := e.connect("B", domain.RoleAccountHolder)
	_, err := e.accounts.ChangeStatus(context.Background(), domain.Actor{Phone: adminPhone, Role: domain.RoleAdmin}, "B", true)
	require.NoError(t, err)

	c.expect("blockedNotification")

	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err = c.conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)

	assert.Eventually(t, func() bool { return !e.registry.IsOnline("B") }, 2*time.Second, 20*time.Millisecond)
}

func TestBlockedAccountCannotReauthenticate(t *testing.T) {
	e := newEnv(t)
	token, err := e.tokens.Issue(domain.Actor{Phone: "B", Role: domain.RoleAccountHolder})
	require.NoError(t, err)

	_, err = e.accounts.ChangeStatus(context.Background(), domain.Actor{Phone: adminPhone, Role: domain.RoleAdmin}, "B", true)
	require.NoError(t, err)

	c := e.dial()
	_, reply := c.call("authenticate", map[string]string{"token": token})
	require.NotNil(t, reply.Error)
	assert.Equal(t, "UNAUTHENTICATED", reply.Error.Code)
	assert.False(t, e.registry.IsOnline("B"))

	_, reply = c.call("sendMoney", map[string]any{"receiver": "A", "amount": "1"})
	require.NotNil(t, reply.Error)
	assert.Equal(t, "UNAUTHENTICATED", reply.Error.Code)
	acc, err := e.store.GetAccount(context.Background(), "B")
	require.NoError(t, err)
	assert.Equal(t, "100", acc.Balance.String())
}

func TestDeletedAccountCannotAuthenticate(t *testing.T) {
	e := newEnv(t)
	token, err := e.tokens.Issue(domain.Actor{Phone: "Z", Role: domain.RoleAccountHolder})
	require.NoError(t, err)

	c := e.dial()
	_, reply := c.call("authenticate", map[string]string{"token": token})
	require.NotNil(t, reply.Error)
	assert.Equal(t, "UNAUTHENTICATED", reply.Error.Code)
	assert.False(t, e.registry.IsOnline("Z"))
}
