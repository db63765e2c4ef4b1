package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/vcardrelay/internal/delivery"
	"github.com/punchamoorthee/vcardrelay/internal/domain"
	"github.com/punchamoorthee/vcardrelay/internal/service"
	"github.com/punchamoorthee/vcardrelay/internal/session"
	"github.com/punchamoorthee/vcardrelay/internal/store/memstore"
)

type accountsFixture struct {
	store    *memstore.Store
	registry *session.Registry
	accounts *service.AccountService
}

var adminActor = domain.Actor{Phone: "900000000", Role: domain.RoleAdmin}

func newAccountsFixture(t *testing.T) *accountsFixture {
	t.Helper()
	st := memstore.New()
	reg := session.NewRegistry()
	router := delivery.NewRouter(reg, st, time.Second)
	reg.OnFirstConnect(router.Replay)

	require.NoError(t, st.CreateAccount(context.Background(), domain.Account{
		Phone: adminActor.Phone, Name: "Admin", Role: domain.RoleAdmin,
	}))
	return &accountsFixture{store: st, registry: reg, accounts: service.NewAccountService(st, st, router)}
}

func TestAccounts_RegisterAndAuthenticate(t *testing.T) {
	f := newAccountsFixture(t)
	ctx := context.Background()

	acc, err := f.accounts.Register(ctx, nil, service.NewAccount{
		Phone: " 911111111 ", Name: "Alice", Email: "a@example.com", Password: "123", Role: domain.RoleAdmin,
	})
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)
	assert.Nil(t, acc)

	acc, err = f.accounts.Register(ctx, nil, service.NewAccount{
		Phone: " 911111111 ", Name: "Alice", Email: "a@example.com", Password: "123",
	})
	require.NoError(t, err)
	assert.Equal(t, "911111111", acc.Phone)
	assert.Equal(t, domain.RoleAccountHolder, acc.Role)
	assert.True(t, acc.Balance.IsZero())
	assert.True(t, acc.MaxDebit.Equal(service.DefaultMaxDebit))

	got, err := f.accounts.Authenticate(ctx, "911111111", "123")
	require.NoError(t, err)
	assert.Equal(t, domain.Actor{Phone: "911111111", Role: domain.RoleAccountHolder}, got)

	_, err = f.accounts.Authenticate(ctx, "911111111", "wrong")
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)
	_, err = f.accounts.Authenticate(ctx, "nobody", "123")
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)

	_, err = f.accounts.Register(ctx, nil, service.NewAccount{Phone: "911111111", Name: "Again", Password: "x"})
	assert.ErrorIs(t, err, domain.ErrAccountExists)
	_, err = f.accounts.Register(ctx, nil, service.NewAccount{Phone: "", Name: "No phone", Password: "x"})
	assert.ErrorIs(t, err, domain.ErrInvalidAccount)

	pending, err := f.store.Pending(ctx, adminActor.Phone)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "User #911111111 (Alice) has registered successfully!", pending[0].Message)
}

func TestAccounts_AdminCreatesAdmin(t *testing.T) {
	f := newAccountsFixture(t)

	acc, err := f.accounts.Register(context.Background(), &adminActor, service.NewAccount{
		Phone: "900000001", Name: "Second", Password: "x", Role: domain.RoleAdmin,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.RoleAdmin, acc.Role)
}

func TestAccounts_UpdateNotifiesOwnerAndAdmins(t *testing.T) {
	f := newAccountsFixture(t)
	ctx := context.Background()

	_, err := f.accounts.Register(ctx, nil, service.NewAccount{Phone: "911111111", Name: "Alice", Password: "123"})
	require.NoError(t, err)
	_, err = f.store.Drain(ctx, adminActor.Phone)
	require.NoError(t, err)

	owner := &recordingConn{id: "owner"}
	require.NoError(t, f.registry.Register(ctx, "911111111", owner))

	holder := domain.Actor{Phone: "911111111", Role: domain.RoleAccountHolder}
	name, password := "Alicia", "456"
	acc, err := f.accounts.Update(ctx, holder, "911111111", service.AccountPatch{Name: &name, Password: &password})
	require.NoError(t, err)
	assert.Equal(t, "Alicia", acc.Name)

	assert.Equal(t, []string{"updatedUser"}, owner.events())
	pending, _ := f.store.Pending(ctx, adminActor.Phone)
	require.Len(t, pending, 1)
	assert.Equal(t, "User profile #911111111 (Alicia) has changed!", pending[0].Message)

	_, err = f.accounts.Authenticate(ctx, "911111111", "456")
	assert.NoError(t, err)

	other := domain.Actor{Phone: "922222222", Role: domain.RoleAccountHolder}
	_, err = f.accounts.Update(ctx, other, "911111111", service.AccountPatch{Name: &name})
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)
}

func TestAccounts_DeleteRequiresZeroBalance(t *testing.T) {
	f := newAccountsFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.CreateAccount(ctx, domain.Account{
		Phone: "933333333", Name: "Rich", Role: domain.RoleAccountHolder, Balance: decimal.NewFromInt(5),
	}))
	require.NoError(t, f.store.CreateAccount(ctx, domain.Account{
		Phone: "944444444", Name: "Empty", Role: domain.RoleAccountHolder,
	}))

	err := f.accounts.Delete(ctx, adminActor, "933333333")
	assert.ErrorIs(t, err, domain.ErrBalanceNotZero)

	require.NoError(t, f.accounts.Delete(ctx, adminActor, "944444444"))
	_, err = f.store.GetAccount(ctx, "944444444")
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)

	pending, _ := f.store.Pending(ctx, adminActor.Phone)
	require.Len(t, pending, 1)
	assert.Equal(t, "User #944444444 profile has been deleted!", pending[0].Message)
}

func TestAccounts_BlockClosesSessions(t *testing.T) {
	f := newAccountsFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.CreateAccount(ctx, domain.Account{Phone: "911111111", Name: "Alice", Role: domain.RoleAccountHolder}))
	conn := &recordingConn{id: "a1"}
	require.NoError(t, f.registry.Register(ctx, "911111111", conn))

	holder := domain.Actor{Phone: "911111111", Role: domain.RoleAccountHolder}
	_, err := f.accounts.ChangeStatus(ctx, holder, "911111111", true)
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)

	acc, err := f.accounts.ChangeStatus(ctx, adminActor, "911111111", true)
	require.NoError(t, err)
	assert.True(t, acc.Blocked)

	require.Len(t, conn.frames, 1)
	assert.Equal(t, "blockedNotification", conn.frames[0].Event)
	assert.True(t, conn.frames[0].CloseAfter)

	pending, _ := f.store.Pending(ctx, adminActor.Phone)
	require.Len(t, pending, 1)
	assert.Equal(t, "User #911111111 has changed status to blocked successfully!", pending[0].Message)

	_, err = f.accounts.ChangeStatus(ctx, adminActor, "911111111", false)
	require.NoError(t, err)
	assert.Len(t, conn.frames, 1, "unblocking sends nothing to the account")
}
