// Package memstore keeps accounts, transfer requests and notifications in
// process memory. It backs unit tests and STORE_DRIVER=memory.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/vcardrelay/internal/domain"
)

type txKey struct{}

type tx struct {
	undo []func()
}

// Store implements every repository the services need. Transactions are
// serialized and roll back through an undo log.
type Store struct {
	txMu sync.Mutex

	mu       sync.Mutex
	accounts map[string]domain.Account
	requests map[uuid.UUID]domain.TransferRequest
	idemKeys map[string]uuid.UUID
	entries  []domain.LedgerEntry

	notifyMu    sync.Mutex
	accountMu   map[string]*sync.Mutex
	nextID      int64
	notifyByAcc map[string][]domain.PersistedNotification
}

func New() *Store {
	return &Store{
		accounts:    make(map[string]domain.Account),
		requests:    make(map[uuid.UUID]domain.TransferRequest),
		idemKeys:    make(map[string]uuid.UUID),
		accountMu:   make(map[string]*sync.Mutex),
		notifyByAcc: make(map[string][]domain.PersistedNotification),
	}
}

func (s *Store) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*tx); ok {
		return fn(ctx)
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	t := &tx{}
	if err := fn(context.WithValue(ctx, txKey{}, t)); err != nil {
		s.mu.Lock()
		for i := len(t.undo) - 1; i >= 0; i-- {
			t.undo[i]()
		}
		s.mu.Unlock()
		return err
	}
	return nil
}

// onRollback records an undo step. Undo steps run with s.mu held.
func onRollback(ctx context.Context, fn func()) {
	if t, ok := ctx.Value(txKey{}).(*tx); ok {
		t.undo = append(t.undo, fn)
	}
}

// Accounts

func (s *Store) GetAccount(_ context.Context, phone string) (*domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[phone]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrAccountNotFound, phone)
	}
	return &acc, nil
}

func (s *Store) ListAccounts(context.Context) ([]domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Phone < out[j].Phone })
	return out, nil
}

func (s *Store) ListAdmins(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, a := range s.accounts {
		if a.Role == domain.RoleAdmin {
			out = append(out, a.Phone)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) CreateAccount(ctx context.Context, acc domain.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[acc.Phone]; ok {
		return fmt.Errorf("%w: %s", domain.ErrAccountExists, acc.Phone)
	}
	if acc.CreatedAt.IsZero() {
		acc.CreatedAt = time.Now().UTC()
	}
	s.accounts[acc.Phone] = acc
	onRollback(ctx, func() { delete(s.accounts, acc.Phone) })
	return nil
}

func (s *Store) UpdateAccount(ctx context.Context, acc domain.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.accounts[acc.Phone]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrAccountNotFound, acc.Phone)
	}
	next := old
	next.Name, next.Email = acc.Name, acc.Email
	if acc.PasswordHash != "" {
		next.PasswordHash = acc.PasswordHash
	}
	s.accounts[acc.Phone] = next
	onRollback(ctx, func() { s.accounts[acc.Phone] = old })
	return nil
}

func (s *Store) DeleteAccount(ctx context.Context, phone string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.accounts[phone]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrAccountNotFound, phone)
	}
	delete(s.accounts, phone)
	onRollback(ctx, func() { s.accounts[phone] = old })
	return nil
}

func (s *Store) SetBlocked(ctx context.Context, phone string, blocked bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[phone]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrAccountNotFound, phone)
	}
	old := acc
	acc.Blocked = blocked
	s.accounts[phone] = acc
	onRollback(ctx, func() { s.accounts[phone] = old })
	return nil
}

// Ledger

func (s *Store) Move(ctx context.Context, from, to string, amount decimal.Decimal, requestID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	src, ok := s.accounts[from]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrAccountNotFound, from)
	}
	dst, ok := s.accounts[to]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrAccountNotFound, to)
	}
	if src.MaxDebit.IsPositive() && amount.GreaterThan(src.MaxDebit) {
		return fmt.Errorf("%w: %s > %s", domain.ErrDebitLimitExceeded, amount, src.MaxDebit)
	}
	if src.Balance.LessThan(amount) {
		return domain.ErrInsufficientFunds
	}

	oldSrc, oldDst, oldEntries := src, dst, len(s.entries)
	src.Balance = src.Balance.Sub(amount)
	dst.Balance = dst.Balance.Add(amount)
	s.accounts[from], s.accounts[to] = src, dst
	now := time.Now().UTC()
	s.entries = append(s.entries,
		domain.LedgerEntry{RequestID: requestID, Account: from, Delta: amount.Neg(), CreatedAt: now},
		domain.LedgerEntry{RequestID: requestID, Account: to, Delta: amount, CreatedAt: now},
	)
	onRollback(ctx, func() {
		s.accounts[from], s.accounts[to] = oldSrc, oldDst
		s.entries = s.entries[:oldEntries]
	})
	return nil
}

// GetEntries returns the ledger lines of account, newest first.
func (s *Store) GetEntries(_ context.Context, account string) ([]domain.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.LedgerEntry
	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.entries[i].Account == account {
			out = append(out, s.entries[i])
		}
	}
	return out, nil
}

// Transfer requests

func idemKey(sender, key string) string { return sender + "\x00" + key }

func (s *Store) CreateRequest(ctx context.Context, req *domain.TransferRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if req.IdempotencyKey != "" {
		k := idemKey(req.Sender, req.IdempotencyKey)
		if _, ok := s.idemKeys[k]; ok {
			return domain.ErrDuplicateRequest
		}
		s.idemKeys[k] = req.ID
		onRollback(ctx, func() { delete(s.idemKeys, k) })
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	s.requests[req.ID] = *req
	onRollback(ctx, func() { delete(s.requests, req.ID) })
	return nil
}

func (s *Store) GetRequest(_ context.Context, id uuid.UUID) (*domain.TransferRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrRequestNotFound, id)
	}
	return &req, nil
}

// GetRequestForUpdate relies on WithTransaction serializing all writers.
func (s *Store) GetRequestForUpdate(ctx context.Context, id uuid.UUID) (*domain.TransferRequest, error) {
	return s.GetRequest(ctx, id)
}

func (s *Store) GetRequestByIdempotencyKey(ctx context.Context, sender, key string) (*domain.TransferRequest, error) {
	s.mu.Lock()
	id, ok := s.idemKeys[idemKey(sender, key)]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: key %s", domain.ErrRequestNotFound, key)
	}
	return s.GetRequest(ctx, id)
}

func (s *Store) UpdateRequest(ctx context.Context, req *domain.TransferRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.requests[req.ID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrRequestNotFound, req.ID)
	}
	s.requests[req.ID] = *req
	onRollback(ctx, func() { s.requests[req.ID] = old })
	return nil
}

// Notifications

func (s *Store) lockAccount(account string) *sync.Mutex {
	s.notifyMu.Lock()
	m, ok := s.accountMu[account]
	if !ok {
		m = &sync.Mutex{}
		s.accountMu[account] = m
	}
	s.notifyMu.Unlock()
	m.Lock()
	return m
}

func (s *Store) Append(_ context.Context, account, message string) (int64, error) {
	m := s.lockAccount(account)
	defer m.Unlock()

	s.notifyMu.Lock()
	s.nextID++
	n := domain.PersistedNotification{
		ID:        s.nextID,
		Account:   account,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	}
	s.notifyByAcc[account] = append(s.notifyByAcc[account], n)
	s.notifyMu.Unlock()
	return n.ID, nil
}

func (s *Store) Pending(_ context.Context, account string) ([]domain.PersistedNotification, error) {
	m := s.lockAccount(account)
	defer m.Unlock()
	return s.pending(account), nil
}

func (s *Store) pending(account string) []domain.PersistedNotification {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	var out []domain.PersistedNotification
	for _, n := range s.notifyByAcc[account] {
		if !n.Delivered {
			out = append(out, n)
		}
	}
	return out
}

func (s *Store) Ack(_ context.Context, account string, ids []int64) error {
	m := s.lockAccount(account)
	defer m.Unlock()
	s.ack(account, ids)
	return nil
}

func (s *Store) ack(account string, ids []int64) {
	want := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	list := s.notifyByAcc[account]
	for i := range list {
		if _, ok := want[list[i].ID]; ok {
			list[i].Delivered = true
		}
	}
}

func (s *Store) Drain(_ context.Context, account string) ([]domain.PersistedNotification, error) {
	m := s.lockAccount(account)
	defer m.Unlock()

	out := s.pending(account)
	ids := make([]int64, len(out))
	for i, n := range out {
		ids[i] = n.ID
	}
	s.ack(account, ids)
	return out, nil
}

// PurgeDelivered drops delivered notifications older than olderThan.
func (s *Store) PurgeDelivered(_ context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	var purged int64
	for account, list := range s.notifyByAcc {
		kept := list[:0]
		for _, n := range list {
			if n.Delivered && n.CreatedAt.Before(cutoff) {
				purged++
				continue
			}
			kept = append(kept, n)
		}
		s.notifyByAcc[account] = kept
	}
	return purged, nil
}
