// Package session tracks which accounts are reachable and through which live
// connections.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/punchamoorthee/vcardrelay/internal/domain"
)

var activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "vcard_sessions_active",
	Help: "Live authenticated connections",
})

// ErrConnRegistered is returned when a connection id is already bound to an account.
var ErrConnRegistered = errors.New("connection already registered")

// Conn is one live, authenticated client connection.
type Conn interface {
	ID() string
	// Push enqueues without blocking. It fails with domain.ErrDeliveryFailure
	// when the connection is closed or saturated.
	Push(f domain.Frame) error
	// Send enqueues, waiting for buffer space until ctx ends.
	Send(ctx context.Context, f domain.Frame) error
	Close()
}

// FirstConnectFunc runs when an account goes from offline to online. It is
// called with the account's scope held.
type FirstConnectFunc func(ctx context.Context, account string, c Conn) error

type accountSessions struct {
	mu    sync.Mutex
	conns map[string]Conn
	dead  bool
}

// Registry maps accounts to their live connections. Each account has its own
// exclusion scope so unrelated accounts never contend.
type Registry struct {
	mu       sync.Mutex
	accounts map[string]*accountSessions
	owners   map[string]string // conn id -> account

	onFirst FirstConnectFunc
}

// NewRegistry returns an empty registry with no first-connect hook.
func NewRegistry() *Registry {
	return &Registry{
		accounts: make(map[string]*accountSessions),
		owners:   make(map[string]string),
	}
}

// OnFirstConnect installs the hook run on an account's first connection.
func (r *Registry) OnFirstConnect(fn FirstConnectFunc) {
	r.mu.Lock()
	r.onFirst = fn
	r.mu.Unlock()
}

// lock returns the account's entry with its mutex held, creating it if needed.
func (r *Registry) lock(account string, create bool) *accountSessions {
	for {
		r.mu.Lock()
		s, ok := r.accounts[account]
		if !ok {
			if !create {
				r.mu.Unlock()
				return nil
			}
			s = &accountSessions{conns: make(map[string]Conn)}
			r.accounts[account] = s
		}
		r.mu.Unlock()

		s.mu.Lock()
		if !s.dead {
			return s
		}
		s.mu.Unlock()
	}
}

// release drops an empty entry. Caller holds s.mu.
func (r *Registry) release(account string, s *accountSessions) {
	if len(s.conns) > 0 {
		return
	}
	r.mu.Lock()
	if r.accounts[account] == s {
		delete(r.accounts, account)
	}
	r.mu.Unlock()
	s.dead = true
}

// Register binds c to account. On the account's first connection the
// first-connect hook is run before Register returns; its error is logged and
// does not undo the registration.
func (r *Registry) Register(ctx context.Context, account string, c Conn) error {
	r.mu.Lock()
	if owner, ok := r.owners[c.ID()]; ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s bound to %s", ErrConnRegistered, c.ID(), owner)
	}
	r.owners[c.ID()] = account
	onFirst := r.onFirst
	r.mu.Unlock()

	s := r.lock(account, true)
	defer s.mu.Unlock()

	first := len(s.conns) == 0
	s.conns[c.ID()] = c
	activeSessions.Inc()

	if first && onFirst != nil {
		if err := onFirst(ctx, account, c); err != nil {
			log.WithFields(log.Fields{"account": account, "conn": c.ID()}).
				WithError(err).Warn("first-connect hook failed")
		}
	}
	return nil
}

// Unregister removes exactly one connection. Unknown connections are ignored.
func (r *Registry) Unregister(c Conn) {
	r.mu.Lock()
	account, ok := r.owners[c.ID()]
	delete(r.owners, c.ID())
	r.mu.Unlock()
	if !ok {
		return
	}

	s := r.lock(account, false)
	if s == nil {
		return
	}
	defer s.mu.Unlock()

	if _, ok := s.conns[c.ID()]; ok {
		delete(s.conns, c.ID())
		activeSessions.Dec()
	}
	r.release(account, s)
}

// IsOnline reports whether account has at least one live connection.
func (r *Registry) IsOnline(account string) bool {
	s := r.lock(account, false)
	if s == nil {
		return false
	}
	defer s.mu.Unlock()
	return len(s.conns) > 0
}

// ConnectionsFor returns a snapshot of account's live connections.
func (r *Registry) ConnectionsFor(account string) []Conn {
	s := r.lock(account, false)
	if s == nil {
		return nil
	}
	defer s.mu.Unlock()
	return snapshot(s)
}

// WithSessions runs fn with the account's current connections while holding
// its scope, so no register or unregister for that account interleaves.
func (r *Registry) WithSessions(account string, fn func(conns []Conn) error) error {
	s := r.lock(account, true)
	defer s.mu.Unlock()
	defer r.release(account, s)
	return fn(snapshot(s))
}

// Len reports the number of online accounts.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.accounts)
}

// CloseAll closes every live connection. Used at shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	entries := make([]*accountSessions, 0, len(r.accounts))
	for _, s := range r.accounts {
		entries = append(entries, s)
	}
	r.mu.Unlock()

	for _, s := range entries {
		s.mu.Lock()
		conns := snapshot(s)
		s.mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	}
}

func snapshot(s *accountSessions) []Conn {
	out := make([]Conn, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	return out
}
