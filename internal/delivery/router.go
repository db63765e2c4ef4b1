// Package delivery decides, for every outbound notification, between live
// push and durable store-and-forward.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/punchamoorthee/vcardrelay/internal/domain"
	"github.com/punchamoorthee/vcardrelay/internal/session"
)

var (
	notificationsRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vcard_notifications_routed_total",
		Help: "Notifications routed, labeled by kind and path (live|stored)",
	}, []string{"kind", "path"})

	deliveryFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vcard_delivery_failures_total",
		Help: "Live pushes that failed and fell back to the store",
	})

	notificationsReplayed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vcard_notifications_replayed_total",
		Help: "Stored notifications written to a connection on login",
	})
)

// NotificationStore is the durable per-account queue of undelivered messages.
type NotificationStore interface {
	Append(ctx context.Context, account, message string) (int64, error)
	// Pending returns undelivered notifications in append order.
	Pending(ctx context.Context, account string) ([]domain.PersistedNotification, error)
	Ack(ctx context.Context, account string, ids []int64) error
	// Drain returns and marks delivered everything pending, atomically.
	Drain(ctx context.Context, account string) ([]domain.PersistedNotification, error)
}

type Router struct {
	sessions      *session.Registry
	store         NotificationStore
	replayTimeout time.Duration
}

func NewRouter(sessions *session.Registry, store NotificationStore, replayTimeout time.Duration) *Router {
	if replayTimeout <= 0 {
		replayTimeout = 5 * time.Second
	}
	return &Router{sessions: sessions, store: store, replayTimeout: replayTimeout}
}

// Route pushes n to every live connection of its target, or stores the
// rendered message when none of them accepts it. It never waits on a client.
func (r *Router) Route(ctx context.Context, n domain.Notification) error {
	frame := domain.Frame{
		Event:      string(n.Kind),
		Data:       n.Payload,
		CloseAfter: n.Kind == domain.NotifyBlocked,
	}

	return r.sessions.WithSessions(n.Target, func(conns []session.Conn) error {
		delivered := 0
		for _, c := range conns {
			if err := c.Push(frame); err != nil {
				deliveryFailures.Inc()
				log.WithFields(log.Fields{"account": n.Target, "conn": c.ID(), "kind": n.Kind}).
					WithError(err).Warn("live push failed")
				continue
			}
			delivered++
		}
		if delivered > 0 {
			notificationsRouted.WithLabelValues(string(n.Kind), "live").Inc()
			return nil
		}

		if _, err := r.store.Append(ctx, n.Target, n.Message); err != nil {
			return fmt.Errorf("store notification for %s: %w", n.Target, err)
		}
		notificationsRouted.WithLabelValues(string(n.Kind), "stored").Inc()
		return nil
	})
}

// Replay writes every pending notification of account to c in order. It is
// installed as the registry's first-connect hook. Entries are only marked
// delivered through Acknowledge, after the transport has written them.
func (r *Router) Replay(ctx context.Context, account string, c session.Conn) error {
	ctx, cancel := context.WithTimeout(ctx, r.replayTimeout)
	defer cancel()

	pending, err := r.store.Pending(ctx, account)
	if err != nil {
		return fmt.Errorf("load pending for %s: %w", account, err)
	}

	for _, p := range pending {
		err := c.Send(ctx, domain.Frame{
			Event: string(domain.NotifyStored),
			Data:  p,
			AckID: p.ID,
		})
		if err != nil {
			// The rest stay pending for the next login.
			if errors.Is(err, context.DeadlineExceeded) {
				log.WithField("account", account).Warn("replay timed out")
			}
			return fmt.Errorf("replay %d to %s: %w", p.ID, c.ID(), err)
		}
		notificationsReplayed.Inc()
	}
	return nil
}

// Acknowledge marks a replayed notification as delivered.
func (r *Router) Acknowledge(ctx context.Context, account string, id int64) error {
	return r.store.Ack(ctx, account, []int64{id})
}

// Drain hands every pending notification to the caller and marks them
// delivered. Used by the fetch-on-login HTTP path.
func (r *Router) Drain(ctx context.Context, account string) ([]domain.PersistedNotification, error) {
	return r.store.Drain(ctx, account)
}
