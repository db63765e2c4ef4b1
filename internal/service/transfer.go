package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/punchamoorthee/vcardrelay/internal/domain"
	"github.com/punchamoorthee/vcardrelay/internal/events"
)

var (
	transferOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vcard_transfer_operations_total",
		Help: "Transfer protocol operations, labeled by outcome code",
	}, []string{"op", "result"})

	transferLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vcard_transfer_operation_duration_seconds",
		Help:    "Latency of transfer protocol operations",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"op"})
)

// TransferService drives the send / request / accept / reject protocol.
// Funds and request state commit atomically; notifications and feed events
// follow the commit and never fail the operation.
type TransferService struct {
	accounts  AccountRepository
	ledger    Ledger
	requests  RequestRepository
	tx        TxManager
	notifier  Notifier
	publisher EventPublisher
	now       func() time.Time
}

func NewTransferService(
	accounts AccountRepository,
	ledger Ledger,
	requests RequestRepository,
	tx TxManager,
	notifier Notifier,
	publisher EventPublisher,
) *TransferService {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &TransferService{
		accounts:  accounts,
		ledger:    ledger,
		requests:  requests,
		tx:        tx,
		notifier:  notifier,
		publisher: publisher,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func observe(op string, start time.Time, err error) {
	transferLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	result := "ok"
	if err != nil {
		result = domain.Code(err)
	}
	transferOps.WithLabelValues(op, result).Inc()
}

// Send pays amount from the actor to receiver. A repeated idempotency key
// returns the original record without moving funds again.
func (s *TransferService) Send(ctx context.Context, actor domain.Actor, receiver string, amount decimal.Decimal, idempotencyKey string) (req *domain.TransferRequest, err error) {
	defer func(start time.Time) { observe("send", start, err) }(time.Now())

	if !domain.Allow(actor, domain.ActionSendMoney, actor.Phone) {
		return nil, domain.ErrPermissionDenied
	}

	if idempotencyKey != "" {
		if prev, err := s.requests.GetRequestByIdempotencyKey(ctx, actor.Phone, idempotencyKey); err == nil {
			return sameSend(prev, receiver, amount)
		} else if !errors.Is(err, domain.ErrRequestNotFound) {
			return nil, err
		}
	}

	next, err := NewSend(actor.Phone, receiver, amount, idempotencyKey, s.now())
	if err != nil {
		return nil, err
	}

	// Once the ledger step begins the operation runs to completion.
	err = s.tx.WithTransaction(context.WithoutCancel(ctx), func(ctx context.Context) error {
		if err := s.checkPayer(ctx, actor.Phone); err != nil {
			return err
		}
		if _, err := s.accounts.GetAccount(ctx, receiver); err != nil {
			return err
		}
		if err := s.requests.CreateRequest(ctx, &next); err != nil {
			return err
		}
		return s.ledger.Move(ctx, next.Sender, next.Receiver, next.Amount, next.ID)
	})
	if errors.Is(err, domain.ErrDuplicateRequest) {
		prev, err := s.requests.GetRequestByIdempotencyKey(ctx, actor.Phone, idempotencyKey)
		if err != nil {
			return nil, err
		}
		return sameSend(prev, receiver, amount)
	}
	if err != nil {
		return nil, err
	}

	s.afterCommit(ctx, SentNotification(next), events.FromRequest(events.TypeSent, &next))
	return &next, nil
}

// sameSend returns prev when it records the same payment, and refuses a key
// reused for a different one.
func sameSend(prev *domain.TransferRequest, receiver string, amount decimal.Decimal) (*domain.TransferRequest, error) {
	if prev.Kind != domain.KindSend || prev.Receiver != receiver || !prev.Amount.Equal(amount) {
		return nil, fmt.Errorf("%w: key was used for %s to %s", domain.ErrDuplicateRequest, euros(prev.Amount), prev.Receiver)
	}
	return prev, nil
}

// Request asks target to pay the actor. No funds move.
func (s *TransferService) Request(ctx context.Context, actor domain.Actor, target string, amount decimal.Decimal) (req *domain.TransferRequest, err error) {
	defer func(start time.Time) { observe("request", start, err) }(time.Now())

	if !domain.Allow(actor, domain.ActionRequestMoney, actor.Phone) {
		return nil, domain.ErrPermissionDenied
	}

	next, err := NewRequest(actor.Phone, target, amount, s.now())
	if err != nil {
		return nil, err
	}

	err = s.tx.WithTransaction(context.WithoutCancel(ctx), func(ctx context.Context) error {
		requester, err := s.accounts.GetAccount(ctx, actor.Phone)
		if err != nil {
			return err
		}
		if requester.Blocked {
			return fmt.Errorf("%w: account %s is blocked", domain.ErrInvalidTransfer, actor.Phone)
		}
		if _, err := s.accounts.GetAccount(ctx, target); err != nil {
			return err
		}
		return s.requests.CreateRequest(ctx, &next)
	})
	if err != nil {
		return nil, err
	}

	s.afterCommit(ctx, RequestedNotification(next), events.FromRequest(events.TypeRequested, &next))
	return &next, nil
}

// Accept pays a pending request on behalf of its target.
func (s *TransferService) Accept(ctx context.Context, actor domain.Actor, id uuid.UUID) (req *domain.TransferRequest, err error) {
	defer func(start time.Time) { observe("accept", start, err) }(time.Now())

	var resolved domain.TransferRequest
	err = s.tx.WithTransaction(context.WithoutCancel(ctx), func(ctx context.Context) error {
		current, err := s.requests.GetRequestForUpdate(ctx, id)
		if err != nil {
			return err
		}
		resolved, err = Accept(*current, actor, s.now())
		if err != nil {
			return err
		}
		if err := s.checkPayer(ctx, resolved.Receiver); err != nil {
			return err
		}
		if err := s.ledger.Move(ctx, resolved.Receiver, resolved.Sender, resolved.Amount, resolved.ID); err != nil {
			return err
		}
		return s.requests.UpdateRequest(ctx, &resolved)
	})
	if err != nil {
		return nil, err
	}

	s.afterCommit(ctx, AcceptedNotification(resolved), events.FromRequest(events.TypeAccepted, &resolved))
	return &resolved, nil
}

// Reject turns down a pending request, from either side.
func (s *TransferService) Reject(ctx context.Context, actor domain.Actor, id uuid.UUID, by domain.RejectedBy) (req *domain.TransferRequest, err error) {
	defer func(start time.Time) { observe("reject", start, err) }(time.Now())

	var resolved domain.TransferRequest
	err = s.tx.WithTransaction(context.WithoutCancel(ctx), func(ctx context.Context) error {
		current, err := s.requests.GetRequestForUpdate(ctx, id)
		if err != nil {
			return err
		}
		resolved, err = Reject(*current, actor, by, s.now())
		if err != nil {
			return err
		}
		return s.requests.UpdateRequest(ctx, &resolved)
	})
	if err != nil {
		return nil, err
	}

	s.afterCommit(ctx, RejectedNotification(resolved), events.FromRequest(events.TypeRejected, &resolved))
	return &resolved, nil
}

// Get returns a request visible to either party or an admin.
func (s *TransferService) Get(ctx context.Context, actor domain.Actor, id uuid.UUID) (*domain.TransferRequest, error) {
	req, err := s.requests.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor.Role != domain.RoleAdmin && actor.Phone != req.Sender && actor.Phone != req.Receiver {
		// Hide existence from outsiders.
		return nil, fmt.Errorf("%w: %s", domain.ErrRequestNotFound, id)
	}
	return req, nil
}

func (s *TransferService) checkPayer(ctx context.Context, phone string) error {
	payer, err := s.accounts.GetAccount(ctx, phone)
	if err != nil {
		return err
	}
	if payer.Blocked {
		return fmt.Errorf("%w: account %s is blocked", domain.ErrInvalidTransfer, phone)
	}
	return nil
}

func (s *TransferService) afterCommit(ctx context.Context, n domain.Notification, ev events.TransferEvent) {
	ctx = context.WithoutCancel(ctx)
	fields := log.Fields{"request_id": ev.RequestID, "kind": n.Kind, "account": n.Target}

	if err := s.notifier.Route(ctx, n); err != nil {
		log.WithFields(fields).WithError(err).Error("notification lost after commit")
	}
	if err := s.publisher.Publish(ctx, ev); err != nil {
		log.WithFields(fields).WithError(err).Warn("transfer event not published")
	}
}
