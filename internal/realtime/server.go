package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/punchamoorthee/vcardrelay/internal/domain"
	"github.com/punchamoorthee/vcardrelay/internal/models"
	"github.com/punchamoorthee/vcardrelay/internal/session"
)

var inboundEvents = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "vcard_ws_events_total",
	Help: "Inbound websocket events, labeled by outcome code",
}, []string{"event", "result"})

var (
	errMalformed    = errors.New("malformed frame")
	errUnknownEvent = errors.New("unknown event")
)

// Transfers is the slice of the transfer engine reachable over the socket.
type Transfers interface {
	Send(ctx context.Context, actor domain.Actor, receiver string, amount decimal.Decimal, idempotencyKey string) (*domain.TransferRequest, error)
	Request(ctx context.Context, actor domain.Actor, target string, amount decimal.Decimal) (*domain.TransferRequest, error)
	Accept(ctx context.Context, actor domain.Actor, id uuid.UUID) (*domain.TransferRequest, error)
	Reject(ctx context.Context, actor domain.Actor, id uuid.UUID, by domain.RejectedBy) (*domain.TransferRequest, error)
}

type Verifier interface {
	Verify(raw string) (domain.Actor, error)
}

// Accounts resolves the account behind a verified token.
type Accounts interface {
	GetAccount(ctx context.Context, phone string) (*domain.Account, error)
}

type handlerFunc func(ctx context.Context, c *Client, data json.RawMessage) (any, error)

// Server upgrades /ws requests and dispatches their events.
type Server struct {
	sessions   *session.Registry
	tokens     Verifier
	accounts   Accounts
	transfers  Transfers
	acker      Acker
	sendBuffer int
	upgrader   websocket.Upgrader

	handlers map[domain.InboundEvent]handlerFunc
}

func NewServer(sessions *session.Registry, tokens Verifier, accounts Accounts, transfers Transfers, acker Acker, sendBuffer int) *Server {
	if sendBuffer <= 0 {
		sendBuffer = 64
	}
	s := &Server{
		sessions:   sessions,
		tokens:     tokens,
		accounts:   accounts,
		transfers:  transfers,
		acker:      acker,
		sendBuffer: sendBuffer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.handlers = map[domain.InboundEvent]handlerFunc{
		domain.EventAuthenticate:  s.authenticate,
		domain.EventDisconnect:    s.disconnect,
		domain.EventSendMoney:     s.authed(s.sendMoney),
		domain.EventRequestMoney:  s.authed(s.requestMoney),
		domain.EventAcceptRequest: s.authed(s.acceptRequest),
		domain.EventRejectRequest: s.authed(s.rejectRequest),
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		log.WithError(err).Debug("websocket upgrade failed")
		return
	}

	c := newClient(uuid.NewString(), conn, s.acker, s.sendBuffer)
	go c.writePump()
	s.readPump(r.Context(), c)
}

func (s *Server) readPump(ctx context.Context, c *Client) {
	defer func() {
		s.sessions.Unregister(c)
		c.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.WithField("conn", c.id).WithError(err).Debug("websocket closed")
			}
			return
		}

		var in models.InboundFrame
		if err := json.Unmarshal(raw, &in); err != nil {
			s.reply(ctx, c, "", nil, fmt.Errorf("%w: %v", errMalformed, err), false)
			continue
		}

		event := domain.InboundEvent(in.Event)
		handler, ok := s.handlers[event]
		if !ok {
			inboundEvents.WithLabelValues("unknown", codeOf(errUnknownEvent)).Inc()
			s.reply(ctx, c, in.ID, nil, fmt.Errorf("%w: %q", errUnknownEvent, in.Event), false)
			continue
		}

		data, err := handler(ctx, c, in.Data)
		result := "ok"
		if err != nil {
			result = codeOf(err)
		}
		inboundEvents.WithLabelValues(in.Event, result).Inc()

		// After a disconnect reply is written the write pump closes the
		// socket, which ends this loop.
		closing := event == domain.EventDisconnect && err == nil
		s.reply(ctx, c, in.ID, data, err, closing)
	}
}

func (s *Server) reply(ctx context.Context, c *Client, id string, data any, err error, closeAfter bool) {
	frame := models.OutboundFrame{Event: models.EventReply, ID: id, Data: data}
	if err != nil {
		frame.Data = nil
		frame.Error = errorBody(err)
	}
	if err := c.enqueue(ctx, outbound{frame: frame, closeAfter: closeAfter}); err != nil {
		log.WithField("conn", c.id).WithError(err).Debug("reply dropped")
	}
}

func codeOf(err error) string {
	switch {
	case errors.Is(err, errMalformed):
		return "MALFORMED"
	case errors.Is(err, errUnknownEvent):
		return "UNKNOWN_EVENT"
	case errors.Is(err, session.ErrConnRegistered):
		return "ALREADY_AUTHENTICATED"
	}
	return domain.Code(err)
}

func errorBody(err error) *models.ErrorBody {
	code := codeOf(err)
	msg := err.Error()
	if code == "INTERNAL" {
		msg = "internal error"
	}
	return &models.ErrorBody{Code: code, Message: msg}
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: missing data", errMalformed)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", errMalformed, err)
	}
	return nil
}

func (s *Server) authed(next func(ctx context.Context, actor domain.Actor, data json.RawMessage) (any, error)) handlerFunc {
	return func(ctx context.Context, c *Client, data json.RawMessage) (any, error) {
		actor := c.Actor()
		if actor == nil {
			return nil, domain.ErrUnauthenticated
		}
		return next(ctx, *actor, data)
	}
}

func (s *Server) authenticate(ctx context.Context, c *Client, data json.RawMessage) (any, error) {
	var in models.AuthenticateRequest
	if err := decode(data, &in); err != nil {
		return nil, err
	}
	actor, err := s.tokens.Verify(strings.TrimPrefix(in.Token, "Bearer "))
	if err != nil {
		return nil, err
	}
	if current := c.Actor(); current != nil {
		return nil, fmt.Errorf("%w: as %s", session.ErrConnRegistered, current.Phone)
	}
	if err := s.admit(ctx, actor.Phone); err != nil {
		return nil, err
	}

	c.setActor(&actor)
	if err := s.sessions.Register(ctx, actor.Phone, c); err != nil {
		c.setActor(nil)
		return nil, err
	}
	// A block that landed during Register closed the sessions it saw, not this one.
	if err := s.admit(ctx, actor.Phone); err != nil {
		s.sessions.Unregister(c)
		c.setActor(nil)
		return nil, err
	}
	log.WithFields(log.Fields{"account": actor.Phone, "conn": c.id}).Info("websocket authenticated")
	return map[string]string{"vcard": actor.Phone}, nil
}

// admit refuses tokens whose account was blocked or deleted after issue.
func (s *Server) admit(ctx context.Context, phone string) error {
	acc, err := s.accounts.GetAccount(ctx, phone)
	if errors.Is(err, domain.ErrAccountNotFound) {
		return fmt.Errorf("%w: account no longer exists", domain.ErrUnauthenticated)
	}
	if err != nil {
		return err
	}
	if acc.Blocked {
		return fmt.Errorf("%w: account is blocked", domain.ErrUnauthenticated)
	}
	return nil
}

func (s *Server) disconnect(_ context.Context, c *Client, _ json.RawMessage) (any, error) {
	s.sessions.Unregister(c)
	c.setActor(nil)
	return map[string]bool{"disconnected": true}, nil
}

func (s *Server) sendMoney(ctx context.Context, actor domain.Actor, data json.RawMessage) (any, error) {
	var in models.SendMoneyRequest
	if err := decode(data, &in); err != nil {
		return nil, err
	}
	return s.transfers.Send(ctx, actor, in.Receiver, in.Amount, in.IdempotencyKey)
}

func (s *Server) requestMoney(ctx context.Context, actor domain.Actor, data json.RawMessage) (any, error) {
	var in models.RequestMoneyRequest
	if err := decode(data, &in); err != nil {
		return nil, err
	}
	return s.transfers.Request(ctx, actor, in.Target, in.Amount)
}

func (s *Server) acceptRequest(ctx context.Context, actor domain.Actor, data json.RawMessage) (any, error) {
	var in models.ResolveRequest
	if err := decode(data, &in); err != nil {
		return nil, err
	}
	id, err := uuid.Parse(in.RequestID)
	if err != nil {
		return nil, fmt.Errorf("%w: request_id: %v", errMalformed, err)
	}
	return s.transfers.Accept(ctx, actor, id)
}

func (s *Server) rejectRequest(ctx context.Context, actor domain.Actor, data json.RawMessage) (any, error) {
	var in models.ResolveRequest
	if err := decode(data, &in); err != nil {
		return nil, err
	}
	id, err := uuid.Parse(in.RequestID)
	if err != nil {
		return nil, fmt.Errorf("%w: request_id: %v", errMalformed, err)
	}
	by := in.RejectedBy
	if by == "" {
		by = domain.RejectedByTarget
	}
	return s.transfers.Reject(ctx, actor, id, by)
}
