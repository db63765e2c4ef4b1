// Package realtime carries the websocket transport: one Client per socket,
// a read pump dispatching inbound events and a write pump draining a
// bounded outbound queue.
package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/punchamoorthee/vcardrelay/internal/domain"
	"github.com/punchamoorthee/vcardrelay/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
)

// Acker confirms that a replayed stored notification reached the socket.
type Acker interface {
	Acknowledge(ctx context.Context, account string, id int64) error
}

type outbound struct {
	frame      models.OutboundFrame
	ackID      int64
	closeAfter bool
}

// Client is one websocket connection. It satisfies session.Conn.
type Client struct {
	id    string
	conn  *websocket.Conn
	acker Acker

	send      chan outbound
	done      chan struct{}
	closeOnce sync.Once

	mu    sync.Mutex
	actor *domain.Actor
}

func newClient(id string, conn *websocket.Conn, acker Acker, buffer int) *Client {
	return &Client{
		id:    id,
		conn:  conn,
		acker: acker,
		send:  make(chan outbound, buffer),
		done:  make(chan struct{}),
	}
}

func (c *Client) ID() string { return c.id }

// Actor returns the authenticated principal, or nil before authenticate.
func (c *Client) Actor() *domain.Actor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.actor
}

func (c *Client) setActor(a *domain.Actor) {
	c.mu.Lock()
	c.actor = a
	c.mu.Unlock()
}

func toOutbound(f domain.Frame) outbound {
	return outbound{
		frame:      models.OutboundFrame{Event: f.Event, Data: f.Data},
		ackID:      f.AckID,
		closeAfter: f.CloseAfter,
	}
}

// Push enqueues f without waiting. A full queue counts as a failed delivery.
func (c *Client) Push(f domain.Frame) error {
	select {
	case <-c.done:
		return domain.ErrDeliveryFailure
	default:
	}
	select {
	case c.send <- toOutbound(f):
		return nil
	default:
		return domain.ErrDeliveryFailure
	}
}

// Send enqueues f, waiting for queue space until ctx ends.
func (c *Client) Send(ctx context.Context, f domain.Frame) error {
	return c.enqueue(ctx, toOutbound(f))
}

func (c *Client) enqueue(ctx context.Context, out outbound) error {
	select {
	case <-c.done:
		return domain.ErrDeliveryFailure
	default:
	}
	select {
	case c.send <- out:
		return nil
	case <-c.done:
		return domain.ErrDeliveryFailure
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the write pump, which closes the socket.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
		c.conn.Close()
	}()

	for {
		select {
		case out := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(out.frame); err != nil {
				log.WithField("conn", c.id).WithError(err).Debug("websocket write failed")
				return
			}
			if out.ackID != 0 {
				c.ack(out.ackID)
			}
			if out.closeAfter {
				c.writeClose(websocket.ClosePolicyViolation, "closed by server")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.writeClose(websocket.CloseNormalClosure, "")
			return
		}
	}
}

func (c *Client) ack(id int64) {
	actor := c.Actor()
	if actor == nil || c.acker == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	if err := c.acker.Acknowledge(ctx, actor.Phone, id); err != nil {
		// The row stays pending and is replayed on the next login.
		log.WithFields(log.Fields{"account": actor.Phone, "notification": id}).
			WithError(err).Warn("acknowledge failed")
	}
}

func (c *Client) writeClose(code int, text string) {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, text))
}
