package relay

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"riskguard/internal/feedproto"
	"riskguard/internal/model"
)

// client is one downstream connection. subs, pending and lastSent are
// guarded by the hub's mutex.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once

	subs     map[string]feedproto.Mode
	pending  map[string]model.PriceTick
	lastSent map[string]time.Time
	dropped  bool
}

func newClient(h *Hub, conn *websocket.Conn) *client {
	return &client{
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, h.opts.SendBuffer),
		done:     make(chan struct{}),
		subs:     map[string]feedproto.Mode{},
		pending:  map[string]model.PriceTick{},
		lastSent: map[string]time.Time{},
	}
}

// offer applies the client's mode to a live tick.
func (c *client) offer(tick model.PriceTick, now time.Time) {
	mode, ok := c.subs[tick.Symbol]
	if !ok {
		return
	}
	if mode == feedproto.ModeSummary {
		if last, sent := c.lastSent[tick.Symbol]; sent && now.Sub(last) < c.hub.opts.SummaryInterval {
			c.pending[tick.Symbol] = tick
			return
		}
	}
	delete(c.pending, tick.Symbol)
	c.deliver(tick, now)
}

// deliver queues tick without blocking. A full queue drops the client.
func (c *client) deliver(tick model.PriceTick, now time.Time) {
	if c.dropped {
		return
	}
	msg, err := encode(tick)
	if err != nil {
		c.hub.logger.Error("Relay: failed to encode tick", "symbol", tick.Symbol, "error", err)
		return
	}
	select {
	case c.send <- msg:
		c.lastSent[tick.Symbol] = now
	default:
		c.dropped = true
		c.hub.opts.Metrics.drop()
		c.hub.logger.Warn("Relay: client too slow, disconnecting", "remote", c.conn.RemoteAddr().String())
		go c.hub.remove(c)
	}
}

func (c *client) shutdown() {
	c.once.Do(func() { close(c.done) })
}

func (c *client) readPump() {
	defer c.hub.remove(c)
	c.conn.SetReadLimit(maxMessage)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("Relay: client read failed", "error", err)
			}
			return
		}
		var msg feedproto.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.hub.logger.Warn("Relay: failed to parse client message", "error", err)
			continue
		}
		c.hub.handle(c, msg)
	}
}

func (c *client) writePump() {
	ping := time.NewTicker(pingPeriod)
	flush := time.NewTicker(c.hub.opts.SummaryInterval)
	defer func() {
		ping.Stop()
		flush.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.hub.remove(c)
				return
			}
		case <-flush.C:
			c.hub.flush(c)
		case <-ping.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.hub.remove(c)
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}
