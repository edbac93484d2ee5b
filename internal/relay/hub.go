// Package relay fans upstream market data out to downstream price feed
// clients over websockets.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"riskguard/internal/feedproto"
	"riskguard/internal/model"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	maxMessage = 64 << 10
)

// Upstream is the vendor side a Hub subscribes symbols on.
type Upstream interface {
	Subscribe(symbols []string) error
	Unsubscribe(symbols []string) error
}

// Options tune a Hub.
type Options struct {
	// SummaryInterval is the minimum gap between two ticks of one symbol
	// sent to a summary-mode client.
	SummaryInterval time.Duration
	// SendBuffer is the per-client queue length. A client whose queue is
	// full is disconnected.
	SendBuffer int
	Metrics    *Metrics
	Now        func() time.Time
}

// Hub tracks downstream clients and the upstream symbols they need.
type Hub struct {
	logger   *slog.Logger
	upstream Upstream
	opts     Options
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	refs    map[string]int
	latest  map[string]model.PriceTick

	// Upstream changes are queued under mu and applied in order by
	// pumpUpstream, so a stalled vendor socket never holds mu.
	upMu    sync.Mutex
	upQueue []upstreamOp
	upReady chan struct{}
}

type upstreamOp struct {
	subscribe bool
	symbols   []string
}

// NewHub creates a hub that subscribes upstream on behalf of its clients.
func NewHub(logger *slog.Logger, upstream Upstream, opts Options) *Hub {
	if opts.SummaryInterval <= 0 {
		opts.SummaryInterval = time.Second
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Hub{
		logger:   logger,
		upstream: upstream,
		opts:     opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: map[*client]struct{}{},
		refs:    map[string]int{},
		latest:  map[string]model.PriceTick{},
		upReady: make(chan struct{}, 1),
	}
}

// Run publishes every tick read from ticks until ctx is cancelled or ticks
// is closed.
func (h *Hub) Run(ctx context.Context, ticks <-chan model.PriceTick) {
	go h.pumpUpstream(ctx)
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case tick, ok := <-ticks:
			if !ok {
				h.closeAll()
				return
			}
			h.Publish(tick)
		}
	}
}

// Publish records tick as the latest for its symbol and forwards it to the
// clients subscribed to it.
func (h *Hub) Publish(tick model.PriceTick) {
	if tick.Symbol == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.latest[tick.Symbol] = tick
	h.opts.Metrics.tick()
	now := h.opts.Now()
	for c := range h.clients {
		c.offer(tick, now)
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Upstreamed returns the symbols currently subscribed upstream.
func (h *Hub) Upstreamed() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.refs))
	for s := range h.refs {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// ServeHTTP upgrades the request and serves one downstream client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Relay: upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	c := newClient(h, conn)
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.opts.Metrics.setClients(len(h.clients))
	h.mu.Unlock()
	h.logger.Info("Relay: client connected", "remote", r.RemoteAddr)

	go c.writePump()
	c.readPump()
}

func (h *Hub) handle(c *client, msg feedproto.ClientMessage) {
	switch msg.Action {
	case feedproto.ActionSubscribe:
		h.subscribe(c, msg.Symbols, msg.Mode.Normalize())
	case feedproto.ActionUnsubscribe:
		h.unsubscribe(c, msg.Symbols)
	default:
		h.logger.Warn("Relay: unknown action", "action", msg.Action)
	}
}

func (h *Hub) subscribe(c *client, symbols []string, mode feedproto.Mode) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}

	var fresh []string
	for _, s := range symbols {
		if s == "" {
			continue
		}
		if _, had := c.subs[s]; !had {
			if h.refs[s] == 0 {
				fresh = append(fresh, s)
			}
			h.refs[s]++
		}
		c.subs[s] = mode
	}
	if len(fresh) > 0 {
		h.enqueue(upstreamOp{subscribe: true, symbols: fresh})
	}

	// Snapshot of what is already known for the symbols just requested.
	now := h.opts.Now()
	for _, s := range symbols {
		if tick, ok := h.latest[s]; ok {
			c.deliver(tick, now)
		}
	}
}

func (h *Hub) unsubscribe(c *client, symbols []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.release(c, symbols)
}

// release drops c's interest in symbols. h.mu must be held.
func (h *Hub) release(c *client, symbols []string) {
	var gone []string
	for _, s := range symbols {
		if _, had := c.subs[s]; !had {
			continue
		}
		delete(c.subs, s)
		delete(c.pending, s)
		h.refs[s]--
		if h.refs[s] <= 0 {
			delete(h.refs, s)
			gone = append(gone, s)
		}
	}
	if len(gone) > 0 {
		h.enqueue(upstreamOp{symbols: gone})
	}
}

// enqueue records an upstream change. h.mu must be held so the queue follows
// the order of the reference table.
func (h *Hub) enqueue(op upstreamOp) {
	h.upMu.Lock()
	h.upQueue = append(h.upQueue, op)
	h.upMu.Unlock()
	select {
	case h.upReady <- struct{}{}:
	default:
	}
}

// pumpUpstream applies queued upstream changes one at a time until ctx ends.
func (h *Hub) pumpUpstream(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.upReady:
		}
		h.upMu.Lock()
		ops := h.upQueue
		h.upQueue = nil
		h.upMu.Unlock()

		for _, op := range ops {
			if op.subscribe {
				if err := h.upstream.Subscribe(op.symbols); err != nil {
					h.logger.Error("Relay: upstream subscribe failed", "symbols", op.symbols, "error", err)
				}
				continue
			}
			if err := h.upstream.Unsubscribe(op.symbols); err != nil {
				h.logger.Error("Relay: upstream unsubscribe failed", "symbols", op.symbols, "error", err)
			}
		}
	}
}

// remove forgets c and releases everything it was subscribed to.
func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	h.opts.Metrics.setClients(len(h.clients))
	symbols := make([]string, 0, len(c.subs))
	for s := range c.subs {
		symbols = append(symbols, s)
	}
	h.release(c, symbols)
	c.shutdown()
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		h.remove(c)
	}
}

// flush sends pending summary ticks that are due.
func (h *Hub) flush(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.opts.Now()
	for s, tick := range c.pending {
		if now.Sub(c.lastSent[s]) >= h.opts.SummaryInterval {
			delete(c.pending, s)
			c.deliver(tick, now)
		}
	}
}

func encode(tick model.PriceTick) ([]byte, error) {
	return json.Marshal(feedproto.FromModel(tick))
}
