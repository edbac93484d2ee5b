package pricefeed

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"riskguard/internal/feedproto"
	"riskguard/internal/model"
)

const writeWait = 10 * time.Second

// State is the connection state of the manager.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateClosed
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	default:
		return "disconnected"
	}
}

// Callback receives every tick for every watched symbol.
type Callback func(symbol string, tick model.PriceTick)

// Options configures a Manager.
type Options struct {
	URL string
	// MinBackoff is the first reconnect delay; it doubles up to MaxBackoff.
	MinBackoff time.Duration
	MaxBackoff time.Duration
	Dialer     *websocket.Dialer
	Metrics    *Metrics
}

type watch struct {
	refs int
	mode feedproto.Mode
}

// Manager owns one relay connection shared by every consumer in the process.
type Manager struct {
	logger *slog.Logger
	opts   Options

	// subMu is held from a watch table change until its frame is written, so
	// frames reach the relay in the order the table changed.
	subMu sync.Mutex

	mu          sync.RWMutex
	state       State
	watches     map[string]*watch
	subscribers map[uint64]Callback
	nextSubID   uint64
	latest      map[string]model.PriceTick

	writeMu sync.Mutex
	conn    *websocket.Conn

	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a Manager. Nothing is dialled until Start.
func NewManager(logger *slog.Logger, opts Options) *Manager {
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = time.Second
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = 16 * opts.MinBackoff
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &Manager{
		logger:      logger,
		opts:        opts,
		watches:     make(map[string]*watch),
		subscribers: make(map[uint64]Callback),
		latest:      make(map[string]model.PriceTick),
	}
}

// Subscribe registers cb and returns a function that removes it.
func (m *Manager) Subscribe(cb Callback) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.subscribers[id] = cb
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subscribers, id)
			m.mu.Unlock()
		})
	}
}

// WatchPairs adds one watcher reference for each symbol. The relay is only
// asked to subscribe when a symbol gains its first watcher or a deeper mode.
func (m *Manager) WatchPairs(symbols []string, mode feedproto.Mode) {
	mode = mode.Normalize()
	var changed []string

	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.mu.Lock()
	for _, s := range dedupe(symbols) {
		w, ok := m.watches[s]
		if !ok {
			m.watches[s] = &watch{refs: 1, mode: mode}
			changed = append(changed, s)
			continue
		}
		w.refs++
		if mode.Deeper(w.mode) {
			w.mode = mode
			changed = append(changed, s)
		}
	}
	m.mu.Unlock()

	if len(changed) > 0 {
		m.send(feedproto.ClientMessage{Action: feedproto.ActionSubscribe, Symbols: changed, Mode: mode})
	}
}

// UnwatchPairs drops one watcher reference per symbol and unsubscribes the
// symbols that no longer have any.
func (m *Manager) UnwatchPairs(symbols []string) {
	var dropped []string

	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.mu.Lock()
	for _, s := range dedupe(symbols) {
		w, ok := m.watches[s]
		if !ok {
			continue
		}
		w.refs--
		if w.refs <= 0 {
			delete(m.watches, s)
			delete(m.latest, s)
			dropped = append(dropped, s)
		}
	}
	m.mu.Unlock()

	if len(dropped) > 0 {
		m.send(feedproto.ClientMessage{Action: feedproto.ActionUnsubscribe, Symbols: dropped})
	}
}

// Watched returns the watched symbols with their subscription mode.
func (m *Manager) Watched() map[string]feedproto.Mode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]feedproto.Mode, len(m.watches))
	for s, w := range m.watches {
		out[s] = w.mode
	}
	return out
}

// Latest returns the last known tick for symbol.
func (m *Manager) Latest(symbol string) (model.PriceTick, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.latest[symbol]
	return t, ok
}

// Snapshot copies the latest known tick of every watched symbol.
func (m *Manager) Snapshot() map[string]model.PriceTick {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]model.PriceTick, len(m.latest))
	for s, t := range m.latest {
		out[s] = t
	}
	return out
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
	m.opts.Metrics.setState(s)
}

// Start runs the connection loop until ctx is cancelled or Stop is called.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.done != nil {
		m.mu.Unlock()
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	go func() {
		defer close(done)
		m.run(ctx)
	}()
}

// Stop ends the connection loop and waits for it. No reconnect follows.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.setState(StateDisconnected)
}

func (m *Manager) run(ctx context.Context) {
	backoff := m.opts.MinBackoff
	for {
		if ctx.Err() != nil {
			m.logger.Info("PriceFeed: context cancelled, shutting down")
			return
		}

		m.setState(StateConnecting)
		m.logger.Info("PriceFeed: connecting to relay", "url", m.opts.URL, "backoff", backoff)
		c, _, err := m.opts.Dialer.DialContext(ctx, m.opts.URL, nil)
		if err != nil {
			m.setState(StateErrored)
			m.logger.Error("PriceFeed: WebSocket connection failed", "error", err)
		} else {
			backoff = m.opts.MinBackoff
			err = m.serve(ctx, c)
			if ctx.Err() != nil {
				m.logger.Info("PriceFeed: context cancelled, connection closed")
				return
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				m.setState(StateClosed)
				m.logger.Warn("PriceFeed: relay closed connection", "code", closeErr.Code, "text", closeErr.Text)
			} else {
				m.setState(StateErrored)
				m.logger.Error("PriceFeed: failed to read message", "error", err)
			}
		}

		m.opts.Metrics.reconnect()
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
			backoff *= 2
			if backoff > m.opts.MaxBackoff {
				backoff = m.opts.MaxBackoff
			}
		}
	}
}

// serve owns an open connection until it fails or ctx ends.
func (m *Manager) serve(ctx context.Context, c *websocket.Conn) error {
	defer func() {
		m.writeMu.Lock()
		m.conn = nil
		m.writeMu.Unlock()
		c.Close()
	}()

	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	// The replay and any concurrent watch change must not interleave.
	m.subMu.Lock()
	m.writeMu.Lock()
	m.conn = c
	m.writeMu.Unlock()
	err := m.resubscribe()
	m.subMu.Unlock()
	if err != nil {
		return err
	}
	m.setState(StateOpen)
	m.logger.Info("PriceFeed: connected successfully")

	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			return err
		}
		m.handleMessage(message)
	}
}

// resubscribe replays the whole watch table onto a fresh connection.
func (m *Manager) resubscribe() error {
	byMode := map[feedproto.Mode][]string{}
	m.mu.RLock()
	for s, w := range m.watches {
		byMode[w.mode] = append(byMode[w.mode], s)
	}
	m.mu.RUnlock()

	for _, mode := range []feedproto.Mode{feedproto.ModeSummary, feedproto.ModeFull} {
		symbols := byMode[mode]
		if len(symbols) == 0 {
			continue
		}
		sort.Strings(symbols)
		if err := m.write(feedproto.ClientMessage{Action: feedproto.ActionSubscribe, Symbols: symbols, Mode: mode}); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) handleMessage(message []byte) {
	ticks, err := feedproto.ParseTicks(message)
	if err != nil {
		m.logger.Warn("PriceFeed: failed to parse message", "error", err)
		m.opts.Metrics.malformed()
		return
	}
	for _, t := range ticks {
		m.apply(t)
	}
}

func (m *Manager) apply(t feedproto.Tick) {
	m.mu.Lock()
	if _, watched := m.watches[t.Symbol]; !watched {
		m.mu.Unlock()
		return
	}
	next, ok := t.Merge(m.latest[t.Symbol])
	if !ok {
		m.mu.Unlock()
		m.logger.Debug("PriceFeed: tick without price ignored", "symbol", t.Symbol)
		return
	}
	m.latest[t.Symbol] = next
	callbacks := make([]Callback, 0, len(m.subscribers))
	for _, cb := range m.subscribers {
		callbacks = append(callbacks, cb)
	}
	m.mu.Unlock()

	m.opts.Metrics.tick(t.Symbol)
	for _, cb := range callbacks {
		m.dispatch(cb, t.Symbol, next)
	}
}

// dispatch keeps one misbehaving subscriber from taking down the read loop.
func (m *Manager) dispatch(cb Callback, symbol string, tick model.PriceTick) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("PriceFeed: subscriber panicked", "symbol", symbol, "panic", r)
		}
	}()
	cb(symbol, tick)
}

// send writes msg if a connection is open. Without one the watch table
// already holds the change and resubscribe replays it on open.
func (m *Manager) send(msg feedproto.ClientMessage) {
	if err := m.write(msg); err != nil && !errors.Is(err, errNotConnected) {
		m.logger.Warn("PriceFeed: failed to send subscription", "action", msg.Action, "error", err)
	}
}

var errNotConnected = errors.New("not connected")

func (m *Manager) write(msg feedproto.ClientMessage) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if m.conn == nil {
		return errNotConnected
	}
	sort.Strings(msg.Symbols)
	if err := m.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return m.conn.WriteJSON(msg)
}

func dedupe(symbols []string) []string {
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
