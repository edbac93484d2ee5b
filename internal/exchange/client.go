package exchange

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"riskguard/internal/model"
)

// Client defines the standard interface for all upstream market data vendors.
type Client interface {
	Name() string
	// StartStream connects, reconnects on failure and pushes ticks until ctx
	// is cancelled.
	StartStream(ctx context.Context, ticks chan<- model.PriceTick) error
	// Subscribe and Unsubscribe change the upstream symbol set. They may be
	// called before or while streaming; the set is replayed on reconnect.
	Subscribe(symbols []string) error
	Unsubscribe(symbols []string) error
}

const writeWait = 10 * time.Second

// codec is the vendor specific part of a stream.
type codec interface {
	subscribe(symbols []string) []any
	unsubscribe(symbols []string) []any
	// decode returns the ticks carried by one frame. Control frames decode to
	// nothing.
	decode(message []byte) ([]model.PriceTick, error)
	// accepts reports whether the vendor can serve symbol.
	accepts(symbol string) bool
}

// stream is the reconnecting websocket loop shared by every vendor.
type stream struct {
	name       string
	url        string
	logger     *slog.Logger
	codec      codec
	dialer     *websocket.Dialer
	minBackoff time.Duration
	maxBackoff time.Duration

	// subMu orders symbol set changes with the frames that announce them.
	subMu   sync.Mutex
	mu      sync.Mutex
	symbols map[string]struct{}

	writeMu sync.Mutex
	conn    *websocket.Conn
}

func newStream(name, url string, logger *slog.Logger, c codec, opts Options) *stream {
	s := &stream{
		name:       name,
		url:        url,
		logger:     logger,
		codec:      c,
		dialer:     opts.Dialer,
		minBackoff: opts.MinBackoff,
		maxBackoff: opts.MaxBackoff,
		symbols:    map[string]struct{}{},
	}
	if s.dialer == nil {
		s.dialer = websocket.DefaultDialer
	}
	if s.minBackoff <= 0 {
		s.minBackoff = time.Second
	}
	if s.maxBackoff < s.minBackoff {
		s.maxBackoff = 16 * time.Second
	}
	return s
}

func (s *stream) Name() string {
	return s.name
}

func (s *stream) Subscribe(symbols []string) error {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	var added []string
	s.mu.Lock()
	for _, sym := range symbols {
		if !s.codec.accepts(sym) {
			s.logger.Warn("Exchange: symbol not served by vendor", "vendor", s.name, "symbol", sym)
			continue
		}
		if _, ok := s.symbols[sym]; ok {
			continue
		}
		s.symbols[sym] = struct{}{}
		added = append(added, sym)
	}
	s.mu.Unlock()
	if len(added) == 0 {
		return nil
	}
	return s.send(s.codec.subscribe(added))
}

func (s *stream) Unsubscribe(symbols []string) error {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	var removed []string
	s.mu.Lock()
	for _, sym := range symbols {
		if _, ok := s.symbols[sym]; ok {
			delete(s.symbols, sym)
			removed = append(removed, sym)
		}
	}
	s.mu.Unlock()
	if len(removed) == 0 {
		return nil
	}
	return s.send(s.codec.unsubscribe(removed))
}

func (s *stream) StartStream(ctx context.Context, ticks chan<- model.PriceTick) error {
	backoff := s.minBackoff
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Exchange: context cancelled, shutting down", "vendor", s.name)
			return nil
		default:
		}

		s.logger.Info("Exchange: connecting to WebSocket", "vendor", s.name, "backoff", backoff)
		c, _, err := s.dialer.DialContext(ctx, s.url, nil)
		if err != nil {
			s.logger.Error("Exchange: WebSocket connection failed", "vendor", s.name, "error", err)
		} else {
			// Reset backoff on successful connection
			backoff = s.minBackoff
			err = s.serve(ctx, c, ticks)
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Error("Exchange: connection lost", "vendor", s.name, "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
			backoff *= 2
			if backoff > s.maxBackoff {
				backoff = s.maxBackoff
			}
		}
	}
}

func (s *stream) serve(ctx context.Context, c *websocket.Conn, ticks chan<- model.PriceTick) error {
	defer func() {
		s.writeMu.Lock()
		s.conn = nil
		s.writeMu.Unlock()
		c.Close()
	}()
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	s.subMu.Lock()
	s.writeMu.Lock()
	s.conn = c
	s.writeMu.Unlock()
	err := s.resubscribe()
	s.subMu.Unlock()
	if err != nil {
		return err
	}
	s.logger.Info("Exchange: connected successfully", "vendor", s.name)

	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			return err
		}
		decoded, err := s.codec.decode(message)
		if err != nil {
			s.logger.Warn("Exchange: failed to parse message", "vendor", s.name, "error", err)
			continue
		}
		for _, tick := range decoded {
			select {
			case ticks <- tick:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (s *stream) resubscribe() error {
	s.mu.Lock()
	symbols := make([]string, 0, len(s.symbols))
	for sym := range s.symbols {
		symbols = append(symbols, sym)
	}
	s.mu.Unlock()
	if len(symbols) == 0 {
		return nil
	}
	sort.Strings(symbols)
	return s.write(s.codec.subscribe(symbols))
}

var errNotConnected = errors.New("not connected")

// send writes msgs when connected. Offline changes are replayed by resubscribe.
func (s *stream) send(msgs []any) error {
	if err := s.write(msgs); err != nil && !errors.Is(err, errNotConnected) {
		return err
	}
	return nil
}

func (s *stream) write(msgs []any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.conn == nil {
		return errNotConnected
	}
	for _, m := range msgs {
		if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			return err
		}
		if err := s.conn.WriteJSON(m); err != nil {
			return err
		}
	}
	return nil
}
