package source

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

const (
	dialTimeout = 30 * time.Second

	// Reconnection constants
	baseReconnectDelay   = 5 * time.Second
	maxReconnectDelay    = 5 * time.Minute
	maxReconnectAttempts = 10

	// Default capacity of the in-memory trade buffer.
	defaultBufferSize = 10000
)

// tickerMessage is the wire format of one streamed trade.
type tickerMessage struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Volume    float64 `json:"volume"`
	Timestamp int64   `json:"ts"` // unix seconds
}

// TickerStream is a websocket-backed Source. It maintains a connection to
// a live trade feed, buffers observations in memory, and serves List from
// the buffer. The scheduler then drains it through the same watermark
// contract as any polling source.
type TickerStream struct {
	id  string
	url string
	log zerolog.Logger

	conn *websocket.Conn
	mu   sync.RWMutex

	connected bool
	stopChan  chan struct{}
	stopped   bool

	// Ring buffer of recent observations (thread-safe)
	buffer   []RawItem
	capacity int
	bufMu    sync.RWMutex
}

// NewTickerStream creates a websocket ticker source.
func NewTickerStream(id, url string, log zerolog.Logger) *TickerStream {
	return &TickerStream{
		id:       id,
		url:      url,
		log:      log.With().Str("component", "ticker_stream").Str("source", id).Logger(),
		stopChan: make(chan struct{}),
		capacity: defaultBufferSize,
	}
}

// ID returns the source identifier.
func (t *TickerStream) ID() string {
	return t.id
}

// Start connects and begins buffering. Reconnects with capped exponential
// backoff on connection loss.
func (t *TickerStream) Start(ctx context.Context) error {
	if err := t.connect(ctx); err != nil {
		return fmt.Errorf("initial connect failed: %w", err)
	}

	go t.readLoop(ctx)
	return nil
}

// Stop closes the connection and stops reconnection attempts.
func (t *TickerStream) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return
	}
	t.stopped = true
	close(t.stopChan)

	if t.conn != nil {
		_ = t.conn.Close(websocket.StatusNormalClosure, "shutting down")
	}
}

// Connected reports whether the stream currently holds a live connection.
func (t *TickerStream) Connected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

// List returns buffered observations newer than since.
func (t *TickerStream) List(_ context.Context, since time.Time) ([]RawItem, error) {
	t.bufMu.RLock()
	defer t.bufMu.RUnlock()

	var items []RawItem
	for _, item := range t.buffer {
		if item.ObservedAt.After(since) {
			items = append(items, item)
		}
	}
	return items, nil
}

// HasNewer reports whether any buffered observation is newer than since.
func (t *TickerStream) HasNewer(_ context.Context, since time.Time) (bool, error) {
	t.bufMu.RLock()
	defer t.bufMu.RUnlock()

	for _, item := range t.buffer {
		if item.ObservedAt.After(since) {
			return true, nil
		}
	}
	return false, nil
}

func (t *TickerStream) connect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, t.url, nil)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.conn = conn
	t.connected = true
	t.mu.Unlock()

	t.log.Info().Str("url", t.url).Msg("Ticker stream connected")
	return nil
}

// readLoop reads messages until stopped, reconnecting on failure.
func (t *TickerStream) readLoop(ctx context.Context) {
	attempts := 0

	for {
		select {
		case <-t.stopChan:
			return
		case <-ctx.Done():
			return
		default:
		}

		t.mu.RLock()
		conn := t.conn
		t.mu.RUnlock()

		if conn == nil {
			if !t.reconnect(ctx, &attempts) {
				return
			}
			continue
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			t.mu.Lock()
			t.connected = false
			t.conn = nil
			t.mu.Unlock()

			select {
			case <-t.stopChan:
				return
			default:
			}

			t.log.Warn().Err(err).Msg("Ticker stream read failed, reconnecting")
			if !t.reconnect(ctx, &attempts) {
				return
			}
			continue
		}

		attempts = 0
		t.handleMessage(data)
	}
}

// reconnect retries with capped exponential backoff. Returns false when
// retries are exhausted or the stream is stopping.
func (t *TickerStream) reconnect(ctx context.Context, attempts *int) bool {
	for *attempts < maxReconnectAttempts {
		delay := baseReconnectDelay * time.Duration(1<<uint(*attempts))
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}

		select {
		case <-t.stopChan:
			return false
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}

		*attempts++
		if err := t.connect(ctx); err != nil {
			t.log.Warn().
				Err(err).
				Int("attempt", *attempts).
				Msg("Reconnect attempt failed")
			continue
		}
		return true
	}

	t.log.Error().Int("attempts", *attempts).Msg("Ticker stream giving up after max reconnect attempts")
	return false
}

// handleMessage decodes one trade and appends it to the buffer.
func (t *TickerStream) handleMessage(data []byte) {
	var msg tickerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.log.Warn().Err(err).Msg("Discarding unparseable ticker message")
		return
	}
	if msg.Symbol == "" || msg.Timestamp == 0 {
		return
	}

	t.append(RawItem{
		Symbol:     msg.Symbol,
		Price:      msg.Price,
		Volume:     msg.Volume,
		ObservedAt: time.Unix(msg.Timestamp, 0).UTC(),
	})
}

// append adds an item, evicting the oldest when the buffer is full.
func (t *TickerStream) append(item RawItem) {
	t.bufMu.Lock()
	defer t.bufMu.Unlock()

	t.buffer = append(t.buffer, item)
	if len(t.buffer) > t.capacity {
		t.buffer = t.buffer[len(t.buffer)-t.capacity:]
	}
}
