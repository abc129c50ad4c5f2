package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	reconnectDelay    = 2 * time.Second
	maxReconnectDelay = 60 * time.Second
)

// WSConfig configures a websocket quote feed.
type WSConfig struct {
	URL   string
	Pairs []string // e.g. "ETH/USDC"; sent in the subscribe command
}

type subscribeCommand struct {
	Type  string   `json:"type"`
	Pairs []string `json:"pairs"`
}

// WSFeed streams quote messages from a websocket endpoint into the sink. It
// reconnects with exponential backoff and resubscribes on every connection.
type WSFeed struct {
	cfg    WSConfig
	sink   QuoteSink
	dialer websocket.Dialer
	now    func() time.Time
	logger *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// NewWSFeed creates a WSFeed.
func NewWSFeed(cfg WSConfig, sink QuoteSink, logger *slog.Logger) *WSFeed {
	return &WSFeed{
		cfg:    cfg,
		sink:   sink,
		dialer: websocket.Dialer{HandshakeTimeout: 15 * time.Second},
		now:    time.Now,
		logger: logger.With(slog.String("component", "ws_feed")),
		done:   make(chan struct{}),
	}
}

// Run keeps a connection open until ctx is cancelled or Close is called.
func (f *WSFeed) Run(ctx context.Context) error {
	if f.cfg.URL == "" {
		f.logger.Info("no websocket url configured, exiting")
		return nil
	}
	delay := reconnectDelay
	for {
		connected, err := f.runConnection(ctx)
		if ctx.Err() != nil || f.closed() {
			return nil
		}
		if connected {
			delay = reconnectDelay
		}
		f.logger.Warn("quote websocket disconnected, reconnecting",
			slog.String("error", errString(err)),
			slog.Duration("delay", delay),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-f.done:
			return nil
		case <-time.After(delay):
		}
		delay = min(delay*2, maxReconnectDelay)
	}
}

// runConnection dials, subscribes and reads until the connection fails.
// connected reports whether the handshake succeeded.
func (f *WSFeed) runConnection(ctx context.Context) (connected bool, err error) {
	conn, _, err := f.dialer.DialContext(ctx, f.cfg.URL, nil)
	if err != nil {
		return false, fmt.Errorf("feed: dial %s: %w", f.cfg.URL, err)
	}
	defer conn.Close()

	if len(f.cfg.Pairs) > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(subscribeCommand{Type: "subscribe", Pairs: f.cfg.Pairs}); err != nil {
			return true, fmt.Errorf("feed: subscribe: %w", err)
		}
	}
	f.logger.Info("quote websocket subscribed", slog.Int("pairs", len(f.cfg.Pairs)))

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	stop := make(chan struct{})
	defer close(stop)
	go f.keepAlive(ctx, conn, stop)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("feed: read: %w", err)
		}
		f.handle(data)
	}
}

// keepAlive pings the peer and closes the connection on shutdown so the
// blocked ReadMessage returns.
func (f *WSFeed) keepAlive(ctx context.Context, conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			_ = conn.Close()
			return
		case <-f.done:
			_ = conn.Close()
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

// handle accepts a single quote object or an array of them.
func (f *WSFeed) handle(data []byte) {
	var batch []json.RawMessage
	if err := json.Unmarshal(data, &batch); err != nil {
		batch = []json.RawMessage{data}
	}
	now := f.now()
	for _, raw := range batch {
		q, err := decodeQuote(raw, now)
		if err != nil {
			f.logger.Debug("ws feed dropped message", slog.String("error", err.Error()))
			continue
		}
		f.sink.UpsertQuote(q)
	}
}

// Close stops the feed.
func (f *WSFeed) Close() {
	f.closeOnce.Do(func() { close(f.done) })
}

func (f *WSFeed) closed() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return fmt.Sprintf("closed by peer (%d)", closeErr.Code)
	}
	return err.Error()
}
