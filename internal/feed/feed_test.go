package feed

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/mevbot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type sinkRecorder struct {
	mu     sync.Mutex
	quotes []domain.Quote
}

func (s *sinkRecorder) UpsertQuote(q domain.Quote) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotes = append(s.quotes, q)
	return true
}

func (s *sinkRecorder) all() []domain.Quote {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Quote(nil), s.quotes...)
}

func TestDecodeQuote(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	q, err := decodeQuote([]byte(`{"venue":"x","base":"eth","quote":"usdc","bid":99,"ask":100,"liquidity":10}`), now)
	require.NoError(t, err)
	assert.Equal(t, domain.Pair{Base: "ETH", Quote: "USDC"}, q.Pair)
	assert.Equal(t, now, q.ObservedAt)
	assert.True(t, q.HasBothSides())

	q, err = decodeQuote([]byte(`{"venue":"x","base":"ETH","quote":"USDC","bid":99,"timestamp":"2026-03-10T11:59:00Z"}`), now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-time.Minute), q.ObservedAt)
	assert.False(t, q.HasBothSides())

	for _, bad := range []string{
		`not json`,
		`{"venue":"","base":"ETH","quote":"USDC"}`,
		`{"venue":"x","base":"ETH","quote":"USDC","bid":-1}`,
		`{"venue":"x","base":"ETH","quote":"USDC","timestamp":"yesterday"}`,
		`{"venue":"x","base":"ETH","quote":"USDC","bid":99,"timestamp":"2027-01-01T00:00:00Z"}`,
	} {
		_, err := decodeQuote([]byte(bad), now)
		assert.Error(t, err, bad)
	}
}

func TestDecodeQuoteClockSkew(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	q, err := decodeQuote([]byte(`{"venue":"x","base":"ETH","quote":"USDC","bid":99,"timestamp":"2026-03-10T12:00:01Z"}`), now)
	require.NoError(t, err, "small skew is tolerated")
	assert.Equal(t, now.Add(time.Second), q.ObservedAt)

	_, err = decodeQuote([]byte(`{"venue":"x","base":"ETH","quote":"USDC","bid":99,"timestamp":"2026-03-10T12:00:03Z"}`), now)
	assert.ErrorContains(t, err, "ahead of local clock")
}

func TestEncodeQuoteRoundTrip(t *testing.T) {
	in := domain.Quote{
		Venue:      "y",
		Pair:       domain.Pair{Base: "ETH", Quote: "USDC"},
		Bid:        103,
		Ask:        104,
		Liquidity:  5,
		ObservedAt: time.Date(2026, 3, 10, 12, 0, 0, 123, time.UTC),
	}
	data, err := EncodeQuote(in)
	require.NoError(t, err)
	out, err := decodeQuote(data, time.Now())
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

type chanBus struct {
	ch chan []byte
}

func (b *chanBus) Publish(context.Context, string, []byte) error      { return nil }
func (b *chanBus) StreamAppend(context.Context, string, []byte) error { return nil }
func (b *chanBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return b.ch, nil
}

func TestBusFeedUpsertsQuotes(t *testing.T) {
	bus := &chanBus{ch: make(chan []byte, 3)}
	sink := &sinkRecorder{}
	f := NewBusFeed(bus, "", sink, testLogger())
	assert.Equal(t, QuotesChannel, f.channel)

	bus.ch <- []byte(`{"venue":"x","base":"ETH","quote":"USDC","bid":99,"ask":100,"liquidity":10}`)
	bus.ch <- []byte(`garbage`)
	bus.ch <- []byte(`{"venue":"y","base":"ETH","quote":"USDC","bid":103,"ask":104,"liquidity":10}`)
	close(bus.ch)

	require.NoError(t, f.Run(context.Background()))
	quotes := sink.all()
	require.Len(t, quotes, 2)
	assert.Equal(t, "x", quotes[0].Venue)
	assert.Equal(t, "y", quotes[1].Venue)
}

func TestWSFeedSubscribesAndStreams(t *testing.T) {
	subscribed := make(chan subscribeCommand, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var cmd subscribeCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		subscribed <- cmd
		_ = conn.WriteMessage(websocket.TextMessage, []byte(
			`[{"venue":"x","base":"ETH","quote":"USDC","bid":99,"ask":100,"liquidity":10},`+
				`{"venue":"y","base":"ETH","quote":"USDC","bid":103,"ask":104,"liquidity":10}]`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"heartbeat"}`))
		// Hold the connection until the client goes away.
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	sink := &sinkRecorder{}
	f := NewWSFeed(WSConfig{
		URL:   "ws" + strings.TrimPrefix(srv.URL, "http"),
		Pairs: []string{"ETH/USDC"},
	}, sink, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	select {
	case cmd := <-subscribed:
		assert.Equal(t, "subscribe", cmd.Type)
		assert.Equal(t, []string{"ETH/USDC"}, cmd.Pairs)
	case <-time.After(2 * time.Second):
		t.Fatal("no subscribe command received")
	}
	require.Eventually(t, func() bool { return len(sink.all()) == 2 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("feed did not stop")
	}
}

func TestWSFeedWithoutURLExits(t *testing.T) {
	f := NewWSFeed(WSConfig{}, &sinkRecorder{}, testLogger())
	assert.NoError(t, f.Run(context.Background()))
}
