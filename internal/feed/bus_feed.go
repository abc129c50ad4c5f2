package feed

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/mevbot/internal/domain"
)

// QuotesChannel is the default pub/sub channel carrying quote messages.
const QuotesChannel = "mevbot:quotes"

// BusFeed subscribes to a SignalBus channel and upserts every quote it
// carries into the sink.
type BusFeed struct {
	bus     domain.SignalBus
	channel string
	sink    QuoteSink
	now     func() time.Time
	logger  *slog.Logger
}

// NewBusFeed creates a BusFeed. An empty channel selects QuotesChannel.
func NewBusFeed(bus domain.SignalBus, channel string, sink QuoteSink, logger *slog.Logger) *BusFeed {
	if channel == "" {
		channel = QuotesChannel
	}
	return &BusFeed{
		bus:     bus,
		channel: channel,
		sink:    sink,
		now:     time.Now,
		logger:  logger.With(slog.String("component", "bus_feed")),
	}
}

// Run consumes the channel until ctx is cancelled or the subscription
// closes. Malformed messages are logged and dropped.
func (f *BusFeed) Run(ctx context.Context) error {
	ch, err := f.bus.Subscribe(ctx, f.channel)
	if err != nil {
		return err
	}
	f.logger.Info("bus feed started", slog.String("channel", f.channel))
	defer f.logger.Info("bus feed stopped")

	for {
		select {
		case <-ctx.Done():
			return nil
		case data, ok := <-ch:
			if !ok {
				return nil
			}
			f.handle(data)
		}
	}
}

func (f *BusFeed) handle(data []byte) {
	q, err := decodeQuote(data, f.now())
	if err != nil {
		f.logger.Debug("bus feed dropped message",
			slog.String("error", err.Error()),
			slog.Int("payload_len", len(data)),
		)
		return
	}
	f.sink.UpsertQuote(q)
}
