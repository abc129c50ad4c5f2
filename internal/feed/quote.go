// Package feed ingests venue quotes from external sources and pushes them
// into the market state cache.
package feed

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/mevbot/internal/domain"
)

// QuoteSink receives normalized quotes. *market.Cache implements it.
type QuoteSink interface {
	UpsertQuote(q domain.Quote) bool
}

// quoteMessage is the JSON shape shared by the bus and websocket feeds.
type quoteMessage struct {
	Type      string  `json:"type,omitempty"`
	Venue     string  `json:"venue"`
	Base      string  `json:"base"`
	Quote     string  `json:"quote"`
	Bid       float64 `json:"bid"`
	Ask       float64 `json:"ask"`
	Liquidity float64 `json:"liquidity"`
	Timestamp string  `json:"timestamp,omitempty"`
}

// decodeQuote parses one quote message. A missing timestamp is stamped with
// now; negative prices or depth and timestamps beyond domain.MaxQuoteSkew
// ahead of now are rejected.
func decodeQuote(data []byte, now time.Time) (domain.Quote, error) {
	var m quoteMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return domain.Quote{}, fmt.Errorf("feed: decode quote: %w", err)
	}
	venue := strings.TrimSpace(m.Venue)
	base := strings.ToUpper(strings.TrimSpace(m.Base))
	quote := strings.ToUpper(strings.TrimSpace(m.Quote))
	if venue == "" || base == "" || quote == "" {
		return domain.Quote{}, fmt.Errorf("feed: quote missing venue or pair")
	}
	if m.Bid < 0 || m.Ask < 0 || m.Liquidity < 0 {
		return domain.Quote{}, fmt.Errorf("feed: negative quote field for %s %s/%s", venue, base, quote)
	}

	observed := now
	if m.Timestamp != "" {
		t, err := time.Parse(time.RFC3339Nano, m.Timestamp)
		if err != nil {
			return domain.Quote{}, fmt.Errorf("feed: quote timestamp: %w", err)
		}
		if t.After(now.Add(domain.MaxQuoteSkew)) {
			return domain.Quote{}, fmt.Errorf("feed: quote timestamp %s is ahead of local clock", m.Timestamp)
		}
		observed = t
	}
	return domain.Quote{
		Venue:      venue,
		Pair:       domain.Pair{Base: base, Quote: quote},
		Bid:        m.Bid,
		Ask:        m.Ask,
		Liquidity:  m.Liquidity,
		ObservedAt: observed,
	}, nil
}

// EncodeQuote is the inverse of decodeQuote, used by publishers.
func EncodeQuote(q domain.Quote) ([]byte, error) {
	return json.Marshal(quoteMessage{
		Venue:     q.Venue,
		Base:      q.Pair.Base,
		Quote:     q.Pair.Quote,
		Bid:       q.Bid,
		Ask:       q.Ask,
		Liquidity: q.Liquidity,
		Timestamp: q.ObservedAt.UTC().Format(time.RFC3339Nano),
	})
}
