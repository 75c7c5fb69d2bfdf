package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/mevengine/internal/domain"
)

// Updater is what feeds push quotes into.
type Updater interface {
	Update(q domain.PriceQuote) error
}

// wireQuote is the JSON shape shared by push and pull feeds.
type wireQuote struct {
	ChainID   uint64          `json:"chain_id"`
	Pair      string          `json:"asset_pair"`
	Value     decimal.Decimal `json:"value"`
	Timestamp int64           `json:"timestamp_ms"`
	Source    string          `json:"source"`
}

func (w wireQuote) quote(defaultSource string) domain.PriceQuote {
	q := domain.PriceQuote{
		ChainID: w.ChainID,
		Pair:    w.Pair,
		Value:   w.Value,
		Source:  w.Source,
	}
	if q.Source == "" {
		q.Source = defaultSource
	}
	if w.Timestamp > 0 {
		q.Timestamp = time.UnixMilli(w.Timestamp).UTC()
	}
	return q
}

// BusFeed consumes pushed quotes from a pub/sub channel.
type BusFeed struct {
	bus     domain.SignalBus
	channel string
	target  Updater
	logger  *slog.Logger
}

// NewBusFeed creates a BusFeed.
func NewBusFeed(bus domain.SignalBus, channel string, target Updater, logger *slog.Logger) *BusFeed {
	return &BusFeed{bus: bus, channel: channel, target: target, logger: logger.With(slog.String("component", "oracle_bus_feed"))}
}

// Run forwards quotes until ctx is done.
func (f *BusFeed) Run(ctx context.Context) error {
	msgs, err := f.bus.Subscribe(ctx, f.channel)
	if err != nil {
		return fmt.Errorf("oracle: subscribe %s: %w", f.channel, err)
	}
	f.logger.Info("oracle: bus feed subscribed", slog.String("channel", f.channel))
	for {
		select {
		case <-ctx.Done():
			return nil
		case data, ok := <-msgs:
			if !ok {
				return nil
			}
			var w wireQuote
			if err := json.Unmarshal(data, &w); err != nil {
				f.logger.Warn("oracle: malformed quote", slog.String("error", err.Error()))
				continue
			}
			if err := f.target.Update(w.quote("bus")); err != nil {
				f.logger.Warn("oracle: quote rejected", slog.String("error", err.Error()))
			}
		}
	}
}

// HTTPFeed polls a JSON endpoint returning an array of quotes.
type HTTPFeed struct {
	name     string
	url      string
	interval time.Duration
	client   *resty.Client
	target   Updater
	logger   *slog.Logger
}

// NewHTTPFeed creates a polling feed. apiKey, when set, is sent as X-API-Key.
func NewHTTPFeed(name, url, apiKey string, interval time.Duration, target Updater, logger *slog.Logger) *HTTPFeed {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	client := resty.New().
		SetTimeout(interval).
		SetRetryCount(1).
		SetHeader("Accept", "application/json")
	if apiKey != "" {
		client.SetHeader("X-API-Key", apiKey)
	}
	return &HTTPFeed{
		name:     name,
		url:      url,
		interval: interval,
		client:   client,
		target:   target,
		logger:   logger.With(slog.String("component", "oracle_http_feed"), slog.String("feed", name)),
	}
}

// Poll fetches once and applies every quote. It returns the number applied.
func (f *HTTPFeed) Poll(ctx context.Context) (int, error) {
	var quotes []wireQuote
	resp, err := f.client.R().SetContext(ctx).SetResult(&quotes).Get(f.url)
	if err != nil {
		return 0, domain.E(domain.KindTransientIO, "oracle.poll", err)
	}
	if resp.IsError() {
		return 0, domain.E(domain.KindTransientIO, "oracle.poll", fmt.Errorf("status %d", resp.StatusCode()))
	}
	applied := 0
	for _, w := range quotes {
		if err := f.target.Update(w.quote(f.name)); err != nil {
			f.logger.Debug("oracle: quote rejected", slog.String("error", err.Error()))
			continue
		}
		applied++
	}
	return applied, nil
}

// Run polls until ctx is done. Failures are logged and retried next tick.
func (f *HTTPFeed) Run(ctx context.Context) error {
	t := time.NewTicker(f.interval)
	defer t.Stop()
	for {
		if _, err := f.Poll(ctx); err != nil && ctx.Err() == nil {
			f.logger.Warn("oracle: poll failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}
