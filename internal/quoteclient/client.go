// Package quoteclient is a thin outbound HTTP client to the market-data
// service. The latest-quotes lookup mirrors the service-side failure mode:
// any transport error, non-200 response, or malformed body degrades to an
// empty result rather than propagating as an error, so a reporting call never
// fails outright just because quotes are temporarily unavailable. The daily
// candle sync returns its errors to the caller.
package quoteclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Quote is the latest price for one symbol, as returned by the market-data
// service's quotes-by-symbols endpoint.
type Quote struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Currency  string          `json:"currency"`
	ChangePct decimal.Decimal `json:"change_pct"`
}

// SyncResult reports the outcome of a daily-candle sync trigger.
type SyncResult struct {
	Symbol    string `json:"symbol"`
	Synced    int    `json:"synced"`
	FromDate  string `json:"from_date,omitempty"`
	ToDate    string `json:"to_date,omitempty"`
}

// SyncOptions controls what the sync endpoint includes in its response.
type SyncOptions struct {
	IncludeItems bool
	ReturnAll    bool
	OverlapDays  int
}

// Client talks to the market-data service over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
	log     zerolog.Logger
}

// NewClient builds a client against baseURL (e.g. http://quotes.internal).
func NewClient(baseURL string, log zerolog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: 5 * time.Second,
		},
		log: log.With().Str("client", "quoteclient").Logger(),
	}
}

// LatestForSymbols fetches the latest quote for each symbol, independent of
// market. Returns an empty map (never an error) if the request fails, the
// service responds non-200, or the body can't be parsed — callers should
// treat a missing symbol as "no quote available" rather than fail loudly.
func (c *Client) LatestForSymbols(ctx context.Context, symbols []string) map[string]Quote {
	if len(symbols) == 0 {
		return map[string]Quote{}
	}

	body, err := json.Marshal(struct {
		Symbols []string `json:"symbols"`
	}{Symbols: symbols})
	if err != nil {
		c.log.Error().Err(err).Msg("quoteclient: failed to marshal symbols payload")
		return map[string]Quote{}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/quotes/latest/symbols", bytes.NewReader(body))
	if err != nil {
		c.log.Error().Err(err).Msg("quoteclient: failed to build request")
		return map[string]Quote{}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn().Err(err).Msg("quoteclient: latest-quotes request failed")
		return map[string]Quote{}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.log.Warn().Int("status", resp.StatusCode).Msg("quoteclient: latest-quotes non-200")
		return map[string]Quote{}
	}

	var quotes []Quote
	if err := json.NewDecoder(resp.Body).Decode(&quotes); err != nil {
		c.log.Error().Err(err).Msg("quoteclient: failed to decode latest-quotes response")
		return map[string]Quote{}
	}

	out := make(map[string]Quote, len(quotes))
	for _, q := range quotes {
		out[q.Symbol] = q
	}
	return out
}

// SyncDailyCandles triggers a daily-candle sync for symbol over [from, to]
// (either may be empty to mean "unbounded"). Returns an error only when the
// caller truly needs to know the trigger failed (used from scheduled jobs,
// where a failure should be retried, unlike the read-only quote path).
func (c *Client) SyncDailyCandles(ctx context.Context, symbol, from, to string, opts SyncOptions) (SyncResult, error) {
	path := fmt.Sprintf("%s/instruments/%s/candles/daily/sync", c.baseURL, symbol)

	payload := map[string]interface{}{
		"include_items": opts.IncludeItems,
		"return_all":    opts.ReturnAll,
		"overlap_days":  opts.OverlapDays,
	}
	if from != "" {
		payload["date_from"] = from
	}
	if to != "" {
		payload["date_to"] = to
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return SyncResult{}, fmt.Errorf("quoteclient: marshal sync payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, path, bytes.NewReader(body))
	if err != nil {
		return SyncResult{}, fmt.Errorf("quoteclient: build sync request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return SyncResult{}, fmt.Errorf("quoteclient: sync request for %s failed: %w", symbol, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return SyncResult{}, fmt.Errorf("quoteclient: sync for %s returned status %d", symbol, resp.StatusCode)
	}

	var result SyncResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return SyncResult{}, fmt.Errorf("quoteclient: decode sync response for %s: %w", symbol, err)
	}
	return result, nil
}
