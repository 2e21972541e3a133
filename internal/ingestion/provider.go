// Package ingestion implements the market-data ingestion pipeline: pluggable
// providers that fetch raw quote rows for a market, and a pipeline that
// resolves instruments, upserts quotes, and best-effort refreshes the quote
// cache (spec.md §4.4). Grounded on original_source/stock/app/api/services
// /stock.go's ingest_market / ingest_gpw_quotes_from_html flow and
// original_source/stock/app/core/clients/gpw_client.py's HTML-table fetch.
package ingestion

import (
	"context"
	"time"
)

// MarketConfig describes a provider-specific ingestion target.
type MarketConfig struct {
	MIC        string // market identifier, e.g. "XWAR"
	SourceURL  string
	SourcePath string
}

// Row is a single normalized instrument/quote reading from a provider, prior
// to any database interaction.
type Row struct {
	Symbol      string
	Name        string
	ISIN        string
	LastPrice   string // locale-formatted, parsed downstream via internal/normalizer
	ChangePct   string
	Volume      string
	LastTradeAt string
	ObservedAt  time.Time

	// Open/High/Low carry the session's OHLC when the source table reports
	// them alongside the last price; empty when the source has no daily
	// range columns (e.g. a pure last-trade ticker table). When all three
	// parse, the pipeline also upserts a CandleDaily row for today.
	Open string
	High string
	Low  string
}

// Provider fetches raw ingestion rows for a market key. A market key is a
// provider-specific identifier (e.g. "pl-wse"), distinct from the MIC stored
// in the database.
type Provider interface {
	GetConfig(marketKey string) (MarketConfig, error)
	FetchRows(ctx context.Context, config MarketConfig) ([]Row, error)
}
