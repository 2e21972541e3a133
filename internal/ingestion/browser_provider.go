package ingestion

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/rs/zerolog"
)

// BrowserProvider renders a market's listing page in a headless browser
// before scraping it, for sources that build their table client-side.
// Adapted from the original's Playwright-driven ingest_market flow
// (original_source/stock/app/api/services/stock.py) — same headless-Chromium
// shape, ported from Playwright to chromedp.
type BrowserProvider struct {
	configs map[string]MarketConfig
	log     zerolog.Logger
	timeout time.Duration
}

// NewBrowserProvider builds a provider over the given market-key -> config
// table, rendering each page with a per-navigation timeout.
func NewBrowserProvider(configs map[string]MarketConfig, log zerolog.Logger) *BrowserProvider {
	return &BrowserProvider{configs: configs, log: log, timeout: 10 * time.Second}
}

func (p *BrowserProvider) GetConfig(marketKey string) (MarketConfig, error) {
	cfg, ok := p.configs[marketKey]
	if !ok {
		return MarketConfig{}, fmt.Errorf("ingestion: unknown market key %q", marketKey)
	}
	return cfg, nil
}

func (p *BrowserProvider) FetchRows(ctx context.Context, config MarketConfig) ([]Row, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:], chromedp.Flag("lang", "en-US"))
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()

	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	timeoutCtx, cancelTimeout := context.WithTimeout(browserCtx, p.timeout)
	defer cancelTimeout()

	url := strings.TrimRight(config.SourceURL, "/") + "/" + strings.TrimLeft(config.SourcePath, "/")

	var outerHTML string
	p.log.Info().Str("mic", config.MIC).Str("url", url).Msg("ingestion: rendering market page")
	err := chromedp.Run(timeoutCtx,
		chromedp.Navigate(url),
		chromedp.WaitVisible("table", chromedp.ByQuery),
		chromedp.OuterHTML("table", &outerHTML, chromedp.ByQuery),
	)
	if err != nil {
		return nil, fmt.Errorf("ingestion: render %q: %w", url, err)
	}

	return parseRenderedTable(outerHTML)
}

func parseRenderedTable(tableHTML string) ([]Row, error) {
	doc, err := parseFragment(tableHTML)
	if err != nil {
		return nil, fmt.Errorf("ingestion: parse rendered table: %w", err)
	}
	table := firstTable(doc)
	if table == nil {
		return nil, fmt.Errorf("ingestion: rendered fragment had no table element")
	}
	header, body := parseTableRows(table)
	if len(header) == 0 {
		return nil, fmt.Errorf("ingestion: rendered table had no header row")
	}
	columnIndex := buildColumnIndex(header)
	now := time.Now().UTC()

	rows := make([]Row, 0, len(body))
	for _, cells := range body {
		row := mapRow(cells, columnIndex, now)
		if row.Symbol == "" {
			continue
		}
		rows = append(rows, row)
	}
	return rows, nil
}
