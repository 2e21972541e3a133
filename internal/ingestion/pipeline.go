package ingestion

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/walletcore/internal/cache"
	"github.com/aristath/walletcore/internal/database"
	"github.com/aristath/walletcore/internal/instruments"
	"github.com/aristath/walletcore/internal/normalizer"
)

// ErrPipelineFailed signals the guard described in spec.md §4.4 step 6:
// nothing was processed and more than 10 rows failed, mirroring the
// original's "no rows processed, too many failures" raise in ingest_market.
var ErrPipelineFailed = fmt.Errorf("ingestion: update of quotations failed")

// Target binds a provider-specific market key to the local market and
// instrument currency it ingests into.
type Target struct {
	MarketKey string
	MarketID  string
	Currency  string
	Provider  string // recorded on quote_latest.provider
}

// Pipeline resolves instruments, upserts latest quotes, and best-effort
// refreshes the quote cache for one market at a time, under a distributed
// lock that prevents two workers from ingesting the same market
// concurrently (spec.md §4.4).
type Pipeline struct {
	db         *database.DB
	instr      *instruments.Store
	lock       *cache.Lock
	quoteCache *cache.QuoteCache
	log        zerolog.Logger
	lockTTLSec int
}

// NewPipeline builds a Pipeline over the given wallet database, instrument
// store, distributed lock, and quote cache.
func NewPipeline(db *database.DB, instr *instruments.Store, lock *cache.Lock, quoteCache *cache.QuoteCache, lockTTLSeconds int, log zerolog.Logger) *Pipeline {
	return &Pipeline{db: db, instr: instr, lock: lock, quoteCache: quoteCache, lockTTLSec: lockTTLSeconds, log: log}
}

// IngestMarket acquires the market's ingestion lock, fetches rows from the
// provider, and upserts each into the registry and quote tables. Returns
// (0, nil) without touching the database if the lock is already held by
// another worker.
func (p *Pipeline) IngestMarket(ctx context.Context, provider Provider, target Target, symbolMap map[string]string) (int, error) {
	config, err := provider.GetConfig(target.MarketKey)
	if err != nil {
		return 0, err
	}

	var processed int
	acquired, err := cache.WithLock(ctx, p.lock, target.MarketKey, p.lockTTLSec, func(ctx context.Context) error {
		n, runErr := p.ingest(ctx, provider, config, target, symbolMap)
		processed = n
		return runErr
	})
	if err != nil {
		return processed, err
	}
	if !acquired {
		p.log.Warn().Str("market_key", target.MarketKey).Msg("ingestion: skipped, lock already held")
		return 0, nil
	}
	return processed, nil
}

func (p *Pipeline) ingest(ctx context.Context, provider Provider, config MarketConfig, target Target, symbolMap map[string]string) (int, error) {
	rows, err := provider.FetchRows(ctx, config)
	if err != nil {
		return 0, fmt.Errorf("ingestion: fetch rows for market_key=%q: %w", target.MarketKey, err)
	}

	var processed, failed int
	for _, row := range rows {
		if err := p.processRow(ctx, target, row, symbolMap); err != nil {
			failed++
			p.log.Error().Err(err).Str("symbol", row.Symbol).Str("market_key", target.MarketKey).Msg("ingestion: row failed")
			continue
		}
		processed++
	}

	p.log.Info().Str("market_key", target.MarketKey).Int("processed", processed).Int("failed", failed).Msg("ingestion: market finished")
	if processed == 0 && failed > 10 {
		return processed, ErrPipelineFailed
	}
	return processed, nil
}

func (p *Pipeline) processRow(ctx context.Context, target Target, row Row, symbolMap map[string]string) error {
	price, ok := normalizer.ParseLocaleDecimal(row.LastPrice)
	if !ok {
		return fmt.Errorf("ingestion: unparsable price %q for symbol %q", row.LastPrice, row.Symbol)
	}
	changePct, ok := normalizer.ParseLocaleDecimal(row.ChangePct)
	if !ok {
		changePct = decimal.Zero
	}

	var volume *int64
	if v, ok := normalizer.ParseLocaleInt(row.Volume); ok {
		volume = &v
	}

	lastTradeAt := normalizer.ParseLastTradeAt(row.LastTradeAt, row.ObservedAt, time.UTC)

	inst, err := p.instr.ResolveOrCreate(target.MarketID, row.Symbol, row.Name, target.Currency)
	if err != nil {
		return fmt.Errorf("resolve instrument %q: %w", row.Symbol, err)
	}

	if inst.ISIN == "" {
		enriched := *inst
		instruments.EnrichISIN(&enriched, symbolMap)
		if enriched.ISIN == "" && row.ISIN != "" {
			enriched.ISIN = row.ISIN
		}
		if enriched.ISIN != "" {
			if warning, ok := instruments.ValidateISIN(enriched.ISIN); !ok {
				p.log.Warn().Str("symbol", row.Symbol).Str("warning", warning).Msg("ingestion: enriched ISIN failed validation, storing anyway")
			}
			if err := p.instr.PersistISIN(inst.ID, enriched.ISIN); err != nil {
				p.log.Warn().Err(err).Str("symbol", row.Symbol).Msg("ingestion: could not persist ISIN")
			}
		}
	}

	open, hasOpen := normalizer.ParseLocaleDecimal(row.Open)
	high, hasHigh := normalizer.ParseLocaleDecimal(row.High)
	low, hasLow := normalizer.ParseLocaleDecimal(row.Low)
	hasOHLC := hasOpen && hasHigh && hasLow

	if err := database.WithTransaction(p.db.Conn(), func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO quote_latest (instrument_id, last_price, change_pct, volume, last_trade_at, provider, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
			ON CONFLICT(instrument_id) DO UPDATE SET
				last_price = excluded.last_price,
				change_pct = excluded.change_pct,
				volume = excluded.volume,
				last_trade_at = excluded.last_trade_at,
				provider = excluded.provider,
				updated_at = excluded.updated_at
		`, inst.ID, price.StringFixed(2), changePct.StringFixed(2), volume, lastTradeAt.Format(time.RFC3339), target.Provider)
		if err != nil {
			return err
		}

		if hasOHLC {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO candle_daily (instrument_id, trade_date, open, high, low, close, volume, trade_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(instrument_id, trade_date) DO UPDATE SET
					open = excluded.open,
					high = excluded.high,
					low = excluded.low,
					close = excluded.close,
					volume = excluded.volume,
					trade_at = excluded.trade_at
			`, inst.ID, lastTradeAt.Format("2006-01-02"), open.StringFixed(2), high.StringFixed(2), low.StringFixed(2), price.StringFixed(2), volume, lastTradeAt.Format(time.RFC3339))
		}
		return err
	}); err != nil {
		return fmt.Errorf("upsert quote for %q: %w", row.Symbol, err)
	}

	// Best-effort: a cache failure must not fail the ingestion row.
	if p.quoteCache != nil {
		if err := p.quoteCache.SetLatest(ctx, target.MarketKey, inst.Symbol, cache.QuotePayload{
			Price:       price,
			Currency:    target.Currency,
			LastTradeAt: lastTradeAt.Format(time.RFC3339),
		}); err != nil {
			p.log.Warn().Err(err).Str("symbol", row.Symbol).Msg("ingestion: cache write failed")
		}
	}

	return nil
}
