// Command server is the entry point for the wallet and market-data core:
// it wires the SQLite store, the Redis quote cache/ingestion lock, the
// cron-driven scheduler, and the HTTP surface described in spec.md §6, then
// serves until an interrupt signal triggers a graceful shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/walletcore/internal/brokerage"
	"github.com/aristath/walletcore/internal/cache"
	"github.com/aristath/walletcore/internal/config"
	"github.com/aristath/walletcore/internal/database"
	"github.com/aristath/walletcore/internal/ingestion"
	"github.com/aristath/walletcore/internal/instruments"
	"github.com/aristath/walletcore/internal/ledger"
	"github.com/aristath/walletcore/internal/queue"
	"github.com/aristath/walletcore/internal/quoteclient"
	"github.com/aristath/walletcore/internal/reliability"
	"github.com/aristath/walletcore/internal/reporting"
	"github.com/aristath/walletcore/internal/scheduler"
	"github.com/aristath/walletcore/internal/security"
	"github.com/aristath/walletcore/internal/server"
	"github.com/aristath/walletcore/internal/snapshot"
	"github.com/aristath/walletcore/pkg/logger"
)

// marketTarget binds a provider-specific market key to the local market row
// and currency the ingested quotes are upserted under (spec.md §4.4 step 1).
type marketTarget struct {
	MIC      string
	Currency string
}

// markets is the fixed set of venues this deployment ingests, keyed by the
// provider-facing market key. The Warsaw Stock Exchange's main market and
// its alternative NewConnect segment (spec.md's glossary: XWAR and XNCO)
// are the two markets the original vendor integration covers.
var markets = map[string]marketTarget{
	"pl-wse": {MIC: "XWAR", Currency: "PLN"},
	"pl-nc":  {MIC: "XNCO", Currency: "PLN"},
}

func main() {
	var dataDirFlag string
	flag.StringVar(&dataDirFlag, "data-dir", "", "database directory (overrides TRADER_DATA_DIR/DATA_DIR)")
	flag.Parse()

	cfg, err := config.Load(dataDirFlag)
	if err != nil {
		logger.New(logger.Config{Level: "info", Pretty: true}).Fatal().Err(err).Msg("failed to load configuration")
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.DevMode})
	log.Info().Str("data_dir", cfg.DataDir).Msg("starting walletcore")

	db, err := database.New(database.Config{
		Path:    cfg.DataDir + "/wallet.db",
		Profile: database.ProfileStandard,
		Name:    "wallet",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate database")
	}

	redisCache := cache.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer redisCache.Close()

	lock := cache.NewLock(redisCache)
	quoteCache := cache.NewQuoteCache(redisCache, cfg.QuoteCacheTTLSeconds)

	secBox, err := security.NewBox(cfg.AccountEncryptionKey)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize account encryption")
	}

	quoteClient := quoteclient.NewClient(cfg.QuoteServiceURL, log)

	brokerageSvc := brokerage.NewService(db.Conn(), log)
	ledgerSvc := ledger.NewService(db.Conn())
	reportingSvc := reporting.NewService(db.Conn(), quoteClient, log)

	var archiver snapshot.Archiver
	if a, aerr := reliability.NewSnapshotArchiver(cfg.S3AccountID, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3Bucket, log); aerr == nil {
		archiver = a
	} else {
		log.Warn().Err(aerr).Msg("snapshot archival disabled: R2 credentials incomplete")
	}
	snapshotSvc := snapshot.NewService(db.Conn(), archiver, log)

	// Background ingestion: instrument registry, market config, and the
	// HTML-table/browser-rendered providers share the same lock and cache.
	instrStore := instruments.NewStore(db.Conn())
	marketConfigs := marketConfigsFrom(cfg)
	htmlProvider := ingestion.NewHTMLTableProvider(marketConfigs)
	browserProvider := ingestion.NewBrowserProvider(marketConfigs, log)
	pipeline := ingestion.NewPipeline(db, instrStore, lock, quoteCache, cfg.IngestLockTTLSeconds, log)

	manager := queue.NewManager(queue.NewMemoryQueue(), queue.NewHistory(db.Conn()))
	registry := queue.NewRegistry()
	registry.Register(queue.JobTypeIngestMarket, ingestionHandler(pipeline, htmlProvider, browserProvider, log))
	registry.Register(queue.JobTypeHistoryCleanup, historyCleanupHandler(db, log))
	registry.Register(queue.JobTypeRegistryIntegrityCheck, registryIntegrityHandler(db, log))

	sched := scheduler.New(manager, registry, cfg.SchedulerWorkers, int64(cfg.SchedulerMaxMemoryMB), log)
	marketKeys := make([]string, 0, len(marketConfigs))
	for mk := range marketConfigs {
		marketKeys = append(marketKeys, mk)
	}
	if err := sched.AddTasks(scheduler.DefaultTasks(marketKeys)); err != nil {
		log.Fatal().Err(err).Msg("failed to register scheduled tasks")
	}

	srv := server.New(server.Config{
		Port:      cfg.Port,
		Log:       log,
		DB:        db.Conn(),
		Brokerage: brokerageSvc,
		Ledger:    ledgerSvc,
		Snapshot:  snapshotSvc,
		Reporting: reportingSvc,
		Quotes:    quoteClient,
		Security:  secBox,
	})

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("server listening")

	sched.Start()
	log.Info().Msg("scheduler started")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info().Msg("shutting down")
	sched.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	log.Info().Msg("stopped")
}

// marketConfigsFrom builds the per-market ingestion source configuration
// from the configured URL template. An empty template disables ingestion
// entirely (no market is scheduled), which is the expected local-dev state.
func marketConfigsFrom(cfg *config.Config) map[string]ingestion.MarketConfig {
	if cfg.MarketSourceURLTemplate == "" {
		return map[string]ingestion.MarketConfig{}
	}
	out := make(map[string]ingestion.MarketConfig, len(markets))
	for mk, mt := range markets {
		out[mk] = ingestion.MarketConfig{
			MIC:       mt.MIC,
			SourceURL: fmt.Sprintf(cfg.MarketSourceURLTemplate, mt.MIC),
		}
	}
	return out
}

// ingestionHandler adapts the ingestion Pipeline into a queue.Handler. The
// payload's "provider" field ("main"/"alt") selects the HTML-table provider
// or the browser-rendered provider, per spec.md §4.4's two source kinds.
func ingestionHandler(pipeline *ingestion.Pipeline, html *ingestion.HTMLTableProvider, browser *ingestion.BrowserProvider, log zerolog.Logger) queue.Handler {
	return func(ctx context.Context, job *queue.Job) error {
		marketKey, _ := job.Payload["market_key"].(string)
		providerName, _ := job.Payload["provider"].(string)

		mt, ok := markets[marketKey]
		if !ok {
			return fmt.Errorf("ingestion: unknown market key %q", marketKey)
		}

		var provider ingestion.Provider = html
		if providerName == "alt" {
			provider = browser
		}

		target := ingestion.Target{
			MarketKey: marketKey,
			MarketID:  mt.MIC,
			Currency:  mt.Currency,
			Provider:  providerName,
		}

		processed, err := pipeline.IngestMarket(ctx, provider, target, nil)
		if err != nil {
			return err
		}
		log.Info().Str("market_key", marketKey).Int("processed", processed).Msg("scheduler: ingestion job finished")
		return nil
	}
}

// historyCleanupHandler prunes job_history rows for job types that have not
// run in 90 days -- stale entries left behind when a market or task is
// retired from the schedule.
func historyCleanupHandler(db *database.DB, log zerolog.Logger) queue.Handler {
	return func(ctx context.Context, job *queue.Job) error {
		cutoff := time.Now().Add(-90 * 24 * time.Hour).Unix()
		res, err := db.Conn().ExecContext(ctx, `DELETE FROM job_history WHERE last_run_at < ?`, cutoff)
		if err != nil {
			return fmt.Errorf("history cleanup: %w", err)
		}
		n, _ := res.RowsAffected()
		log.Info().Int64("deleted", n).Msg("scheduler: history cleanup finished")
		return nil
	}
}

// registryIntegrityHandler runs the instrument registry's integrity report
// (spec.md §4.2) and logs its findings. The check never fails the job: a
// dirty registry is worth alerting on, not worth retrying.
func registryIntegrityHandler(db *database.DB, log zerolog.Logger) queue.Handler {
	return func(ctx context.Context, job *queue.Job) error {
		checker := instruments.NewIntegrityChecker(db.Conn())
		report, err := checker.Check()
		if err != nil {
			return fmt.Errorf("registry integrity check: %w", err)
		}
		if report.IsClean() {
			log.Info().Msg("scheduler: registry integrity check passed")
			return nil
		}
		log.Warn().Str("report", report.FormatWarnings()).Msg("scheduler: registry integrity issues found")
		return nil
	}
}
