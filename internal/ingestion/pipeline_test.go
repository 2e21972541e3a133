package ingestion

import (
	"context"
	"testing"
	"time"

	redismock "github.com/go-redis/redismock/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	walletcache "github.com/aristath/walletcore/internal/cache"
	"github.com/aristath/walletcore/internal/database"
	"github.com/aristath/walletcore/internal/instruments"
)

const lockTTL = 780 * time.Second

// fakeProvider returns a fixed set of rows regardless of market key, letting
// tests control ingestion content without any real network or browser.
type fakeProvider struct {
	rows []Row
	err  error
}

func (f *fakeProvider) GetConfig(marketKey string) (MarketConfig, error) {
	return MarketConfig{MIC: "XWAR"}, nil
}

func (f *fakeProvider) FetchRows(ctx context.Context, config MarketConfig) ([]Row, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.rows, nil
}

func newPipelineTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.New(database.Config{
		Path:    "file:" + t.Name() + "?mode=memory&cache=shared",
		Profile: database.ProfileStandard,
		Name:    "wallet",
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })
	_, err = db.Exec(`INSERT INTO markets (id, display_name, country, timezone, base_currency) VALUES ('XWAR', 'XWAR', 'PL', 'Europe/Warsaw', 'PLN')`)
	require.NoError(t, err)
	return db
}

func TestPipeline_IngestMarket_ProcessesRows(t *testing.T) {
	db := newPipelineTestDB(t)
	store := instruments.NewStore(db.Conn())

	redisClient, mock := redismock.NewClientMock()
	lockCache := walletcache.NewWithClient(redisClient)
	lock := walletcache.NewLock(lockCache)

	mock.Regexp().ExpectSetNX("walletcore:lock:ingest:pl-wse", `.+`, lockTTL).SetVal(true)
	mock.Regexp().ExpectEval(`.*`, []string{"walletcore:lock:ingest:pl-wse"}, `.+`).SetVal(int64(1))

	provider := &fakeProvider{rows: []Row{
		{Symbol: "PKO", Name: "PKO Bank Polski", LastPrice: "42,50", ChangePct: "1,20", Volume: "1 000", LastTradeAt: "14:05:00", ObservedAt: time.Date(2026, 7, 31, 14, 5, 0, 0, time.UTC)},
	}}

	pipeline := NewPipeline(db, store, lock, nil, 780, zerolog.Nop())
	processed, err := pipeline.IngestMarket(context.Background(), provider, Target{
		MarketKey: "pl-wse", MarketID: "XWAR", Currency: "PLN", Provider: "html",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)

	var price string
	err = db.QueryRow(`SELECT last_price FROM quote_latest ql JOIN instruments i ON ql.instrument_id = i.id WHERE i.symbol = 'PKO'`).Scan(&price)
	require.NoError(t, err)
	assert.Equal(t, "42.50", price)
}

func TestPipeline_IngestMarket_UpsertsCandleDailyWhenOHLCPresent(t *testing.T) {
	db := newPipelineTestDB(t)
	store := instruments.NewStore(db.Conn())

	redisClient, mock := redismock.NewClientMock()
	lockCache := walletcache.NewWithClient(redisClient)
	lock := walletcache.NewLock(lockCache)

	mock.Regexp().ExpectSetNX("walletcore:lock:ingest:pl-wse", `.+`, lockTTL).SetVal(true)
	mock.Regexp().ExpectEval(`.*`, []string{"walletcore:lock:ingest:pl-wse"}, `.+`).SetVal(int64(1))

	provider := &fakeProvider{rows: []Row{
		{
			Symbol: "PKO", Name: "PKO Bank Polski",
			LastPrice: "42,50", ChangePct: "1,20", Volume: "1 000", LastTradeAt: "14:05:00",
			Open: "41,00", High: "43,00", Low: "40,50",
			ObservedAt: time.Date(2026, 7, 31, 14, 5, 0, 0, time.UTC),
		},
	}}

	pipeline := NewPipeline(db, store, lock, nil, 780, zerolog.Nop())
	processed, err := pipeline.IngestMarket(context.Background(), provider, Target{
		MarketKey: "pl-wse", MarketID: "XWAR", Currency: "PLN", Provider: "html",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)

	var open, high, low, closePrice string
	err = db.QueryRow(`
		SELECT cd.open, cd.high, cd.low, cd.close FROM candle_daily cd
		JOIN instruments i ON cd.instrument_id = i.id WHERE i.symbol = 'PKO'
	`).Scan(&open, &high, &low, &closePrice)
	require.NoError(t, err)
	assert.Equal(t, "41.00", open)
	assert.Equal(t, "43.00", high)
	assert.Equal(t, "40.50", low)
	assert.Equal(t, "42.50", closePrice)
}

func TestPipeline_IngestMarket_NoCandleDailyWithoutOHLC(t *testing.T) {
	db := newPipelineTestDB(t)
	store := instruments.NewStore(db.Conn())

	redisClient, mock := redismock.NewClientMock()
	lockCache := walletcache.NewWithClient(redisClient)
	lock := walletcache.NewLock(lockCache)

	mock.Regexp().ExpectSetNX("walletcore:lock:ingest:pl-wse", `.+`, lockTTL).SetVal(true)
	mock.Regexp().ExpectEval(`.*`, []string{"walletcore:lock:ingest:pl-wse"}, `.+`).SetVal(int64(1))

	provider := &fakeProvider{rows: []Row{
		{Symbol: "PKO", Name: "PKO Bank Polski", LastPrice: "42,50", ChangePct: "1,20", Volume: "1 000", LastTradeAt: "14:05:00"},
	}}

	pipeline := NewPipeline(db, store, lock, nil, 780, zerolog.Nop())
	_, err := pipeline.IngestMarket(context.Background(), provider, Target{
		MarketKey: "pl-wse", MarketID: "XWAR", Currency: "PLN", Provider: "html",
	}, nil)
	require.NoError(t, err)

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM candle_daily`).Scan(&count))
	assert.Zero(t, count, "no candle row should be written when the source carries no OHLC columns")
}

func TestPipeline_IngestMarket_SkipsWhenLockHeld(t *testing.T) {
	db := newPipelineTestDB(t)
	store := instruments.NewStore(db.Conn())

	redisClient, mock := redismock.NewClientMock()
	lockCache := walletcache.NewWithClient(redisClient)
	lock := walletcache.NewLock(lockCache)

	mock.Regexp().ExpectSetNX("walletcore:lock:ingest:pl-wse", `.+`, lockTTL).SetVal(false)

	provider := &fakeProvider{rows: []Row{
		{Symbol: "PKO", Name: "PKO Bank Polski", LastPrice: "42,50", ChangePct: "1,20", Volume: "1000", LastTradeAt: "14:05:00"},
	}}

	pipeline := NewPipeline(db, store, lock, nil, 780, zerolog.Nop())
	processed, err := pipeline.IngestMarket(context.Background(), provider, Target{
		MarketKey: "pl-wse", MarketID: "XWAR", Currency: "PLN", Provider: "html",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, processed, "fetch/process must not run while another worker holds the lock")

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM instruments`).Scan(&count))
	assert.Zero(t, count, "no instrument should be created when the market is locked")
}

func TestPipeline_IngestMarket_FailsAfterTenBadRows(t *testing.T) {
	db := newPipelineTestDB(t)
	store := instruments.NewStore(db.Conn())

	redisClient, mock := redismock.NewClientMock()
	lockCache := walletcache.NewWithClient(redisClient)
	lock := walletcache.NewLock(lockCache)

	mock.Regexp().ExpectSetNX("walletcore:lock:ingest:pl-wse", `.+`, lockTTL).SetVal(true)
	mock.Regexp().ExpectEval(`.*`, []string{"walletcore:lock:ingest:pl-wse"}, `.+`).SetVal(int64(1))

	var badRows []Row
	for i := 0; i < 11; i++ {
		badRows = append(badRows, Row{Symbol: "X", LastPrice: "not-a-number"})
	}

	pipeline := NewPipeline(db, store, lock, nil, 780, zerolog.Nop())
	_, err := pipeline.IngestMarket(context.Background(), &fakeProvider{rows: badRows}, Target{
		MarketKey: "pl-wse", MarketID: "XWAR", Currency: "PLN", Provider: "html",
	}, nil)
	assert.ErrorIs(t, err, ErrPipelineFailed)
}
