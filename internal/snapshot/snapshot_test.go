package snapshot

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/walletcore/internal/database"
)

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.New(database.Config{
		Path:    "file:" + t.Name() + "?mode=memory&cache=shared",
		Profile: database.ProfileStandard,
		Name:    "wallet",
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })
	return db
}

// seedFullWallet builds one user with a deposit account, a brokerage
// account (with one holding priced via quote_latest), a metal holding
// priced via its futures quote, and a real estate property with no
// country-exact price (forcing the global fallback).
func seedFullWallet(t *testing.T, db *database.DB) {
	t.Helper()
	exec := func(q string, args ...any) {
		_, err := db.Exec(q, args...)
		require.NoError(t, err)
	}

	exec(`INSERT INTO wallets (id, user_id, name) VALUES (1, 'u1', 'main')`)
	exec(`INSERT INTO banks (id, name) VALUES (1, 'Test Bank')`)
	exec(`INSERT INTO deposit_accounts (id, wallet_id, bank_id, name, account_type, currency, account_number_enc) VALUES (1, 1, 1, 'D-USD', 'current', 'USD', x'00')`)
	exec(`INSERT INTO deposit_balances (deposit_account_id, available) VALUES (1, '1000.00')`)

	exec(`INSERT INTO brokerage_accounts (id, wallet_id, bank_id, name) VALUES (1, 1, 1, 'B1')`)
	exec(`INSERT INTO brokerage_deposit_links (brokerage_account_id, deposit_account_id, currency) VALUES (1, 1, 'USD')`)
	exec(`INSERT INTO markets (id, display_name, country, timezone, base_currency) VALUES ('XNAS', 'XNAS', 'US', 'America/New_York', 'USD')`)
	exec(`INSERT INTO instruments (id, symbol, market_id, currency) VALUES (1, 'AAPL', 'XNAS', 'USD')`)
	exec(`INSERT INTO quote_latest (instrument_id, last_price, change_pct, last_trade_at, provider) VALUES (1, '150.00', '0.00', '2026-01-01T00:00:00Z', 'main')`)
	exec(`INSERT INTO holdings (brokerage_account_id, instrument_id, quantity, avg_cost) VALUES (1, 1, '10', '100')`)

	exec(`INSERT INTO instruments (id, symbol, market_id, currency) VALUES (2, 'GC.F', 'XNAS', 'USD')`)
	exec(`INSERT INTO quote_latest (instrument_id, last_price, change_pct, last_trade_at, provider) VALUES (2, '2000.00', '0.00', '2026-01-01T00:00:00Z', 'main')`)
	exec(`INSERT INTO metal_holdings (id, wallet_id, metal, quote_symbol, grams, cost_basis, currency) VALUES (1, 1, 'gold', 'GC.F', '31.1034768', '1800.00', 'USD')`)

	exec(`INSERT INTO real_estate_prices (country, currency, price_per_sq_m) VALUES (NULL, 'USD', '3000.00')`)
	exec(`INSERT INTO real_estates (id, wallet_id, country, area_sq_m, cost_basis, currency) VALUES (1, 1, 'ZZ', '50', '100000.00', 'USD')`)
}

func TestCreateMonthly_PopulatesAllFourCategoriesPlusFx(t *testing.T) {
	db := newTestDB(t)
	seedFullWallet(t, db)

	svc := NewService(db.Conn(), nil, zerolog.Nop())
	fx := map[string]decimal.Decimal{"EUR/USD": decimal.RequireFromString("1.10")}
	counts, err := svc.CreateMonthly(context.Background(), "u1", "2026-01", fx)
	require.NoError(t, err)

	assert.Equal(t, 1, counts.FxUpserted)
	assert.Equal(t, 1, counts.DepositsUpserted)
	assert.Equal(t, 1, counts.BrokerageUpserted)
	assert.Equal(t, 1, counts.MetalsUpserted)
	assert.Equal(t, 1, counts.RealEstateUpserted)

	var stocksJSON string
	require.NoError(t, db.QueryRow(`SELECT stocks_by_currency_json FROM brokerage_account_monthly_snapshots WHERE brokerage_account_id = 1 AND month_key = '2026-01'`).Scan(&stocksJSON))
	assert.Contains(t, stocksJSON, "1500.00", "10 shares @ 150.00 = 1500.00")

	var metalValue string
	require.NoError(t, db.QueryRow(`SELECT value FROM metal_holding_monthly_snapshots WHERE metal_holding_id = 1 AND month_key = '2026-01'`).Scan(&metalValue))
	assert.Equal(t, "2000.00", metalValue, "31.1034768g at $2000/oz is exactly one troy ounce")

	var reValue string
	require.NoError(t, db.QueryRow(`SELECT value FROM real_estate_monthly_snapshots WHERE real_estate_id = 1 AND month_key = '2026-01'`).Scan(&reValue))
	assert.Equal(t, "150000.00", reValue, "50 sqm * 3000/sqm global fallback price")
}

func TestCreateMonthly_ReplayIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	seedFullWallet(t, db)

	svc := NewService(db.Conn(), nil, zerolog.Nop())
	fx := map[string]decimal.Decimal{}

	_, err := svc.CreateMonthly(context.Background(), "u1", "2026-01", fx)
	require.NoError(t, err)
	_, err = svc.CreateMonthly(context.Background(), "u1", "2026-01", fx)
	require.NoError(t, err, "replaying the same month must upsert, not conflict")

	var depositRowCount int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM deposit_account_monthly_snapshots WHERE deposit_account_id = 1`).Scan(&depositRowCount))
	assert.Equal(t, 1, depositRowCount, "second run updates the existing row rather than inserting a duplicate")
}

func TestCreateMonthly_UnknownUserIsNotFound(t *testing.T) {
	db := newTestDB(t)
	svc := NewService(db.Conn(), nil, zerolog.Nop())
	_, err := svc.CreateMonthly(context.Background(), "ghost", "2026-01", map[string]decimal.Decimal{})
	assert.Error(t, err)
}
