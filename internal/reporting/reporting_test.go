package reporting

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/walletcore/internal/database"
	"github.com/aristath/walletcore/internal/money"
	"github.com/aristath/walletcore/internal/quoteclient"
)

type fakeQuoteSource struct {
	quotes map[string]quoteclient.Quote
}

func (f fakeQuoteSource) LatestForSymbols(ctx context.Context, symbols []string) map[string]quoteclient.Quote {
	out := map[string]quoteclient.Quote{}
	for _, s := range symbols {
		if q, ok := f.quotes[s]; ok {
			out[s] = q
		}
	}
	return out
}

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

func seedWallet(t *testing.T, db *database.DB) {
	t.Helper()
	exec := func(q string, args ...any) {
		_, err := db.Exec(q, args...)
		require.NoError(t, err)
	}

	exec(`INSERT INTO wallets (id, user_id, name) VALUES (1, 'u1', 'main')`)
	exec(`INSERT INTO banks (id, name) VALUES (1, 'Test Bank')`)
	exec(`INSERT INTO deposit_accounts (id, wallet_id, bank_id, name, account_type, currency, account_number_enc) VALUES (1, 1, 1, 'D-USD', 'current', 'USD', x'00')`)
	exec(`INSERT INTO deposit_balances (deposit_account_id, available) VALUES (1, '500.00')`)

	exec(`INSERT INTO brokerage_accounts (id, wallet_id, bank_id, name) VALUES (1, 1, 1, 'B1')`)
	exec(`INSERT INTO brokerage_deposit_links (brokerage_account_id, deposit_account_id, currency) VALUES (1, 1, 'USD')`)
	exec(`INSERT INTO markets (id, display_name, country, timezone, base_currency) VALUES ('XNAS', 'XNAS', 'US', 'America/New_York', 'USD')`)
	exec(`INSERT INTO instruments (id, symbol, market_id, currency) VALUES (1, 'WIN', 'XNAS', 'USD')`)
	exec(`INSERT INTO instruments (id, symbol, market_id, currency) VALUES (2, 'LOSE', 'XNAS', 'USD')`)
	exec(`INSERT INTO holdings (brokerage_account_id, instrument_id, quantity, avg_cost) VALUES (1, 1, '10', '100')`) // bought at 100, now 150: gainer
	exec(`INSERT INTO holdings (brokerage_account_id, instrument_id, quantity, avg_cost) VALUES (1, 2, '10', '100')`) // bought at 100, now 50: loser
}

func TestWalletManagerTree_ComputesTotalsAndTopPerformers(t *testing.T) {
	db := newTestDB(t)
	seedWallet(t, db)

	quotes := fakeQuoteSource{quotes: map[string]quoteclient.Quote{
		"WIN":  {Symbol: "WIN", Price: decimal.RequireFromString("150.00"), Currency: "USD"},
		"LOSE": {Symbol: "LOSE", Price: decimal.RequireFromString("50.00"), Currency: "USD"},
	}}

	svc := NewService(db.Conn(), quotes, zerolog.Nop())
	fx := money.RateMap{}
	tree, err := svc.WalletManagerTree(context.Background(), "u1", 0, "USD", fx)
	require.NoError(t, err)
	require.Len(t, tree.Wallets, 1)

	w := tree.Wallets[0]
	require.Len(t, w.BrokerageAccounts, 1)
	b := w.BrokerageAccounts[0]

	require.Len(t, b.TopGainers, 2)
	assert.Equal(t, "WIN", b.TopGainers[0].Symbol, "WIN has the higher pnl_pct")
	assert.Equal(t, "LOSE", b.TopLosers[0].Symbol, "LOSE has the lower pnl_pct")

	assert.True(t, b.StocksByCcy["USD"].Equal(decimal.RequireFromString("2000.00")), "10*150 + 10*50 = 2000")

	assert.True(t, w.TotalValueViewCcy.GreaterThan(decimal.Zero))
}

func TestWalletManagerTree_UnknownUserIsNotFound(t *testing.T) {
	db := newTestDB(t)
	svc := NewService(db.Conn(), fakeQuoteSource{}, zerolog.Nop())
	_, err := svc.WalletManagerTree(context.Background(), "ghost", 0, "USD", money.RateMap{})
	assert.Error(t, err)
}

func TestWalletManagerTree_MissingQuoteIsFlaggedNotFatal(t *testing.T) {
	db := newTestDB(t)
	seedWallet(t, db)

	svc := NewService(db.Conn(), fakeQuoteSource{}, zerolog.Nop())
	tree, err := svc.WalletManagerTree(context.Background(), "u1", 0, "USD", money.RateMap{})
	require.NoError(t, err)

	b := tree.Wallets[0].BrokerageAccounts[0]
	assert.ElementsMatch(t, []string{"WIN", "LOSE"}, b.MissingQuotes)
	assert.Empty(t, b.TopGainers)
	assert.Contains(t, tree.Wallets[0].HealthFlags, "missing_quotes:B1")
}
