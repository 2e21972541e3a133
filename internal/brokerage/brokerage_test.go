package brokerage

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/walletcore/internal/apperr"
	"github.com/aristath/walletcore/internal/database"
	"github.com/aristath/walletcore/internal/domain"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

type fixture struct {
	db                 *database.DB
	brokerageAccountID int64
	depositAccountID   int64
}

// newFixture seeds one wallet with a brokerage account linked (in USD) to a
// deposit account carrying the given opening balance, and one market so
// instrument resolution can succeed.
func newFixture(t *testing.T, openingBalance string) *fixture {
	t.Helper()
	db, err := database.New(database.Config{
		Path:    "file:" + t.Name() + "?mode=memory&cache=shared",
		Profile: database.ProfileLedger,
		Name:    "wallet",
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`INSERT INTO markets (id, display_name, country, timezone, base_currency) VALUES ('XNAS', 'XNAS', 'US', 'America/New_York', 'USD')`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO wallets (id, user_id, name) VALUES (1, 'u1', 'main')`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO banks (id, name) VALUES (1, 'Test Bank')`)
	require.NoError(t, err)

	res, err := db.Exec(`INSERT INTO brokerage_accounts (wallet_id, bank_id, name) VALUES (1, 1, 'A1')`)
	require.NoError(t, err)
	brokerageID, err := res.LastInsertId()
	require.NoError(t, err)

	res, err = db.Exec(`
		INSERT INTO deposit_accounts (wallet_id, bank_id, name, account_type, currency, account_number_enc)
		VALUES (1, 1, 'D-USD', 'current', 'USD', x'00')
	`)
	require.NoError(t, err)
	depositID, err := res.LastInsertId()
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO deposit_balances (deposit_account_id, available) VALUES (?, ?)`, depositID, openingBalance)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO brokerage_deposit_links (brokerage_account_id, deposit_account_id, currency) VALUES (?, ?, 'USD')`, brokerageID, depositID)
	require.NoError(t, err)

	return &fixture{db: db, brokerageAccountID: brokerageID, depositAccountID: depositID}
}

func (f *fixture) input(kind domain.EventKind, qty, price string, tradeAt time.Time) CreateEventInput {
	return CreateEventInput{
		BrokerageAccountID: f.brokerageAccountID,
		InstrumentMIC:      "XNAS",
		InstrumentSymbol:   "AAPL",
		InstrumentName:     "Apple Inc",
		Currency:           "USD",
		Kind:               kind,
		TradeAt:            tradeAt,
		Quantity:           dec(qty),
		Price:              dec(price),
		CreateTransaction:  true,
	}
}

func TestCreateEvent_BuyThenSell(t *testing.T) {
	f := newFixture(t, "1000.00")
	svc := NewService(f.db.Conn(), zerolog.Nop())
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	event, h, err := svc.CreateEvent(context.Background(), f.input(domain.EventBuy, "10", "100", base))
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.True(t, h.Quantity.Equal(dec("10")))
	assert.True(t, h.AvgCost.Equal(dec("100")))
	assert.NotZero(t, event.ID)

	var amount, after string
	require.NoError(t, f.db.QueryRow(`SELECT amount, amount_after FROM transactions WHERE deposit_account_id = ?`, f.depositAccountID).Scan(&amount, &after))
	assert.Equal(t, "-1000.00", amount)
	assert.Equal(t, "0.00", after)

	var cgCount int
	require.NoError(t, f.db.QueryRow(`SELECT COUNT(*) FROM capital_gains`).Scan(&cgCount))
	assert.Zero(t, cgCount, "BUY never produces a capital gain")

	_, h2, err := svc.CreateEvent(context.Background(), f.input(domain.EventSell, "4", "120", base.Add(24*time.Hour)))
	require.NoError(t, err)
	require.NotNil(t, h2)
	assert.True(t, h2.Quantity.Equal(dec("6")))
	assert.True(t, h2.AvgCost.Equal(dec("100")), "SELL must not change avg_cost")

	var sellAmount, sellAfter string
	require.NoError(t, f.db.QueryRow(`SELECT amount, amount_after FROM transactions WHERE amount = '480.00'`).Scan(&sellAmount, &sellAfter))
	assert.Equal(t, "480.00", sellAmount)
	assert.Equal(t, "480.00", sellAfter)

	var cgAmount string
	require.NoError(t, f.db.QueryRow(`SELECT amount FROM capital_gains WHERE kind = 'broker_realized_pnl'`).Scan(&cgAmount))
	assert.Equal(t, "80.00", cgAmount)
}

func TestCreateEvent_Split(t *testing.T) {
	f := newFixture(t, "0.00")
	svc := NewService(f.db.Conn(), zerolog.Nop())
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	_, _, err := svc.CreateEvent(context.Background(), f.input(domain.EventBuy, "10", "100", base))
	require.NoError(t, err)

	ratio := dec("2")
	in := f.input(domain.EventSplit, "0", "0", base.Add(time.Hour))
	in.SplitRatio = &ratio
	_, h, err := svc.CreateEvent(context.Background(), in)
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.True(t, h.Quantity.Equal(dec("20")))
	assert.True(t, h.AvgCost.Equal(dec("50")))

	var txCount, cgCount int
	require.NoError(t, f.db.QueryRow(`SELECT COUNT(*) FROM transactions`).Scan(&txCount))
	require.NoError(t, f.db.QueryRow(`SELECT COUNT(*) FROM capital_gains`).Scan(&cgCount))
	assert.Zero(t, txCount, "SPLIT has zero cash effect, no transaction")
	assert.Zero(t, cgCount)
}

func TestCreateEvent_Div(t *testing.T) {
	f := newFixture(t, "0.00")
	svc := NewService(f.db.Conn(), zerolog.Nop())
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	_, _, err := svc.CreateEvent(context.Background(), f.input(domain.EventBuy, "10", "100", base))
	require.NoError(t, err)

	_, h, err := svc.CreateEvent(context.Background(), f.input(domain.EventDiv, "10", "1", base.Add(time.Hour)))
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.True(t, h.Quantity.Equal(dec("10")), "DIV must not change quantity")
	assert.True(t, h.AvgCost.Equal(dec("100")))

	var amount string
	require.NoError(t, f.db.QueryRow(`SELECT amount FROM transactions WHERE amount = '10.00'`).Scan(&amount))
	assert.Equal(t, "10.00", amount)

	var cgCount int
	require.NoError(t, f.db.QueryRow(`SELECT COUNT(*) FROM capital_gains`).Scan(&cgCount))
	assert.Zero(t, cgCount, "DIV cash movement carries no realized-PnL capital gain")
}

func TestCreateEvent_DuplicateIsConflict(t *testing.T) {
	f := newFixture(t, "1000.00")
	svc := NewService(f.db.Conn(), zerolog.Nop())
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	in := f.input(domain.EventBuy, "10", "100", base)
	_, _, err := svc.CreateEvent(context.Background(), in)
	require.NoError(t, err)

	_, _, err = svc.CreateEvent(context.Background(), in)
	require.Error(t, err)
	var appErr *apperr.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperr.KindConflict, appErr.Kind)

	var eventCount int
	require.NoError(t, f.db.QueryRow(`SELECT COUNT(*) FROM brokerage_events`).Scan(&eventCount))
	assert.Equal(t, 1, eventCount, "state must be unchanged after a rejected duplicate")
}

func TestBulkImport_OneBadRowAmongFive(t *testing.T) {
	f := newFixture(t, "10000.00")
	svc := NewService(f.db.Conn(), zerolog.Nop())
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	rows := []CreateEventInput{
		f.input(domain.EventBuy, "10", "100", base),
		f.input(domain.EventBuy, "5", "110", base.Add(time.Hour)),
		f.input(domain.EventSell, "999", "120", base.Add(2*time.Hour)), // sells more than owned
		f.input(domain.EventSell, "3", "130", base.Add(3*time.Hour)),
		f.input(domain.EventBuy, "2", "140", base.Add(4*time.Hour)),
	}

	result, err := svc.BulkImport(context.Background(), rows)
	require.NoError(t, err)
	assert.Equal(t, 4, result.Created)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "row 2")

	var eventCount int
	require.NoError(t, f.db.QueryRow(`SELECT COUNT(*) FROM brokerage_events`).Scan(&eventCount))
	assert.Equal(t, 4, eventCount, "the other four rows must commit despite the bad one")
}
