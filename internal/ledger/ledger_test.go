package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/walletcore/internal/database"
)

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.New(database.Config{
		Path:    "file:" + t.Name() + "?mode=memory&cache=shared",
		Profile: database.ProfileLedger,
		Name:    "wallet",
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })
	return db
}

func seedDepositAccount(t *testing.T, db *database.DB, available string) int64 {
	t.Helper()
	_, err := db.Exec(`INSERT INTO wallets (id, user_id, name) VALUES (1, 'u1', 'main')`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO banks (id, name) VALUES (1, 'Test Bank')`)
	require.NoError(t, err)
	res, err := db.Exec(`
		INSERT INTO deposit_accounts (wallet_id, bank_id, name, account_type, currency, account_number_enc)
		VALUES (1, 1, ?, 'current', 'PLN', x'00')
	`, t.Name())
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO deposit_balances (deposit_account_id, available) VALUES (?, ?)`, id, available)
	require.NoError(t, err)
	return id
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestAppendMany_ComputeModeChainsBeforeAfter(t *testing.T) {
	db := newTestDB(t)
	accountID := seedDepositAccount(t, db, "100.00")

	svc := NewService(db.Conn())
	base := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	summary, err := svc.AppendMany(context.Background(), accountID, []Entry{
		{Date: base, Amount: dec("50.00"), Description: "deposit"},
		{Date: base.Add(time.Hour), Amount: dec("-20.00"), Description: "withdrawal"},
	}, false)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Created)
	assert.True(t, summary.FinalBalance.Equal(dec("130.00")), "got %s", summary.FinalBalance)

	var before1, after1, before2, after2 string
	require.NoError(t, db.QueryRow(`SELECT amount_before, amount_after FROM transactions WHERE description = 'deposit'`).Scan(&before1, &after1))
	require.NoError(t, db.QueryRow(`SELECT amount_before, amount_after FROM transactions WHERE description = 'withdrawal'`).Scan(&before2, &after2))

	assert.Equal(t, "100.00", before1)
	assert.Equal(t, "150.00", after1)
	assert.Equal(t, after1, before2, "row 2's before must equal row 1's after")
	assert.Equal(t, "130.00", after2)
}

func TestAppendMany_SortsOutOfOrderRowsByDate(t *testing.T) {
	db := newTestDB(t)
	accountID := seedDepositAccount(t, db, "0.00")

	svc := NewService(db.Conn())
	base := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	// Submitted in reverse chronological order.
	summary, err := svc.AppendMany(context.Background(), accountID, []Entry{
		{Date: base.Add(time.Hour), Amount: dec("10.00"), Description: "second"},
		{Date: base, Amount: dec("5.00"), Description: "first"},
	}, false)
	require.NoError(t, err)
	assert.True(t, summary.FinalBalance.Equal(dec("15.00")))

	var firstBefore string
	require.NoError(t, db.QueryRow(`SELECT amount_before FROM transactions WHERE description = 'first'`).Scan(&firstBefore))
	assert.Equal(t, "0.00", firstBefore, "the chronologically-first row must apply before the second despite submission order")
}

func TestAppendMany_VerifyModeMismatchRollsBackWholeBatch(t *testing.T) {
	db := newTestDB(t)
	accountID := seedDepositAccount(t, db, "100.00")

	svc := NewService(db.Conn())
	base := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	wrongAfter := dec("999.00")
	_, err := svc.AppendMany(context.Background(), accountID, []Entry{
		{Date: base, Amount: dec("50.00"), Description: "deposit"},
		{Date: base.Add(time.Hour), Amount: dec("10.00"), Description: "bad", AmountAfter: &wrongAfter},
	}, true)
	require.Error(t, err)

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM transactions WHERE deposit_account_id = ?`, accountID).Scan(&count))
	assert.Zero(t, count, "a mismatch anywhere in the batch must leave no row inserted")

	var available string
	require.NoError(t, db.QueryRow(`SELECT available FROM deposit_balances WHERE deposit_account_id = ?`, accountID).Scan(&available))
	assert.Equal(t, "100.00", available, "balance must be untouched after rollback")
}

func TestAppendMany_DuplicateRowConflicts(t *testing.T) {
	db := newTestDB(t)
	accountID := seedDepositAccount(t, db, "0.00")

	svc := NewService(db.Conn())
	base := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	_, err := svc.AppendMany(context.Background(), accountID, []Entry{
		{Date: base, Amount: dec("50.00"), Description: "deposit"},
	}, false)
	require.NoError(t, err)

	_, err = svc.AppendMany(context.Background(), accountID, []Entry{
		{Date: base, Amount: dec("50.00"), Description: "deposit"},
	}, false)
	assert.Error(t, err, "replaying the same row must be rejected, not double-applied")

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM transactions WHERE deposit_account_id = ?`, accountID).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestAppendMany_SeedsFromFirstRowAmountAfterWhenAccountHasNoHistory(t *testing.T) {
	db := newTestDB(t)
	accountID := seedDepositAccount(t, db, "0.00")

	svc := NewService(db.Conn())
	base := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	providedAfter := dec("500.00")
	summary, err := svc.AppendMany(context.Background(), accountID, []Entry{
		{Date: base, Amount: dec("25.00"), Description: "opening import", AmountAfter: &providedAfter},
	}, false)
	require.NoError(t, err)
	assert.True(t, summary.FinalBalance.Equal(dec("500.00")))

	var before string
	require.NoError(t, db.QueryRow(`SELECT amount_before FROM transactions WHERE description = 'opening import'`).Scan(&before))
	assert.Equal(t, "475.00", before, "seeded last_balance = amount_after - amount = 500-25")
}
