package instruments

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/walletcore/internal/database"
	"github.com/aristath/walletcore/internal/domain"
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

func seedMarket(t *testing.T, db *database.DB, id, currency string) {
	t.Helper()
	_, err := db.Exec(`INSERT INTO markets (id, display_name, country, timezone, base_currency) VALUES (?, ?, 'XX', 'UTC', ?)`, id, id, currency)
	require.NoError(t, err)
}

func TestResolveOrCreate_NewInstrument(t *testing.T) {
	db := newTestDB(t)
	seedMarket(t, db, "XNAS", "USD")
	store := NewStore(db.Conn())

	inst, err := store.ResolveOrCreate("XNAS", " aapl ", "Apple Inc", "")
	require.NoError(t, err)
	assert.Equal(t, "AAPL", inst.Symbol)
	assert.Equal(t, "USD", inst.Currency)
	assert.NotZero(t, inst.ID)
}

func TestResolveOrCreate_ExistingInstrumentReturnsSameRow(t *testing.T) {
	db := newTestDB(t)
	seedMarket(t, db, "XNAS", "USD")
	store := NewStore(db.Conn())

	first, err := store.ResolveOrCreate("XNAS", "MSFT", "Microsoft", "USD")
	require.NoError(t, err)

	second, err := store.ResolveOrCreate("XNAS", "msft", "Microsoft Corp", "USD")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
}

func TestResolveOrCreate_RejectsInvalidSymbolLength(t *testing.T) {
	db := newTestDB(t)
	seedMarket(t, db, "XNAS", "USD")
	store := NewStore(db.Conn())

	_, err := store.ResolveOrCreate("XNAS", "", "Nothing", "USD")
	assert.Error(t, err)

	_, err = store.ResolveOrCreate("XNAS", "THIRTEENCHARS", "Too Long", "USD")
	assert.Error(t, err)
}

func TestResolveOrCreate_DefaultsCurrencyFromMarket(t *testing.T) {
	db := newTestDB(t)
	seedMarket(t, db, "XWAR", "PLN")
	store := NewStore(db.Conn())

	inst, err := store.ResolveOrCreate("XWAR", "PKO", "PKO Bank Polski", "")
	require.NoError(t, err)
	assert.Equal(t, "PLN", inst.Currency)
}

func TestEnrichISIN(t *testing.T) {
	inst := &domain.Instrument{Symbol: "AAPL"}
	EnrichISIN(inst, map[string]string{"AAPL": "US0378331005"})
	assert.Equal(t, "US0378331005", inst.ISIN)

	// already set, should not be overwritten
	inst2 := &domain.Instrument{Symbol: "MSFT", ISIN: "US5949181045"}
	EnrichISIN(inst2, map[string]string{"MSFT": "US0000000000"})
	assert.Equal(t, "US5949181045", inst2.ISIN)

	// "nan" and blank values are ignored
	inst3 := &domain.Instrument{Symbol: "TSLA"}
	EnrichISIN(inst3, map[string]string{"TSLA": "nan"})
	assert.Empty(t, inst3.ISIN)

	inst4 := &domain.Instrument{Symbol: "GOOG"}
	EnrichISIN(inst4, map[string]string{})
	assert.Empty(t, inst4.ISIN)
}

func TestValidateISIN_Valid(t *testing.T) {
	// Apple Inc, a well-known real-world ISIN.
	warning, ok := ValidateISIN("US0378331005")
	assert.True(t, ok)
	assert.Empty(t, warning)
}

func TestValidateISIN_WrongLength(t *testing.T) {
	warning, ok := ValidateISIN("US123")
	assert.False(t, ok)
	assert.Contains(t, warning, "12 characters")
}

func TestValidateISIN_BadChecksum(t *testing.T) {
	// last digit tampered with to break the Luhn check digit
	warning, ok := ValidateISIN("US0378331006")
	assert.False(t, ok)
	assert.Contains(t, warning, "checksum")
}

func TestValidateISIN_BadCountryCode(t *testing.T) {
	_, ok := ValidateISIN("1S0378331005")
	assert.False(t, ok)
}

func TestIntegrityChecker_CleanRegistry(t *testing.T) {
	db := newTestDB(t)
	seedMarket(t, db, "XNAS", "USD")
	store := NewStore(db.Conn())
	inst, err := store.ResolveOrCreate("XNAS", "AAPL", "Apple Inc", "USD")
	require.NoError(t, err)
	require.NoError(t, store.PersistISIN(inst.ID, "US0378331005"))

	checker := NewIntegrityChecker(db.Conn())
	report, err := checker.Check()
	require.NoError(t, err)
	assert.Empty(t, report.DuplicateISINs)
	assert.Empty(t, report.OrphanedReferences)
	assert.Empty(t, report.ChecksumWarnings)
}

func TestIntegrityChecker_DetectsMissingISINAndOrphans(t *testing.T) {
	db := newTestDB(t)
	seedMarket(t, db, "XNAS", "USD")
	store := NewStore(db.Conn())
	_, err := store.ResolveOrCreate("XNAS", "TSLA", "Tesla Inc", "USD")
	require.NoError(t, err)

	// Orphaned references only arise once foreign-key enforcement has been
	// bypassed (e.g. a restored snapshot); simulate that within a single
	// connection so the PRAGMA toggle and insert see the same session state.
	// The toggle runs outside any transaction: inside one, SQLite ignores it.
	conn, err := db.Conn().Conn(context.Background())
	require.NoError(t, err)
	_, err = conn.ExecContext(context.Background(), `PRAGMA foreign_keys = OFF`)
	require.NoError(t, err)
	_, err = conn.ExecContext(context.Background(), `INSERT INTO holdings (brokerage_account_id, instrument_id, quantity, avg_cost) VALUES (1, 9999, 1, 1)`)
	require.NoError(t, err)
	_, err = conn.ExecContext(context.Background(), `PRAGMA foreign_keys = ON`)
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	checker := NewIntegrityChecker(db.Conn())
	report, err := checker.Check()
	require.NoError(t, err)
	assert.Contains(t, report.MissingISINs, "TSLA")
	assert.Contains(t, report.OrphanedReferences, "holdings:instrument_id:9999")
	assert.False(t, report.IsClean())
}
