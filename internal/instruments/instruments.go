// Package instruments implements the Instrument Registry: resolving or
// creating instruments by symbol, enriching missing ISO-6166 (ISIN) codes
// from a vendor symbol-map, and validating registry integrity (spec.md §4.2).
package instruments

import (
	"database/sql"
	"errors"
	"strings"

	"github.com/aristath/walletcore/internal/apperr"
	"github.com/aristath/walletcore/internal/domain"
)

// execer is satisfied by both *sql.DB and *sql.Tx, letting a Store run
// against a standalone connection or inside a caller's transaction (e.g.
// internal/brokerage resolving an instrument as one step of a larger
// single-transaction event).
type execer interface {
	QueryRow(query string, args ...any) *sql.Row
	Exec(query string, args ...any) (sql.Result, error)
}

// Store resolves and creates instruments against the wallet database.
type Store struct {
	db execer
}

// NewStore builds an instrument Store over the given connection or transaction.
func NewStore(db execer) *Store {
	return &Store{db: db}
}

// ResolveOrCreate looks up an instrument by symbol, normalizing it to
// upper-case and trimming whitespace first. If missing, it inserts a new
// instrument with the given attributes, defaulting currency to the market's
// base currency when empty. On a unique-constraint race it re-reads and
// returns the existing row (spec.md §4.2).
func (s *Store) ResolveOrCreate(marketID, symbol, name, currency string) (*domain.Instrument, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if len(symbol) < 1 || len(symbol) > 12 {
		return nil, apperr.Validation("symbol %q must be 1..12 characters", symbol)
	}

	if existing, err := s.findBySymbol(symbol); err == nil {
		return existing, nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Internal(err)
	}

	if currency == "" {
		if err := s.db.QueryRow(`SELECT base_currency FROM markets WHERE id = ?`, marketID).Scan(&currency); err != nil {
			return nil, apperr.NotFound("market %q not found: %v", marketID, err)
		}
	}

	res, err := s.db.Exec(
		`INSERT INTO instruments (symbol, short_name, full_name, type, status, market_id, currency)
		 VALUES (?, ?, ?, 'equity', 'active', ?, ?)`,
		symbol, name, name, marketID, currency,
	)
	if err != nil {
		// Unique-violation race: another writer inserted the same symbol
		// concurrently. Re-read and return the existing row instead of failing.
		if existing, rerr := s.findBySymbol(symbol); rerr == nil {
			return existing, nil
		}
		return nil, apperr.Internal(err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, apperr.Internal(err)
	}

	return s.findByID(id)
}

func (s *Store) findBySymbol(symbol string) (*domain.Instrument, error) {
	return s.scanOne(s.db.QueryRow(
		`SELECT id, symbol, isin, short_name, full_name, type, status, market_id, currency, created_at
		 FROM instruments WHERE symbol = ?`, symbol))
}

func (s *Store) findByID(id int64) (*domain.Instrument, error) {
	return s.scanOne(s.db.QueryRow(
		`SELECT id, symbol, isin, short_name, full_name, type, status, market_id, currency, created_at
		 FROM instruments WHERE id = ?`, id))
}

func (s *Store) scanOne(row *sql.Row) (*domain.Instrument, error) {
	var inst domain.Instrument
	var isin sql.NullString
	var createdAt string
	if err := row.Scan(&inst.ID, &inst.Symbol, &isin, &inst.ShortName, &inst.FullName,
		&inst.Type, &inst.Status, &inst.MarketID, &inst.Currency, &createdAt); err != nil {
		return nil, err
	}
	inst.ISIN = isin.String
	return &inst, nil
}

// EnrichISIN sets the instrument's ISIN from symbolMap when the instrument
// currently lacks one and the map supplies a non-empty, non-"nan" value
// (spec.md §4.2). It changes inst in memory only. The ingestion pipeline calls
// it after ResolveOrCreate and then stores the result with PersistISIN, so a
// newly created instrument row is inserted without an ISIN and updated after.
func EnrichISIN(inst *domain.Instrument, symbolMap map[string]string) {
	if inst.ISIN != "" {
		return
	}
	code, ok := symbolMap[inst.Symbol]
	if !ok {
		return
	}
	code = strings.TrimSpace(code)
	if code == "" || strings.EqualFold(code, "nan") {
		return
	}
	inst.ISIN = code
}

// PersistISIN writes an enriched ISIN back to the instrument row.
func (s *Store) PersistISIN(instrumentID int64, isin string) error {
	_, err := s.db.Exec(`UPDATE instruments SET isin = ? WHERE id = ?`, isin, instrumentID)
	return err
}
