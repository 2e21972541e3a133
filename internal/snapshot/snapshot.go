// Package snapshot implements the monthly point-in-time valuation run: one
// FX rate table plus a per-account/holding upsert for deposits, brokerage
// positions, metal holdings, and real estate, all keyed by month-key so a
// replay of the same month is idempotent (spec.md §4.9).
package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/walletcore/internal/apperr"
	"github.com/aristath/walletcore/internal/database"
	"github.com/aristath/walletcore/internal/domain"
)

// Counts reports how many rows were upserted per category.
type Counts struct {
	FxUpserted         int
	DepositsUpserted   int
	BrokerageUpserted  int
	MetalsUpserted     int
	RealEstateUpserted int
}

// Archiver uploads a point-in-time export after a snapshot run completes.
// Failure to archive is logged, never failed back to the caller: the
// relational row set is the authoritative record.
type Archiver interface {
	ArchiveMonthly(ctx context.Context, userID, monthKey string, payload []byte) error
}

// Service runs monthly snapshots against the wallet database.
type Service struct {
	db       *sql.DB
	archiver Archiver
	log      zerolog.Logger
}

// NewService builds a snapshot Service. archiver may be nil to skip
// archival entirely.
func NewService(db *sql.DB, archiver Archiver, log zerolog.Logger) *Service {
	return &Service{db: db, archiver: archiver, log: log}
}

// CreateMonthly runs the five-step snapshot flow for one user and month-key,
// inside a single transaction, then best-effort archives the resulting row
// set.
func (s *Service) CreateMonthly(ctx context.Context, userID, monthKey string, fx map[string]decimal.Decimal) (Counts, error) {
	var counts Counts
	err := database.WithTransaction(s.db, func(tx *sql.Tx) error {
		var err error
		counts, err = createMonthlyTx(ctx, tx, userID, monthKey, fx)
		return err
	})
	if err != nil {
		return Counts{}, err
	}

	if s.archiver != nil {
		payload, mErr := exportPayload(ctx, s.db, userID, monthKey)
		if mErr != nil {
			s.log.Warn().Err(mErr).Str("user_id", userID).Str("month_key", monthKey).Msg("snapshot: could not build archive payload")
		} else if aErr := s.archiver.ArchiveMonthly(ctx, userID, monthKey, payload); aErr != nil {
			s.log.Warn().Err(aErr).Str("user_id", userID).Str("month_key", monthKey).Msg("snapshot: archive upload failed, relational rows remain authoritative")
		}
	}

	return counts, nil
}

func createMonthlyTx(ctx context.Context, tx *sql.Tx, userID, monthKey string, fx map[string]decimal.Decimal) (Counts, error) {
	var counts Counts

	ratesJSON, err := json.Marshal(fx)
	if err != nil {
		return Counts{}, apperr.Internal(fmt.Errorf("marshal fx map: %w", err))
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO fx_monthly_snapshots (month_key, rates_json) VALUES (?, ?)
		ON CONFLICT(month_key) DO UPDATE SET rates_json = excluded.rates_json, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
	`, monthKey, string(ratesJSON)); err != nil {
		return Counts{}, apperr.Internal(fmt.Errorf("upsert fx snapshot: %w", err))
	}
	counts.FxUpserted = 1

	walletIDs, err := walletIDsForUser(ctx, tx, userID)
	if err != nil {
		return Counts{}, err
	}
	if len(walletIDs) == 0 {
		return Counts{}, apperr.NotFound("user %s has no wallets", userID)
	}

	if counts.DepositsUpserted, err = snapshotDeposits(ctx, tx, walletIDs, monthKey); err != nil {
		return Counts{}, err
	}
	if counts.BrokerageUpserted, err = snapshotBrokerage(ctx, tx, walletIDs, monthKey); err != nil {
		return Counts{}, err
	}
	if counts.MetalsUpserted, err = snapshotMetals(ctx, tx, walletIDs, monthKey); err != nil {
		return Counts{}, err
	}
	if counts.RealEstateUpserted, err = snapshotRealEstate(ctx, tx, walletIDs, monthKey); err != nil {
		return Counts{}, err
	}

	return counts, nil
}

func walletIDsForUser(ctx context.Context, tx *sql.Tx, userID string) ([]int64, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM wallets WHERE user_id = ?`, userID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, apperr.Internal(err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// snapshotDeposits upserts (account, month-key) -> (currency, available) for
// every deposit account in the given wallets.
func snapshotDeposits(ctx context.Context, tx *sql.Tx, walletIDs []int64, monthKey string) (int, error) {
	rows, err := tx.QueryContext(ctx, inClause(`
		SELECT da.id, da.currency, db.available
		FROM deposit_accounts da
		JOIN deposit_balances db ON db.deposit_account_id = da.id
		WHERE da.wallet_id IN (`, walletIDs, `)`), idArgs(walletIDs)...)
	if err != nil {
		return 0, apperr.Internal(err)
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		var accountID int64
		var currency, available string
		if err := rows.Scan(&accountID, &currency, &available); err != nil {
			return 0, apperr.Internal(err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO deposit_account_monthly_snapshots (deposit_account_id, month_key, currency, available)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(deposit_account_id, month_key) DO UPDATE SET
				currency = excluded.currency, available = excluded.available, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
		`, accountID, monthKey, currency, available); err != nil {
			return 0, apperr.Internal(fmt.Errorf("upsert deposit snapshot: %w", err))
		}
		n++
	}
	return n, rows.Err()
}

// snapshotBrokerage computes, per brokerage account, cash from its linked
// deposit accounts and stocks from Σ(quantity × latest quote price), each
// grouped by currency.
func snapshotBrokerage(ctx context.Context, tx *sql.Tx, walletIDs []int64, monthKey string) (int, error) {
	accountRows, err := tx.QueryContext(ctx, inClause(`
		SELECT id FROM brokerage_accounts WHERE wallet_id IN (`, walletIDs, `)`), idArgs(walletIDs)...)
	if err != nil {
		return 0, apperr.Internal(err)
	}
	var accountIDs []int64
	for accountRows.Next() {
		var id int64
		if err := accountRows.Scan(&id); err != nil {
			accountRows.Close()
			return 0, apperr.Internal(err)
		}
		accountIDs = append(accountIDs, id)
	}
	accountRows.Close()
	if err := accountRows.Err(); err != nil {
		return 0, apperr.Internal(err)
	}

	n := 0
	for _, accountID := range accountIDs {
		cashByCcy := map[string]decimal.Decimal{}
		cashRows, err := tx.QueryContext(ctx, `
			SELECT db.available, bdl.currency
			FROM brokerage_deposit_links bdl
			JOIN deposit_balances db ON db.deposit_account_id = bdl.deposit_account_id
			WHERE bdl.brokerage_account_id = ?
		`, accountID)
		if err != nil {
			return 0, apperr.Internal(err)
		}
		for cashRows.Next() {
			var available, ccy string
			if err := cashRows.Scan(&available, &ccy); err != nil {
				cashRows.Close()
				return 0, apperr.Internal(err)
			}
			amt, _ := decimal.NewFromString(available)
			cashByCcy[ccy] = cashByCcy[ccy].Add(amt)
		}
		cashRows.Close()
		if err := cashRows.Err(); err != nil {
			return 0, apperr.Internal(err)
		}

		stocksByCcy := map[string]decimal.Decimal{}
		holdingRows, err := tx.QueryContext(ctx, `
			SELECT h.quantity, i.currency, ql.last_price
			FROM holdings h
			JOIN instruments i ON i.id = h.instrument_id
			LEFT JOIN quote_latest ql ON ql.instrument_id = h.instrument_id
			WHERE h.brokerage_account_id = ?
		`, accountID)
		if err != nil {
			return 0, apperr.Internal(err)
		}
		for holdingRows.Next() {
			var qty, ccy string
			var price sql.NullString
			if err := holdingRows.Scan(&qty, &ccy, &price); err != nil {
				holdingRows.Close()
				return 0, apperr.Internal(err)
			}
			if !price.Valid {
				continue
			}
			q, _ := decimal.NewFromString(qty)
			p, _ := decimal.NewFromString(price.String)
			stocksByCcy[ccy] = stocksByCcy[ccy].Add(q.Mul(p))
		}
		holdingRows.Close()
		if err := holdingRows.Err(); err != nil {
			return 0, apperr.Internal(err)
		}

		cashJSON, _ := json.Marshal(decimalMapStrings(cashByCcy))
		stocksJSON, _ := json.Marshal(decimalMapStrings(stocksByCcy))
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO brokerage_account_monthly_snapshots (brokerage_account_id, month_key, cash_by_currency_json, stocks_by_currency_json)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(brokerage_account_id, month_key) DO UPDATE SET
				cash_by_currency_json = excluded.cash_by_currency_json,
				stocks_by_currency_json = excluded.stocks_by_currency_json,
				updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
		`, accountID, monthKey, string(cashJSON), string(stocksJSON)); err != nil {
			return 0, apperr.Internal(fmt.Errorf("upsert brokerage snapshot: %w", err))
		}
		n++
	}
	return n, nil
}

// snapshotMetals values each metal holding from its futures quote
// (quote_latest, priced per troy ounce) converted to the holding's gram
// weight.
func snapshotMetals(ctx context.Context, tx *sql.Tx, walletIDs []int64, monthKey string) (int, error) {
	troyOz, _ := decimal.NewFromString(domain.GramsPerTroyOunce)

	rows, err := tx.QueryContext(ctx, inClause(`
		SELECT mh.id, mh.grams, mh.currency, ql.last_price
		FROM metal_holdings mh
		JOIN instruments i ON i.symbol = mh.quote_symbol
		LEFT JOIN quote_latest ql ON ql.instrument_id = i.id
		WHERE mh.wallet_id IN (`, walletIDs, `)`), idArgs(walletIDs)...)
	if err != nil {
		return 0, apperr.Internal(err)
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		var holdingID int64
		var grams, ccy string
		var price sql.NullString
		if err := rows.Scan(&holdingID, &grams, &ccy, &price); err != nil {
			return 0, apperr.Internal(err)
		}
		if !price.Valid {
			continue
		}
		g, _ := decimal.NewFromString(grams)
		pricePerOz, _ := decimal.NewFromString(price.String)
		pricePerGram := pricePerOz.Div(troyOz)
		value := g.Mul(pricePerGram).Round(2)

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO metal_holding_monthly_snapshots (metal_holding_id, month_key, value, currency)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(metal_holding_id, month_key) DO UPDATE SET
				value = excluded.value, currency = excluded.currency, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
		`, holdingID, monthKey, value.StringFixed(2), ccy); err != nil {
			return 0, apperr.Internal(fmt.Errorf("upsert metal snapshot: %w", err))
		}
		n++
	}
	return n, rows.Err()
}

// snapshotRealEstate values each property from a price-per-square-meter
// lookup with three-tier fallback: exact country and currency match, then the
// latest price for the country in any currency (the value is then in that
// price's currency), then global (country IS NULL) in the property's
// currency, skipping properties with none of these.
func snapshotRealEstate(ctx context.Context, tx *sql.Tx, walletIDs []int64, monthKey string) (int, error) {
	rows, err := tx.QueryContext(ctx, inClause(`
		SELECT id, country, area_sq_m, currency FROM real_estates WHERE wallet_id IN (`, walletIDs, `)`), idArgs(walletIDs)...)
	if err != nil {
		return 0, apperr.Internal(err)
	}
	type re struct {
		id      int64
		country string
		area    string
		ccy     string
	}
	var properties []re
	for rows.Next() {
		var p re
		if err := rows.Scan(&p.id, &p.country, &p.area, &p.ccy); err != nil {
			rows.Close()
			return 0, apperr.Internal(err)
		}
		properties = append(properties, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, apperr.Internal(err)
	}

	n := 0
	for _, p := range properties {
		pricePerSqM, ccy, found, err := lookupPricePerSqM(ctx, tx, p.country, p.ccy)
		if err != nil {
			return 0, err
		}
		if !found {
			continue
		}
		area, _ := decimal.NewFromString(p.area)
		value := area.Mul(pricePerSqM).Round(2)

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO real_estate_monthly_snapshots (real_estate_id, month_key, value, currency)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(real_estate_id, month_key) DO UPDATE SET
				value = excluded.value, currency = excluded.currency, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
		`, p.id, monthKey, value.StringFixed(2), ccy); err != nil {
			return 0, apperr.Internal(fmt.Errorf("upsert real estate snapshot: %w", err))
		}
		n++
	}
	return n, nil
}

func lookupPricePerSqM(ctx context.Context, tx *sql.Tx, country, currency string) (decimal.Decimal, string, bool, error) {
	var price string
	err := tx.QueryRowContext(ctx, `
		SELECT price_per_sq_m FROM real_estate_prices WHERE country = ? AND currency = ? ORDER BY created_at DESC LIMIT 1
	`, country, currency).Scan(&price)
	if err == nil {
		p, _ := decimal.NewFromString(price)
		return p, currency, true, nil
	}
	if err != sql.ErrNoRows {
		return decimal.Zero, "", false, apperr.Internal(err)
	}

	var countryCcy string
	err = tx.QueryRowContext(ctx, `
		SELECT price_per_sq_m, currency FROM real_estate_prices WHERE country = ? ORDER BY created_at DESC LIMIT 1
	`, country).Scan(&price, &countryCcy)
	if err == nil {
		p, _ := decimal.NewFromString(price)
		return p, countryCcy, true, nil
	}
	if err != sql.ErrNoRows {
		return decimal.Zero, "", false, apperr.Internal(err)
	}

	err = tx.QueryRowContext(ctx, `
		SELECT price_per_sq_m FROM real_estate_prices WHERE country IS NULL AND currency = ? ORDER BY created_at DESC LIMIT 1
	`, currency).Scan(&price)
	if err == nil {
		p, _ := decimal.NewFromString(price)
		return p, currency, true, nil
	}
	if err != sql.ErrNoRows {
		return decimal.Zero, "", false, apperr.Internal(err)
	}
	return decimal.Zero, "", false, nil
}

func decimalMapStrings(m map[string]decimal.Decimal) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v.StringFixed(2)
	}
	return out
}

func inClause(prefix string, ids []int64, suffix string) string {
	placeholders := ""
	for i := range ids {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
	}
	return prefix + placeholders + suffix
}

func idArgs(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

type exportRow struct {
	Table string          `json:"table"`
	Rows  []map[string]any `json:"rows"`
}

// exportPayload reads back the deposit-account snapshot rows just written for
// a user/month, for archival; the FX, brokerage, metal and real-estate
// snapshot rows are not part of the payload. Best-effort: read errors
// propagate to the caller, which only logs them.
func exportPayload(ctx context.Context, db *sql.DB, userID, monthKey string) ([]byte, error) {
	walletRows, err := db.QueryContext(ctx, `SELECT id FROM wallets WHERE user_id = ?`, userID)
	if err != nil {
		return nil, err
	}
	var walletIDs []int64
	for walletRows.Next() {
		var id int64
		if err := walletRows.Scan(&id); err != nil {
			walletRows.Close()
			return nil, err
		}
		walletIDs = append(walletIDs, id)
	}
	walletRows.Close()
	if err := walletRows.Err(); err != nil {
		return nil, err
	}
	if len(walletIDs) == 0 {
		return json.Marshal(map[string]any{"user_id": userID, "month_key": monthKey, "generated_at": time.Now().UTC().Format(time.RFC3339), "tables": []exportRow{}})
	}

	deposits, err := queryJSONRows(ctx, db, inClause(`
		SELECT das.* FROM deposit_account_monthly_snapshots das
		JOIN deposit_accounts da ON da.id = das.deposit_account_id
		WHERE da.wallet_id IN (`, walletIDs, `) AND das.month_key = ?`), append(idArgs(walletIDs), monthKey)...)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"user_id":      userID,
		"month_key":    monthKey,
		"generated_at": time.Now().UTC().Format(time.RFC3339),
		"deposits":     deposits,
	}
	return json.Marshal(payload)
}

func queryJSONRows(ctx context.Context, db *sql.DB, query string, args ...any) ([]map[string]any, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[c] = vals[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
