// Package ledger implements the Transaction Engine: appending one or more
// rows to a deposit account's append-only ledger with a continuous
// before/after balance chain, in either compute mode (derive "after" from
// "before"+amount) or verify mode (require the caller's "after" to match).
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aristath/walletcore/internal/apperr"
	"github.com/aristath/walletcore/internal/database"
	"github.com/aristath/walletcore/internal/domain"
)

// Entry is one row to append. AmountAfter is nil in compute mode (the
// service derives it); callers importing a bank statement set it to assert
// the expected running balance.
type Entry struct {
	Date            time.Time
	Amount          decimal.Decimal
	Description     string
	Category        string
	AmountAfter     *decimal.Decimal
	CapitalGainKind domain.CapitalGainKind // empty unless this row is deposit interest or a broker dividend
}

// Summary reports the outcome of an AppendMany call.
type Summary struct {
	Created        int
	FinalBalance   decimal.Decimal
	TransactionIDs []int64
}

// Service appends transactions against the wallet database.
type Service struct {
	db *sql.DB
}

// NewService builds a ledger Service over the given connection.
func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// AppendMany appends rows to accountID's ledger inside its own transaction.
// See AppendManyTx for the row-by-row algorithm.
func (s *Service) AppendMany(ctx context.Context, accountID int64, rows []Entry, verifyAmountAfter bool) (Summary, error) {
	var summary Summary
	err := database.WithTransaction(s.db, func(tx *sql.Tx) error {
		var err error
		summary, err = AppendManyTx(ctx, tx, accountID, rows, verifyAmountAfter)
		return err
	})
	return summary, err
}

// AppendManyTx runs the append algorithm against an already-open transaction,
// for callers (internal/brokerage) that need the ledger write to share a
// transaction with other mutations.
//
// Rows are sorted ascending by Date first (mirroring transactions.py's
// reverse-chronological-batch handling). The running balance seeds from the
// account's first-ever row's AmountAfter when the account has no prior
// transactions and one was supplied, otherwise from the balance row's
// available. Each row's before/after must chain continuously; duplicates
// (by account, date, amount, description) fail the whole call.
func AppendManyTx(ctx context.Context, tx *sql.Tx, accountID int64, rows []Entry, verifyAmountAfter bool) (Summary, error) {
	if len(rows) == 0 {
		return Summary{}, apperr.Validation("at least one transaction row is required")
	}

	ordered := make([]Entry, len(rows))
	copy(ordered, rows)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Date.Before(ordered[j].Date) })

	var available decimal.Decimal
	if err := tx.QueryRowContext(ctx, `SELECT available FROM deposit_balances WHERE deposit_account_id = ?`, accountID).Scan(&available); err != nil {
		return Summary{}, apperr.NotFound("deposit account %d has no balance row: %v", accountID, err)
	}

	var txCount int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions WHERE deposit_account_id = ?`, accountID).Scan(&txCount); err != nil {
		return Summary{}, apperr.Internal(err)
	}

	lastBalance := available
	if txCount == 0 && ordered[0].AmountAfter != nil {
		lastBalance = ordered[0].AmountAfter.Sub(ordered[0].Amount)
	}

	summary := Summary{TransactionIDs: make([]int64, 0, len(ordered))}

	for i, row := range ordered {
		before := lastBalance
		computedAfter := before.Add(row.Amount)

		after := computedAfter
		if row.AmountAfter != nil {
			if verifyAmountAfter && !row.AmountAfter.Equal(computedAfter) {
				return Summary{}, apperr.Validation(
					"transaction %d: balance mismatch on %s: provided %s != computed %s",
					i, row.Date.Format(time.RFC3339), row.AmountAfter, computedAfter)
			}
			after = *row.AmountAfter
		}

		// trade_at+i*second spaces out same-timestamp rows within a batch so
		// the unique identity index never collides on ordering alone.
		tradeAt := row.Date.Add(time.Duration(i) * time.Second)

		var dupID int64
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM transactions
			WHERE deposit_account_id = ? AND date_transaction = ? AND amount = ? AND description = ?
		`, accountID, tradeAt.Format(time.RFC3339), row.Amount.StringFixed(2), row.Description).Scan(&dupID)
		if err == nil {
			return Summary{}, apperr.Conflict("duplicate transaction for account=%d date=%s amount=%s description=%q",
				accountID, tradeAt.Format(time.RFC3339), row.Amount.StringFixed(2), row.Description)
		} else if err != sql.ErrNoRows {
			return Summary{}, apperr.Internal(err)
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO transactions (deposit_account_id, date_transaction, amount, amount_before, amount_after, description, category)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, accountID, tradeAt.Format(time.RFC3339), row.Amount.StringFixed(2), before.StringFixed(2), after.StringFixed(2), row.Description, row.Category)
		if err != nil {
			return Summary{}, apperr.Internal(fmt.Errorf("insert transaction: %w", err))
		}
		txID, err := res.LastInsertId()
		if err != nil {
			return Summary{}, apperr.Internal(err)
		}

		if _, err := tx.ExecContext(ctx, `UPDATE deposit_balances SET available = ? WHERE deposit_account_id = ?`, after.StringFixed(2), accountID); err != nil {
			return Summary{}, apperr.Internal(err)
		}

		if row.CapitalGainKind != "" && !row.Amount.IsZero() {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO capital_gains (kind, amount, currency, occurred_at, deposit_account_id, transaction_id)
				SELECT ?, ?, da.currency, ?, ?, ?
				FROM deposit_accounts da WHERE da.id = ?
			`, row.CapitalGainKind, row.Amount.StringFixed(2), tradeAt.Format(time.RFC3339), accountID, txID, accountID); err != nil {
				return Summary{}, apperr.Internal(fmt.Errorf("insert capital gain: %w", err))
			}
		}

		lastBalance = after
		summary.Created++
		summary.TransactionIDs = append(summary.TransactionIDs, txID)
	}

	summary.FinalBalance = lastBalance
	return summary, nil
}
