// Package brokerage implements the Brokerage Event Processor: creating a
// buy/sell/split/dividend event, updating (or deleting) the linked holding,
// and recording its cash effect on the linked deposit account, all within
// one database transaction.
package brokerage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/walletcore/internal/apperr"
	"github.com/aristath/walletcore/internal/database"
	"github.com/aristath/walletcore/internal/domain"
	"github.com/aristath/walletcore/internal/holding"
	"github.com/aristath/walletcore/internal/instruments"
	"github.com/aristath/walletcore/internal/ledger"
	"github.com/aristath/walletcore/internal/money"
)

// CreateEventInput is the request to record one brokerage event.
type CreateEventInput struct {
	BrokerageAccountID int64
	InstrumentMIC      string
	InstrumentSymbol   string
	InstrumentName     string
	Currency           string
	Kind               domain.EventKind
	TradeAt            time.Time
	Quantity           decimal.Decimal
	Price              decimal.Decimal
	SplitRatio         *decimal.Decimal
	// CreateTransaction is true for a single user-submitted event and false
	// for bulk imports, which post their own consolidated cash movements.
	CreateTransaction bool
}

// Service orchestrates event creation against the wallet database.
type Service struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewService builds a brokerage Service over the given connection.
func NewService(db *sql.DB, log zerolog.Logger) *Service {
	return &Service{db: db, log: log}
}

// CreateEvent runs the nine-step brokerage-event flow in one transaction:
// resolve account and instrument, detect duplicates, apply the event to the
// holding (deleting it if quantity returns to zero), persist the event, and
// — when the event has a non-zero cash effect — append a ledger transaction
// (only when CreateTransaction is set) and, for a SELL with non-zero realized
// P&L, a capital gain linked to that transaction when one was appended.
func (s *Service) CreateEvent(ctx context.Context, in CreateEventInput) (domain.BrokerageEvent, *domain.Holding, error) {
	var event domain.BrokerageEvent
	var h *domain.Holding
	err := database.WithTransaction(s.db, func(tx *sql.Tx) error {
		ev, holdingResult, err := createEventTx(ctx, tx, in)
		event = ev
		h = holdingResult
		return err
	})
	return event, h, err
}

// BulkImport applies each row independently, each in its own transaction, so
// one bad row never rolls back the rows around it. create_transaction is
// forced false: bulk-imported history posts its cash movements as a single
// consolidated ledger append, left to the caller.
func (s *Service) BulkImport(ctx context.Context, rows []CreateEventInput) (BulkResult, error) {
	result := BulkResult{Errors: make([]string, 0)}
	for i, in := range rows {
		in.CreateTransaction = false
		if _, _, err := s.CreateEvent(ctx, in); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("row %d: %v", i, err))
			continue
		}
		result.Created++
	}
	return result, nil
}

// BulkResult summarizes a BulkImport call.
type BulkResult struct {
	Created int
	Failed  int
	Errors  []string
}

func createEventTx(ctx context.Context, tx *sql.Tx, in CreateEventInput) (domain.BrokerageEvent, *domain.Holding, error) {
	var exists int64
	if err := tx.QueryRowContext(ctx, `SELECT id FROM brokerage_accounts WHERE id = ?`, in.BrokerageAccountID).Scan(&exists); err != nil {
		return domain.BrokerageEvent{}, nil, apperr.NotFound("brokerage account %d not found", in.BrokerageAccountID)
	}

	instr := instruments.NewStore(tx)
	inst, err := instr.ResolveOrCreate(in.InstrumentMIC, in.InstrumentSymbol, in.InstrumentName, in.Currency)
	if err != nil {
		return domain.BrokerageEvent{}, nil, err
	}

	if err := checkDuplicate(ctx, tx, in, inst.ID); err != nil {
		return domain.BrokerageEvent{}, nil, err
	}

	h, err := getOrCreateHolding(ctx, tx, in.BrokerageAccountID, inst.ID)
	if err != nil {
		return domain.BrokerageEvent{}, nil, err
	}

	var realizedPnL decimal.Decimal
	if in.Kind == domain.EventSell {
		realizedPnL = in.Price.Sub(h.AvgCost).Mul(in.Quantity)
	}

	event := domain.BrokerageEvent{
		BrokerageAccountID: in.BrokerageAccountID,
		InstrumentID:       inst.ID,
		Kind:               in.Kind,
		TradeAt:            in.TradeAt,
		Quantity:           in.Quantity,
		Price:              in.Price,
		SplitRatio:         in.SplitRatio,
		Currency:           in.Currency,
	}

	if err := holding.Apply(h, event); err != nil {
		return domain.BrokerageEvent{}, nil, err
	}

	var deletedHolding bool
	if h.Quantity.IsZero() {
		deletedHolding = true
		if _, err := tx.ExecContext(ctx, `DELETE FROM holdings WHERE brokerage_account_id = ? AND instrument_id = ?`, in.BrokerageAccountID, inst.ID); err != nil {
			return domain.BrokerageEvent{}, nil, apperr.Internal(err)
		}
	} else {
		if _, err := tx.ExecContext(ctx, `
			UPDATE holdings SET quantity = ?, avg_cost = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
			WHERE brokerage_account_id = ? AND instrument_id = ?
		`, h.Quantity.StringFixed(4), h.AvgCost.StringFixed(4), in.BrokerageAccountID, inst.ID); err != nil {
			return domain.BrokerageEvent{}, nil, apperr.Internal(err)
		}
	}

	eventID, err := insertEvent(ctx, tx, event)
	if err != nil {
		return domain.BrokerageEvent{}, nil, err
	}
	event.ID = eventID

	cashAmount := money.CashEffect(in.Kind, in.Quantity, in.Price)
	if !cashAmount.IsZero() {
		deposit, err := resolveDeposit(ctx, tx, in.BrokerageAccountID, in.Currency)
		if err != nil {
			return domain.BrokerageEvent{}, nil, err
		}

		var txID any
		if in.CreateTransaction {
			entry := ledger.Entry{
				Date:        in.TradeAt,
				Amount:      cashAmount,
				Description: fmt.Sprintf("%s %s %s @ %s", in.Kind, in.InstrumentSymbol, in.Quantity.String(), in.Price.String()),
				Category:    "brokerage",
			}
			summary, err := ledger.AppendManyTx(ctx, tx, deposit, []ledger.Entry{entry}, false)
			if err != nil {
				return domain.BrokerageEvent{}, nil, err
			}
			if len(summary.TransactionIDs) > 0 {
				txID = summary.TransactionIDs[0]
			}
		}
		if !realizedPnL.IsZero() {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO capital_gains (kind, amount, currency, occurred_at, deposit_account_id, transaction_id)
				VALUES (?, ?, ?, ?, ?, ?)
			`, domain.CapitalGainBrokerRealizedPnL, realizedPnL.StringFixed(2), in.Currency, in.TradeAt.Format(time.RFC3339), deposit, txID); err != nil {
				return domain.BrokerageEvent{}, nil, apperr.Internal(fmt.Errorf("insert capital gain: %w", err))
			}
		}
	}

	if deletedHolding {
		return event, nil, nil
	}
	return event, h, nil
}

func checkDuplicate(ctx context.Context, tx *sql.Tx, in CreateEventInput, instrumentID int64) error {
	var id int64
	err := tx.QueryRowContext(ctx, `
		SELECT id FROM brokerage_events
		WHERE brokerage_account_id = ? AND instrument_id = ? AND kind = ? AND trade_at = ? AND quantity = ? AND price = ? AND currency = ?
	`, in.BrokerageAccountID, instrumentID, in.Kind, in.TradeAt.Format(time.RFC3339), in.Quantity.StringFixed(4), in.Price.StringFixed(4), in.Currency).Scan(&id)
	if err == nil {
		return apperr.Conflict("brokerage event already exists for this account, instrument and parameters")
	}
	if err != sql.ErrNoRows {
		return apperr.Internal(err)
	}
	return nil
}

func getOrCreateHolding(ctx context.Context, tx *sql.Tx, accountID, instrumentID int64) (*domain.Holding, error) {
	var h domain.Holding
	var qty, avgCost string
	err := tx.QueryRowContext(ctx, `
		SELECT quantity, avg_cost FROM holdings WHERE brokerage_account_id = ? AND instrument_id = ?
	`, accountID, instrumentID).Scan(&qty, &avgCost)
	if err == nil {
		q, perr := decimal.NewFromString(qty)
		if perr != nil {
			return nil, apperr.Internal(perr)
		}
		a, perr := decimal.NewFromString(avgCost)
		if perr != nil {
			return nil, apperr.Internal(perr)
		}
		h.BrokerageAccountID, h.InstrumentID, h.Quantity, h.AvgCost = accountID, instrumentID, q, a
		return &h, nil
	}
	if err != sql.ErrNoRows {
		return nil, apperr.Internal(err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO holdings (brokerage_account_id, instrument_id, quantity, avg_cost) VALUES (?, ?, '0', '0')
	`, accountID, instrumentID); err != nil {
		return nil, apperr.Internal(err)
	}
	h.BrokerageAccountID, h.InstrumentID = accountID, instrumentID
	h.Quantity, h.AvgCost = decimal.Zero, decimal.Zero
	return &h, nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, event domain.BrokerageEvent) (int64, error) {
	var splitRatio any
	if event.SplitRatio != nil {
		splitRatio = event.SplitRatio.StringFixed(4)
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO brokerage_events (brokerage_account_id, instrument_id, kind, trade_at, quantity, price, split_ratio, currency)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, event.BrokerageAccountID, event.InstrumentID, event.Kind, event.TradeAt.Format(time.RFC3339),
		event.Quantity.StringFixed(4), event.Price.StringFixed(4), splitRatio, event.Currency)
	if err != nil {
		return 0, apperr.Internal(fmt.Errorf("insert brokerage event: %w", err))
	}
	return res.LastInsertId()
}

func resolveDeposit(ctx context.Context, tx *sql.Tx, brokerageAccountID int64, currency string) (int64, error) {
	var depositID int64
	err := tx.QueryRowContext(ctx, `
		SELECT deposit_account_id FROM brokerage_deposit_links
		WHERE brokerage_account_id = ? AND currency = ?
	`, brokerageAccountID, currency).Scan(&depositID)
	if err != nil {
		return 0, apperr.NotFound("no deposit account mapping for brokerage_account_id=%d currency=%s", brokerageAccountID, currency)
	}
	return depositID, nil
}
