package brokerage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aristath/walletcore/internal/apperr"
	"github.com/aristath/walletcore/internal/database"
	"github.com/aristath/walletcore/internal/domain"
	"github.com/aristath/walletcore/internal/holding"
)

// EventListItem is one row of ListEvents' page, joined with its account and
// instrument for display.
type EventListItem struct {
	Event              domain.BrokerageEvent
	BrokerageAccountID int64
	InstrumentSymbol   string
}

// EventFilter narrows ListEvents. Zero-value fields mean "no filter".
type EventFilter struct {
	BrokerageAccountIDs []int64
	Kinds               []domain.EventKind
	Currencies          []string
	DateFrom            *time.Time
	DateTo              *time.Time
	Query               string
}

// EventPage is one page of ListEvents, including the per-currency sum of
// quantity*price across the filtered set (not just the current page).
type EventPage struct {
	Items      []EventListItem
	Total      int
	Page       int
	Size       int
	SumByCcy   map[string]decimal.Decimal
}

// ListEvents returns a filtered, paginated page of a user's brokerage
// events, joined through brokerage_accounts/wallets to scope by owner.
func (s *Service) ListEvents(ctx context.Context, userID string, page, size int, filter EventFilter) (EventPage, error) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 1
	}
	if size > 200 {
		size = 200
	}
	offset := (page - 1) * size

	where, args := filter.buildWhere(userID)

	var total int
	countQuery := fmt.Sprintf(`
		SELECT COUNT(*)
		FROM brokerage_events be
		JOIN brokerage_accounts ba ON ba.id = be.brokerage_account_id
		JOIN wallets w ON w.id = ba.wallet_id
		JOIN instruments i ON i.id = be.instrument_id
		WHERE %s
	`, where)
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return EventPage{}, apperr.Internal(err)
	}

	listQuery := fmt.Sprintf(`
		SELECT be.id, be.brokerage_account_id, be.instrument_id, be.kind, be.trade_at, be.quantity, be.price, be.split_ratio, be.currency, be.created_at, i.symbol
		FROM brokerage_events be
		JOIN brokerage_accounts ba ON ba.id = be.brokerage_account_id
		JOIN wallets w ON w.id = ba.wallet_id
		JOIN instruments i ON i.id = be.instrument_id
		WHERE %s
		ORDER BY be.trade_at DESC
		LIMIT ? OFFSET ?
	`, where)
	rows, err := s.db.QueryContext(ctx, listQuery, append(append([]any{}, args...), size, offset)...)
	if err != nil {
		return EventPage{}, apperr.Internal(err)
	}
	defer rows.Close()

	var items []EventListItem
	for rows.Next() {
		var item EventListItem
		var tradeAt, createdAt string
		var splitRatio sql.NullString
		var qty, price string
		if err := rows.Scan(&item.Event.ID, &item.BrokerageAccountID, &item.Event.InstrumentID, &item.Event.Kind,
			&tradeAt, &qty, &price, &splitRatio, &item.Event.Currency, &createdAt, &item.InstrumentSymbol); err != nil {
			return EventPage{}, apperr.Internal(err)
		}
		item.Event.BrokerageAccountID = item.BrokerageAccountID
		item.Event.TradeAt, _ = time.Parse(time.RFC3339, tradeAt)
		item.Event.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		item.Event.Quantity, _ = decimal.NewFromString(qty)
		item.Event.Price, _ = decimal.NewFromString(price)
		if splitRatio.Valid {
			r, _ := decimal.NewFromString(splitRatio.String)
			item.Event.SplitRatio = &r
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return EventPage{}, apperr.Internal(err)
	}

	sumQuery := fmt.Sprintf(`
		SELECT be.currency, COALESCE(SUM(CAST(be.quantity AS REAL) * CAST(be.price AS REAL)), 0)
		FROM brokerage_events be
		JOIN brokerage_accounts ba ON ba.id = be.brokerage_account_id
		JOIN wallets w ON w.id = ba.wallet_id
		JOIN instruments i ON i.id = be.instrument_id
		WHERE %s
		GROUP BY be.currency
	`, where)
	sumRows, err := s.db.QueryContext(ctx, sumQuery, args...)
	if err != nil {
		return EventPage{}, apperr.Internal(err)
	}
	defer sumRows.Close()
	sumByCcy := map[string]decimal.Decimal{}
	for sumRows.Next() {
		var ccy string
		var sum float64
		if err := sumRows.Scan(&ccy, &sum); err != nil {
			return EventPage{}, apperr.Internal(err)
		}
		sumByCcy[ccy] = decimal.NewFromFloat(sum).Round(2)
	}

	return EventPage{Items: items, Total: total, Page: page, Size: size, SumByCcy: sumByCcy}, sumRows.Err()
}

func (f EventFilter) buildWhere(userID string) (string, []any) {
	clauses := []string{"w.user_id = ?"}
	args := []any{userID}

	if len(f.BrokerageAccountIDs) > 0 {
		clauses = append(clauses, "be.brokerage_account_id IN ("+placeholders(len(f.BrokerageAccountIDs))+")")
		for _, id := range f.BrokerageAccountIDs {
			args = append(args, id)
		}
	}
	if len(f.Kinds) > 0 {
		clauses = append(clauses, "be.kind IN ("+placeholders(len(f.Kinds))+")")
		for _, k := range f.Kinds {
			args = append(args, k)
		}
	}
	if len(f.Currencies) > 0 {
		clauses = append(clauses, "be.currency IN ("+placeholders(len(f.Currencies))+")")
		for _, c := range f.Currencies {
			args = append(args, c)
		}
	}
	if f.DateFrom != nil {
		clauses = append(clauses, "be.trade_at >= ?")
		args = append(args, f.DateFrom.Format(time.RFC3339))
	}
	if f.DateTo != nil {
		clauses = append(clauses, "be.trade_at <= ?")
		args = append(args, f.DateTo.Format(time.RFC3339))
	}
	if q := strings.TrimSpace(f.Query); q != "" {
		clauses = append(clauses, "i.symbol LIKE ?")
		args = append(args, "%"+q+"%")
	}
	return strings.Join(clauses, " AND "), args
}

func placeholders(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = "?"
	}
	return strings.Join(parts, ",")
}

// EventPatch is one batch-patch row: only non-nil fields are applied.
type EventPatch struct {
	ID         int64
	Quantity   *decimal.Decimal
	Price      *decimal.Decimal
	SplitRatio *decimal.Decimal
}

// BatchPatch updates quantity/price/split_ratio on each patched event (only
// those owned by userID), then rebuilds every affected (account, instrument)
// holding by replaying its full event history, mirroring
// batch_patch_brokerage_events.
func (s *Service) BatchPatch(ctx context.Context, userID string, patches []EventPatch) (int, error) {
	var updated int
	err := database.WithTransaction(s.db, func(tx *sql.Tx) error {
		type pair struct{ accountID, instrumentID int64 }
		affected := map[pair]bool{}

		for _, p := range patches {
			var accountID, instrumentID int64
			err := tx.QueryRowContext(ctx, `
				SELECT be.brokerage_account_id, be.instrument_id
				FROM brokerage_events be
				JOIN brokerage_accounts ba ON ba.id = be.brokerage_account_id
				JOIN wallets w ON w.id = ba.wallet_id
				WHERE be.id = ? AND w.user_id = ?
			`, p.ID, userID).Scan(&accountID, &instrumentID)
			if err == sql.ErrNoRows {
				continue
			}
			if err != nil {
				return apperr.Internal(err)
			}

			sets := []string{}
			args := []any{}
			if p.Quantity != nil {
				sets = append(sets, "quantity = ?")
				args = append(args, p.Quantity.StringFixed(4))
			}
			if p.Price != nil {
				sets = append(sets, "price = ?")
				args = append(args, p.Price.StringFixed(4))
			}
			if p.SplitRatio != nil {
				sets = append(sets, "split_ratio = ?")
				args = append(args, p.SplitRatio.StringFixed(4))
			}
			if len(sets) == 0 {
				continue
			}
			args = append(args, p.ID)
			if _, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE brokerage_events SET %s WHERE id = ?`, strings.Join(sets, ", ")), args...); err != nil {
				return apperr.Internal(fmt.Errorf("patch brokerage event %d: %w", p.ID, err))
			}
			updated++
			affected[pair{accountID, instrumentID}] = true
		}

		for pr := range affected {
			if err := rebuildHoldingTx(ctx, tx, pr.accountID, pr.instrumentID); err != nil {
				return err
			}
		}
		return nil
	})
	return updated, err
}

// DeleteEvent deletes a user-owned event and rebuilds the affected holding.
// Returns apperr.NotFound if the event does not exist or isn't owned by userID.
func (s *Service) DeleteEvent(ctx context.Context, userID string, eventID int64) error {
	return database.WithTransaction(s.db, func(tx *sql.Tx) error {
		var accountID, instrumentID int64
		err := tx.QueryRowContext(ctx, `
			SELECT be.brokerage_account_id, be.instrument_id
			FROM brokerage_events be
			JOIN brokerage_accounts ba ON ba.id = be.brokerage_account_id
			JOIN wallets w ON w.id = ba.wallet_id
			WHERE be.id = ? AND w.user_id = ?
		`, eventID, userID).Scan(&accountID, &instrumentID)
		if err == sql.ErrNoRows {
			return apperr.NotFound("brokerage event %d not found for user %s", eventID, userID)
		}
		if err != nil {
			return apperr.Internal(err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM brokerage_events WHERE id = ?`, eventID); err != nil {
			return apperr.Internal(err)
		}
		return rebuildHoldingTx(ctx, tx, accountID, instrumentID)
	})
}

// rebuildHoldingTx replays every event for (accountID, instrumentID) in
// trade_at,id order and writes the resulting holding, deleting it if the
// quantity nets to zero — mirrors rebuild_holding_from_events.
func rebuildHoldingTx(ctx context.Context, tx *sql.Tx, accountID, instrumentID int64) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, kind, trade_at, quantity, price, split_ratio, currency
		FROM brokerage_events
		WHERE brokerage_account_id = ? AND instrument_id = ?
		ORDER BY trade_at ASC, id ASC
	`, accountID, instrumentID)
	if err != nil {
		return apperr.Internal(err)
	}
	var events []domain.BrokerageEvent
	for rows.Next() {
		var ev domain.BrokerageEvent
		var tradeAt string
		var qty, price string
		var splitRatio sql.NullString
		if err := rows.Scan(&ev.ID, &ev.Kind, &tradeAt, &qty, &price, &splitRatio, &ev.Currency); err != nil {
			rows.Close()
			return apperr.Internal(err)
		}
		ev.TradeAt, _ = time.Parse(time.RFC3339, tradeAt)
		ev.Quantity, _ = decimal.NewFromString(qty)
		ev.Price, _ = decimal.NewFromString(price)
		if splitRatio.Valid {
			r, _ := decimal.NewFromString(splitRatio.String)
			ev.SplitRatio = &r
		}
		ev.BrokerageAccountID, ev.InstrumentID = accountID, instrumentID
		events = append(events, ev)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return apperr.Internal(err)
	}

	rebuilt, err := holding.Rebuild(accountID, instrumentID, events)
	if err != nil {
		return apperr.Internal(fmt.Errorf("rebuild holding for account=%d instrument=%d: %w", accountID, instrumentID, err))
	}

	if rebuilt.Quantity.IsZero() {
		_, err := tx.ExecContext(ctx, `DELETE FROM holdings WHERE brokerage_account_id = ? AND instrument_id = ?`, accountID, instrumentID)
		if err != nil {
			return apperr.Internal(err)
		}
		return nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO holdings (brokerage_account_id, instrument_id, quantity, avg_cost)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(brokerage_account_id, instrument_id) DO UPDATE SET
			quantity = excluded.quantity, avg_cost = excluded.avg_cost, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
	`, accountID, instrumentID, rebuilt.Quantity.StringFixed(4), rebuilt.AvgCost.StringFixed(4))
	if err != nil {
		return apperr.Internal(err)
	}
	return nil
}
