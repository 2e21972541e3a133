// Package holding implements the position-update arithmetic shared by every
// path that mutates a Holding: applying one brokerage event in place, and
// rebuilding a holding from scratch by replaying its full event history.
package holding

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/aristath/walletcore/internal/apperr"
	"github.com/aristath/walletcore/internal/domain"
)

// Apply mutates h in place to reflect event, following the same transitions
// as the original apply_event_to_holding:
//
//	BUY   -> weighted-average cost into the new quantity; a BUY that exactly
//	         zeroes the position resets avg_cost to zero rather than dividing
//	         by zero.
//	SELL  -> quantity decreases, avg_cost is unchanged. Selling more than the
//	         holding carries is a validation error.
//	SPLIT -> quantity scales by the ratio, avg_cost scales by its inverse, so
//	         quantity*avg_cost is invariant.
//	DIV   -> no effect on the position; dividends only move cash.
func Apply(h *domain.Holding, event domain.BrokerageEvent) error {
	switch event.Kind {
	case domain.EventBuy:
		return applyBuy(h, event)
	case domain.EventSell:
		return applySell(h, event)
	case domain.EventSplit:
		return applySplit(h, event)
	case domain.EventDiv:
		return nil
	default:
		return apperr.Validation("unsupported brokerage event kind: %q", event.Kind)
	}
}

func applyBuy(h *domain.Holding, event domain.BrokerageEvent) error {
	if event.Quantity.Sign() <= 0 {
		return apperr.Validation("BUY quantity must be positive")
	}

	newQty := h.Quantity.Add(event.Quantity)
	if newQty.IsZero() {
		h.Quantity = decimal.Zero
		h.AvgCost = decimal.Zero
		return nil
	}

	oldCost := h.Quantity.Mul(h.AvgCost)
	newCost := event.Quantity.Mul(event.Price)
	h.Quantity = newQty
	h.AvgCost = oldCost.Add(newCost).Div(newQty)
	return nil
}

func applySell(h *domain.Holding, event domain.BrokerageEvent) error {
	if event.Quantity.Sign() <= 0 {
		return apperr.Validation("SELL quantity must be positive")
	}

	newQty := h.Quantity.Sub(event.Quantity)
	if newQty.Sign() < 0 {
		return apperr.Validation("cannot sell more than holding quantity")
	}
	h.Quantity = newQty
	return nil
}

func applySplit(h *domain.Holding, event domain.BrokerageEvent) error {
	if event.SplitRatio == nil || event.SplitRatio.Sign() <= 0 {
		return apperr.Validation("split ratio must be > 0")
	}
	ratio := *event.SplitRatio
	h.Quantity = h.Quantity.Mul(ratio)
	h.AvgCost = h.AvgCost.Div(ratio)
	return nil
}

// Rebuild replays events (which need not be pre-sorted) in trade_at, then id
// order and returns the resulting holding for the given account/instrument.
// A zero-quantity result is a valid outcome; callers that persist via a store
// decide whether that means deleting the row (mirroring
// rebuild_holding_from_events, which deletes the holding once its replayed
// quantity returns to zero).
func Rebuild(brokerageAccountID, instrumentID int64, events []domain.BrokerageEvent) (domain.Holding, error) {
	ordered := make([]domain.BrokerageEvent, len(events))
	copy(ordered, events)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].TradeAt.Equal(ordered[j].TradeAt) {
			return ordered[i].TradeAt.Before(ordered[j].TradeAt)
		}
		return ordered[i].ID < ordered[j].ID
	})

	h := domain.Holding{
		BrokerageAccountID: brokerageAccountID,
		InstrumentID:       instrumentID,
		Quantity:           decimal.Zero,
		AvgCost:            decimal.Zero,
	}
	for _, event := range ordered {
		if err := Apply(&h, event); err != nil {
			return domain.Holding{}, err
		}
	}
	return h, nil
}
