// Package money implements fixed-point (2dp) decimal helpers shared by the
// brokerage engine, reporting, and the HTTP handlers: cash-effect computation
// for brokerage events and FX conversion with fallback.
package money

import (
	"github.com/shopspring/decimal"

	"github.com/aristath/walletcore/internal/domain"
)

// Round2 rounds d to 2 decimal places, the precision used for money amounts
// such as cash effects.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// CashEffect computes the signed cash impact of a brokerage event on its
// linked deposit account:
//
//	BUY   -> -quantity*price
//	SELL  -> +quantity*price
//	DIV   -> +quantity*price
//	SPLIT -> 0
//	other -> 0
func CashEffect(kind domain.EventKind, quantity, price decimal.Decimal) decimal.Decimal {
	switch kind {
	case domain.EventBuy:
		return Round2(quantity.Mul(price).Neg())
	case domain.EventSell, domain.EventDiv:
		return Round2(quantity.Mul(price))
	default:
		return decimal.Zero
	}
}
