package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// AnchorCurrency is the currency every FX map is guaranteed to carry pairs
// against when neither a direct nor an inverse rate is present. A cross
// through the anchor is the last fallback in Convert (spec.md §8 property 11,
// GLOSSARY "FX map").
const AnchorCurrency = "USD"

// RateMap maps "SRC/DST" pair codes to decimal rates, as stored in
// FxMonthlySnapshot.rates_json and passed around the reporting layer.
type RateMap map[string]decimal.Decimal

func pairKey(src, dst string) string {
	return src + "/" + dst
}

// Direct returns the rate for src->dst if present in the map.
func (r RateMap) Direct(src, dst string) (decimal.Decimal, bool) {
	v, ok := r[pairKey(src, dst)]
	return v, ok
}

// Convert converts amount from src to dst using, in order:
//  1. the direct pair src/dst, if present: amount * rate
//  2. the inverse pair dst/src, if present: amount / rate
//  3. a cross through AnchorCurrency: amount * (src/anchor) * (anchor/dst),
//     resolving each leg itself via direct-then-inverse.
//
// Returns an error if no path can be resolved. Same-currency conversion is
// always the identity and short-circuits before any lookup.
func (r RateMap) Convert(amount decimal.Decimal, src, dst string) (decimal.Decimal, error) {
	if src == dst {
		return amount, nil
	}

	if rate, ok := r.Direct(src, dst); ok {
		return Round2(amount.Mul(rate)), nil
	}

	if rate, ok := r.Direct(dst, src); ok && !rate.IsZero() {
		return Round2(amount.Div(rate)), nil
	}

	// Anchor cross: amount -> anchor -> dst.
	toAnchor, err := r.legToAnchor(amount, src)
	if err != nil {
		return decimal.Zero, err
	}
	fromAnchor, err := r.legFromAnchor(toAnchor, dst)
	if err != nil {
		return decimal.Zero, err
	}
	return Round2(fromAnchor), nil
}

func (r RateMap) legToAnchor(amount decimal.Decimal, src string) (decimal.Decimal, error) {
	if src == AnchorCurrency {
		return amount, nil
	}
	if rate, ok := r.Direct(src, AnchorCurrency); ok {
		return amount.Mul(rate), nil
	}
	if rate, ok := r.Direct(AnchorCurrency, src); ok && !rate.IsZero() {
		return amount.Div(rate), nil
	}
	return decimal.Zero, fmt.Errorf("no fx path from %s to anchor %s", src, AnchorCurrency)
}

func (r RateMap) legFromAnchor(amount decimal.Decimal, dst string) (decimal.Decimal, error) {
	if dst == AnchorCurrency {
		return amount, nil
	}
	if rate, ok := r.Direct(AnchorCurrency, dst); ok {
		return amount.Mul(rate), nil
	}
	if rate, ok := r.Direct(dst, AnchorCurrency); ok && !rate.IsZero() {
		return amount.Div(rate), nil
	}
	return decimal.Zero, fmt.Errorf("no fx path from anchor %s to %s", AnchorCurrency, dst)
}
