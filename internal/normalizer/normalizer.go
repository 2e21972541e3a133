// Package normalizer implements the pure, I/O-free parsing functions used by
// the ingestion pipeline to turn locale-formatted vendor data into fixed-point
// values: decimals, integers, and last-trade timestamps. Invalid input never
// panics or errors — it yields an absent value (ok=false) that callers skip
// (spec.md §4.1).
package normalizer

import (
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"
	"golang.org/x/text/unicode/norm"
)

var nonNumeric = regexp.MustCompile(`[^0-9.\-]`)

// invalidDecimalLiterals are strings that survive character-stripping but are
// not valid numbers on their own.
var invalidDecimalLiterals = map[string]bool{
	".":  true,
	"-.": true,
	".-": true,
	"-":  true,
}

// ParseLocaleDecimal parses a locale-formatted number such as "1 234,56",
// "12.5%", or "$1,234.50" into a decimal rounded to 2dp. Space is treated as
// a thousands separator, comma is treated as a decimal point (after dot is
// stripped as thousands separator when both are present), percent and
// currency marks are stripped. Returns ok=false for unparsable input.
func ParseLocaleDecimal(raw string) (decimal.Decimal, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return decimal.Zero, false
	}

	s = strings.ReplaceAll(s, "%", "")
	s = strings.ReplaceAll(s, " ", "")
	s = strings.ReplaceAll(s, " ", "") // non-breaking space, common in vendor tables

	// If both separators are present, the right-most one is the decimal point.
	lastComma := strings.LastIndex(s, ",")
	lastDot := strings.LastIndex(s, ".")
	if lastComma != -1 && lastDot != -1 {
		if lastComma > lastDot {
			s = strings.ReplaceAll(s[:lastComma], ".", "") + "." + s[lastComma+1:]
		} else {
			s = strings.ReplaceAll(s[:lastDot], ",", "") + s[lastDot:]
		}
	} else if lastComma != -1 {
		s = s[:lastComma] + "." + s[lastComma+1:]
	}

	s = nonNumeric.ReplaceAllString(s, "")
	if s == "" || invalidDecimalLiterals[s] {
		return decimal.Zero, false
	}

	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return v.Round(2), true
}

var nonDigit = regexp.MustCompile(`[^0-9]`)

// ParseLocaleInt parses a locale-formatted integer (e.g. volume figures with
// thousands separators) by stripping every non-digit character. Returns
// ok=false when nothing digit-like remains.
func ParseLocaleInt(raw string) (int64, bool) {
	s := nonDigit.ReplaceAllString(raw, "")
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// ParseLastTradeAt parses a vendor-supplied "last transaction time" cell,
// accepting "HH:MM:SS" or "HH:MM" and combining it with today's date in the
// given location. Empty or unparsable input falls back to the current UTC
// timestamp, matching the ingestion pipeline's never-fail policy.
func ParseLastTradeAt(raw string, now time.Time, loc *time.Location) time.Time {
	s := strings.TrimSpace(raw)
	if s == "" {
		return now.UTC()
	}

	for _, layout := range []string{"15:04:05", "15:04"} {
		t, err := time.ParseInLocation(layout, s, loc)
		if err != nil {
			continue
		}
		local := now.In(loc)
		return time.Date(local.Year(), local.Month(), local.Day(), t.Hour(), t.Minute(), t.Second(), 0, loc)
	}

	return now.UTC()
}

// StripCombiningMarks removes Unicode combining marks (accents, diacritics)
// from s, for accent-insensitive symbol/name comparisons.
func StripCombiningMarks(s string) string {
	var b strings.Builder
	for _, r := range norm.NFD.String(s) {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		b.WriteRune(r)
	}
	return norm.NFC.String(b.String())
}
