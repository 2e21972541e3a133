package normalizer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseLocaleDecimal(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantOK  bool
	}{
		{"1 234,56", "1234.56", true},
		{"12.50%", "12.5", true},
		{"-3,14", "-3.14", true},
		{"1,234.50", "1234.5", true},
		{".", "", false},
		{"-", "", false},
		{"", "", false},
		{"abc", "", false},
	}

	for _, tt := range tests {
		got, ok := ParseLocaleDecimal(tt.in)
		assert.Equal(t, tt.wantOK, ok, "input %q", tt.in)
		if tt.wantOK {
			assert.Equal(t, tt.want, got.String(), "input %q", tt.in)
		}
	}
}

func TestParseLocaleInt(t *testing.T) {
	got, ok := ParseLocaleInt("1 234 567")
	assert.True(t, ok)
	assert.Equal(t, int64(1234567), got)

	_, ok = ParseLocaleInt("---")
	assert.False(t, ok)
}

func TestParseLastTradeAt(t *testing.T) {
	loc := time.UTC
	now := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)

	got := ParseLastTradeAt("14:05:30", now, loc)
	assert.Equal(t, 2026, got.Year())
	assert.Equal(t, time.July, got.Month())
	assert.Equal(t, 31, got.Day())
	assert.Equal(t, 14, got.Hour())
	assert.Equal(t, 5, got.Minute())
	assert.Equal(t, 30, got.Second())

	got = ParseLastTradeAt("", now, loc)
	assert.Equal(t, now.UTC(), got)

	got = ParseLastTradeAt("garbage", now, loc)
	assert.Equal(t, now.UTC(), got)
}

func TestStripCombiningMarks(t *testing.T) {
	assert.Equal(t, "cafe", StripCombiningMarks("café"))
	assert.Equal(t, "Zurich", StripCombiningMarks("Zürich"))
}
