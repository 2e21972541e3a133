package quoteclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatestForSymbols_ParsesResponseIntoMapBySymbol(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/quotes/latest/symbols", r.URL.Path)
		var body struct {
			Symbols []string `json:"symbols"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, []string{"AAPL", "GC.F"}, body.Symbols)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"symbol":"AAPL","price":"150.00","currency":"USD","change_pct":"1.20"}]`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, zerolog.Nop())
	quotes := c.LatestForSymbols(context.Background(), []string{"AAPL", "GC.F"})

	require.Contains(t, quotes, "AAPL")
	assert.Equal(t, "150", quotes["AAPL"].Price.String())
	assert.NotContains(t, quotes, "GC.F")
}

func TestLatestForSymbols_EmptyInputSkipsRequest(t *testing.T) {
	c := NewClient("http://unused.invalid", zerolog.Nop())
	quotes := c.LatestForSymbols(context.Background(), nil)
	assert.Empty(t, quotes)
}

func TestLatestForSymbols_NonOKStatusDegradesToEmptyMap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, zerolog.Nop())
	quotes := c.LatestForSymbols(context.Background(), []string{"AAPL"})
	assert.Empty(t, quotes, "a failed upstream call must never propagate as an error here")
}

func TestLatestForSymbols_UnreachableHostDegradesToEmptyMap(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", zerolog.Nop())
	quotes := c.LatestForSymbols(context.Background(), []string{"AAPL"})
	assert.Empty(t, quotes)
}

func TestSyncDailyCandles_BuildsSymbolScopedPathAndParsesResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/instruments/AAPL/candles/daily/sync", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"symbol":"AAPL","synced":5}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, zerolog.Nop())
	result, err := c.SyncDailyCandles(context.Background(), "AAPL", "2026-01-01", "2026-01-31", SyncOptions{OverlapDays: 7})
	require.NoError(t, err)
	assert.Equal(t, 5, result.Synced)
}

func TestSyncDailyCandles_NonOKStatusReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, zerolog.Nop())
	_, err := c.SyncDailyCandles(context.Background(), "AAPL", "", "", SyncOptions{})
	assert.Error(t, err, "scheduled sync triggers must surface failures so the job can retry")
}
