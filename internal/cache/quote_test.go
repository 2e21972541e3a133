package cache

import (
	"context"
	"testing"

	redismock "github.com/go-redis/redismock/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockCache() (*Cache, redismock.ClientMock) {
	client, mock := redismock.NewClientMock()
	return &Cache{client: client}, mock
}

func TestQuoteCache_SetLatest(t *testing.T) {
	c, mock := newMockCache()
	qc := NewQuoteCache(c, 3600)

	key := "walletcore:quotes:pl-wse"
	expectedJSON := `{"price":"42.5","currency":"PLN","last_trade_at":"2026-07-31T14:00:00Z"}`

	mock.ExpectTxPipeline()
	mock.ExpectHSet(key, "PKO", []byte(expectedJSON)).SetVal(1)
	mock.ExpectExpire(key, seconds(3600)).SetVal(true)
	mock.ExpectTxPipelineExec()

	err := qc.SetLatest(context.Background(), "pl-wse", "PKO", QuotePayload{
		Price:       decimal.RequireFromString("42.50"),
		Currency:    "PLN",
		LastTradeAt: "2026-07-31T14:00:00Z",
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQuoteCache_GetLatest_Miss(t *testing.T) {
	c, mock := newMockCache()
	qc := NewQuoteCache(c, 3600)

	key := "walletcore:quotes:pl-wse"
	mock.ExpectHGet(key, "UNKNOWN").RedisNil()

	_, ok, err := qc.GetLatest(context.Background(), "pl-wse", "UNKNOWN")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestQuoteCache_GetLatest_Hit(t *testing.T) {
	c, mock := newMockCache()
	qc := NewQuoteCache(c, 3600)

	key := "walletcore:quotes:pl-wse"
	mock.ExpectHGet(key, "PKO").SetVal(`{"price":"42.5","currency":"PLN","last_trade_at":"2026-07-31T14:00:00Z"}`)

	payload, ok, err := qc.GetLatest(context.Background(), "pl-wse", "PKO")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "PLN", payload.Currency)
	assert.True(t, decimal.RequireFromString("42.5").Equal(payload.Price))
}

func TestQuoteCache_GetAllLatest(t *testing.T) {
	c, mock := newMockCache()
	qc := NewQuoteCache(c, 3600)

	key := "walletcore:quotes:pl-wse"
	mock.ExpectHGetAll(key).SetVal(map[string]string{
		"PKO": `{"price":"42.50","currency":"PLN","last_trade_at":"2026-07-31T14:00:00Z"}`,
		"CDR": `{"price":"150.00","currency":"PLN","last_trade_at":"2026-07-31T14:00:00Z"}`,
	})

	quotes, err := qc.GetAllLatest(context.Background(), "pl-wse")
	require.NoError(t, err)
	assert.Len(t, quotes, 2)
	assert.Equal(t, "PLN", quotes["PKO"].Currency)
}
