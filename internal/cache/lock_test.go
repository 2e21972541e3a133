package cache

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLock_AcquireSucceedsWhenFree(t *testing.T) {
	c, mock := newMockCache()
	lock := NewLock(c)

	key := "walletcore:lock:ingest:pl-wse"
	mock.Regexp().ExpectSetNX(key, `.+`, seconds(780)).SetVal(true)

	_, ok, err := lock.Acquire(context.Background(), "pl-wse", 780)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLock_AcquireFailsWhenHeld(t *testing.T) {
	c, mock := newMockCache()
	lock := NewLock(c)

	key := "walletcore:lock:ingest:pl-wse"
	mock.Regexp().ExpectSetNX(key, `.+`, seconds(780)).SetVal(false)

	_, ok, err := lock.Acquire(context.Background(), "pl-wse", 780)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLock_AcquireDoesNotDeleteFirst(t *testing.T) {
	// Regression guard: acquisition must be a single SETNX with no preceding
	// DEL. A mock whose only registered expectation is the SETNX proves no
	// other command is issued beforehand.
	c, mock := newMockCache()
	lock := NewLock(c)

	key := "walletcore:lock:ingest:pl-wse"
	mock.Regexp().ExpectSetNX(key, `.+`, seconds(780)).SetVal(true)

	_, ok, err := lock.Acquire(context.Background(), "pl-wse", 780)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithLock_SkipsWhenAlreadyHeld(t *testing.T) {
	c, mock := newMockCache()
	lock := NewLock(c)

	key := "walletcore:lock:ingest:pl-wse"
	mock.Regexp().ExpectSetNX(key, `.+`, seconds(780)).SetVal(false)

	called := false
	acquired, err := WithLock(context.Background(), lock, "pl-wse", 780, func(ctx context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.False(t, acquired)
	assert.False(t, called)
}

func TestWithLock_PropagatesFnError(t *testing.T) {
	c, mock := newMockCache()
	lock := NewLock(c)

	key := "walletcore:lock:ingest:pl-wse"
	mock.Regexp().ExpectSetNX(key, `.+`, seconds(780)).SetVal(true)
	mock.Regexp().ExpectEval(releaseScript, []string{key}, `.+`).SetVal(int64(1))

	boom := errors.New("boom")
	acquired, err := WithLock(context.Background(), lock, "pl-wse", 780, func(ctx context.Context) error {
		return boom
	})
	assert.True(t, acquired)
	assert.ErrorIs(t, err, boom)
}
