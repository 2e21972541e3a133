package server

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/aristath/walletcore/internal/apperr"
)

type ctxKey int

const userIDCtxKey ctxKey = iota

// userIDMiddleware parses and validates the X-User-Id header as a UUID,
// matching spec.md §6's auth model: the crypto/session service is an
// external collaborator, this repo only propagates and validates the header.
func userIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get("X-User-Id")
		if raw == "" {
			writeError(w, apperr.Unauthorized("missing X-User-Id header"))
			return
		}
		if _, err := uuid.Parse(raw); err != nil {
			writeError(w, apperr.Unauthorized("X-User-Id must be a valid UUID"))
			return
		}
		ctx := context.WithValue(r.Context(), userIDCtxKey, raw)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userIDFrom(r *http.Request) string {
	v, _ := r.Context().Value(userIDCtxKey).(string)
	return v
}

func statusFor(err error) int {
	return apperr.StatusFor(err)
}
