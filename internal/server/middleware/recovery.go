// Package middleware holds HTTP middleware for the health server.
package middleware

import (
	"fmt"
	"net/http"

	apperrors "github.com/fulmenhq/gofulmen/errors"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/autominion/minion/internal/observability"
	"github.com/autominion/minion/internal/server/handlers"
)

// Recovery turns a handler panic into a 500 INTERNAL_ERROR envelope. The
// request id, when chi's RequestID middleware set one, becomes the
// envelope's correlation id.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}

			reqID := chimw.GetReqID(r.Context())
			observability.CLILogger.Error("HTTP handler panic",
				zap.Any("panic", rec),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("request_id", reqID),
			)

			env := apperrors.NewErrorEnvelope(handlers.CodeInternal, fmt.Sprintf("panic: %v", rec)).
				WithPath(r.URL.Path).
				WithCorrelationID(reqID)
			handlers.RespondWithError(w, http.StatusInternalServerError, env)
		}()
		next.ServeHTTP(w, r)
	})
}
