package server

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"livesync/internal/observability/logging"
)

const maxRequestIDLength = 128

type idGenerator func() string

func requestIDMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return requestIDMiddlewareWithGenerator(logger, uuid.NewString, next)
}

// requestIDMiddlewareWithGenerator honours a caller supplied X-Request-Id when
// it is short printable ASCII and mints a new one otherwise. The ID is echoed
// on the response and attached to the request logger.
func requestIDMiddlewareWithGenerator(logger *slog.Logger, generate idGenerator, next http.Handler) http.Handler {
	if generate == nil {
		generate = uuid.NewString
	}
	if logger == nil {
		logger = slog.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-Id"))
		if !validRequestID(id) {
			id = generate()
		}
		w.Header().Set("X-Request-Id", id)

		ctx := logging.ContextWithRequestID(r.Context(), id)
		ctx = logging.ContextWithLogger(ctx, logging.WithContext(ctx, logger))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return false
		}
	}
	return true
}

func loggerWithRequestContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if scoped := logging.LoggerFromContext(ctx); scoped != nil {
		return scoped
	}
	return logging.WithContext(ctx, logger)
}
