package handler

import (
	"net/http"
	"strings"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// APIKeyHeader carries operator API keys.
const APIKeyHeader = "X-API-Key"

// requireAPIKey rejects requests whose API key is missing, unknown or lacks
// scope.
func (h *Handler) requireAPIKey(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := strings.TrimSpace(r.Header.Get(APIKeyHeader))
			info, err := h.authn.Authenticate(r.Context(), key, scope)
			if err != nil {
				writeError(w, r, err)
				return
			}

			lg := zctx.From(r.Context()).With(zap.String("api_key_id", info.ID))
			next.ServeHTTP(w, r.WithContext(zctx.Base(r.Context(), lg)))
		})
	}
}
