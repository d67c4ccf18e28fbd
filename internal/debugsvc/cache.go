package debugsvc

import (
	"encoding/json"
	"net/http"

	"github.com/AdguardTeam/golibs/httphdr"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
)

// cacheHandler performs debug cache purges.
type cacheHandler struct {
	cache CacheClearer
}

// type check
var _ http.Handler = (*cacheHandler)(nil)

// cachePurgeResponse describes the response to the POST /debug/api/cache/clear
// HTTP API.
type cachePurgeResponse struct {
	Results map[string]string `json:"results"`
}

// ServeHTTP implements the [http.Handler] interface for *cacheHandler.
func (h *cacheHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	l := slogutil.MustLoggerFromContext(ctx)

	h.cache.Clear()

	l.InfoContext(ctx, "response cache cleared")

	resp := &cachePurgeResponse{
		Results: map[string]string{
			"response_cache": "ok",
		},
	}

	w.Header().Set(httphdr.ContentType, "application/json")
	err := json.NewEncoder(w).Encode(resp)
	if err != nil {
		l.ErrorContext(ctx, "writing response", slogutil.KeyError, err)
	}
}
