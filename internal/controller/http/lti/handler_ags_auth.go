package lti

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/quipper/poc/lti/tool/pkg/common/logger"
	"github.com/quipper/poc/lti/tool/pkg/common/ltierr"
)

// requireInternalToken guards internal endpoints with the shared bearer token.
// When no token is configured the endpoint is open.
func (h *Handler) requireInternalToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.internalToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		if len(auth) < len("Bearer ") || !strings.EqualFold(auth[:len("Bearer ")], "bearer ") {
			w.Header().Set("WWW-Authenticate", `Bearer realm="lti-internal", error="invalid_request"`)
			writeAPIError(w, r, ltierr.New(ltierr.Unauthorized, "missing bearer token"))
			return
		}
		tok := strings.TrimSpace(auth[len("Bearer "):])
		if subtle.ConstantTimeCompare([]byte(tok), []byte(h.internalToken)) != 1 {
			logger.Audit("lti.internal.unauthorized", "path", r.URL.Path, "remote", r.RemoteAddr)
			w.Header().Set("WWW-Authenticate", `Bearer realm="lti-internal", error="invalid_token"`)
			writeAPIError(w, r, ltierr.New(ltierr.Unauthorized, "invalid bearer token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
