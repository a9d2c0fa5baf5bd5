package lti

import (
	"net/http"
	"strings"

	"github.com/quipper/poc/lti/tool/pkg/common/logger"
	"github.com/quipper/poc/lti/tool/pkg/common/ltierr"
)

// jwks serves the public key set platforms use to verify a tool's client assertions.
func (h *Handler) jwks(w http.ResponseWriter, r *http.Request) {
	toolID := strings.TrimSpace(r.URL.Query().Get("toolId"))
	if toolID == "" {
		writeAPIError(w, r, ltierr.New(ltierr.InvalidRequest, "toolId is required"))
		return
	}
	data, err := h.keys.PublishJWKS(r.Context(), toolID)
	if err != nil {
		logger.Debug("[http] jwks tool=%s: %v", toolID, err)
		writeAPIError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=300")
	_, _ = w.Write(data)
}
