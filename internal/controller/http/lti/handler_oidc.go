package lti

import (
	"net/http"

	"github.com/quipper/poc/lti/tool/internal/launch"
	"github.com/quipper/poc/lti/tool/pkg/common/logger"
	"github.com/quipper/poc/lti/tool/pkg/common/ltierr"
)

// login handles the platform's third-party initiated login and redirects the user-agent
// to the platform authorization endpoint.
func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	// Query and form_post parameters are both accepted.
	if err := r.ParseForm(); err != nil {
		writeLaunchError(w, r, ltierr.Wrap(ltierr.InvalidRequest, "unreadable login request", err))
		return
	}
	req := launch.LoginRequest{
		Issuer:         r.Form.Get("iss"),
		LoginHint:      r.Form.Get("login_hint"),
		TargetLinkURI:  r.Form.Get("target_link_uri"),
		LtiMessageHint: r.Form.Get("lti_message_hint"),
		ClientID:       r.Form.Get("client_id"),
		DeploymentID:   r.Form.Get("lti_deployment_id"),
	}
	logger.Debug("[http] login: iss=%s client_id=%s deployment=%s", req.Issuer, req.ClientID, req.DeploymentID)

	redirect, err := h.launches.HandleOIDCLogin(r.Context(), req)
	if err != nil {
		writeLaunchError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, redirect, http.StatusFound)
}
