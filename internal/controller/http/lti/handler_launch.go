package lti

import (
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/quipper/poc/lti/tool/pkg/common/ltierr"
)

// launch receives the platform's form_post (id_token, state), runs the launch and sends
// the browser to its session.
func (h *Handler) launch(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeLaunchError(w, r, ltierr.Wrap(ltierr.InvalidRequest, "unreadable launch request", err))
		return
	}
	if errMsg := r.PostForm.Get("error"); errMsg != "" {
		// The platform refused authentication (e.g. login_required with prompt=none).
		writeLaunchError(w, r, ltierr.Newf(ltierr.InvalidRequest, "platform returned %s", errMsg))
		return
	}
	l, err := h.launches.HandleLaunch(r.Context(), r.PostForm.Get("id_token"), r.PostForm.Get("state"))
	if err != nil {
		writeLaunchError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, "/lti/session/"+url.PathEscape(l.ID), http.StatusFound)
}

func (h *Handler) session(w http.ResponseWriter, r *http.Request) {
	sum, err := h.launches.Summarize(r.Context(), chi.URLParam(r, "launchId"))
	if err != nil {
		writeLaunchError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, sum)
}
