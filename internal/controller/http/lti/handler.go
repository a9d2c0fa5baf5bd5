package lti

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/quipper/poc/lti/tool/internal/ags"
	"github.com/quipper/poc/lti/tool/internal/launch"
	"github.com/quipper/poc/lti/tool/pkg/common/logger"
	"github.com/quipper/poc/lti/tool/pkg/common/ltierr"
	"github.com/quipper/poc/lti/tool/pkg/common/metrics"
	lr "github.com/quipper/poc/lti/tool/pkg/repositories/launch"
)

// genericLaunchError is the only message a browser sees for a failed login or launch.
const genericLaunchError = "Unable to start or continue this activity."

// LaunchFlow is the launch state machine as used by the browser-facing endpoints.
type LaunchFlow interface {
	HandleOIDCLogin(ctx context.Context, req launch.LoginRequest) (string, error)
	HandleLaunch(ctx context.Context, idToken, state string) (*lr.Launch, error)
	Summarize(ctx context.Context, launchID string) (*launch.Summary, error)
	Complete(ctx context.Context, launchID string) (*lr.Launch, error)
}

// Grader posts scores to the platform.
type Grader interface {
	SendResult(ctx context.Context, launchID string, score float64, completed bool, comment string) (*ags.Result, error)
}

// KeyPublisher serves a tool's public keys.
type KeyPublisher interface {
	PublishJWKS(ctx context.Context, toolID string) ([]byte, error)
}

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

type Handler struct {
	launches      LaunchFlow
	grader        Grader
	keys          KeyPublisher
	metrics       *metrics.Metrics
	internalToken string
	checks        map[string]HealthCheck
}

type Options struct {
	// InternalToken protects POST /lti/grade. Empty leaves it open.
	InternalToken string
	Metrics       *metrics.Metrics
	HealthChecks  map[string]HealthCheck
}

func NewHandler(launches LaunchFlow, grader Grader, keys KeyPublisher, opts Options) *Handler {
	return &Handler{
		launches:      launches,
		grader:        grader,
		keys:          keys,
		metrics:       opts.Metrics,
		internalToken: opts.InternalToken,
		checks:        opts.HealthChecks,
	}
}

// Router returns the chi router for the LTI, health and metrics endpoints.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", h.health)
	r.Method(http.MethodGet, "/metrics", h.metrics.Handler())

	r.Route("/lti", func(r chi.Router) {
		// OIDC third-party initiated login; platforms use either method.
		r.Get("/login", h.login)
		r.Post("/login", h.login)
		r.Post("/launch", h.launch)
		r.Get("/session/{launchId}", h.session)
		r.Get("/jwks", h.jwks)

		r.With(h.requireInternalToken).Post("/grade", h.grade)
	})
	return r
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	for name, check := range h.checks {
		if err := check(r.Context()); err != nil {
			logger.Warn("[http] health check %s failed: %v", name, err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unhealthy", "failing": name})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type errorBody struct {
	Error         string `json:"error"`
	Code          string `json:"code"`
	CorrelationID string `json:"correlationId,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeLaunchError answers a browser with the generic message, the code and the request id
// so support can find the logged cause.
func writeLaunchError(w http.ResponseWriter, r *http.Request, err error) {
	code := ltierr.CodeOf(err)
	writeJSON(w, ltierr.StatusFor(code), errorBody{
		Error:         genericLaunchError,
		Code:          string(code),
		CorrelationID: middleware.GetReqID(r.Context()),
	})
}

// writeAPIError answers an internal caller with the classified message. Unclassified
// causes are logged and never echoed.
func writeAPIError(w http.ResponseWriter, r *http.Request, err error) {
	body := errorBody{Code: string(ltierr.Internal), Error: "internal error", CorrelationID: middleware.GetReqID(r.Context())}
	status := http.StatusInternalServerError
	var e *ltierr.Error
	if errors.As(err, &e) {
		body.Code = string(e.Code)
		body.Error = e.Message
		status = e.HTTPStatus()
		if e.Retryable {
			w.Header().Set("Retry-After", "30")
		}
	}
	if status >= http.StatusInternalServerError {
		logger.Error("[http] %s %s: %v", r.Method, r.URL.Path, err)
	}
	writeJSON(w, status, body)
}
