package lti

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/require"

	"github.com/quipper/poc/lti/tool/internal/ags"
	"github.com/quipper/poc/lti/tool/internal/launch"
	"github.com/quipper/poc/lti/tool/pkg/common/ltierr"
	lr "github.com/quipper/poc/lti/tool/pkg/repositories/launch"
)

type fakeFlow struct {
	loginReq  launch.LoginRequest
	loginErr  error
	launchErr error
	completed []string
}

func (f *fakeFlow) HandleOIDCLogin(_ context.Context, req launch.LoginRequest) (string, error) {
	f.loginReq = req
	if f.loginErr != nil {
		return "", f.loginErr
	}
	return "https://canvas.example.edu/api/lti/authorize_redirect?state=s1", nil
}

func (f *fakeFlow) HandleLaunch(_ context.Context, idToken, state string) (*lr.Launch, error) {
	if f.launchErr != nil {
		return nil, f.launchErr
	}
	if idToken == "" || state == "" {
		return nil, ltierr.New(ltierr.InvalidRequest, "missing")
	}
	return &lr.Launch{ID: "launch-1", Status: lr.StatusActive}, nil
}

func (f *fakeFlow) Summarize(_ context.Context, launchID string) (*launch.Summary, error) {
	if launchID != "launch-1" {
		return nil, ltierr.New(ltierr.LaunchNotFound, "launch not found")
	}
	return &launch.Summary{ID: launchID, Status: lr.StatusActive, GradeStatus: lr.GradeNone, UserRole: "Learner"}, nil
}

func (f *fakeFlow) Complete(_ context.Context, launchID string) (*lr.Launch, error) {
	f.completed = append(f.completed, launchID)
	return &lr.Launch{ID: launchID, Status: lr.StatusCompleted}, nil
}

type fakeGrader struct {
	err error
}

func (g fakeGrader) SendResult(_ context.Context, launchID string, score float64, _ bool, _ string) (*ags.Result, error) {
	if g.err != nil {
		return nil, g.err
	}
	maximum := 100.0
	return &ags.Result{LaunchID: launchID, GradeStatus: lr.GradeSent, ScoreGiven: &score, ScoreMaximum: &maximum}, nil
}

type fakeKeys map[string][]byte

func (k fakeKeys) PublishJWKS(_ context.Context, toolID string) ([]byte, error) {
	if toolID == "broken" {
		return nil, ltierr.New(ltierr.ToolKeysUnavailable, "custodian down")
	}
	if b, ok := k[toolID]; ok {
		return b, nil
	}
	return nil, ltierr.New(ltierr.ToolNotFound, "tool not found")
}

func newServer(flow *fakeFlow, grader Grader, opts Options) http.Handler {
	h := NewHandler(flow, grader, fakeKeys{"tool-1": []byte(`{"keys":[]}`)}, opts)
	return middleware.RequestID(h.Router())
}

func do(t *testing.T, srv http.Handler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestLoginRedirects(t *testing.T) {
	flow := &fakeFlow{}
	srv := newServer(flow, fakeGrader{}, Options{})

	form := url.Values{
		"iss":               {"https://canvas.example.edu"},
		"login_hint":        {"user-1"},
		"target_link_uri":   {"https://tool.example.com/activity/42"},
		"client_id":         {"abc123"},
		"lti_deployment_id": {"dep1"},
	}
	req := httptest.NewRequest(http.MethodPost, "/lti/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := do(t, srv, req)

	require.Equal(t, http.StatusFound, rec.Code)
	require.Equal(t, "https://canvas.example.edu/api/lti/authorize_redirect?state=s1", rec.Header().Get("Location"))
	require.Equal(t, "abc123", flow.loginReq.ClientID)
	require.Equal(t, "dep1", flow.loginReq.DeploymentID)

	rec = do(t, srv, httptest.NewRequest(http.MethodGet, "/lti/login?"+form.Encode(), nil))
	require.Equal(t, http.StatusFound, rec.Code)
}

func TestLoginErrorIsGeneric(t *testing.T) {
	flow := &fakeFlow{loginErr: ltierr.New(ltierr.UnknownPlatform, "no registration for https://evil.example")}
	srv := newServer(flow, fakeGrader{}, Options{})

	rec := do(t, srv, httptest.NewRequest(http.MethodGet, "/lti/login?iss=https://evil.example&login_hint=x&target_link_uri=https://t", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	body := decode(t, rec)
	require.Equal(t, genericLaunchError, body["error"])
	require.Equal(t, "UNKNOWN_PLATFORM", body["code"])
	require.NotEmpty(t, body["correlationId"])
	require.NotContains(t, rec.Body.String(), "evil.example")
}

func TestLaunchRedirectsToSession(t *testing.T) {
	srv := newServer(&fakeFlow{}, fakeGrader{}, Options{})

	form := url.Values{"id_token": {"a.b.c"}, "state": {"s1"}}
	req := httptest.NewRequest(http.MethodPost, "/lti/launch", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := do(t, srv, req)
	require.Equal(t, http.StatusFound, rec.Code)
	require.Equal(t, "/lti/session/launch-1", rec.Header().Get("Location"))

	rec = do(t, srv, httptest.NewRequest(http.MethodGet, "/lti/session/launch-1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	require.Equal(t, "ACTIVE", body["status"])
	require.Equal(t, "Learner", body["userRole"])
}

func TestLaunchRejection(t *testing.T) {
	flow := &fakeFlow{launchErr: ltierr.New(ltierr.InvalidState, "state not found")}
	srv := newServer(flow, fakeGrader{}, Options{})

	form := url.Values{"id_token": {"a.b.c"}, "state": {"replayed"}}
	req := httptest.NewRequest(http.MethodPost, "/lti/launch", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := do(t, srv, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "INVALID_STATE", decode(t, rec)["code"])

	flow.launchErr = errors.New("disk full")
	req = httptest.NewRequest(http.MethodPost, "/lti/launch", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = do(t, srv, req)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decode(t, rec)
	require.Equal(t, "INTERNAL", body["code"])
	require.NotContains(t, rec.Body.String(), "disk full")
}

func TestSessionNotFound(t *testing.T) {
	srv := newServer(&fakeFlow{}, fakeGrader{}, Options{})
	rec := do(t, srv, httptest.NewRequest(http.MethodGet, "/lti/session/unknown", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "LAUNCH_NOT_FOUND", decode(t, rec)["code"])
}

func TestJWKS(t *testing.T) {
	srv := newServer(&fakeFlow{}, fakeGrader{}, Options{})

	for _, tc := range []struct {
		query  string
		status int
	}{
		{"?toolId=tool-1", http.StatusOK},
		{"", http.StatusBadRequest},
		{"?toolId=nope", http.StatusNotFound},
		{"?toolId=broken", http.StatusInternalServerError},
	} {
		rec := do(t, srv, httptest.NewRequest(http.MethodGet, "/lti/jwks"+tc.query, nil))
		require.Equal(t, tc.status, rec.Code, tc.query)
	}
}

func TestGradeRequiresInternalToken(t *testing.T) {
	flow := &fakeFlow{}
	srv := newServer(flow, fakeGrader{}, Options{InternalToken: "s3cret"})
	body := `{"launchId":"launch-1","score":85,"completed":true}`

	rec := do(t, srv, httptest.NewRequest(http.MethodPost, "/lti/grade", strings.NewReader(body)))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/lti/grade", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer wrong")
	rec = do(t, srv, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Empty(t, flow.completed)

	req = httptest.NewRequest(http.MethodPost, "/lti/grade", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer s3cret")
	rec = do(t, srv, req)
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode(t, rec)
	require.Equal(t, "SENT", out["gradeStatus"])
	require.Equal(t, 85.0, out["scoreGiven"])
	require.Equal(t, 100.0, out["scoreMaximum"])
	require.Equal(t, []string{"launch-1"}, flow.completed)
}

func TestGradeErrors(t *testing.T) {
	for _, tc := range []struct {
		name   string
		body   string
		err    error
		status int
		code   string
	}{
		{"missing score", `{"launchId":"launch-1"}`, nil, http.StatusBadRequest, "INVALID_REQUEST"},
		{"bad json", `{`, nil, http.StatusBadRequest, "INVALID_REQUEST"},
		{"no line item", `{"launchId":"launch-1","score":50}`, ltierr.New(ltierr.NoLineItemConfigured, "none"), http.StatusUnprocessableEntity, "NO_LINE_ITEM_CONFIGURED"},
		{"in flight", `{"launchId":"launch-1","score":50}`, ltierr.New(ltierr.GradeInProgress, "busy"), http.StatusConflict, "GRADE_IN_PROGRESS"},
		{"upstream", `{"launchId":"launch-1","score":50}`, ltierr.New(ltierr.UpstreamUnavailable, "503").Retry(), http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			flow := &fakeFlow{}
			srv := newServer(flow, fakeGrader{err: tc.err}, Options{})
			rec := do(t, srv, httptest.NewRequest(http.MethodPost, "/lti/grade", strings.NewReader(tc.body)))
			require.Equal(t, tc.status, rec.Code)
			require.Equal(t, tc.code, decode(t, rec)["code"])
			require.Empty(t, flow.completed)
			if tc.code == "UPSTREAM_UNAVAILABLE" {
				require.NotEmpty(t, rec.Header().Get("Retry-After"))
			}
		})
	}
}

func TestHealth(t *testing.T) {
	failing := errors.New("down")
	srv := newServer(&fakeFlow{}, fakeGrader{}, Options{HealthChecks: map[string]HealthCheck{
		"launches": func(context.Context) error { return nil },
	}})
	rec := do(t, srv, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	srv = newServer(&fakeFlow{}, fakeGrader{}, Options{HealthChecks: map[string]HealthCheck{
		"states": func(context.Context) error { return failing },
	}})
	rec = do(t, srv, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "states", decode(t, rec)["failing"])
}
