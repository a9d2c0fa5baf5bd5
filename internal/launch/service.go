// Package launch drives the LTI 1.3 OIDC login and launch callback and owns the
// lifecycle of launch records.
package launch

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/url"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/quipper/poc/lti/tool/internal/registry"
	"github.com/quipper/poc/lti/tool/internal/verifier"
	"github.com/quipper/poc/lti/tool/pkg/common/events"
	"github.com/quipper/poc/lti/tool/pkg/common/logger"
	"github.com/quipper/poc/lti/tool/pkg/common/ltierr"
	"github.com/quipper/poc/lti/tool/pkg/common/metrics"
	lr "github.com/quipper/poc/lti/tool/pkg/repositories/launch"
	"github.com/quipper/poc/lti/tool/pkg/repositories/platform"
	vrepo "github.com/quipper/poc/lti/tool/pkg/repositories/validation"
)

const (
	DefaultLaunchTTL     = 60 * time.Minute
	DefaultLoginStateTTL = 10 * time.Minute
)

// Platforms resolves registrations. *registry.Registry implements it.
type Platforms interface {
	Resolve(ctx context.Context, issuer, clientID string) (*platform.Registration, error)
	ResolveByIssuer(ctx context.Context, issuer string) (*platform.Registration, error)
	ResolveByTool(ctx context.Context, toolID string) (*platform.Registration, error)
}

// TokenVerifier checks signature and lifetime of a platform JWT. *verifier.Verifier
// implements it.
type TokenVerifier interface {
	Verify(ctx context.Context, raw string, reg *platform.Registration) (*verifier.Verified, error)
}

type Options struct {
	// LaunchURL is this tool's redirect_uri.
	LaunchURL     string
	LaunchTTL     time.Duration
	LoginStateTTL time.Duration
	Metrics       *metrics.Metrics
	Events        events.Publisher
	Now           func() time.Time
}

type Service struct {
	platforms Platforms
	verifier  TokenVerifier
	states    vrepo.Repository
	launches  lr.Repository

	launchURL     string
	launchTTL     time.Duration
	loginStateTTL time.Duration
	metrics       *metrics.Metrics
	events        events.Publisher
	now           func() time.Time
}

func NewService(platforms Platforms, verifier TokenVerifier, states vrepo.Repository, launches lr.Repository, opts Options) *Service {
	if opts.LaunchTTL <= 0 {
		opts.LaunchTTL = DefaultLaunchTTL
	}
	if opts.LoginStateTTL <= 0 {
		opts.LoginStateTTL = DefaultLoginStateTTL
	}
	if opts.Events == nil {
		opts.Events = events.Noop{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		platforms:     platforms,
		verifier:      verifier,
		states:        states,
		launches:      launches,
		launchURL:     opts.LaunchURL,
		launchTTL:     opts.LaunchTTL,
		loginStateTTL: opts.LoginStateTTL,
		metrics:       opts.Metrics,
		events:        opts.Events,
		now:           opts.Now,
	}
}

// LoginRequest carries the third-party initiated login parameters.
type LoginRequest struct {
	Issuer         string
	LoginHint      string
	TargetLinkURI  string
	LtiMessageHint string
	ClientID       string
	DeploymentID   string
}

// HandleOIDCLogin validates a login initiation, stores state and nonce and returns the
// platform authorization URL to redirect the browser to.
func (s *Service) HandleOIDCLogin(ctx context.Context, req LoginRequest) (redirect string, err error) {
	defer func() {
		if err != nil {
			s.metrics.Login(string(ltierr.CodeOf(err)))
			s.reject("lti.login.rejected", err, "issuer", req.Issuer, "client_id", req.ClientID)
			return
		}
		s.metrics.Login("redirected")
	}()

	switch {
	case req.Issuer == "":
		return "", ltierr.New(ltierr.InvalidRequest, "iss is required")
	case req.LoginHint == "":
		return "", ltierr.New(ltierr.InvalidRequest, "login_hint is required")
	case !registry.IsHTTPURL(req.TargetLinkURI):
		return "", ltierr.New(ltierr.InvalidRequest, "target_link_uri must be an absolute http(s) URL")
	}

	var reg *platform.Registration
	if req.ClientID != "" {
		reg, err = s.platforms.Resolve(ctx, req.Issuer, req.ClientID)
	} else {
		reg, err = s.platforms.ResolveByIssuer(ctx, req.Issuer)
	}
	if err != nil {
		return "", err
	}
	if req.DeploymentID != "" && !reg.HasDeployment(req.DeploymentID) {
		return "", ltierr.Newf(ltierr.UnknownDeployment, "deployment %q is not registered", req.DeploymentID)
	}

	authURL, err := url.Parse(reg.AuthLoginURL)
	if err != nil {
		return "", ltierr.Wrap(ltierr.Internal, "registration has an invalid authLoginUrl", err)
	}

	state, err := randomToken()
	if err != nil {
		return "", ltierr.Wrap(ltierr.Internal, "generate state", err)
	}
	nonce, err := randomToken()
	if err != nil {
		return "", ltierr.Wrap(ltierr.Internal, "generate nonce", err)
	}
	if err := s.states.SaveLoginState(ctx, &vrepo.LoginState{
		State:                  state,
		Nonce:                  nonce,
		PlatformRegistrationID: reg.ID,
		TargetLinkURI:          req.TargetLinkURI,
		LtiMessageHint:         req.LtiMessageHint,
		CreatedAt:              s.now().UTC(),
	}, s.loginStateTTL); err != nil {
		return "", ltierr.Wrap(ltierr.Internal, "persist login state", err)
	}

	q := authURL.Query()
	q.Set("response_type", "id_token")
	q.Set("response_mode", "form_post")
	q.Set("scope", "openid")
	q.Set("client_id", reg.ClientID)
	q.Set("redirect_uri", s.launchURL)
	q.Set("login_hint", req.LoginHint)
	if req.LtiMessageHint != "" {
		q.Set("lti_message_hint", req.LtiMessageHint)
	}
	q.Set("state", state)
	q.Set("nonce", nonce)
	q.Set("prompt", "none")
	authURL.RawQuery = q.Encode()

	logger.Debug("[launch] login issuer=%s client_id=%s registration=%s", reg.Issuer, reg.ClientID, reg.ID)
	return authURL.String(), nil
}

// HandleLaunch consumes the login state, verifies the id_token and creates an ACTIVE
// launch. Nothing is persisted unless every check passes.
func (s *Service) HandleLaunch(ctx context.Context, idToken, state string) (l *lr.Launch, err error) {
	defer func() {
		if err != nil {
			s.metrics.Launch(string(ltierr.CodeOf(err)))
			s.reject("lti.launch.rejected", err)
			return
		}
		s.metrics.Launch("activated")
	}()

	if state == "" {
		return nil, ltierr.New(ltierr.InvalidState, "state is required")
	}
	if idToken == "" {
		return nil, ltierr.New(ltierr.InvalidRequest, "id_token is required")
	}

	ls, err := s.states.ConsumeLoginState(ctx, state)
	if err != nil {
		if errors.Is(err, vrepo.ErrStateNotFound) {
			return nil, ltierr.New(ltierr.InvalidState, "state is unknown, expired or already used")
		}
		return nil, ltierr.Wrap(ltierr.Internal, "consume login state", err)
	}

	recorded, err := s.platforms.ResolveByTool(ctx, ls.PlatformRegistrationID)
	if err != nil {
		if ltierr.IsCode(err, ltierr.ToolNotFound) {
			return nil, ltierr.New(ltierr.UnknownPlatform, "platform of this login no longer exists")
		}
		return nil, err
	}

	// The issuer picks the keys to verify with, so it is read before verification and
	// only used to route. Every claim the launch keeps comes from the verified payload.
	unverified, err := jwt.ParseInsecure([]byte(idToken))
	if err != nil {
		return nil, ltierr.Wrap(ltierr.InvalidClaims, "malformed id_token", err)
	}
	if unverified.Issuer() != recorded.Issuer {
		return nil, ltierr.Newf(ltierr.IssuerMismatch, "issuer %q does not match the login", unverified.Issuer())
	}
	reg, err := s.platforms.Resolve(ctx, unverified.Issuer(), recorded.ClientID)
	if err != nil {
		return nil, err
	}
	if reg.ID != recorded.ID {
		return nil, ltierr.New(ltierr.IssuerMismatch, "issuer resolves to a different registration")
	}

	verified, err := s.verifier.Verify(ctx, idToken, reg)
	if err != nil {
		return nil, err
	}
	claims, err := checkClaims(verified.Token, verified.Payload, reg, ls.Nonce)
	if err != nil {
		return nil, err
	}

	var ags lr.AGSEndpoint
	if claims.AGS != nil {
		ags = *claims.AGS
	}
	link, err := s.launches.ResolveOrCreateLink(ctx, reg.ID, claims.ResourceLinkID, claims.ContextID, ags, claims.ResourceLinkTitle)
	if err != nil {
		return nil, ltierr.Wrap(ltierr.Internal, "resolve resource link", err)
	}

	now := s.now().UTC()
	l = &lr.Launch{
		LtiToolID:       reg.ID,
		LtiLinkID:       link.ID,
		TenantID:        reg.TenantID,
		DeploymentID:    claims.DeploymentID,
		LmsUserID:       claims.Subject,
		LmsUserEmail:    claims.Email,
		LmsUserName:     claims.Name,
		UserRole:        claims.PrimaryRole(),
		LmsContextTitle: claims.ContextTitle,
		Status:          lr.StatusActive,
		GradeStatus:     lr.GradeNone,
		LaunchedAt:      now,
		ExpiresAt:       now.Add(s.launchTTL),
	}
	if err := s.launches.CreateLaunch(ctx, l); err != nil {
		return nil, ltierr.Wrap(ltierr.Internal, "create launch", err)
	}

	logger.Info("[launch] activated launch=%s registration=%s link=%s role=%s", l.ID, reg.ID, link.ID, l.UserRole)
	s.publish(ctx, events.LaunchActivated, l.TenantID, map[string]interface{}{
		"launchId":       l.ID,
		"ltiToolId":      l.LtiToolID,
		"ltiLinkId":      l.LtiLinkID,
		"deploymentId":   l.DeploymentID,
		"lmsUserId":      l.LmsUserID,
		"userRole":       l.UserRole,
		"resourceLinkId": claims.ResourceLinkID,
		"expiresAt":      l.ExpiresAt,
	})
	return l, nil
}

// GetLaunch returns an ACTIVE, unexpired launch. A launch found past its expiry is
// moved to EXPIRED on the spot and reported as not found.
func (s *Service) GetLaunch(ctx context.Context, launchID string) (*lr.Launch, error) {
	l, err := s.load(ctx, launchID)
	if err != nil {
		return nil, err
	}
	if l.Status != lr.StatusActive {
		return nil, ltierr.New(ltierr.LaunchNotFound, "launch is not active")
	}
	return l, nil
}

// load reads a launch and applies lazy expiry. A launch past its expiry is reported
// EXPIRED even while a grade passback still holds it ACTIVE in storage.
func (s *Service) load(ctx context.Context, launchID string) (*lr.Launch, error) {
	l, err := s.launches.GetLaunch(ctx, launchID)
	if err != nil {
		if errors.Is(err, lr.ErrNotFound) {
			return nil, ltierr.New(ltierr.LaunchNotFound, "launch not found")
		}
		return nil, ltierr.Wrap(ltierr.Internal, "load launch", err)
	}
	now := s.now()
	if l.Status != lr.StatusActive || now.Before(l.ExpiresAt) {
		return l, nil
	}

	expired, err := s.launches.MarkExpired(ctx, l.ID, now)
	switch {
	case err != nil:
		logger.Warn("[launch] mark expired launch=%s: %v", l.ID, err)
	case expired:
		if l.GradeStatus == lr.GradePending {
			l.GradeStatus = lr.GradeFailed
		}
		l.GradeLeaseUntil = nil
	default:
		// Completed concurrently, or a grade is still settling.
		if stored, err := s.launches.GetLaunch(ctx, launchID); err == nil && stored.Status != lr.StatusActive {
			return stored, nil
		}
	}
	l.Status = lr.StatusExpired
	return l, nil
}

// Complete moves an ACTIVE launch to COMPLETED. Completing twice is a no-op.
func (s *Service) Complete(ctx context.Context, launchID string) (*lr.Launch, error) {
	l, err := s.load(ctx, launchID)
	if err != nil {
		return nil, err
	}
	switch l.Status {
	case lr.StatusCompleted:
		return l, nil
	case lr.StatusActive:
	default:
		return nil, ltierr.New(ltierr.LaunchNotFound, "launch is not active")
	}

	now := s.now().UTC()
	ok, err := s.launches.CompleteLaunch(ctx, l.ID, now)
	if err != nil {
		return nil, ltierr.Wrap(ltierr.Internal, "complete launch", err)
	}
	if !ok {
		// Lost a race with expiry or another completion; report what is stored.
		return s.load(ctx, launchID)
	}
	l.Status = lr.StatusCompleted
	l.CompletedAt = &now
	logger.Info("[launch] completed launch=%s", l.ID)
	s.publish(ctx, events.LaunchCompleted, l.TenantID, map[string]interface{}{
		"launchId":    l.ID,
		"ltiToolId":   l.LtiToolID,
		"lmsUserId":   l.LmsUserID,
		"completedAt": now,
	})
	return l, nil
}

// ExpireStale expires every ACTIVE launch past its expiry.
func (s *Service) ExpireStale(ctx context.Context) (int64, error) {
	n, err := s.launches.ExpireStale(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logger.Info("[launch] expired %d stale launches", n)
	}
	return n, nil
}

// SweepEvery runs ExpireStale on interval until ctx is done.
func (s *Service) SweepEvery(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.ExpireStale(ctx); err != nil {
				logger.Error("[launch] expiry sweep: %v", err)
			}
		}
	}
}

// Summary is the session view of a launch.
type Summary struct {
	ID              string         `json:"id"`
	Status          lr.Status      `json:"status"`
	GradeStatus     lr.GradeStatus `json:"gradeStatus"`
	UserRole        string         `json:"userRole"`
	LmsContextTitle string         `json:"lmsContextTitle,omitempty"`
	Link            *LinkSummary   `json:"link,omitempty"`
	ExpiresAt       time.Time      `json:"expiresAt"`
}

type LinkSummary struct {
	ID                 string  `json:"id"`
	ResourceLinkID     string  `json:"resourceLinkId"`
	Title              string  `json:"title,omitempty"`
	LoVersionID        string  `json:"loVersionId,omitempty"`
	ActivityTemplateID string  `json:"activityTemplateId,omitempty"`
	MaxPoints          float64 `json:"maxPoints"`
	Gradable           bool    `json:"gradable"`
}

// Summarize returns the session view of an active launch.
func (s *Service) Summarize(ctx context.Context, launchID string) (*Summary, error) {
	l, err := s.GetLaunch(ctx, launchID)
	if err != nil {
		return nil, err
	}
	sum := &Summary{
		ID:              l.ID,
		Status:          l.Status,
		GradeStatus:     l.GradeStatus,
		UserRole:        l.UserRole,
		LmsContextTitle: l.LmsContextTitle,
		ExpiresAt:       l.ExpiresAt,
	}
	if l.LtiLinkID == "" {
		return sum, nil
	}
	link, err := s.launches.GetLink(ctx, l.LtiLinkID)
	if err != nil {
		if errors.Is(err, lr.ErrNotFound) {
			return sum, nil
		}
		return nil, ltierr.Wrap(ltierr.Internal, "load link", err)
	}
	sum.Link = &LinkSummary{
		ID:                 link.ID,
		ResourceLinkID:     link.LmsResourceLinkID,
		Title:              link.Title,
		LoVersionID:        link.LoVersionID,
		ActivityTemplateID: link.ActivityTemplateID,
		MaxPoints:          link.MaxPoints,
		Gradable:           link.LineItemID != "" || link.LineItemsURL != "",
	}
	return sum, nil
}

func (s *Service) publish(ctx context.Context, eventType, tenantID string, payload interface{}) {
	if err := s.events.Publish(ctx, eventType, tenantID, payload); err != nil {
		logger.Warn("[launch] publish %s: %v", eventType, err)
	}
}

// reject logs a failed flow. Classified rejections go to the audit log, anything else
// is an internal fault.
func (s *Service) reject(event string, err error, kv ...interface{}) {
	code := ltierr.CodeOf(err)
	if code == ltierr.Internal {
		logger.Error("[launch] %s: %v", event, err)
		return
	}
	logger.Audit(event, append([]interface{}{"code", string(code), "error", err.Error()}, kv...)...)
}

// randomToken returns 32 random bytes, base64url encoded.
func randomToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
