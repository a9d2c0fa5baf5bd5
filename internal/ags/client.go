// Package ags posts scores back to the platform gradebook through LTI Assignment and
// Grade Services, authenticating with OAuth2 client credentials and a signed assertion.
package ags

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/quipper/poc/lti/tool/pkg/common/events"
	"github.com/quipper/poc/lti/tool/pkg/common/keys"
	"github.com/quipper/poc/lti/tool/pkg/common/logger"
	"github.com/quipper/poc/lti/tool/pkg/common/ltierr"
	"github.com/quipper/poc/lti/tool/pkg/common/metrics"
	"github.com/quipper/poc/lti/tool/pkg/common/telemetry"
	lr "github.com/quipper/poc/lti/tool/pkg/repositories/launch"
	"github.com/quipper/poc/lti/tool/pkg/repositories/platform"
)

// AGS scopes and media types.
const (
	ScopeScore            = "https://purl.imsglobal.org/spec/lti-ags/scope/score"
	ScopeLineItem         = "https://purl.imsglobal.org/spec/lti-ags/scope/lineitem"
	ScopeLineItemReadonly = "https://purl.imsglobal.org/spec/lti-ags/scope/lineitem.readonly"

	ScoreMediaType             = "application/vnd.ims.lis.v1.score+json"
	LineItemMediaType          = "application/vnd.ims.lis.v2.lineitem+json"
	LineItemContainerMediaType = "application/vnd.ims.lis.v2.lineitemcontainer+json"
)

const (
	DefaultTokenTimeout = 5 * time.Second
	DefaultScoreTimeout = 10 * time.Second
	DefaultSafetyMargin = 60 * time.Second
)

// Platforms resolves the registration a launch came from.
type Platforms interface {
	ResolveByTool(ctx context.Context, toolID string) (*platform.Registration, error)
}

type Options struct {
	HTTPClient   *http.Client
	TokenTimeout time.Duration
	ScoreTimeout time.Duration
	// SafetyMargin refreshes cached tokens this long before they expire.
	SafetyMargin time.Duration
	// ClaimLease bounds how long a PENDING grade blocks other senders. A claim left
	// behind by a crashed sender can be taken over once it lapses.
	ClaimLease time.Duration
	Metrics    *metrics.Metrics
	Events     events.Publisher
	Now        func() time.Time
}

// Client sends grades. It never retries on its own beyond the single 401 refresh;
// a FAILED grade is re-sent only when a caller invokes SendResult again.
type Client struct {
	platforms Platforms
	launches  lr.Repository
	custodian keys.Custodian
	http      *http.Client
	tokens    *tokenCache

	tokenTimeout time.Duration
	scoreTimeout time.Duration
	safetyMargin time.Duration
	claimLease   time.Duration
	metrics      *metrics.Metrics
	events       events.Publisher
	now          func() time.Time
}

func NewClient(platforms Platforms, launches lr.Repository, custodian keys.Custodian, opts Options) *Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.TokenTimeout <= 0 {
		opts.TokenTimeout = DefaultTokenTimeout
	}
	if opts.ScoreTimeout <= 0 {
		opts.ScoreTimeout = DefaultScoreTimeout
	}
	if opts.SafetyMargin <= 0 {
		opts.SafetyMargin = DefaultSafetyMargin
	}
	if opts.ClaimLease <= 0 {
		// A passback makes at most three AGS calls, each repeatable once after a 401.
		opts.ClaimLease = 2 * (opts.TokenTimeout + 3*opts.ScoreTimeout)
	}
	if opts.Events == nil {
		opts.Events = events.Noop{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Client{
		platforms:    platforms,
		launches:     launches,
		custodian:    custodian,
		http:         opts.HTTPClient,
		tokens:       newTokenCache(),
		tokenTimeout: opts.TokenTimeout,
		scoreTimeout: opts.ScoreTimeout,
		safetyMargin: opts.SafetyMargin,
		claimLease:   opts.ClaimLease,
		metrics:      opts.Metrics,
		events:       opts.Events,
		now:          opts.Now,
	}
}

// Result is the grade state of a launch after SendResult.
type Result struct {
	LaunchID     string         `json:"launchId"`
	GradeStatus  lr.GradeStatus `json:"gradeStatus"`
	ScoreGiven   *float64       `json:"scoreGiven,omitempty"`
	ScoreMaximum *float64       `json:"scoreMaximum,omitempty"`
	LineItem     string         `json:"lineItem,omitempty"`
}

func resultOf(l *lr.Launch) *Result {
	return &Result{LaunchID: l.ID, GradeStatus: l.GradeStatus, ScoreGiven: l.ScoreGiven, ScoreMaximum: l.ScoreMaximum}
}

type scorePayload struct {
	UserID           string  `json:"userId"`
	ScoreGiven       float64 `json:"scoreGiven"`
	ScoreMaximum     float64 `json:"scoreMaximum"`
	Comment          string  `json:"comment,omitempty"`
	ActivityProgress string  `json:"activityProgress"`
	GradingProgress  string  `json:"gradingProgress"`
	Timestamp        string  `json:"timestamp"`
}

// SendResult posts score (0-100, scaled to the link's maximum) for the launch's user.
// The work runs detached from ctx cancellation so a started passback always settles
// the grade status.
func (c *Client) SendResult(ctx context.Context, launchID string, score float64, completed bool, comment string) (res *Result, err error) {
	if math.IsNaN(score) || score < 0 || score > 100 {
		return nil, ltierr.New(ltierr.InvalidRequest, "score must be between 0 and 100")
	}
	ctx = context.WithoutCancel(ctx)

	l, err := c.launches.GetLaunch(ctx, launchID)
	if err != nil {
		if errors.Is(err, lr.ErrNotFound) {
			return nil, ltierr.New(ltierr.LaunchNotFound, "launch not found")
		}
		return nil, ltierr.Wrap(ltierr.Internal, "load launch", err)
	}
	if err := c.checkGradable(ctx, l); err != nil {
		return nil, err
	}
	switch {
	case l.GradeStatus == lr.GradeSent:
		c.metrics.GradePassback("noop")
		return resultOf(l), nil
	case l.GradeInFlight(c.now()):
		return nil, ltierr.New(ltierr.GradeInProgress, "a grade passback for this launch is in flight")
	}

	reg, err := c.platforms.ResolveByTool(ctx, l.LtiToolID)
	if err != nil {
		return nil, err
	}
	if !reg.Enabled {
		return nil, ltierr.New(ltierr.UnknownPlatform, "platform registration is disabled")
	}
	link, err := c.loadLink(ctx, l)
	if err != nil {
		return nil, err
	}
	if link.LineItemID == "" && link.LineItemsURL == "" && reg.LineItemsURL == "" {
		c.metrics.GradePassback("no_line_item")
		return nil, ltierr.New(ltierr.NoLineItemConfigured, "no AGS line item is configured for this resource link")
	}

	now := c.now()
	lease := now.Add(c.claimLease).UTC().Truncate(time.Millisecond)
	claimed, err := c.launches.ClaimGrade(ctx, l.ID, now, lease)
	if err != nil {
		return nil, ltierr.Wrap(ltierr.Internal, "claim grade", err)
	}
	if !claimed {
		return c.lostClaim(ctx, l.ID)
	}
	if l.GradeStatus == lr.GradePending {
		logger.Warn("[ags] took over a lapsed grade claim launch=%s", l.ID)
	}

	maxPoints := link.MaxPoints
	if maxPoints <= 0 {
		maxPoints = lr.DefaultMaxPoints
	}
	given := math.Round(score*maxPoints/100*1e4) / 1e4

	lineItem, err := c.deliver(ctx, reg, link, scorePayload{
		UserID:           l.LmsUserID,
		ScoreGiven:       given,
		ScoreMaximum:     maxPoints,
		Comment:          comment,
		ActivityProgress: activityProgress(completed),
		GradingProgress:  gradingProgress(completed),
		Timestamp:        c.now().UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	})
	if err != nil {
		c.release(ctx, l.ID, lease)
		c.metrics.GradePassback("failed")
		logger.Warn("[ags] grade passback failed launch=%s code=%s: %v", l.ID, ltierr.CodeOf(err), err)
		c.publish(ctx, events.GradeFailed, l.TenantID, map[string]interface{}{
			"launchId": l.ID,
			"code":     string(ltierr.CodeOf(err)),
		})
		return nil, err
	}

	recorded, err := c.launches.RecordGrade(ctx, l.ID, lease, given, maxPoints)
	if err != nil {
		c.release(ctx, l.ID, lease)
		c.metrics.GradePassback("failed")
		logger.Error("[ags] score accepted by platform but not recorded launch=%s: %v", l.ID, err)
		return nil, ltierr.Wrap(ltierr.Internal, "record grade", err)
	}
	if !recorded {
		logger.Error("[ags] score accepted by platform but the claim on launch=%s lapsed", l.ID)
		return nil, ltierr.New(ltierr.Internal, "grade claim lapsed during passback")
	}
	c.metrics.GradePassback("sent")
	logger.Info("[ags] grade sent launch=%s user=%s score=%.4g/%.4g", l.ID, l.LmsUserID, given, maxPoints)
	c.publish(ctx, events.GradeSent, l.TenantID, map[string]interface{}{
		"launchId":     l.ID,
		"lmsUserId":    l.LmsUserID,
		"scoreGiven":   given,
		"scoreMaximum": maxPoints,
		"completed":    completed,
		"lineItem":     lineItem,
	})
	return &Result{
		LaunchID:     l.ID,
		GradeStatus:  lr.GradeSent,
		ScoreGiven:   &given,
		ScoreMaximum: &maxPoints,
		LineItem:     lineItem,
	}, nil
}

// release settles a claim as FAILED so the caller can send again.
func (c *Client) release(ctx context.Context, launchID string, lease time.Time) {
	if _, err := c.launches.ReleaseGrade(ctx, launchID, lease); err != nil {
		logger.Error("[ags] mark grade failed launch=%s: %v", launchID, err)
	}
}

// checkGradable rejects launches that are frozen or past their expiry. An expired
// launch whose grade is still in flight is left to the sender holding the claim.
func (c *Client) checkGradable(ctx context.Context, l *lr.Launch) error {
	if l.Status.Frozen() {
		return ltierr.Newf(ltierr.LaunchNotGradable, "launch is %s", l.Status)
	}
	if l.Status == lr.StatusActive && !c.now().Before(l.ExpiresAt) && !l.GradeInFlight(c.now()) {
		if _, err := c.launches.MarkExpired(ctx, l.ID, c.now()); err != nil {
			logger.Warn("[ags] mark expired launch=%s: %v", l.ID, err)
		}
		return ltierr.New(ltierr.LaunchNotGradable, "launch is EXPIRED")
	}
	return nil
}

func (c *Client) loadLink(ctx context.Context, l *lr.Launch) (*lr.Link, error) {
	if l.LtiLinkID == "" {
		return nil, ltierr.New(ltierr.NoLineItemConfigured, "launch is not bound to a resource link")
	}
	link, err := c.launches.GetLink(ctx, l.LtiLinkID)
	if err != nil {
		if errors.Is(err, lr.ErrNotFound) {
			return nil, ltierr.New(ltierr.NoLineItemConfigured, "resource link no longer exists")
		}
		return nil, ltierr.Wrap(ltierr.Internal, "load link", err)
	}
	return link, nil
}

// lostClaim explains why the PENDING claim did not apply.
func (c *Client) lostClaim(ctx context.Context, launchID string) (*Result, error) {
	l, err := c.launches.GetLaunch(ctx, launchID)
	if err != nil {
		return nil, ltierr.Wrap(ltierr.Internal, "reload launch", err)
	}
	switch {
	case l.GradeStatus == lr.GradeSent:
		return resultOf(l), nil
	case l.GradeInFlight(c.now()):
		return nil, ltierr.New(ltierr.GradeInProgress, "a grade passback for this launch is in flight")
	default:
		return nil, ltierr.Newf(ltierr.LaunchNotGradable, "launch is %s", l.Status)
	}
}

// deliver resolves the line item if needed and posts the score. It returns the line item URL.
func (c *Client) deliver(ctx context.Context, reg *platform.Registration, link *lr.Link, p scorePayload) (string, error) {
	lineItem := link.LineItemID
	if lineItem == "" {
		var err error
		if lineItem, err = c.resolveLineItem(ctx, reg, link); err != nil {
			return "", err
		}
	}
	return lineItem, c.postScore(ctx, reg, lineItem, p)
}

func (c *Client) postScore(ctx context.Context, reg *platform.Registration, lineItem string, p scorePayload) (err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "ags.score")
	span.SetAttributes(attribute.String("ags.line_item", lineItem))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	target, err := scoresURL(lineItem)
	if err != nil {
		return ltierr.Wrap(ltierr.ScoreRejected, "line item is not a valid URL", err)
	}
	body, err := json.Marshal(p)
	if err != nil {
		return ltierr.Wrap(ltierr.Internal, "encode score", err)
	}

	resp, err := c.authorized(ctx, reg, ScopeScore, "ags_score", c.scoreTimeout, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", ScoreMediaType)
		return req, nil
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	return classify(resp.StatusCode, ltierr.ScoreRejected, "score")
}

// authorized performs an AGS call with a bearer token. A 401 on a cached token
// invalidates it and repeats the call once with a fresh token.
func (c *Client) authorized(ctx context.Context, reg *platform.Registration, scope, call string, timeout time.Duration, build func(context.Context) (*http.Request, error)) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		tok, cached, err := c.token(ctx, reg, scope)
		if err != nil {
			return nil, err
		}
		resp, err := c.send(ctx, call, timeout, tok, build)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusUnauthorized && cached && attempt == 0 {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			c.tokens.invalidate(tokenKey{platformID: reg.ID, scope: scope})
			logger.Debug("[ags] cached token rejected registration=%s, refreshing once", reg.ID)
			continue
		}
		return resp, nil
	}
}

// send runs one request under its own timeout. The body is buffered so the timeout
// can be released before the caller reads it.
func (c *Client) send(ctx context.Context, call string, timeout time.Duration, token string, build func(context.Context) (*http.Request, error)) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := build(ctx)
	if err != nil {
		return nil, ltierr.Wrap(ltierr.Internal, "build "+call+" request", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	start := c.now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.Outbound(call, "error", c.now().Sub(start))
		return nil, ltierr.Wrap(ltierr.UpstreamUnavailable, call+" endpoint unreachable", err).Retry()
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	c.metrics.Outbound(call, strconv.Itoa(resp.StatusCode), c.now().Sub(start))
	if err != nil {
		return nil, ltierr.Wrap(ltierr.UpstreamUnavailable, "read "+call+" response", err).Retry()
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	return resp, nil
}

// classify maps an upstream status: 2xx ok, 5xx retryable, other 4xx terminal.
func classify(status int, rejected ltierr.Code, what string) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status >= 500:
		return ltierr.Newf(ltierr.UpstreamUnavailable, "%s endpoint returned %d", what, status).Retry()
	default:
		return ltierr.Newf(rejected, "%s endpoint returned %d", what, status)
	}
}

// scoresURL appends /scores to the line item path, keeping any query string.
func scoresURL(lineItem string) (string, error) {
	u, err := url.Parse(lineItem)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("line item %q is not absolute", lineItem)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/scores"
	if u.RawPath != "" {
		u.RawPath = strings.TrimSuffix(u.RawPath, "/") + "/scores"
	}
	return u.String(), nil
}

func activityProgress(completed bool) string {
	if completed {
		return "Completed"
	}
	return "InProgress"
}

func gradingProgress(completed bool) string {
	if completed {
		return "FullyGraded"
	}
	return "Pending"
}

func (c *Client) publish(ctx context.Context, eventType, tenantID string, payload interface{}) {
	if err := c.events.Publish(ctx, eventType, tenantID, payload); err != nil {
		logger.Warn("[ags] publish %s: %v", eventType, err)
	}
}
