package ags

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/quipper/poc/lti/tool/pkg/common/keys"
	"github.com/quipper/poc/lti/tool/pkg/common/logger"
	"github.com/quipper/poc/lti/tool/pkg/common/ltierr"
	"github.com/quipper/poc/lti/tool/pkg/common/telemetry"
	"github.com/quipper/poc/lti/tool/pkg/repositories/platform"
)

const (
	clientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
	assertionLifetime   = 300 * time.Second
	defaultTokenTTL     = time.Hour
)

type tokenKey struct {
	platformID string
	scope      string
}

type accessToken struct {
	value     string
	expiresAt time.Time
}

// tokenCache holds platform access tokens per (registration, scope).
type tokenCache struct {
	mu     sync.RWMutex
	tokens map[tokenKey]accessToken
}

func newTokenCache() *tokenCache {
	return &tokenCache{tokens: make(map[tokenKey]accessToken)}
}

// get returns a token that stays valid for at least margin after now.
func (c *tokenCache) get(k tokenKey, now time.Time, margin time.Duration) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tokens[k]
	if !ok || !now.Add(margin).Before(t.expiresAt) {
		return "", false
	}
	return t.value, true
}

func (c *tokenCache) put(k tokenKey, t accessToken) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens[k] = t
}

func (c *tokenCache) invalidate(k tokenKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tokens, k)
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Scope       string `json:"scope"`
	Error       string `json:"error"`
	ErrorDesc   string `json:"error_description"`
}

// token returns a cached or freshly issued access token and whether it came from cache.
func (c *Client) token(ctx context.Context, reg *platform.Registration, scope string) (string, bool, error) {
	k := tokenKey{platformID: reg.ID, scope: scope}
	if tok, ok := c.tokens.get(k, c.now(), c.safetyMargin); ok {
		return tok, true, nil
	}
	t, err := c.requestToken(ctx, reg, scope)
	if err != nil {
		return "", false, err
	}
	c.tokens.put(k, t)
	return t.value, false, nil
}

// clientAssertion builds the private_key_jwt assertion for the platform token endpoint,
// signed by the custodian-held tool key.
func (c *Client) clientAssertion(ctx context.Context, reg *platform.Registration) (string, error) {
	signer, err := keys.NewSigner(ctx, c.custodian, reg.ToolPrivateKeyRef)
	if err != nil {
		return "", ltierr.Wrap(ltierr.ToolKeysUnavailable, "tool signing key unavailable", err)
	}
	now := c.now()
	tok, err := jwt.NewBuilder().
		Issuer(reg.ClientID).
		Subject(reg.ClientID).
		Audience([]string{reg.AuthTokenURL}).
		JwtID(uuid.NewString()).
		IssuedAt(now).
		Expiration(now.Add(assertionLifetime)).
		Build()
	if err != nil {
		return "", ltierr.Wrap(ltierr.Internal, "build client assertion", err)
	}
	hdrs := jws.NewHeaders()
	_ = hdrs.Set(jwk.KeyIDKey, reg.ToolPublicKeyID)
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.RS256, signer, jws.WithProtectedHeaders(hdrs)))
	if err != nil {
		return "", ltierr.Wrap(ltierr.ToolKeysUnavailable, "sign client assertion", err)
	}
	return string(signed), nil
}

func (c *Client) requestToken(ctx context.Context, reg *platform.Registration, scope string) (tok accessToken, err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "ags.token")
	span.SetAttributes(attribute.String("lti.registration_id", reg.ID), attribute.String("oauth.scope", scope))
	start := c.now()
	status := "error"
	defer func() {
		c.metrics.Outbound("ags_token", status, c.now().Sub(start))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	assertion, err := c.clientAssertion(ctx, reg)
	if err != nil {
		return accessToken{}, err
	}
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_assertion_type", clientAssertionType)
	form.Set("client_assertion", assertion)
	form.Set("scope", scope)

	ctx, cancel := context.WithTimeout(ctx, c.tokenTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reg.AuthTokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return accessToken{}, ltierr.Wrap(ltierr.Internal, "build token request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return accessToken{}, ltierr.Wrap(ltierr.UpstreamUnavailable, "token endpoint unreachable", err).Retry()
	}
	defer resp.Body.Close()
	status = strconv.Itoa(resp.StatusCode)
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var tr tokenResponse
	_ = json.Unmarshal(body, &tr)
	switch {
	case resp.StatusCode >= 500:
		return accessToken{}, ltierr.Newf(ltierr.UpstreamUnavailable, "token endpoint returned %d", resp.StatusCode).Retry()
	case resp.StatusCode >= 400:
		logger.Warn("[ags] token request rejected registration=%s status=%d error=%s %s", reg.ID, resp.StatusCode, tr.Error, tr.ErrorDesc)
		return accessToken{}, ltierr.Newf(ltierr.TokenRequestRejected, "token endpoint returned %d %s", resp.StatusCode, tr.Error)
	case resp.StatusCode != http.StatusOK:
		return accessToken{}, ltierr.Newf(ltierr.TokenRequestRejected, "unexpected token response %d", resp.StatusCode)
	}
	if tr.AccessToken == "" {
		return accessToken{}, ltierr.New(ltierr.TokenRequestRejected, "token response carries no access_token")
	}
	ttl := defaultTokenTTL
	if tr.ExpiresIn > 0 {
		ttl = time.Duration(tr.ExpiresIn) * time.Second
	}
	return accessToken{value: tr.AccessToken, expiresAt: c.now().Add(ttl)}, nil
}
