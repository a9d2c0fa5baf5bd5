package verifier

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/require"

	"github.com/quipper/poc/lti/tool/pkg/common/jwkscache"
	"github.com/quipper/poc/lti/tool/pkg/common/keys"
	"github.com/quipper/poc/lti/tool/pkg/common/ltierr"
	"github.com/quipper/poc/lti/tool/pkg/repositories/platform"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type jwksServer struct {
	hits atomic.Int32
	body atomic.Value
}

func (s *jwksServer) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	s.hits.Add(1)
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(s.body.Load().([]byte))
}

func (s *jwksServer) publish(t *testing.T, keys map[string]*rsa.PrivateKey) {
	t.Helper()
	set := jwk.NewSet()
	for kid, k := range keys {
		pub, err := jwk.FromRaw(&k.PublicKey)
		require.NoError(t, err)
		_ = pub.Set(jwk.KeyIDKey, kid)
		_ = pub.Set(jwk.AlgorithmKey, jwa.RS256)
		require.NoError(t, set.AddKey(pub))
	}
	b, err := json.Marshal(set)
	require.NoError(t, err)
	s.body.Store(b)
}

func rsaKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return k
}

type fixture struct {
	v    *Verifier
	srv  *jwksServer
	reg  *platform.Registration
	k1   *rsa.PrivateKey
	http *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{srv: &jwksServer{}, k1: rsaKey(t)}
	f.srv.publish(t, map[string]*rsa.PrivateKey{"k1": f.k1})
	f.http = httptest.NewServer(f.srv)
	t.Cleanup(f.http.Close)

	f.reg = &platform.Registration{ID: "reg-1", Issuer: "https://canvas.example.edu", ClientID: "abc123", JWKSURL: f.http.URL}
	f.v = New(jwkscache.New(jwkscache.Options{}), nil, nil, Options{Now: func() time.Time { return fixedNow }})
	return f
}

func signToken(t *testing.T, key interface{}, alg jwa.SignatureAlgorithm, kid string, iat, exp time.Time) string {
	t.Helper()
	tok := jwt.New()
	_ = tok.Set(jwt.IssuerKey, "https://canvas.example.edu")
	_ = tok.Set(jwt.AudienceKey, "abc123")
	if !iat.IsZero() {
		_ = tok.Set(jwt.IssuedAtKey, iat)
	}
	if !exp.IsZero() {
		_ = tok.Set(jwt.ExpirationKey, exp)
	}
	hdrs := jws.NewHeaders()
	if kid != "" {
		_ = hdrs.Set(jws.KeyIDKey, kid)
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(alg, key, jws.WithProtectedHeaders(hdrs)))
	require.NoError(t, err)
	return string(signed)
}

func valid(t *testing.T, key *rsa.PrivateKey, kid string) string {
	return signToken(t, key, jwa.RS256, kid, fixedNow, fixedNow.Add(5*time.Minute))
}

func TestVerifyAcceptsPublishedKey(t *testing.T) {
	f := newFixture(t)
	tok, err := f.v.Verify(context.Background(), valid(t, f.k1, "k1"), f.reg)
	require.NoError(t, err)
	require.Equal(t, "https://canvas.example.edu", tok.Issuer())
	var claims map[string]any
	require.NoError(t, json.Unmarshal(tok.Payload, &claims))
	require.Equal(t, "https://canvas.example.edu", claims["iss"])

	_, err = f.v.Verify(context.Background(), valid(t, f.k1, ""), f.reg)
	require.NoError(t, err, "no kid falls back to trying every key")
	require.Equal(t, int32(1), f.srv.hits.Load(), "set is cached")
}

func TestVerifyRejectsForeignKey(t *testing.T) {
	f := newFixture(t)
	forged := rsaKey(t)

	_, err := f.v.Verify(context.Background(), valid(t, forged, "k1"), f.reg)
	require.Equal(t, ltierr.BadSignature, ltierr.CodeOf(err))

	_, err = f.v.Verify(context.Background(), valid(t, forged, ""), f.reg)
	require.Equal(t, ltierr.BadSignature, ltierr.CodeOf(err))
}

func TestVerifyRefetchesOnceForUnknownKid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.v.Verify(ctx, valid(t, f.k1, "k1"), f.reg)
	require.NoError(t, err)

	k2 := rsaKey(t)
	f.srv.publish(t, map[string]*rsa.PrivateKey{"k1": f.k1, "k2": k2})
	_, err = f.v.Verify(ctx, valid(t, k2, "k2"), f.reg)
	require.NoError(t, err, "rotated key found after refresh")
	require.Equal(t, int32(2), f.srv.hits.Load())

	_, err = f.v.Verify(ctx, valid(t, rsaKey(t), "k3"), f.reg)
	require.Equal(t, ltierr.UnknownKID, ltierr.CodeOf(err))
	require.Equal(t, int32(3), f.srv.hits.Load(), "exactly one refetch")
}

func TestVerifyTimeWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.v.Verify(ctx, signToken(t, f.k1, jwa.RS256, "k1", fixedNow.Add(-time.Hour), fixedNow.Add(-4*time.Minute)), f.reg)
	require.NoError(t, err, "expired within skew")

	_, err = f.v.Verify(ctx, signToken(t, f.k1, jwa.RS256, "k1", fixedNow.Add(-time.Hour), fixedNow.Add(-6*time.Minute)), f.reg)
	require.Equal(t, ltierr.Expired, ltierr.CodeOf(err))

	_, err = f.v.Verify(ctx, signToken(t, f.k1, jwa.RS256, "k1", fixedNow.Add(10*time.Minute), fixedNow.Add(time.Hour)), f.reg)
	require.Equal(t, ltierr.Expired, ltierr.CodeOf(err), "issued in the future")

	_, err = f.v.Verify(ctx, signToken(t, f.k1, jwa.RS256, "k1", time.Time{}, fixedNow.Add(time.Hour)), f.reg)
	require.Equal(t, ltierr.InvalidClaims, ltierr.CodeOf(err), "iat is required")
}

func TestVerifyRejectsSymmetricAndNone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	hs := signToken(t, []byte("shared-secret-shared-secret-1234"), jwa.HS256, "k1", fixedNow, fixedNow.Add(time.Minute))
	_, err := f.v.Verify(ctx, hs, f.reg)
	require.Equal(t, ltierr.BadSignature, ltierr.CodeOf(err))

	enc := base64.RawURLEncoding
	none := enc.EncodeToString([]byte(`{"alg":"none"}`)) + "." +
		enc.EncodeToString([]byte(`{"iss":"https://canvas.example.edu","iat":1772366400,"exp":1772370000}`)) + "."
	_, err = f.v.Verify(ctx, none, f.reg)
	require.Error(t, err)
	require.NotEqual(t, ltierr.Internal, ltierr.CodeOf(err))
	require.Equal(t, int32(0), f.srv.hits.Load(), "rejected before any fetch")
}

func TestVerifyEndpointUnreachable(t *testing.T) {
	f := newFixture(t)
	f.http.Close()

	_, err := f.v.Verify(context.Background(), valid(t, f.k1, "k1"), f.reg)
	require.Equal(t, ltierr.EndpointUnreachable, ltierr.CodeOf(err))
	var le *ltierr.Error
	require.ErrorAs(t, err, &le)
	require.True(t, le.Retryable)
}

type tools map[string]*platform.Registration

func (m tools) ResolveByTool(_ context.Context, id string) (*platform.Registration, error) {
	if reg, ok := m[id]; ok {
		return reg, nil
	}
	return nil, ltierr.New(ltierr.ToolNotFound, "unknown tool")
}

func TestPublishJWKSRoundTrip(t *testing.T) {
	ctx := context.Background()
	custodian, err := keys.NewLocalCustodian(t.TempDir())
	require.NoError(t, err)
	custodian.Add("tool-a", rsaKey(t))

	reg := &platform.Registration{ID: "tool-1", ToolPrivateKeyRef: "tool-a", ToolPublicKeyID: "kid-tool"}
	broken := &platform.Registration{ID: "tool-2", ToolPrivateKeyRef: "missing", ToolPublicKeyID: "kid-x"}
	v := New(jwkscache.New(jwkscache.Options{}), custodian, tools{"tool-1": reg, "tool-2": broken}, Options{})

	doc, err := v.PublishJWKS(ctx, "tool-1")
	require.NoError(t, err)
	set, err := jwk.Parse(doc)
	require.NoError(t, err)
	require.Equal(t, 1, set.Len())
	pub, ok := set.LookupKeyID("kid-tool")
	require.True(t, ok)

	signer, err := keys.NewSigner(ctx, custodian, "tool-a")
	require.NoError(t, err)
	tok := jwt.New()
	_ = tok.Set(jwt.IssuerKey, "abc123")
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.RS256, signer))
	require.NoError(t, err)
	_, err = jws.Verify(signed, jws.WithKey(jwa.RS256, pub))
	require.NoError(t, err)

	_, err = v.PublishJWKS(ctx, "nope")
	require.Equal(t, ltierr.ToolNotFound, ltierr.CodeOf(err))

	_, err = v.PublishJWKS(ctx, "tool-2")
	require.Equal(t, ltierr.ToolKeysUnavailable, ltierr.CodeOf(err))
}
