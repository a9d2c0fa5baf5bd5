// Package verifier checks platform-signed JWTs against the platform's JWKS and
// publishes the tool's own public keys.
package verifier

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/quipper/poc/lti/tool/pkg/common/jwkscache"
	"github.com/quipper/poc/lti/tool/pkg/common/keys"
	"github.com/quipper/poc/lti/tool/pkg/common/logger"
	"github.com/quipper/poc/lti/tool/pkg/common/ltierr"
	"github.com/quipper/poc/lti/tool/pkg/repositories/platform"
)

// DefaultClockSkew is the tolerance applied to exp, iat and nbf.
const DefaultClockSkew = 300 * time.Second

// ToolResolver finds a registration by id, enabled or not.
type ToolResolver interface {
	ResolveByTool(ctx context.Context, toolID string) (*platform.Registration, error)
}

type Options struct {
	ClockSkew time.Duration
	Now       func() time.Time
}

type Verifier struct {
	cache     jwkscache.Cache
	custodian keys.Custodian
	tools     ToolResolver
	skew      time.Duration
	now       func() time.Time
}

func New(cache jwkscache.Cache, custodian keys.Custodian, tools ToolResolver, opts Options) *Verifier {
	if opts.ClockSkew <= 0 {
		opts.ClockSkew = DefaultClockSkew
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Verifier{cache: cache, custodian: custodian, tools: tools, skew: opts.ClockSkew, now: opts.Now}
}

// asymmetric signature algorithms a platform may use; none and HMAC are never accepted.
var allowedAlgs = map[jwa.SignatureAlgorithm]bool{
	jwa.RS256: true, jwa.RS384: true, jwa.RS512: true,
	jwa.PS256: true, jwa.PS384: true, jwa.PS512: true,
	jwa.ES256: true, jwa.ES384: true, jwa.ES512: true,
}

// Verified is a platform token whose signature and time window checked out.
type Verified struct {
	jwt.Token
	// Payload is the claim set exactly as covered by the signature.
	Payload []byte
}

// Verify checks the signature of raw against reg's JWKS, then exp/iat/nbf within the
// skew window. Claim semantics (iss, aud, nonce, LTI claims) are the caller's concern.
// A kid the platform does not publish, even after one JWKS refresh, fails with
// UNKNOWN_KID whoever signed the token; a published key that does not verify fails
// with BAD_SIGNATURE.
func (v *Verifier) Verify(ctx context.Context, raw string, reg *platform.Registration) (*Verified, error) {
	msg, err := jws.Parse([]byte(raw))
	if err != nil {
		return nil, ltierr.Wrap(ltierr.InvalidClaims, "malformed token", err)
	}
	sigs := msg.Signatures()
	if len(sigs) != 1 {
		return nil, ltierr.New(ltierr.InvalidClaims, "token must carry exactly one signature")
	}
	hdr := sigs[0].ProtectedHeaders()
	alg := hdr.Algorithm()
	if !allowedAlgs[alg] {
		return nil, ltierr.Newf(ltierr.BadSignature, "algorithm %q is not accepted", alg)
	}

	payload, err := v.verifySignature(ctx, []byte(raw), alg, hdr.KeyID(), reg)
	if err != nil {
		return nil, err
	}

	tok := jwt.New()
	if err := json.Unmarshal(payload, tok); err != nil {
		return nil, ltierr.Wrap(ltierr.InvalidClaims, "token payload is not a claim set", err)
	}
	err = jwt.Validate(tok,
		jwt.WithAcceptableSkew(v.skew),
		jwt.WithClock(jwt.ClockFunc(v.now)),
		jwt.WithRequiredClaim(jwt.ExpirationKey),
		jwt.WithRequiredClaim(jwt.IssuedAtKey),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired()) || errors.Is(err, jwt.ErrInvalidIssuedAt()) || errors.Is(err, jwt.ErrTokenNotYetValid()) {
			return nil, ltierr.Wrap(ltierr.Expired, "token is outside the accepted time window", err)
		}
		return nil, ltierr.Wrap(ltierr.InvalidClaims, "token claims are invalid", err)
	}
	return &Verified{Token: tok, Payload: payload}, nil
}

// verifySignature returns the payload covered by a valid signature.
func (v *Verifier) verifySignature(ctx context.Context, raw []byte, alg jwa.SignatureAlgorithm, kid string, reg *platform.Registration) ([]byte, error) {
	set, err := v.cache.Get(ctx, reg.JWKSURL)
	if err != nil {
		return nil, ltierr.Wrap(ltierr.EndpointUnreachable, "platform JWKS unavailable", err).Retry()
	}

	if kid == "" {
		// No kid: accept only if some published key verifies the token.
		for i := 0; i < set.Len(); i++ {
			key, ok := set.Key(i)
			if !ok || !keyFits(key, alg) {
				continue
			}
			if payload, err := jws.Verify(raw, jws.WithKey(alg, key)); err == nil {
				return payload, nil
			}
		}
		return nil, ltierr.New(ltierr.BadSignature, "no published key verifies the token")
	}

	key, ok := set.LookupKeyID(kid)
	if !ok {
		// The platform may have rotated keys since the set was cached.
		v.cache.Invalidate(reg.JWKSURL)
		set, err = v.cache.Get(ctx, reg.JWKSURL)
		if err != nil {
			return nil, ltierr.Wrap(ltierr.EndpointUnreachable, "platform JWKS unavailable", err).Retry()
		}
		if key, ok = set.LookupKeyID(kid); !ok {
			logger.Debug("[verifier] kid %q not in JWKS of %s after refresh", kid, reg.JWKSURL)
			return nil, ltierr.Newf(ltierr.UnknownKID, "key %q is not published by the platform", kid)
		}
	}
	if !keyFits(key, alg) {
		return nil, ltierr.Newf(ltierr.BadSignature, "key %q does not allow %s", kid, alg)
	}
	payload, err := jws.Verify(raw, jws.WithKey(alg, key))
	if err != nil {
		return nil, ltierr.Wrap(ltierr.BadSignature, "signature verification failed", err)
	}
	return payload, nil
}

// keyFits rejects keys whose declared alg or use conflicts with the token.
func keyFits(key jwk.Key, alg jwa.SignatureAlgorithm) bool {
	if ka := key.Algorithm(); ka != nil && ka.String() != "" && ka.String() != alg.String() {
		return false
	}
	if u := key.KeyUsage(); u != "" && u != string(jwk.ForSignature) {
		return false
	}
	return true
}

// PublishJWKS renders the public JWKS for a tool registration. Disabled registrations
// still publish so platforms can verify assertions issued before the switch.
func (v *Verifier) PublishJWKS(ctx context.Context, toolID string) ([]byte, error) {
	reg, err := v.tools.ResolveByTool(ctx, toolID)
	if err != nil {
		return nil, err
	}
	doc, err := keys.JWKSJSON(ctx, v.custodian, reg.ToolPrivateKeyRef, reg.ToolPublicKeyID)
	if err != nil {
		return nil, ltierr.Wrap(ltierr.ToolKeysUnavailable, "tool key material unavailable", err)
	}
	return doc, nil
}
