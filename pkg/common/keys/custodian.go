// Package keys abstracts the tool's private signing keys behind a custodian.
// Callers hold an opaque key reference and ask the custodian to sign digests or
// return public material; the private key itself never leaves the custodian.
package keys

import (
	"context"
	"crypto"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/lestrrat-go/jwx/v2/jwa"
	jwk "github.com/lestrrat-go/jwx/v2/jwk"
)

// ErrKeyNotFound is returned when the custodian has no key for a reference.
var ErrKeyNotFound = errors.New("keys: key reference not found")

// Custodian signs SHA-256 digests with RSASSA-PKCS1-v1_5 and exposes public keys.
type Custodian interface {
	Sign(ctx context.Context, keyRef string, digest []byte) ([]byte, error)
	PublicKey(ctx context.Context, keyRef string) (crypto.PublicKey, error)
}

// Signer adapts a custodian key to crypto.Signer so jwx can sign RS256 with it.
type Signer struct {
	ctx       context.Context
	custodian Custodian
	keyRef    string
	pub       crypto.PublicKey
}

// NewSigner resolves the public half of keyRef and returns a crypto.Signer bound to ctx.
func NewSigner(ctx context.Context, c Custodian, keyRef string) (*Signer, error) {
	pub, err := c.PublicKey(ctx, keyRef)
	if err != nil {
		return nil, err
	}
	if _, ok := pub.(*rsa.PublicKey); !ok {
		return nil, fmt.Errorf("keys: %s is not an RSA key (%T)", keyRef, pub)
	}
	return &Signer{ctx: ctx, custodian: c, keyRef: keyRef, pub: pub}, nil
}

func (s *Signer) Public() crypto.PublicKey { return s.pub }

func (s *Signer) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	if opts == nil || opts.HashFunc() != crypto.SHA256 {
		return nil, errors.New("keys: only SHA-256 digests are supported")
	}
	if _, pss := opts.(*rsa.PSSOptions); pss {
		return nil, errors.New("keys: PSS signatures are not supported")
	}
	return s.custodian.Sign(s.ctx, s.keyRef, digest)
}

// PublicJWK renders the public key for keyRef as an RS256 signing JWK.
func PublicJWK(ctx context.Context, c Custodian, keyRef, kid string) (jwk.Key, error) {
	pub, err := c.PublicKey(ctx, keyRef)
	if err != nil {
		return nil, err
	}
	key, err := jwk.FromRaw(pub)
	if err != nil {
		return nil, err
	}
	_ = key.Set(jwk.KeyIDKey, kid)
	_ = key.Set(jwk.AlgorithmKey, jwa.RS256)
	_ = key.Set(jwk.KeyUsageKey, "sig")
	return key, nil
}

// JWKSJSON returns a JWKS document holding only the public key for keyRef.
func JWKSJSON(ctx context.Context, c Custodian, keyRef, kid string) ([]byte, error) {
	key, err := PublicJWK(ctx, c, keyRef, kid)
	if err != nil {
		return nil, err
	}
	set := jwk.NewSet()
	if err := set.AddKey(key); err != nil {
		return nil, err
	}
	return json.Marshal(set)
}
