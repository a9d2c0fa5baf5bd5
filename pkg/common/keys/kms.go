package keys

import (
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
)

// KMSAPI is the subset of the KMS client the custodian needs.
type KMSAPI interface {
	Sign(ctx context.Context, params *kms.SignInput, optFns ...func(*kms.Options)) (*kms.SignOutput, error)
	GetPublicKey(ctx context.Context, params *kms.GetPublicKeyInput, optFns ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error)
}

// KMSCustodian treats key references as KMS key ids, ARNs or aliases.
type KMSCustodian struct {
	client KMSAPI

	mu   sync.RWMutex
	pubs map[string]crypto.PublicKey
}

// NewKMSCustodian builds a custodian from the default AWS credential chain.
func NewKMSCustodian(ctx context.Context, region string) (*KMSCustodian, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewKMSCustodianWithClient(kms.NewFromConfig(cfg)), nil
}

func NewKMSCustodianWithClient(client KMSAPI) *KMSCustodian {
	return &KMSCustodian{client: client, pubs: map[string]crypto.PublicKey{}}
}

func (c *KMSCustodian) Sign(ctx context.Context, keyRef string, digest []byte) ([]byte, error) {
	out, err := c.client.Sign(ctx, &kms.SignInput{
		KeyId:            aws.String(keyRef),
		Message:          digest,
		MessageType:      types.MessageTypeDigest,
		SigningAlgorithm: types.SigningAlgorithmSpecRsassaPkcs1V15Sha256,
	})
	if err != nil {
		return nil, fmt.Errorf("kms sign %s: %w", keyRef, err)
	}
	return out.Signature, nil
}

// PublicKey fetches and caches the public half; KMS public keys never change for a key id.
func (c *KMSCustodian) PublicKey(ctx context.Context, keyRef string) (crypto.PublicKey, error) {
	c.mu.RLock()
	pub, ok := c.pubs[keyRef]
	c.mu.RUnlock()
	if ok {
		return pub, nil
	}
	out, err := c.client.GetPublicKey(ctx, &kms.GetPublicKeyInput{KeyId: aws.String(keyRef)})
	if err != nil {
		var nf *types.NotFoundException
		if errors.As(err, &nf) {
			return nil, fmt.Errorf("%w: %q", ErrKeyNotFound, keyRef)
		}
		return nil, fmt.Errorf("kms get public key %s: %w", keyRef, err)
	}
	pub, err = x509.ParsePKIXPublicKey(out.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("kms public key %s: %w", keyRef, err)
	}
	c.mu.Lock()
	c.pubs[keyRef] = pub
	c.mu.Unlock()
	return pub, nil
}
