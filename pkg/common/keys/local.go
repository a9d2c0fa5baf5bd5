package keys

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/quipper/poc/lti/tool/pkg/common/logger"
)

// LocalCustodian keeps RSA keys in process memory. Keys come from PEM files in a
// directory (<keyRef>.pem), from LTI_TOOL_PRIVATE_KEY_PEM / LTI_TOOL_PRIVATE_KEY_B64
// (registered under DefaultKeyRef), or are generated on demand when GenerateMissing is set.
type LocalCustodian struct {
	mu              sync.RWMutex
	keys            map[string]*rsa.PrivateKey
	dir             string
	GenerateMissing bool
}

// DefaultKeyRef names the key loaded from the environment.
const DefaultKeyRef = "default"

// NewLocalCustodian loads keys from dir (may be empty) and the environment.
func NewLocalCustodian(dir string) (*LocalCustodian, error) {
	c := &LocalCustodian{keys: map[string]*rsa.PrivateKey{}, dir: dir}
	if b64 := os.Getenv("LTI_TOOL_PRIVATE_KEY_B64"); b64 != "" {
		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, fmt.Errorf("LTI_TOOL_PRIVATE_KEY_B64: %w", err)
		}
		k, err := ParseRSAPrivateKeyPEM(raw)
		if err != nil {
			return nil, fmt.Errorf("LTI_TOOL_PRIVATE_KEY_B64: %w", err)
		}
		c.keys[DefaultKeyRef] = k
	} else if pemStr := os.Getenv("LTI_TOOL_PRIVATE_KEY_PEM"); pemStr != "" {
		k, err := ParseRSAPrivateKeyPEM([]byte(pemStr))
		if err != nil {
			return nil, fmt.Errorf("LTI_TOOL_PRIVATE_KEY_PEM: %w", err)
		}
		c.keys[DefaultKeyRef] = k
	}
	if dir != "" {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.IsDir() || filepath.Ext(e.Name()) != ".pem" {
				continue
			}
			raw, err := os.ReadFile(filepath.Join(dir, e.Name()))
			if err != nil {
				return nil, err
			}
			k, err := ParseRSAPrivateKeyPEM(raw)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", e.Name(), err)
			}
			c.keys[strings.TrimSuffix(e.Name(), ".pem")] = k
		}
	}
	return c, nil
}

// Add registers a key under keyRef. Used by tests and seeding.
func (c *LocalCustodian) Add(keyRef string, key *rsa.PrivateKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys[keyRef] = key
}

func (c *LocalCustodian) Sign(_ context.Context, keyRef string, digest []byte) ([]byte, error) {
	key, err := c.key(keyRef)
	if err != nil {
		return nil, err
	}
	return rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest)
}

func (c *LocalCustodian) PublicKey(_ context.Context, keyRef string) (crypto.PublicKey, error) {
	key, err := c.key(keyRef)
	if err != nil {
		return nil, err
	}
	return &key.PublicKey, nil
}

func (c *LocalCustodian) key(keyRef string) (*rsa.PrivateKey, error) {
	c.mu.RLock()
	k, ok := c.keys[keyRef]
	c.mu.RUnlock()
	if ok {
		return k, nil
	}
	if !c.GenerateMissing || keyRef == "" {
		return nil, fmt.Errorf("%w: %q", ErrKeyNotFound, keyRef)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if k, ok := c.keys[keyRef]; ok {
		return k, nil
	}
	gen, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	c.keys[keyRef] = gen
	if c.dir != "" {
		block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(gen)}
		path := filepath.Join(c.dir, keyRef+".pem")
		if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
			logger.Warn("[keys] generated key %s could not be persisted: %v", keyRef, err)
		} else {
			logger.Info("[keys] generated dev RSA key %s at %s", keyRef, path)
		}
	} else {
		logger.Warn("[keys] generated ephemeral dev RSA key %s; set LTI_KEYS_DIR to persist it", keyRef)
	}
	return gen, nil
}

// ParseRSAPrivateKeyPEM accepts PKCS#1 or PKCS#8 PEM.
func ParseRSAPrivateKeyPEM(raw []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	if k, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return k, nil
	}
	pkcs8, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	rk, ok := pkcs8.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unsupported private key type %T", pkcs8)
	}
	return rk, nil
}
