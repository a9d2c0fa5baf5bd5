// Package registry resolves LMS platform registrations for the launch and grade flows.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"

	"github.com/quipper/poc/lti/tool/pkg/common/logger"
	"github.com/quipper/poc/lti/tool/pkg/common/ltierr"
	"github.com/quipper/poc/lti/tool/pkg/repositories/platform"
)

// Registry wraps the registration store with launch-time rules: only enabled
// registrations resolve for launches, and misses are audited, not treated as faults.
type Registry struct {
	repo platform.Repository
}

func New(repo platform.Repository) *Registry {
	return &Registry{repo: repo}
}

// Resolve finds the enabled registration for an exact (issuer, clientID) pair.
func (r *Registry) Resolve(ctx context.Context, issuer, clientID string) (*platform.Registration, error) {
	reg, err := r.repo.GetByIssuerClient(ctx, issuer, clientID)
	if err != nil {
		if errors.Is(err, platform.ErrNotFound) {
			logger.Audit("lti.platform.unknown", "issuer", issuer, "client_id", clientID)
			return nil, ltierr.New(ltierr.UnknownPlatform, "platform is not registered")
		}
		return nil, ltierr.Wrap(ltierr.Internal, "platform lookup failed", err)
	}
	if !reg.Enabled {
		logger.Audit("lti.platform.disabled", "issuer", issuer, "client_id", clientID, "registration_id", reg.ID)
		return nil, ltierr.New(ltierr.UnknownPlatform, "platform is not registered")
	}
	return reg, nil
}

// ResolveByIssuer is used when a login omits client_id: it succeeds only when the
// issuer has exactly one enabled registration.
func (r *Registry) ResolveByIssuer(ctx context.Context, issuer string) (*platform.Registration, error) {
	regs, err := r.repo.ListByIssuer(ctx, issuer)
	if err != nil {
		return nil, ltierr.Wrap(ltierr.Internal, "platform lookup failed", err)
	}
	var match *platform.Registration
	for _, reg := range regs {
		if !reg.Enabled {
			continue
		}
		if match != nil {
			logger.Audit("lti.platform.ambiguous", "issuer", issuer)
			return nil, ltierr.New(ltierr.InvalidRequest, "client_id is required for this issuer")
		}
		match = reg
	}
	if match == nil {
		logger.Audit("lti.platform.unknown", "issuer", issuer)
		return nil, ltierr.New(ltierr.UnknownPlatform, "platform is not registered")
	}
	return match, nil
}

// ResolveByTool returns the registration by id whether or not it is enabled.
func (r *Registry) ResolveByTool(ctx context.Context, toolID string) (*platform.Registration, error) {
	reg, err := r.repo.GetByID(ctx, toolID)
	if err != nil {
		if errors.Is(err, platform.ErrNotFound) {
			return nil, ltierr.New(ltierr.ToolNotFound, "tool registration not found")
		}
		return nil, ltierr.Wrap(ltierr.Internal, "tool lookup failed", err)
	}
	return reg, nil
}

func (r *Registry) List(ctx context.Context) ([]*platform.Registration, error) {
	return r.repo.List(ctx)
}

type seedEntry struct {
	platform.Registration
	Enabled *bool `json:"enabled"`
}

// SeedFile upserts every registration in a JSON array file. Entries without
// "enabled" are enabled.
func (r *Registry) SeedFile(ctx context.Context, path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var entries []seedEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	for i := range entries {
		reg := entries[i].Registration
		reg.Enabled = entries[i].Enabled == nil || *entries[i].Enabled
		if err := Validate(&reg); err != nil {
			return i, fmt.Errorf("registration %d (%s): %w", i, reg.Issuer, err)
		}
		if err := r.repo.Upsert(ctx, &reg); err != nil {
			return i, fmt.Errorf("registration %d (%s): %w", i, reg.Issuer, err)
		}
		logger.Info("[registry] seeded platform issuer=%s client_id=%s id=%s enabled=%t", reg.Issuer, reg.ClientID, reg.ID, reg.Enabled)
	}
	return len(entries), nil
}

// Validate checks the fields a launch depends on. An enabled registration without
// deployment ids is accepted but cannot launch.
func Validate(reg *platform.Registration) error {
	if reg.ClientID == "" {
		return errors.New("clientId is required")
	}
	for name, v := range map[string]string{
		"issuer":       reg.Issuer,
		"authLoginUrl": reg.AuthLoginURL,
		"authTokenUrl": reg.AuthTokenURL,
		"jwksUrl":      reg.JWKSURL,
	} {
		if !IsHTTPURL(v) {
			return fmt.Errorf("%s must be an absolute http(s) URL", name)
		}
	}
	if reg.LineItemsURL != "" && !IsHTTPURL(reg.LineItemsURL) {
		return errors.New("lineItemsUrl must be an absolute http(s) URL")
	}
	if reg.ToolPrivateKeyRef == "" || reg.ToolPublicKeyID == "" {
		return errors.New("toolPrivateKeyRef and toolPublicKeyId are required")
	}
	return nil
}

// IsHTTPURL reports whether s is an absolute http or https URL.
func IsHTTPURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return u.Host != ""
}
