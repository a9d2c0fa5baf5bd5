package platform

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no registration matches.
var ErrNotFound = errors.New("platform registration not found")

// Registration is one LMS platform relationship: the platform's OIDC endpoints plus the
// tool key that represents us to it.
type Registration struct {
	ID             string   `json:"id"`
	TenantID       string   `json:"tenantId"`
	Issuer         string   `json:"issuer"`
	ClientID       string   `json:"clientId"`
	DeploymentIDs  []string `json:"deploymentIds"`
	AuthLoginURL   string   `json:"authLoginUrl"`
	AuthTokenURL   string   `json:"authTokenUrl"`
	JWKSURL        string   `json:"jwksUrl"`
	LineItemsURL   string   `json:"lineItemsUrl,omitempty"`
	MembershipsURL string   `json:"membershipsUrl,omitempty"`
	DeepLinkingURL string   `json:"deepLinkingUrl,omitempty"`
	// ToolPrivateKeyRef is an opaque custodian reference, never key material.
	ToolPrivateKeyRef string    `json:"toolPrivateKeyRef"`
	ToolPublicKeyID   string    `json:"toolPublicKeyId"`
	Enabled           bool      `json:"enabled"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// HasDeployment reports whether id is one of the registered deployment ids.
func (r *Registration) HasDeployment(id string) bool {
	for _, d := range r.DeploymentIDs {
		if d == id {
			return true
		}
	}
	return false
}

// Repository stores registrations. Lookups return disabled rows too; filtering is the
// registry's job. Rows are never deleted.
type Repository interface {
	// GetByIssuerClient is an exact, case-sensitive match.
	GetByIssuerClient(ctx context.Context, issuer, clientID string) (*Registration, error)
	GetByID(ctx context.Context, id string) (*Registration, error)
	ListByIssuer(ctx context.Context, issuer string) ([]*Registration, error)
	List(ctx context.Context) ([]*Registration, error)
	// Upsert inserts or updates by (issuer, client id). A new row gets an ID when empty.
	Upsert(ctx context.Context, reg *Registration) error
	Health(ctx context.Context) error
	Disconnect()
}
