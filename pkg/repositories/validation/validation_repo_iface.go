package validation

import (
	"context"
	"errors"
	"time"
)

// ErrStateNotFound covers states that never existed, were consumed, or expired.
var ErrStateNotFound = errors.New("login state not found")

// LoginState is what the tool remembers between login initiation and the launch callback.
type LoginState struct {
	State                  string    `json:"state"`
	Nonce                  string    `json:"nonce"`
	PlatformRegistrationID string    `json:"platformRegistrationId"`
	TargetLinkURI          string    `json:"targetLinkUri"`
	LtiMessageHint         string    `json:"ltiMessageHint,omitempty"`
	CreatedAt              time.Time `json:"createdAt"`
	Consumed               bool      `json:"consumed"`
}

// Repository is a TTL store for login states.
type Repository interface {
	// SaveLoginState stores s for ttl. An existing state is never overwritten.
	SaveLoginState(ctx context.Context, s *LoginState, ttl time.Duration) error
	// ConsumeLoginState loads and invalidates the state in one atomic step, so at most
	// one caller ever receives it.
	ConsumeLoginState(ctx context.Context, state string) (*LoginState, error)
	Disconnect()
}
