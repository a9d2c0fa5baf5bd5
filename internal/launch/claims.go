package launch

import (
	"crypto/subtle"
	"encoding/json"
	"strings"

	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/quipper/poc/lti/tool/pkg/common/ltierr"
	lr "github.com/quipper/poc/lti/tool/pkg/repositories/launch"
	"github.com/quipper/poc/lti/tool/pkg/repositories/platform"
)

// LTI 1.3 claim names.
const (
	ClaimMessageType   = "https://purl.imsglobal.org/spec/lti/claim/message_type"
	ClaimVersion       = "https://purl.imsglobal.org/spec/lti/claim/version"
	ClaimDeploymentID  = "https://purl.imsglobal.org/spec/lti/claim/deployment_id"
	ClaimTargetLinkURI = "https://purl.imsglobal.org/spec/lti/claim/target_link_uri"
	ClaimRoles         = "https://purl.imsglobal.org/spec/lti/claim/roles"
	ClaimContext       = "https://purl.imsglobal.org/spec/lti/claim/context"
	ClaimResourceLink  = "https://purl.imsglobal.org/spec/lti/claim/resource_link"
	ClaimCustom        = "https://purl.imsglobal.org/spec/lti/claim/custom"
	ClaimAGSEndpoint   = "https://purl.imsglobal.org/spec/lti-ags/claim/endpoint"

	MessageTypeResourceLink = "LtiResourceLinkRequest"
	Version13               = "1.3.0"
)

type rawContext struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Title string `json:"title"`
}

type rawResourceLink struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// rawClaims is the id_token payload as sent. It never leaves this package.
type rawClaims struct {
	Nonce         string                 `json:"nonce"`
	AZP           string                 `json:"azp"`
	Name          string                 `json:"name"`
	GivenName     string                 `json:"given_name"`
	FamilyName    string                 `json:"family_name"`
	Email         string                 `json:"email"`
	MessageType   string                 `json:"https://purl.imsglobal.org/spec/lti/claim/message_type"`
	Version       string                 `json:"https://purl.imsglobal.org/spec/lti/claim/version"`
	DeploymentID  string                 `json:"https://purl.imsglobal.org/spec/lti/claim/deployment_id"`
	TargetLinkURI string                 `json:"https://purl.imsglobal.org/spec/lti/claim/target_link_uri"`
	Roles         []string               `json:"https://purl.imsglobal.org/spec/lti/claim/roles"`
	Context       *rawContext            `json:"https://purl.imsglobal.org/spec/lti/claim/context"`
	ResourceLink  *rawResourceLink       `json:"https://purl.imsglobal.org/spec/lti/claim/resource_link"`
	Custom        map[string]interface{} `json:"https://purl.imsglobal.org/spec/lti/claim/custom"`
	AGS           *lr.AGSEndpoint        `json:"https://purl.imsglobal.org/spec/lti-ags/claim/endpoint"`
}

// LaunchClaims are the id_token claims of a resource link launch that passed every check.
type LaunchClaims struct {
	Issuer            string
	ClientID          string
	DeploymentID      string
	Subject           string
	Name              string
	Email             string
	Roles             []string
	ContextID         string
	ContextTitle      string
	ResourceLinkID    string
	ResourceLinkTitle string
	TargetLinkURI     string
	AGS               *lr.AGSEndpoint
	Custom            map[string]interface{}
}

// checkClaims applies the LTI rules to a token whose signature and lifetime were
// already verified. payload is the raw JWS payload of the same token.
func checkClaims(tok jwt.Token, payload []byte, reg *platform.Registration, nonce string) (*LaunchClaims, error) {
	var raw rawClaims
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, ltierr.Wrap(ltierr.InvalidClaims, "id_token payload is not valid JSON", err)
	}

	if raw.Nonce == "" || subtle.ConstantTimeCompare([]byte(raw.Nonce), []byte(nonce)) != 1 {
		return nil, ltierr.New(ltierr.NonceMismatch, "nonce does not match the login")
	}

	aud := tok.Audience()
	if !contains(aud, reg.ClientID) {
		return nil, ltierr.New(ltierr.AudienceMismatch, "id_token is not addressed to this client")
	}
	if len(aud) > 1 && raw.AZP != "" && raw.AZP != reg.ClientID {
		return nil, ltierr.New(ltierr.AudienceMismatch, "azp does not match this client")
	}

	if raw.MessageType != MessageTypeResourceLink || raw.Version != Version13 {
		return nil, ltierr.Newf(ltierr.UnsupportedMessageType, "message %q version %q is not supported", raw.MessageType, raw.Version)
	}

	if raw.DeploymentID == "" || !reg.HasDeployment(raw.DeploymentID) {
		return nil, ltierr.Newf(ltierr.UnknownDeployment, "deployment %q is not registered", raw.DeploymentID)
	}

	if tok.Subject() == "" {
		return nil, ltierr.New(ltierr.InvalidClaims, "sub is required")
	}
	if raw.ResourceLink == nil || raw.ResourceLink.ID == "" {
		return nil, ltierr.New(ltierr.InvalidClaims, "resource_link.id is required")
	}
	if raw.AGS != nil && raw.AGS.LineItemURL == "" && raw.AGS.LineItemsURL == "" {
		raw.AGS = nil
	}

	c := &LaunchClaims{
		Issuer:            tok.Issuer(),
		ClientID:          reg.ClientID,
		DeploymentID:      raw.DeploymentID,
		Subject:           tok.Subject(),
		Name:              displayName(raw),
		Email:             raw.Email,
		Roles:             raw.Roles,
		ResourceLinkID:    raw.ResourceLink.ID,
		ResourceLinkTitle: raw.ResourceLink.Title,
		TargetLinkURI:     raw.TargetLinkURI,
		AGS:               raw.AGS,
		Custom:            raw.Custom,
	}
	if raw.Context != nil {
		c.ContextID = raw.Context.ID
		c.ContextTitle = firstNonEmpty(raw.Context.Title, raw.Context.Label)
	}
	return c, nil
}

// PrimaryRole reduces the LIS role URIs to one short role name.
func (c *LaunchClaims) PrimaryRole() string {
	var fallback string
	for _, want := range []string{"Administrator", "Instructor", "TeachingAssistant", "ContentDeveloper", "Mentor", "Learner"} {
		for _, r := range c.Roles {
			name := roleName(r)
			if fallback == "" {
				fallback = name
			}
			if name == want || (want == "Learner" && name == "Student") {
				return want
			}
		}
	}
	return fallback
}

func roleName(uri string) string {
	if i := strings.LastIndexAny(uri, "#/"); i >= 0 {
		return uri[i+1:]
	}
	return uri
}

func displayName(raw rawClaims) string {
	if raw.Name != "" {
		return raw.Name
	}
	return strings.TrimSpace(raw.GivenName + " " + raw.FamilyName)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func firstNonEmpty(vs ...string) string {
	for _, v := range vs {
		if v != "" {
			return v
		}
	}
	return ""
}
