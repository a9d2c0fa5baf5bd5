package launch

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a launch or link does not exist.
var ErrNotFound = errors.New("launch record not found")

// Status is the launch lifecycle state.
type Status string

const (
	StatusPendingLogin  Status = "PENDING_LOGIN"
	StatusPendingLaunch Status = "PENDING_LAUNCH"
	StatusActive        Status = "ACTIVE"
	StatusExpired       Status = "EXPIRED"
	StatusCompleted     Status = "COMPLETED"
	StatusError         Status = "ERROR"
)

// Frozen reports whether the launch may no longer be mutated.
func (s Status) Frozen() bool { return s == StatusExpired || s == StatusError }

// GradeStatus is the grade passback state, independent of Status.
type GradeStatus string

const (
	GradeNone    GradeStatus = "NONE"
	GradePending GradeStatus = "PENDING"
	GradeSent    GradeStatus = "SENT"
	GradeFailed  GradeStatus = "FAILED"
)

// Launch is one user's session started from a platform.
type Launch struct {
	ID              string      `json:"id"`
	LtiToolID       string      `json:"ltiToolId"`
	LtiLinkID       string      `json:"ltiLinkId,omitempty"`
	TenantID        string      `json:"tenantId"`
	DeploymentID    string      `json:"deploymentId"`
	LmsUserID       string      `json:"lmsUserId"`
	LmsUserEmail    string      `json:"lmsUserEmail,omitempty"`
	LmsUserName     string      `json:"lmsUserName,omitempty"`
	UserRole        string      `json:"userRole"`
	LmsContextTitle string      `json:"lmsContextTitle,omitempty"`
	Status          Status      `json:"status"`
	GradeStatus     GradeStatus `json:"gradeStatus"`
	ScoreGiven      *float64    `json:"scoreGiven,omitempty"`
	ScoreMaximum    *float64    `json:"scoreMaximum,omitempty"`
	GradeLeaseUntil *time.Time  `json:"-"`
	LaunchedAt      time.Time   `json:"launchedAt"`
	ExpiresAt       time.Time   `json:"expiresAt"`
	CompletedAt     *time.Time  `json:"completedAt,omitempty"`
}

// GradeInFlight reports whether a grade passback holds a live claim at now. A PENDING
// grade whose lease ran out was abandoned by its sender.
func (l *Launch) GradeInFlight(now time.Time) bool {
	return l.GradeStatus == GradePending && l.GradeLeaseUntil != nil && now.Before(*l.GradeLeaseUntil)
}

// Link binds a platform resource link to content. At most one of LoVersionID and
// ActivityTemplateID is set.
type Link struct {
	ID                 string  `json:"id"`
	LtiToolID          string  `json:"ltiToolId"`
	LmsContextID       string  `json:"lmsContextId,omitempty"`
	LmsResourceLinkID  string  `json:"lmsResourceLinkId,omitempty"`
	LoVersionID        string  `json:"loVersionId,omitempty"`
	ActivityTemplateID string  `json:"activityTemplateId,omitempty"`
	Title              string  `json:"title,omitempty"`
	MaxPoints          float64 `json:"maxPoints"`
	// LineItemID is the AGS line item URL.
	LineItemID   string `json:"lineItemId,omitempty"`
	LineItemsURL string `json:"lineItemsUrl,omitempty"`
}

// DefaultMaxPoints applies when a link is created without a configured maximum.
const DefaultMaxPoints = 100

// AGSEndpoint is the AGS claim of a launch.
type AGSEndpoint struct {
	Scopes       []string `json:"scope,omitempty"`
	LineItemsURL string   `json:"lineitems,omitempty"`
	LineItemURL  string   `json:"lineitem,omitempty"`
}

// LinkResolver maps a platform resource link to a Link, creating it on first launch.
type LinkResolver interface {
	// ResolveOrCreateLink fills missing line item URLs from ags but never overwrites
	// a line item already resolved.
	ResolveOrCreateLink(ctx context.Context, toolID, resourceLinkID, contextID string, ags AGSEndpoint, title string) (*Link, error)
}

// Repository persists launches and links. Every state change is a compare-and-set and
// reports whether it applied; EXPIRED and ERROR rows are never updated.
type Repository interface {
	LinkResolver

	GetLink(ctx context.Context, id string) (*Link, error)
	// SetLinkLineItem stores the resolved line item URL if none is set yet.
	SetLinkLineItem(ctx context.Context, linkID, lineItemURL string) error

	CreateLaunch(ctx context.Context, l *Launch) error
	// GetLaunch returns the stored row as-is, without applying expiry.
	GetLaunch(ctx context.Context, id string) (*Launch, error)
	// MarkExpired moves an ACTIVE launch past its expiry to EXPIRED. Launches whose grade
	// claim is still leased are skipped; a lapsed claim is settled to FAILED.
	MarkExpired(ctx context.Context, id string, now time.Time) (bool, error)
	// ExpireStale applies MarkExpired to every eligible launch and returns the count.
	ExpireStale(ctx context.Context, now time.Time) (int64, error)
	// CompleteLaunch moves ACTIVE to COMPLETED.
	CompleteLaunch(ctx context.Context, id string, now time.Time) (bool, error)
	// ClaimGrade moves grade status NONE, FAILED or a lapsed PENDING claim to PENDING,
	// leased until leaseUntil. The lease identifies the claim when it is settled.
	ClaimGrade(ctx context.Context, id string, now, leaseUntil time.Time) (bool, error)
	// RecordGrade settles the claim leased until lease as SENT and stores the score.
	RecordGrade(ctx context.Context, id string, lease time.Time, scoreGiven, scoreMaximum float64) (bool, error)
	// ReleaseGrade settles the claim leased until lease as FAILED.
	ReleaseGrade(ctx context.Context, id string, lease time.Time) (bool, error)

	Health(ctx context.Context) error
	Disconnect()
}
