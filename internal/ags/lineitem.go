package ags

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/quipper/poc/lti/tool/pkg/common/logger"
	"github.com/quipper/poc/lti/tool/pkg/common/ltierr"
	"github.com/quipper/poc/lti/tool/pkg/common/telemetry"
	lr "github.com/quipper/poc/lti/tool/pkg/repositories/launch"
	"github.com/quipper/poc/lti/tool/pkg/repositories/platform"
)

// LineItem is the AGS line item shape; ID is the item URL.
type LineItem struct {
	ID             string  `json:"id,omitempty"`
	Label          string  `json:"label"`
	ScoreMaximum   float64 `json:"scoreMaximum"`
	ResourceLinkID string  `json:"resourceLinkId,omitempty"`
	ResourceID     string  `json:"resourceId,omitempty"`
	Tag            string  `json:"tag,omitempty"`
}

// resolveLineItem finds the platform line item bound to the link's resource link,
// creating one when none exists, and remembers it on the link.
func (c *Client) resolveLineItem(ctx context.Context, reg *platform.Registration, link *lr.Link) (id string, err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "ags.lineitem")
	span.SetAttributes(attribute.String("lti.resource_link_id", link.LmsResourceLinkID))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	container := link.LineItemsURL
	if container == "" {
		container = reg.LineItemsURL
	}

	items, err := c.listLineItems(ctx, reg, container, link.LmsResourceLinkID)
	if err != nil {
		return "", err
	}
	for _, it := range items {
		if it.ID != "" {
			id = it.ID
			break
		}
	}
	if id == "" {
		created, err := c.createLineItem(ctx, reg, container, link)
		if err != nil {
			return "", err
		}
		id = created.ID
		logger.Info("[ags] created line item %s for link=%s", id, link.ID)
	}

	if err := c.launches.SetLinkLineItem(ctx, link.ID, id); err != nil {
		logger.Warn("[ags] remember line item for link=%s: %v", link.ID, err)
	}
	link.LineItemID = id
	return id, nil
}

func (c *Client) listLineItems(ctx context.Context, reg *platform.Registration, container, resourceLinkID string) ([]LineItem, error) {
	u, err := url.Parse(container)
	if err != nil {
		return nil, ltierr.Wrap(ltierr.ScoreRejected, "line items URL is invalid", err)
	}
	q := u.Query()
	q.Set("resource_link_id", resourceLinkID)
	u.RawQuery = q.Encode()

	resp, err := c.authorized(ctx, reg, ScopeLineItem, "ags_lineitems", c.scoreTimeout, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", LineItemContainerMediaType)
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := classify(resp.StatusCode, ltierr.ScoreRejected, "line items"); err != nil {
		return nil, err
	}
	var items []LineItem
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, ltierr.Wrap(ltierr.UpstreamUnavailable, "line items response is not a JSON array", err)
	}
	return items, nil
}

func (c *Client) createLineItem(ctx context.Context, reg *platform.Registration, container string, link *lr.Link) (*LineItem, error) {
	maxPoints := link.MaxPoints
	if maxPoints <= 0 {
		maxPoints = lr.DefaultMaxPoints
	}
	label := link.Title
	if label == "" {
		label = "Activity " + link.LmsResourceLinkID
	}
	body, err := json.Marshal(LineItem{
		Label:          label,
		ScoreMaximum:   maxPoints,
		ResourceLinkID: link.LmsResourceLinkID,
		ResourceID:     link.ID,
	})
	if err != nil {
		return nil, ltierr.Wrap(ltierr.Internal, "encode line item", err)
	}

	resp, err := c.authorized(ctx, reg, ScopeLineItem, "ags_lineitem_create", c.scoreTimeout, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, container, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", LineItemMediaType)
		req.Header.Set("Accept", LineItemMediaType)
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := classify(resp.StatusCode, ltierr.ScoreRejected, "line item create"); err != nil {
		return nil, err
	}
	var created LineItem
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil || created.ID == "" {
		return nil, ltierr.New(ltierr.UpstreamUnavailable, "line item create response carries no id")
	}
	return &created, nil
}
