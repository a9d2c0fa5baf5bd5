// Package events publishes launch and grade lifecycle events for downstream analytics.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/quipper/poc/lti/tool/pkg/common/logger"
)

// Event types.
const (
	LaunchActivated = "lti.launch.activated"
	LaunchCompleted = "lti.launch.completed"
	GradeSent       = "lti.grade.sent"
	GradeFailed     = "lti.grade.failed"
)

// Envelope wraps every published payload.
type Envelope struct {
	ID         string      `json:"id"`
	Type       string      `json:"type"`
	Version    string      `json:"version"`
	OccurredAt time.Time   `json:"occurredAt"`
	TenantID   string      `json:"tenantId,omitempty"`
	Payload    interface{} `json:"payload"`
}

// Publisher emits events. Failures are reported to the caller, which logs and moves on.
type Publisher interface {
	Publish(ctx context.Context, eventType, tenantID string, payload interface{}) error
	Close() error
}

// Noop discards all events.
type Noop struct{}

func (Noop) Publish(context.Context, string, string, interface{}) error { return nil }
func (Noop) Close() error                                             { return nil }

// streamPublisher is the part of nats.JetStreamContext the publisher uses.
type streamPublisher interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

type natsPublisher struct {
	nc *nats.Conn
	js streamPublisher
}

const streamName = "LTI_EVENTS"

// NewPublisher connects to url and ensures the LTI_EVENTS stream exists.
// An empty url or a failed connection yields Noop so launches never depend on NATS.
func NewPublisher(url string) Publisher {
	if url == "" {
		return Noop{}
	}
	nc, err := nats.Connect(url, nats.Name("lti-tool"))
	if err != nil {
		logger.Warn("[events] NATS connect failed, using noop publisher: %v", err)
		return Noop{}
	}
	js, err := nc.JetStream()
	if err != nil {
		logger.Warn("[events] JetStream unavailable, using noop publisher: %v", err)
		nc.Close()
		return Noop{}
	}
	if _, err := js.StreamInfo(streamName); err != nil {
		_, err = js.AddStream(&nats.StreamConfig{
			Name:      streamName,
			Subjects:  []string{"lti.>"},
			Retention: nats.LimitsPolicy,
			MaxAge:    7 * 24 * time.Hour,
			Discard:   nats.DiscardOld,
			Storage:   nats.FileStorage,
		})
		if err != nil {
			logger.Warn("[events] stream %s could not be created, using noop publisher: %v", streamName, err)
			nc.Close()
			return Noop{}
		}
	}
	return &natsPublisher{nc: nc, js: js}
}

func (p *natsPublisher) Publish(_ context.Context, eventType, tenantID string, payload interface{}) error {
	env := Envelope{
		ID:         uuid.NewString(),
		Type:       eventType,
		Version:    "1.0.0",
		OccurredAt: time.Now().UTC(),
		TenantID:   tenantID,
		Payload:    payload,
	}
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if _, err := p.js.Publish(eventType, b, nats.MsgId(env.ID)); err != nil {
		return fmt.Errorf("publish %s: %w", eventType, err)
	}
	return nil
}

func (p *natsPublisher) Close() error {
	if p.nc != nil {
		return p.nc.Drain()
	}
	return nil
}
