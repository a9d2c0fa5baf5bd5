package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

type recordingStream struct {
	subjects []string
	bodies   [][]byte
	err      error
}

func (r *recordingStream) Publish(subj string, data []byte, _ ...nats.PubOpt) (*nats.PubAck, error) {
	if r.err != nil {
		return nil, r.err
	}
	r.subjects = append(r.subjects, subj)
	r.bodies = append(r.bodies, data)
	return &nats.PubAck{Stream: streamName}, nil
}

func TestNewPublisherWithoutURLIsNoop(t *testing.T) {
	p := NewPublisher("")
	require.IsType(t, Noop{}, p)
	require.NoError(t, p.Publish(context.Background(), GradeSent, "t1", nil))
	require.NoError(t, p.Close())
}

func TestPublishWrapsPayloadInEnvelope(t *testing.T) {
	rs := &recordingStream{}
	p := &natsPublisher{js: rs}

	err := p.Publish(context.Background(), LaunchActivated, "tenant-1", map[string]string{"launchId": "l-1"})
	require.NoError(t, err)
	require.Equal(t, []string{LaunchActivated}, rs.subjects)

	var env struct {
		ID       string            `json:"id"`
		Type     string            `json:"type"`
		TenantID string            `json:"tenantId"`
		Payload  map[string]string `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(rs.bodies[0], &env))
	require.NotEmpty(t, env.ID)
	require.Equal(t, LaunchActivated, env.Type)
	require.Equal(t, "tenant-1", env.TenantID)
	require.Equal(t, "l-1", env.Payload["launchId"])
}

func TestPublishSurfacesStreamErrors(t *testing.T) {
	p := &natsPublisher{js: &recordingStream{err: errors.New("no responders")}}
	require.Error(t, p.Publish(context.Background(), GradeFailed, "", nil))
}
