package ltierr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCodeOfWrapped(t *testing.T) {
	cause := errors.New("dial tcp: timeout")
	err := fmt.Errorf("send score: %w", Wrap(UpstreamUnavailable, "score endpoint", cause).Retry())

	require.Equal(t, UpstreamUnavailable, CodeOf(err))
	require.True(t, errors.Is(err, cause))
	require.True(t, errors.Is(err, New(UpstreamUnavailable, "")))
	require.False(t, errors.Is(err, New(ScoreRejected, "")))

	var e *Error
	require.True(t, errors.As(err, &e))
	require.True(t, e.Retryable)
	require.Equal(t, http.StatusServiceUnavailable, e.HTTPStatus())
}

func TestCodeOfUnclassified(t *testing.T) {
	require.Equal(t, Internal, CodeOf(errors.New("boom")))
	require.False(t, IsCode(nil, Internal))
}

func TestStatusFor(t *testing.T) {
	require.Equal(t, http.StatusBadRequest, StatusFor(InvalidRequest))
	require.Equal(t, http.StatusUnauthorized, StatusFor(NonceMismatch))
	require.Equal(t, http.StatusNotFound, StatusFor(LaunchNotFound))
	require.Equal(t, http.StatusUnprocessableEntity, StatusFor(NoLineItemConfigured))
	require.Equal(t, http.StatusInternalServerError, StatusFor(Internal))
}
