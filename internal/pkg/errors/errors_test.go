package errors

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToHTTP_RendersUpstreamEnvelope(t *testing.T) {
	err := New(KindNoCapacity, http.StatusServiceUnavailable, "no_accounts", "Service temporarily unavailable")

	status, body := ToHTTP(err)

	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "no_accounts", body.Error.Code)
	assert.Equal(t, "rate_limit_error", body.Error.Type)
}

func TestToHTTP_NilErrorIsOK(t *testing.T) {
	status, body := ToHTTP(nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Empty(t, body.Error.Message)
}

func TestToDashboardHTTP_OmitsType(t *testing.T) {
	err := New(KindAuthentication, http.StatusUnauthorized, "totp_required", "TOTP code required")

	status, body := ToDashboardHTTP(err)

	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "totp_required", body.Error.Code)
}

func TestFromError_UnwrapsWrappedAppError(t *testing.T) {
	cause := assert.AnError
	wrapped := Wrap(cause, KindIntegrity, http.StatusInternalServerError, "integrity", "decrypt failed")

	appErr := FromError(wrapped)
	require.NotNil(t, appErr)
	assert.Equal(t, KindIntegrity, appErr.Kind)
	assert.ErrorIs(t, wrapped, cause)
}

func TestIs_MatchesKind(t *testing.T) {
	err := New(KindUpstreamPermanent, http.StatusBadGateway, "refresh_token_expired", "token expired")
	assert.True(t, Is(err, KindUpstreamPermanent))
	assert.False(t, Is(err, KindValidation))
}
