package dashboard

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testSecret = "JBSWY3DPEHPK3PXP"

func TestTOTPGate_VerifyValidCodeIssuesSessionCookie(t *testing.T) {
	gate := NewTOTPGate(testSecret, "codex-gateway", time.Minute, time.Hour)
	code, err := totp.GenerateCode(testSecret, time.Now())
	require.NoError(t, err)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/api/dashboard-auth/totp/verify", strings.NewReader(`{"code":"`+code+`"}`))
	c.Request.Header.Set("Content-Type", "application/json")

	gate.Verify(c)

	assert.Equal(t, http.StatusOK, w.Code)
	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, sessionCookieName, cookies[0].Name)
}

func TestTOTPGate_RejectsReplayedCode(t *testing.T) {
	gate := NewTOTPGate(testSecret, "codex-gateway", time.Minute, time.Hour)
	code, err := totp.GenerateCode(testSecret, time.Now())
	require.NoError(t, err)

	verify := func() int {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodPost, "/api/dashboard-auth/totp/verify", strings.NewReader(`{"code":"`+code+`"}`))
		c.Request.Header.Set("Content-Type", "application/json")
		gate.Verify(c)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, verify())
	assert.Equal(t, http.StatusUnauthorized, verify())
}

func TestTOTPGate_RejectsInvalidCode(t *testing.T) {
	gate := NewTOTPGate(testSecret, "codex-gateway", time.Minute, time.Hour)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/api/dashboard-auth/totp/verify", strings.NewReader(`{"code":"000000"}`))
	c.Request.Header.Set("Content-Type", "application/json")

	gate.Verify(c)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestTOTPGate_RequireSession_RejectsMissingCookie(t *testing.T) {
	gate := NewTOTPGate(testSecret, "codex-gateway", time.Minute, time.Hour)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/api/settings", nil)

	gate.RequireSession(c)
	assert.True(t, c.IsAborted())
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestTOTPGate_RequireSession_AllowsValidSession(t *testing.T) {
	gate := NewTOTPGate(testSecret, "codex-gateway", time.Minute, time.Hour)
	code, err := totp.GenerateCode(testSecret, time.Now())
	require.NoError(t, err)

	w1 := httptest.NewRecorder()
	c1, _ := gin.CreateTestContext(w1)
	c1.Request = httptest.NewRequest(http.MethodPost, "/api/dashboard-auth/totp/verify", strings.NewReader(`{"code":"`+code+`"}`))
	c1.Request.Header.Set("Content-Type", "application/json")
	gate.Verify(c1)
	sessionCookie := w1.Result().Cookies()[0]

	w2 := httptest.NewRecorder()
	c2, _ := gin.CreateTestContext(w2)
	c2.Request = httptest.NewRequest(http.MethodGet, "/api/settings", nil)
	c2.Request.AddCookie(sessionCookie)

	gate.RequireSession(c2)
	assert.False(t, c2.IsAborted())
}
