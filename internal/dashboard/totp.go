// Package dashboard implements just enough of the operator dashboard to
// gate access: TOTP verification and the session cookie it issues. CRUD,
// enrollment, and migration-script surfaces live outside this module.
package dashboard

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	apperrors "github.com/aicodex-proxy/gateway/internal/pkg/errors"
)

const sessionCookieName = "aicodex_dashboard_session"

// TOTPGate verifies one-time codes against a fixed secret and mints/checks
// the session cookie that guards every other dashboard route. codeCache
// rejects replay of an already-consumed code within its validity window.
type TOTPGate struct {
	secret      string
	issuer      string
	codeCache   *cache.Cache
	sessions    *cache.Cache
	sessionTTL  time.Duration
}

func NewTOTPGate(secret, issuer string, codeCacheTTL, sessionTTL time.Duration) *TOTPGate {
	return &TOTPGate{
		secret:     secret,
		issuer:     issuer,
		codeCache:  cache.New(codeCacheTTL, codeCacheTTL),
		sessions:   cache.New(sessionTTL, time.Minute),
		sessionTTL: sessionTTL,
	}
}

type verifyRequest struct {
	Code string `json:"code" binding:"required"`
}

// Verify handles POST /api/dashboard-auth/totp/verify: validates the
// submitted code against the configured secret, rejects replay of an
// already-accepted code, and on success issues a session cookie.
func (g *TOTPGate) Verify(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		status, body := apperrors.ToDashboardHTTP(apperrors.New(apperrors.KindValidation, http.StatusBadRequest, "invalid_request", "code is required"))
		c.JSON(status, body)
		return
	}

	if _, seen := g.codeCache.Get(req.Code); seen {
		status, body := apperrors.ToDashboardHTTP(apperrors.New(apperrors.KindAuthentication, http.StatusUnauthorized, "code_already_used", "TOTP code already used"))
		c.JSON(status, body)
		return
	}

	if !totp.Validate(req.Code, g.secret) {
		status, body := apperrors.ToDashboardHTTP(apperrors.New(apperrors.KindAuthentication, http.StatusUnauthorized, "invalid_code", "invalid TOTP code"))
		c.JSON(status, body)
		return
	}

	g.codeCache.SetDefault(req.Code, true)

	sessionID, err := newSessionID()
	if err != nil {
		status, body := apperrors.ToDashboardHTTP(apperrors.Wrap(err, apperrors.KindInternal, http.StatusInternalServerError, "session_create_failed", "failed to create session"))
		c.JSON(status, body)
		return
	}
	g.sessions.SetDefault(sessionID, true)

	c.SetCookie(sessionCookieName, sessionID, int(g.sessionTTL.Seconds()), "/", "", true, true)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// RequireSession is Gin middleware gating every other dashboard route on a
// valid, unexpired session cookie minted by Verify.
func (g *TOTPGate) RequireSession(c *gin.Context) {
	sessionID, err := c.Cookie(sessionCookieName)
	if err != nil || sessionID == "" {
		status, body := apperrors.ToDashboardHTTP(apperrors.New(apperrors.KindAuthentication, http.StatusUnauthorized, "totp_required", "dashboard session required"))
		c.AbortWithStatusJSON(status, body)
		return
	}
	if _, ok := g.sessions.Get(sessionID); !ok {
		status, body := apperrors.ToDashboardHTTP(apperrors.New(apperrors.KindAuthentication, http.StatusUnauthorized, "totp_required", "dashboard session expired"))
		c.AbortWithStatusJSON(status, body)
		return
	}
	c.Next()
}

func newSessionID() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// GenerateSecret is a setup-time helper for operators provisioning the
// dashboard's TOTP secret; it is not exposed over HTTP.
func GenerateSecret(ctx context.Context, issuer, accountName string) (*otp.Key, error) {
	return totp.Generate(totp.GenerateOpts{Issuer: issuer, AccountName: accountName})
}
