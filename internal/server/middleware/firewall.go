package middleware

import (
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	apperrors "github.com/aicodex-proxy/gateway/internal/pkg/errors"
	ippkg "github.com/aicodex-proxy/gateway/internal/pkg/ip"
)

// AllowlistSource returns the current set of allowed IP/CIDR patterns. An
// empty list means "allow all" (spec §4.J); the firewall re-reads it on
// every request so dashboard changes to the allowlist take effect without
// a restart.
type AllowlistSource func() []string

// FirewallConfig controls how the client IP is resolved before it is
// matched against the allowlist.
type FirewallConfig struct {
	TrustProxyHeaders bool
	TrustedProxyCIDRs []*net.IPNet
	Allowlist         AllowlistSource
}

// Firewall resolves the client IP per spec §4.J and rejects requests whose
// IP is not in the allowlist. It runs only on the upstream-proxy surface;
// dashboard routes must not be wrapped with it.
func Firewall(cfg FirewallConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		clientIP, err := resolveClientIP(c, cfg)
		if err != nil {
			status, body := apperrors.ToHTTP(apperrors.New(apperrors.KindAuthorization, http.StatusForbidden, "ip_forbidden", "access denied"))
			c.AbortWithStatusJSON(status, body)
			return
		}

		patterns := cfg.Allowlist()
		if len(patterns) > 0 && !ippkg.MatchesAnyPattern(clientIP, patterns) {
			status, body := apperrors.ToHTTP(apperrors.New(apperrors.KindAuthorization, http.StatusForbidden, "ip_forbidden", "access denied"))
			c.AbortWithStatusJSON(status, body)
			return
		}

		c.Next()
	}
}

// resolveClientIP takes the first X-Forwarded-For entry only when
// trust_proxy_headers is on and the socket peer is within a trusted-proxy
// CIDR; otherwise the socket peer is authoritative. A malformed
// X-Forwarded-For value under trust is rejected rather than silently
// falling back, since that silent fallback is exactly what an attacker
// spoofing the header would hope for.
func resolveClientIP(c *gin.Context, cfg FirewallConfig) (string, error) {
	peerIP, _, err := net.SplitHostPort(c.Request.RemoteAddr)
	if err != nil {
		peerIP = c.Request.RemoteAddr
	}
	peer := net.ParseIP(peerIP)

	if !cfg.TrustProxyHeaders || peer == nil || !peerTrusted(peer, cfg.TrustedProxyCIDRs) {
		return peerIP, nil
	}

	xff := c.GetHeader("X-Forwarded-For")
	if xff == "" {
		return peerIP, nil
	}

	first := strings.TrimSpace(strings.Split(xff, ",")[0])
	if net.ParseIP(first) == nil {
		return "", apperrors.New(apperrors.KindValidation, http.StatusBadRequest, "malformed_forwarded_for", "malformed X-Forwarded-For value")
	}
	return first, nil
}

func peerTrusted(peer net.IP, trusted []*net.IPNet) bool {
	for _, cidr := range trusted {
		if cidr.Contains(peer) {
			return true
		}
	}
	return false
}
