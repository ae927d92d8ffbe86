package middleware

import (
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestContext(remoteAddr string, headers map[string]string) (*gin.Context, *httptest.ResponseRecorder) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.RemoteAddr = remoteAddr
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	c.Request = req
	return c, w
}

func TestFirewall_EmptyAllowlistPermitsAll(t *testing.T) {
	cfg := FirewallConfig{Allowlist: func() []string { return nil }}
	c, w := newTestContext("203.0.113.5:1234", nil)
	Firewall(cfg)(c)
	assert.False(t, c.IsAborted())
	assert.NotEqual(t, http.StatusForbidden, w.Code)
}

func TestFirewall_RejectsIPNotInAllowlist(t *testing.T) {
	cfg := FirewallConfig{Allowlist: func() []string { return []string{"198.51.100.0/24"} }}
	c, w := newTestContext("203.0.113.5:1234", nil)
	Firewall(cfg)(c)
	assert.True(t, c.IsAborted())
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestFirewall_AllowsIPInAllowlist(t *testing.T) {
	cfg := FirewallConfig{Allowlist: func() []string { return []string{"203.0.113.0/24"} }}
	c, _ := newTestContext("203.0.113.5:1234", nil)
	Firewall(cfg)(c)
	assert.False(t, c.IsAborted())
}

func TestFirewall_UntrustedPeerIgnoresForwardedFor(t *testing.T) {
	cfg := FirewallConfig{
		TrustProxyHeaders: true,
		TrustedProxyCIDRs: mustCIDRs(t, "10.0.0.0/8"),
		Allowlist:         func() []string { return []string{"203.0.113.0/24"} },
	}
	c, w := newTestContext("198.51.100.9:1234", map[string]string{"X-Forwarded-For": "203.0.113.5"})
	Firewall(cfg)(c)
	assert.True(t, c.IsAborted())
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestFirewall_TrustedPeerHonorsForwardedFor(t *testing.T) {
	cfg := FirewallConfig{
		TrustProxyHeaders: true,
		TrustedProxyCIDRs: mustCIDRs(t, "10.0.0.0/8"),
		Allowlist:         func() []string { return []string{"203.0.113.0/24"} },
	}
	c, _ := newTestContext("10.0.0.1:1234", map[string]string{"X-Forwarded-For": "203.0.113.5, 10.0.0.1"})
	Firewall(cfg)(c)
	assert.False(t, c.IsAborted())
}

func TestFirewall_RejectsMalformedForwardedForUnderTrust(t *testing.T) {
	cfg := FirewallConfig{
		TrustProxyHeaders: true,
		TrustedProxyCIDRs: mustCIDRs(t, "10.0.0.0/8"),
		Allowlist:         func() []string { return nil },
	}
	c, w := newTestContext("10.0.0.1:1234", map[string]string{"X-Forwarded-For": "not-an-ip"})
	Firewall(cfg)(c)
	assert.True(t, c.IsAborted())
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func mustCIDRs(t *testing.T, patterns ...string) []*net.IPNet {
	t.Helper()
	out := make([]*net.IPNet, 0, len(patterns))
	for _, p := range patterns {
		_, n, err := net.ParseCIDR(p)
		require.NoError(t, err)
		out = append(out, n)
	}
	return out
}
