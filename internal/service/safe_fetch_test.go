package service

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSafeFetcher_RejectsWhenDisabled(t *testing.T) {
	f := NewSafeFetcher(SafeFetchPolicy{Enabled: false})
	_, err := f.Fetch(context.Background(), "https://example.com/a.png")
	assert.Error(t, err)
}

func TestSafeFetcher_RejectsNonHTTPSScheme(t *testing.T) {
	f := NewSafeFetcher(SafeFetchPolicy{Enabled: true})
	_, err := f.Fetch(context.Background(), "http://example.com/a.png")
	assert.Error(t, err)
}

func TestSafeFetcher_RejectsHostNotInAllowlist(t *testing.T) {
	f := NewSafeFetcher(SafeFetchPolicy{Enabled: true, AllowedHosts: []string{"cdn.example.com"}})
	_, err := f.Fetch(context.Background(), "https://attacker.example.net/a.png")
	assert.Error(t, err)
}

func TestIsPublicUnicast_RejectsPrivateAndLoopback(t *testing.T) {
	cases := []string{"127.0.0.1", "10.1.2.3", "192.168.1.1", "169.254.1.1", "::1", "fc00::1"}
	for _, c := range cases {
		assert.False(t, isPublicUnicast(mustParseIP(t, c)), "expected %s to be rejected", c)
	}
}

func TestIsPublicUnicast_AllowsPublicAddress(t *testing.T) {
	assert.True(t, isPublicUnicast(mustParseIP(t, "8.8.8.8")))
}

func TestSafeFetcher_EnforcesByteBudget(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 64))
	}))
	defer server.Close()

	f := &SafeFetcher{
		policy: SafeFetchPolicy{Enabled: true, MaxBytes: 8},
		client: server.Client(),
	}
	_, err := f.Fetch(context.Background(), server.URL+"/a.png")
	require.Error(t, err)
}

func mustParseIP(t *testing.T, s string) net.IP {
	t.Helper()
	ip := net.ParseIP(s)
	require.NotNil(t, ip)
	return ip
}
