package service

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/aicodex-proxy/gateway/internal/pkg/errors"
)

// SafeFetchPolicy controls whether and how the upstream client materializes
// a remote image_url into an inline data: URL. Disabled by default.
type SafeFetchPolicy struct {
	Enabled       bool
	AllowedHosts  []string // empty means "no hostname restriction"
	MaxBytes      int64
}

// privateBlocks are the CIDR ranges a resolved address must not fall
// within: loopback, link-local, private, CGNAT, and their IPv6 equivalents.
var privateBlocks = mustParseCIDRs(
	"127.0.0.0/8", "169.254.0.0/16", "10.0.0.0/8", "172.16.0.0/12",
	"192.168.0.0/16", "100.64.0.0/10", "0.0.0.0/8",
	"::1/128", "fe80::/10", "fc00::/7",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		out = append(out, n)
	}
	return out
}

func isPublicUnicast(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsMulticast() || ip.IsUnspecified() {
		return false
	}
	for _, block := range privateBlocks {
		if block.Contains(ip) {
			return false
		}
	}
	return true
}

// SafeFetcher materializes a remote image URL into a data: URL under the
// safe-fetch policy: https-only, public-unicast-only resolution (re-checked
// per resolved address to close DNS rebinding), capped response size,
// optional hostname allowlist.
type SafeFetcher struct {
	policy SafeFetchPolicy
	client *http.Client
}

func NewSafeFetcher(policy SafeFetchPolicy) *SafeFetcher {
	dialer := &net.Dialer{Timeout: 5 * time.Second}

	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
			if err != nil {
				return nil, err
			}
			for _, ip := range ips {
				if !isPublicUnicast(ip) {
					return nil, fmt.Errorf("safe_fetch: host %s resolves to a non-public address", host)
				}
			}
			if len(ips) == 0 {
				return nil, fmt.Errorf("safe_fetch: host %s did not resolve", host)
			}
			return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0].String(), port))
		},
	}

	return &SafeFetcher{
		policy: policy,
		client: &http.Client{Transport: transport, Timeout: 15 * time.Second},
	}
}

// Fetch retrieves rawURL and returns it re-encoded as a `data:` URL, subject
// to the configured SafeFetchPolicy.
func (f *SafeFetcher) Fetch(ctx context.Context, rawURL string) (string, error) {
	if !f.policy.Enabled {
		return "", apperrors.New(apperrors.KindValidation, 400, "image_fetch_disabled", "inline image fetching is disabled")
	}

	if !strings.HasPrefix(rawURL, "https://") {
		return "", apperrors.New(apperrors.KindValidation, 400, "image_fetch_scheme_rejected", "image URL scheme must be https")
	}

	host := extractHost(rawURL)
	if len(f.policy.AllowedHosts) > 0 && !hostAllowed(host, f.policy.AllowedHosts) {
		return "", apperrors.New(apperrors.KindValidation, 400, "image_fetch_host_rejected", "image host is not in the allowlist")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.KindValidation, 400, "image_fetch_invalid_url", "invalid image URL")
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.KindUpstreamTransient, 502, "image_fetch_failed", "failed to fetch image")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", apperrors.Newf(apperrors.KindUpstreamTransient, 502, "image_fetch_failed", "image fetch returned status %d", resp.StatusCode)
	}

	maxBytes := f.policy.MaxBytes
	if maxBytes <= 0 {
		maxBytes = maxInlineImageBytes
	}

	limited := io.LimitReader(resp.Body, maxBytes+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.KindUpstreamTransient, 502, "image_fetch_failed", "failed to read image body")
	}
	if int64(len(data)) > maxBytes {
		return "", apperrors.New(apperrors.KindValidation, 400, "image_too_large", "fetched image exceeds the configured byte budget")
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	encoded := base64.StdEncoding.EncodeToString(data)
	return fmt.Sprintf("data:%s;base64,%s", contentType, encoded), nil
}

func extractHost(rawURL string) string {
	rest := strings.TrimPrefix(rawURL, "https://")
	if idx := strings.IndexAny(rest, "/:"); idx >= 0 {
		return rest[:idx]
	}
	return rest
}

func hostAllowed(host string, allowed []string) bool {
	for _, h := range allowed {
		if strings.EqualFold(h, host) {
			return true
		}
	}
	return false
}
