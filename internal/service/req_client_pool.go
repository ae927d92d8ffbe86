package service

import (
	"fmt"
	"sync"
	"time"

	"github.com/imroc/req/v3"

	"github.com/aicodex-proxy/gateway/internal/pkg/proxyurl"
)

// reqClientOptions selects the transport a shared client should be built
// with; clients are cached per options key so accounts that share an egress
// proxy also share connections and TLS sessions.
type reqClientOptions struct {
	ProxyURL string
	Timeout  time.Duration
}

var sharedReqClients sync.Map // string -> *req.Client

func buildReqClientKey(opts reqClientOptions) string {
	return fmt.Sprintf("%s|%s", opts.ProxyURL, opts.Timeout)
}

// getSharedReqClient returns a cached req.Client for opts, building one on
// first use. Fail-fast: an invalid proxy URL returns an error immediately
// instead of silently falling back to a direct connection, which would leak
// the request to an unintended egress path.
func getSharedReqClient(opts reqClientOptions) (*req.Client, error) {
	key := buildReqClientKey(opts)

	if v, ok := sharedReqClients.Load(key); ok {
		if client, ok := v.(*req.Client); ok {
			return client, nil
		}
	}

	client := req.C().SetTimeout(opts.Timeout)

	if opts.ProxyURL != "" {
		normalized, _, err := proxyurl.Parse(opts.ProxyURL)
		if err != nil {
			return nil, err
		}
		if err := client.SetProxyURL(normalized); err != nil {
			return nil, fmt.Errorf("configure proxy: %w", err)
		}
	}

	sharedReqClients.Store(key, client)
	return client, nil
}

// createOpenAIReqClient builds (or reuses) the req.Client used for OpenAI
// OAuth token exchange/refresh calls, matching the upstream's own 120s
// timeout budget for a blocking oauth round trip.
func createOpenAIReqClient(proxyURL string) (*req.Client, error) {
	return getSharedReqClient(reqClientOptions{
		ProxyURL: proxyURL,
		Timeout:  120 * time.Second,
	})
}
