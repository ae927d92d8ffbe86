package service

import (
	"context"
	"io"
	"net/http"
	"time"

	apperrors "github.com/aicodex-proxy/gateway/internal/pkg/errors"
)

// forwardedRequestHeaders are the inbound headers the upstream client
// carries through to the upstream call; everything else is regenerated.
var forwardedRequestHeaders = []string{"x-request-id", "openai-beta", "originator"}

// ProxyResponseError is raised when the upstream responds with an error
// status before any stream bytes are produced. The orchestrator returns it
// unwrapped and the HTTP handler renders its status and payload directly to
// the caller; it is never wrapped in another error kind.
type ProxyResponseError struct {
	Status  int
	Payload []byte
}

func (e *ProxyResponseError) Error() string {
	return "upstream responded with status " + http.StatusText(e.Status)
}

// IsRateLimitSignal reports whether the upstream response looks like a
// rate-limit/quota rejection rather than a generic failure, used by the
// orchestrator to decide whether to retry on another account.
func (e *ProxyResponseError) IsRateLimitSignal() bool {
	return e.Status == http.StatusTooManyRequests || e.Status == http.StatusForbidden
}

// UpstreamStream is a single call's response: a still-open SSE reader the
// caller must drain and Close when done.
type UpstreamStream struct {
	Reader      *SSEReader
	Headers     http.Header
	body        io.Closer
}

// Close releases the underlying HTTP connection.
func (s *UpstreamStream) Close() error {
	if s.body == nil {
		return nil
	}
	return s.body.Close()
}

// UpstreamClient opens the HTTP POST to {upstream_base}/responses and
// streams the SSE body back without buffering it, one req.Client per
// account egress proxy (shared via the pool so same-proxy accounts reuse
// connections).
type UpstreamClient struct {
	baseURL string
}

func NewUpstreamClient(baseURL string) *UpstreamClient {
	return &UpstreamClient{baseURL: baseURL}
}

// Stream posts payload to {baseURL}/responses using accessToken as the
// bearer credential and proxyURL as the account's egress proxy, forwarding
// the headers named in forwardedRequestHeaders from reqHeaders. On HTTP >=
// 400 observed before any bytes are read, it returns *ProxyResponseError;
// the caller should treat any other error as transient/network.
func (c *UpstreamClient) Stream(ctx context.Context, accessToken, proxyURL string, reqHeaders http.Header, payload []byte) (*UpstreamStream, error) {
	client, err := getSharedReqClient(reqClientOptions{ProxyURL: proxyURL, Timeout: 0})
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindUpstreamTransient, http.StatusBadGateway, "upstream_client_init_failed", "failed to build upstream http client")
	}

	request := client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "text/event-stream").
		SetHeader("Authorization", "Bearer "+accessToken).
		SetBody(payload).
		SetDoNotParseResponse(true)

	for _, name := range forwardedRequestHeaders {
		if v := reqHeaders.Get(name); v != "" {
			request.SetHeader(name, v)
		}
	}

	resp, err := request.Post(c.baseURL + "/responses")
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindUpstreamTransient, http.StatusBadGateway, "upstream_request_failed", "upstream request failed")
	}

	rawResp := resp.Response
	if rawResp.StatusCode >= 400 {
		defer rawResp.Body.Close()
		payload, _ := io.ReadAll(io.LimitReader(rawResp.Body, 1<<20))
		return nil, &ProxyResponseError{Status: rawResp.StatusCode, Payload: payload}
	}

	return &UpstreamStream{
		Reader:  NewSSEReader(rawResp.Body),
		Headers: rawResp.Header,
		body:    rawResp.Body,
	}, nil
}

// defaultResponseHeaderTimeout is a 120s response-header budget. Stream does
// not apply it: its client is built with no timeout, so the wait for the
// upstream to start responding is bounded by the caller's context alone.
const defaultResponseHeaderTimeout = 120 * time.Second
