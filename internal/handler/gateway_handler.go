// Package handler adapts HTTP requests onto the service layer: translate,
// dispatch through the orchestrator, and stream (or drain) the response.
package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/aicodex-proxy/gateway/internal/domain"
	apperrors "github.com/aicodex-proxy/gateway/internal/pkg/errors"
	"github.com/aicodex-proxy/gateway/internal/pkg/httputil"
	"github.com/aicodex-proxy/gateway/internal/repository"
	"github.com/aicodex-proxy/gateway/internal/service"
)

// GatewayHandler exposes the upstream-facing HTTP surface from spec §6:
// the native, legacy, and Chat Completions dialects, plus /v1/models and
// /api/codex/usage.
type GatewayHandler struct {
	translator   *service.Translator
	orchestrator *service.Orchestrator
	store        *repository.AccountStore
	accountant   *service.RateLimitAccountant
	logger       *zap.Logger
}

func NewGatewayHandler(
	translator *service.Translator,
	orchestrator *service.Orchestrator,
	store *repository.AccountStore,
	accountant *service.RateLimitAccountant,
	logger *zap.Logger,
) *GatewayHandler {
	return &GatewayHandler{
		translator:   translator,
		orchestrator: orchestrator,
		store:        store,
		accountant:   accountant,
		logger:       logger,
	}
}

// NativeResponses handles POST /backend-api/codex/responses. The original
// always streams this route regardless of any stream field in the body.
func (h *GatewayHandler) NativeResponses(c *gin.Context) {
	body, err := httputil.ReadRequestBodyWithPrealloc(c.Request)
	if err != nil {
		h.writeError(c, apperrors.New(apperrors.KindValidation, http.StatusBadRequest, "invalid_request", "failed to read request body"), false)
		return
	}

	canonical, err := h.translator.ValidateNativeResponses(body)
	if err != nil {
		h.writeError(c, err, false)
		return
	}

	h.streamRawResponses(c, canonical)
}

// LegacyResponses handles POST /v1/responses: streams SSE when the client
// requested stream=true, otherwise drains the stream and returns the
// collected response object as JSON (original _collect_responses).
func (h *GatewayHandler) LegacyResponses(c *gin.Context) {
	body, err := httputil.ReadRequestBodyWithPrealloc(c.Request)
	if err != nil {
		h.writeError(c, apperrors.New(apperrors.KindValidation, http.StatusBadRequest, "invalid_request", "failed to read request body"), false)
		return
	}

	clientWantsStream := gjson.GetBytes(body, "stream").Bool()

	canonical, err := h.translator.TranslateLegacyResponses(body)
	if err != nil {
		h.writeError(c, err, false)
		return
	}

	if clientWantsStream {
		h.streamRawResponses(c, canonical)
		return
	}
	h.collectResponses(c, canonical)
}

// ChatCompletions handles POST /v1/chat/completions. The upstream call is
// always made as a stream; whether the caller sees chat.completion.chunk
// SSE frames or a single collected chat.completion object depends on the
// client's own stream field (original v1_chat_completions).
func (h *GatewayHandler) ChatCompletions(c *gin.Context) {
	body, err := httputil.ReadRequestBodyWithPrealloc(c.Request)
	if err != nil {
		h.writeError(c, apperrors.New(apperrors.KindValidation, http.StatusBadRequest, "invalid_request", "failed to read request body"), false)
		return
	}

	root := gjson.ParseBytes(body)
	clientWantsStream := root.Get("stream").Bool()
	includeUsage := root.Get("stream_options.include_usage").Bool()
	model := root.Get("model").String()

	canonical, err := h.translator.TranslateChatCompletions(body)
	if err != nil {
		h.writeError(c, err, false)
		return
	}

	if clientWantsStream {
		h.streamChatChunks(c, canonical, model, includeUsage)
		return
	}
	h.collectChatCompletion(c, canonical, model)
}

// dispatch runs the orchestrator pipeline on an already-translated canonical
// payload (steps 1-4 of §4.I) and returns the started stream, along with the
// account record needed for usage observation.
func (h *GatewayHandler) dispatch(c *gin.Context, canonical []byte) (*service.OrchestratorResult, *domain.Account, error) {
	if c.GetHeader("x-request-id") == "" {
		c.Request.Header.Set("x-request-id", uuid.NewString())
	}

	stickyKey := c.GetHeader("x-codex-sticky-key")
	if stickyKey == "" {
		stickyKey = uuid.NewString()
	}
	c.Header("x-codex-sticky-key", stickyKey)

	sel := service.SelectionRequest{
		StickyKey:                  stickyKey,
		PreferEarlierResetAccounts: true,
	}

	result, err := h.orchestrator.Dispatch(c.Request.Context(), canonical, sel, c.Request.Header)
	if err != nil {
		return nil, nil, err
	}

	acc, err := h.store.Get(c.Request.Context(), result.AccountID)
	if err != nil {
		result.Stream.Close()
		h.orchestrator.Release(result.AccountID)
		return nil, nil, err
	}

	return result, acc, nil
}

// streamRawResponses forwards the canonical response.* SSE stream verbatim,
// folding in mid-stream usage harvesting (step 5 of §4.I). Used by the
// native responses route always, and by the legacy responses route when the
// client asked for stream=true.
func (h *GatewayHandler) streamRawResponses(c *gin.Context, canonical []byte) {
	result, acc, err := h.dispatch(c, canonical)
	if err != nil {
		h.writeError(c, err, false)
		return
	}
	defer result.Stream.Close()
	defer h.orchestrator.Release(result.AccountID)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	flusher, _ := c.Writer.(http.Flusher)

	for {
		event, readErr := result.Stream.Reader.Next()
		if readErr == io.EOF {
			return
		}
		if readErr != nil {
			h.writeError(c, apperrors.Wrap(readErr, apperrors.KindUpstreamTransient, http.StatusBadGateway, "stream_read_failed", "upstream stream read failed"), true)
			return
		}

		h.orchestrator.ObserveStreamUsage(c.Request.Context(), result.AccountID, acc, event)

		if _, err := c.Writer.Write(service.FormatSSE(event)); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}

		if event.Type == "response.failed" {
			return
		}
	}
}

// collectResponses drains the canonical SSE stream to the final response
// object and renders it as JSON, mapping a failed response to an error
// envelope (original _collect_responses).
func (h *GatewayHandler) collectResponses(c *gin.Context, canonical []byte) {
	result, acc, err := h.dispatch(c, canonical)
	if err != nil {
		h.writeError(c, err, false)
		return
	}
	defer result.Stream.Close()
	defer h.orchestrator.Release(result.AccountID)

	final, err := service.CollectFinalResponse(result.Stream.Reader, func(e service.SSEEvent) {
		h.orchestrator.ObserveStreamUsage(c.Request.Context(), result.AccountID, acc, e)
	})
	if err != nil {
		h.writeError(c, apperrors.Wrap(err, apperrors.KindUpstreamTransient, http.StatusBadGateway, "stream_read_failed", "upstream stream read failed"), false)
		return
	}

	status, body := service.ResponsesCollectResult(final)
	c.Data(status, "application/json", body)
}

// streamChatChunks rewrites the canonical response.* stream into
// chat.completion.chunk SSE frames, ending in [DONE] (original
// stream_chat_chunks).
func (h *GatewayHandler) streamChatChunks(c *gin.Context, canonical []byte, model string, includeUsage bool) {
	result, acc, err := h.dispatch(c, canonical)
	if err != nil {
		h.writeError(c, err, false)
		return
	}
	defer result.Stream.Close()
	defer h.orchestrator.Release(result.AccountID)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	flusher, _ := c.Writer.(http.Flusher)
	adapter := service.NewChatChunkAdapter(model, includeUsage)

	for {
		event, readErr := result.Stream.Reader.Next()
		if readErr == io.EOF {
			return
		}
		if readErr != nil {
			h.writeError(c, apperrors.Wrap(readErr, apperrors.KindUpstreamTransient, http.StatusBadGateway, "stream_read_failed", "upstream stream read failed"), true)
			return
		}

		h.orchestrator.ObserveStreamUsage(c.Request.Context(), result.AccountID, acc, event)

		frames, done := adapter.Handle(event)
		for _, frame := range frames {
			if _, err := c.Writer.Write(frame); err != nil {
				return
			}
		}
		if flusher != nil {
			flusher.Flush()
		}
		if done {
			return
		}
	}
}

// collectChatCompletion drains the canonical stream and renders a single
// chat.completion object, mapping a failed response the same way the
// streaming path's error handling does (original collect_chat_completion).
func (h *GatewayHandler) collectChatCompletion(c *gin.Context, canonical []byte, model string) {
	result, acc, err := h.dispatch(c, canonical)
	if err != nil {
		h.writeError(c, err, false)
		return
	}
	defer result.Stream.Close()
	defer h.orchestrator.Release(result.AccountID)

	final, err := service.CollectFinalResponse(result.Stream.Reader, func(e service.SSEEvent) {
		h.orchestrator.ObserveStreamUsage(c.Request.Context(), result.AccountID, acc, e)
	})
	if err != nil {
		h.writeError(c, apperrors.Wrap(err, apperrors.KindUpstreamTransient, http.StatusBadGateway, "stream_read_failed", "upstream stream read failed"), false)
		return
	}

	status, body := service.ChatCompletionCollectResult(final, model)
	c.Data(status, "application/json", body)
}

// CompactResponses handles POST /backend-api/codex/responses/compact and
// POST /v1/responses/compact. The original itself never implements
// compact_responses — it raises NotImplementedError, caught by the router
// and turned into a 501 upstream-error envelope — so this mirrors that stub
// rather than any real merge logic.
func (h *GatewayHandler) CompactResponses(c *gin.Context) {
	h.writeError(c, apperrors.New(apperrors.KindInternal, http.StatusNotImplemented, "not_implemented", "responses/compact is not implemented"), false)
}

// ListModels handles GET /v1/models.
func (h *GatewayHandler) ListModels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"object": "list",
		"data":   supportedModels,
	})
}

// UsageSnapshot handles GET /api/codex/usage: the current rate-limit
// snapshot across all accounts that are not DEACTIVATED.
func (h *GatewayHandler) UsageSnapshot(c *gin.Context) {
	accounts, err := h.store.ListActive(c.Request.Context())
	if err != nil {
		h.writeError(c, err, false)
		return
	}

	snapshots := make([]gin.H, 0, len(accounts))
	for _, acc := range accounts {
		snap, err := h.accountant.Snapshot(c.Request.Context(), acc.ID, time.Now())
		if err != nil {
			continue
		}
		entry := gin.H{"account_id": acc.ID, "status": acc.Status}
		if snap != nil {
			entry["primary_used_percent"] = snap.PrimaryUsedPercent
			entry["secondary_used_percent"] = snap.SecondaryUsedPercent
		}
		snapshots = append(snapshots, entry)
	}

	c.JSON(http.StatusOK, gin.H{"accounts": snapshots})
}

// writeError renders err through the upstream error envelope (§6/§7).
// When streamStarted is true and the writer supports flushing, the error
// is instead framed as a trailing SSE error event so a client already
// reading the stream sees it in-band rather than a truncated connection.
func (h *GatewayHandler) writeError(c *gin.Context, err error, streamStarted bool) {
	var proxyErr *service.ProxyResponseError
	if !streamStarted && errors.As(err, &proxyErr) {
		c.Data(proxyErr.Status, "application/json", proxyErr.Payload)
		return
	}

	status, body := apperrors.ToHTTP(err)

	if streamStarted {
		if flusher, ok := c.Writer.(http.Flusher); ok {
			payload, marshalErr := json.Marshal(body)
			if marshalErr == nil {
				event := service.SSEEvent{Type: "error", Data: payload}
				_, _ = c.Writer.Write(service.FormatSSE(event))
				flusher.Flush()
				return
			}
		}
	}

	c.JSON(status, body)
}

var supportedModels = []gin.H{
	{"id": "gpt-5.1", "object": "model", "created": 0, "owned_by": "codex-lb"},
	{"id": "gpt-5", "object": "model", "created": 0, "owned_by": "codex-lb"},
}
