package service

import (
	"encoding/json"
	"io"
	"time"

	"github.com/tidwall/gjson"
)

// doneFrame is the literal SSE terminator OpenAI's Chat Completions
// streaming API emits after the last chat.completion.chunk.
var doneFrame = []byte("data: [DONE]\n\n")

// chatLifecycleEvent reports whether t is one of the terminal response
// lifecycle events that carry the final `response` object.
func chatLifecycleEvent(t string) bool {
	switch t {
	case "response.completed", "response.incomplete", "response.failed":
		return true
	default:
		return false
	}
}

// ChatChunkAdapter rewrites the canonical response.* SSE stream into OpenAI
// Chat Completions streaming chunks (spec §4.I), tracking just enough
// per-stream state to emit an initial role delta, text/tool-call deltas, and
// a trailing finish/usage chunk pair.
type ChatChunkAdapter struct {
	model        string
	includeUsage bool

	id           string
	roleSent     bool
	toolCalls    map[string]int // item_id -> tool_calls[] index
	sawToolCall  bool
}

// NewChatChunkAdapter starts a chunk rewrite for one Chat Completions
// streaming request.
func NewChatChunkAdapter(model string, includeUsage bool) *ChatChunkAdapter {
	return &ChatChunkAdapter{
		model:        model,
		includeUsage: includeUsage,
		toolCalls:    make(map[string]int),
	}
}

// Handle converts one canonical event into zero or more chat.completion.chunk
// frames (already SSE-framed, ready to write verbatim). done reports whether
// e was the terminal lifecycle event, whose frames already end with the
// literal [DONE] frame; the caller stops reading after it.
func (a *ChatChunkAdapter) Handle(e SSEEvent) (frames [][]byte, done bool) {
	root := gjson.ParseBytes(e.Data)

	switch e.Type {
	case "response.created", "response.in_progress":
		if id := root.Get("response.id").String(); id != "" {
			a.id = id
		}
		return nil, false

	case "response.output_text.delta":
		delta := root.Get("delta").String()
		if delta == "" {
			return nil, false
		}
		return a.textDeltaFrames(delta), false

	case "response.output_item.added":
		item := root.Get("item")
		if item.Get("type").String() != "function_call" {
			return nil, false
		}
		itemID := item.Get("id").String()
		index := len(a.toolCalls)
		a.toolCalls[itemID] = index
		a.sawToolCall = true
		return a.chunkFrames(map[string]any{
			"tool_calls": []map[string]any{{
				"index": index,
				"id":    item.Get("call_id").String(),
				"type":  "function",
				"function": map[string]any{
					"name":      item.Get("name").String(),
					"arguments": "",
				},
			}},
		}, nil), false

	case "response.function_call_arguments.delta":
		itemID := root.Get("item_id").String()
		index, ok := a.toolCalls[itemID]
		if !ok {
			return nil, false
		}
		return a.chunkFrames(map[string]any{
			"tool_calls": []map[string]any{{
				"index": index,
				"function": map[string]any{
					"arguments": root.Get("delta").String(),
				},
			}},
		}, nil), false

	case "response.completed", "response.incomplete", "response.failed":
		return a.terminalFrames(e.Type, root), true

	default:
		return nil, false
	}
}

func (a *ChatChunkAdapter) textDeltaFrames(text string) [][]byte {
	return a.chunkFrames(map[string]any{"content": text}, nil)
}

// chunkFrames wraps delta (plus an initial role announcement on the first
// call) into one or more chat.completion.chunk SSE frames.
func (a *ChatChunkAdapter) chunkFrames(delta map[string]any, finishReason any) [][]byte {
	var frames [][]byte
	if !a.roleSent {
		frames = append(frames, FormatSSE(SSEEvent{Data: mustMarshalChunk(a.chunk(map[string]any{"role": "assistant"}, nil))}))
		a.roleSent = true
	}
	frames = append(frames, FormatSSE(SSEEvent{Data: mustMarshalChunk(a.chunk(delta, finishReason))}))
	return frames
}

func (a *ChatChunkAdapter) chunk(delta map[string]any, finishReason any) map[string]any {
	return map[string]any{
		"id":      a.chatCompletionID(),
		"object":  "chat.completion.chunk",
		"created": 0,
		"model":   a.model,
		"choices": []map[string]any{{
			"index":         0,
			"delta":         delta,
			"finish_reason": finishReason,
		}},
	}
}

func (a *ChatChunkAdapter) terminalFrames(eventType string, root gjson.Result) [][]byte {
	finishReason := "stop"
	switch {
	case a.sawToolCall:
		finishReason = "tool_calls"
	case eventType == "response.incomplete" && root.Get("response.incomplete_details.reason").String() == "max_output_tokens":
		finishReason = "length"
	case eventType == "response.failed":
		finishReason = "stop"
	}

	frames := a.chunkFrames(map[string]any{}, finishReason)

	if a.includeUsage {
		usage := root.Get("response.usage")
		frames = append(frames, FormatSSE(SSEEvent{Data: mustMarshalChunk(map[string]any{
			"id":      a.chatCompletionID(),
			"object":  "chat.completion.chunk",
			"created": 0,
			"model":   a.model,
			"choices": []any{},
			"usage": map[string]any{
				"prompt_tokens":     usage.Get("input_tokens").Int(),
				"completion_tokens": usage.Get("output_tokens").Int(),
				"total_tokens":      usage.Get("total_tokens").Int(),
			},
		})}))
	}

	frames = append(frames, doneFrame)
	return frames
}

func (a *ChatChunkAdapter) chatCompletionID() string {
	if a.id == "" {
		return "chatcmpl-pending"
	}
	return "chatcmpl-" + a.id
}

func mustMarshalChunk(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte(`{}`)
	}
	return b
}

// CollectFinalResponse drains reader to the `response` object carried by the
// stream's last response.completed|incomplete|failed event, mirroring the
// original's _collect_responses_payload: earlier lifecycle events are
// discarded, only the last one's nested response survives. observe, if
// non-nil, is called with every event read (so the caller can still harvest
// mid-stream usage for rate-limit accounting while draining).
func CollectFinalResponse(reader *SSEReader, observe func(SSEEvent)) ([]byte, error) {
	var final []byte
	for {
		event, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if observe != nil {
			observe(event)
		}
		if !chatLifecycleEvent(event.Type) {
			continue
		}
		if resp := gjson.GetBytes(event.Data, "response"); resp.Exists() && resp.IsObject() {
			final = []byte(resp.Raw)
		}
	}
	return final, nil
}

// ResponsesCollectResult renders a drained `response` payload the way
// _collect_responses does: a failed response becomes an error envelope with
// status mapped by its error code, any other stray "error" key forces a 502,
// and everything else passes through as-is.
func ResponsesCollectResult(final []byte) (status int, body json.RawMessage) {
	if final == nil {
		return 502, upstreamErrorEnvelope()
	}

	root := gjson.ParseBytes(final)
	if root.Get("object").String() == "response" && root.Get("status").String() == "failed" {
		envelope := errorEnvelopeFromResponse(root.Get("error"))
		return statusForError(gjson.GetBytes(envelope, "error")), envelope
	}
	if root.Get("error").Exists() && root.Get("object").String() != "response" {
		return 502, final
	}
	return 200, final
}

// ChatCompletionCollectResult converts a drained `response` payload into a
// single non-streaming chat.completion object, or an error envelope with the
// same status mapping as ResponsesCollectResult when the response failed.
func ChatCompletionCollectResult(final []byte, model string) (status int, body json.RawMessage) {
	if final == nil {
		return 502, upstreamErrorEnvelope()
	}

	root := gjson.ParseBytes(final)
	if root.Get("status").String() == "failed" {
		envelope := errorEnvelopeFromResponse(root.Get("error"))
		return statusForError(gjson.GetBytes(envelope, "error")), envelope
	}

	var content string
	var toolCalls []map[string]any
	for _, item := range root.Get("output").Array() {
		switch item.Get("type").String() {
		case "message":
			for _, part := range item.Get("content").Array() {
				if part.Get("type").String() == "output_text" {
					content += part.Get("text").String()
				}
			}
		case "function_call":
			toolCalls = append(toolCalls, map[string]any{
				"id":   item.Get("call_id").String(),
				"type": "function",
				"function": map[string]any{
					"name":      item.Get("name").String(),
					"arguments": item.Get("arguments").String(),
				},
			})
		}
	}

	message := map[string]any{"role": "assistant", "content": content}
	finishReason := "stop"
	if len(toolCalls) > 0 {
		message["tool_calls"] = toolCalls
		message["content"] = nilIfEmpty(content)
		finishReason = "tool_calls"
	} else if root.Get("incomplete_details.reason").String() == "max_output_tokens" {
		finishReason = "length"
	}

	usage := root.Get("usage")
	out := map[string]any{
		"id":      "chatcmpl-" + root.Get("id").String(),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]any{{
			"index":         0,
			"message":       message,
			"finish_reason": finishReason,
		}},
		"usage": map[string]any{
			"prompt_tokens":     usage.Get("input_tokens").Int(),
			"completion_tokens": usage.Get("output_tokens").Int(),
			"total_tokens":      usage.Get("total_tokens").Int(),
		},
	}
	return 200, mustMarshalChunk(out)
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func upstreamErrorEnvelope() json.RawMessage {
	return mustMarshalChunk(map[string]any{
		"error": map[string]any{"code": "upstream_error", "message": "Upstream error", "type": "upstream_error"},
	})
}

// errorEnvelopeFromResponse wraps a response.error value the way
// _error_envelope_from_response does: pass an object through verbatim under
// "error", or fall back to the generic upstream_error envelope.
func errorEnvelopeFromResponse(errValue gjson.Result) json.RawMessage {
	if !errValue.IsObject() {
		return upstreamErrorEnvelope()
	}
	return mustMarshalChunk(map[string]any{"error": json.RawMessage(errValue.Raw)})
}

// statusForError mirrors _status_for_error: a "no_accounts" code means the
// whole account pool is exhausted (503), anything else is a generic
// upstream failure (502).
func statusForError(errValue gjson.Result) int {
	if errValue.Get("code").String() == "no_accounts" {
		return 503
	}
	return 502
}
