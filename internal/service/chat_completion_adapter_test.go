package service

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

// ssePayload strips a FormatSSE-framed chunk down to its bare JSON data
// line, the way a real client's SSE parser would before decoding it.
func ssePayload(t *testing.T, frame []byte) []byte {
	t.Helper()
	s := strings.TrimSuffix(string(frame), "\n\n")
	const prefix = "data: "
	require.True(t, strings.HasPrefix(s, prefix), "frame missing data: prefix: %q", s)
	return []byte(strings.TrimPrefix(s, prefix))
}

func TestChatChunkAdapter_TextDeltaEmitsRoleThenContentChunk(t *testing.T) {
	adapter := NewChatChunkAdapter("gpt-5", false)

	frames, done := adapter.Handle(SSEEvent{
		Type: "response.created",
		Data: []byte(`{"type":"response.created","response":{"id":"resp_1"}}`),
	})
	assert.Empty(t, frames)
	assert.False(t, done)

	frames, done = adapter.Handle(SSEEvent{
		Type: "response.output_text.delta",
		Data: []byte(`{"type":"response.output_text.delta","delta":"hi"}`),
	})
	require.False(t, done)
	require.Len(t, frames, 2)

	role := gjson.GetBytes(ssePayload(t, frames[0]), "choices.0.delta.role")
	assert.Equal(t, "assistant", role.String())

	content := gjson.GetBytes(ssePayload(t, frames[1]), "choices.0.delta.content")
	assert.Equal(t, "hi", content.String())

	id := gjson.GetBytes(ssePayload(t, frames[1]), "id")
	assert.Equal(t, "chatcmpl-resp_1", id.String())
}

func TestChatChunkAdapter_CompletedEmitsFinishAndDone(t *testing.T) {
	adapter := NewChatChunkAdapter("gpt-5", false)

	frames, done := adapter.Handle(SSEEvent{
		Type: "response.completed",
		Data: []byte(`{"type":"response.completed","response":{"id":"resp_1","status":"completed","usage":{"input_tokens":3,"output_tokens":5,"total_tokens":8}}}`),
	})
	require.True(t, done)
	require.Len(t, frames, 3) // role preamble (never sent yet) + finish chunk + [DONE]

	finishReason := gjson.GetBytes(ssePayload(t, frames[1]), "choices.0.finish_reason")
	assert.Equal(t, "stop", finishReason.String())
	assert.Equal(t, string(doneFrame), string(frames[len(frames)-1]))
}

func TestChatChunkAdapter_IncludeUsageEmitsTrailingUsageChunk(t *testing.T) {
	adapter := NewChatChunkAdapter("gpt-5", true)

	frames, done := adapter.Handle(SSEEvent{
		Type: "response.completed",
		Data: []byte(`{"type":"response.completed","response":{"id":"resp_1","status":"completed","usage":{"input_tokens":3,"output_tokens":5,"total_tokens":8}}}`),
	})
	require.True(t, done)
	require.Len(t, frames, 4) // role preamble + finish chunk + usage chunk + [DONE]

	usageChunk := ssePayload(t, frames[len(frames)-2])
	assert.Equal(t, int64(8), gjson.GetBytes(usageChunk, "usage.total_tokens").Int())
	assert.Equal(t, string(doneFrame), string(frames[len(frames)-1]))
}

func TestChatChunkAdapter_FunctionCallEmitsToolCallDeltas(t *testing.T) {
	adapter := NewChatChunkAdapter("gpt-5", false)

	frames, _ := adapter.Handle(SSEEvent{
		Type: "response.output_item.added",
		Data: []byte(`{"type":"response.output_item.added","item":{"type":"function_call","id":"item_1","call_id":"call_1","name":"lookup"}}`),
	})
	require.Len(t, frames, 2) // role preamble + tool-call-start chunk
	assert.Equal(t, "lookup", gjson.GetBytes(ssePayload(t, frames[1]), "choices.0.delta.tool_calls.0.function.name").String())

	frames, done := adapter.Handle(SSEEvent{
		Type: "response.function_call_arguments.delta",
		Data: []byte(`{"type":"response.function_call_arguments.delta","item_id":"item_1","delta":"{\"q\":1}"}`),
	})
	require.False(t, done)
	require.Len(t, frames, 1)
	assert.Equal(t, `{"q":1}`, gjson.GetBytes(ssePayload(t, frames[0]), "choices.0.delta.tool_calls.0.function.arguments").String())

	frames, done = adapter.Handle(SSEEvent{
		Type: "response.completed",
		Data: []byte(`{"type":"response.completed","response":{"id":"resp_1","status":"completed"}}`),
	})
	require.True(t, done)
	assert.Equal(t, "tool_calls", gjson.GetBytes(ssePayload(t, frames[0]), "choices.0.finish_reason").String())
}

func TestCollectFinalResponse_KeepsLastLifecycleEventOnly(t *testing.T) {
	stream := "" +
		"event: response.in_progress\ndata: {\"type\":\"response.in_progress\",\"response\":{\"id\":\"resp_1\",\"status\":\"in_progress\"}}\n\n" +
		"event: response.incomplete\ndata: {\"type\":\"response.incomplete\",\"response\":{\"id\":\"resp_1\",\"status\":\"incomplete\"}}\n\n" +
		"event: response.completed\ndata: {\"type\":\"response.completed\",\"response\":{\"id\":\"resp_1\",\"status\":\"completed\"}}\n\n"

	reader := NewSSEReader(strings.NewReader(stream))
	var observed int
	final, err := CollectFinalResponse(reader, func(SSEEvent) { observed++ })
	require.NoError(t, err)
	require.NotNil(t, final)

	assert.Equal(t, "completed", gjson.GetBytes(final, "status").String())
	assert.Equal(t, 3, observed)
}

func TestResponsesCollectResult_FailedResponseMapsToErrorEnvelope(t *testing.T) {
	final := []byte(`{"object":"response","status":"failed","error":{"code":"no_accounts","message":"no accounts available"}}`)

	status, body := ResponsesCollectResult(final)
	assert.Equal(t, 503, status)
	assert.Equal(t, "no_accounts", gjson.GetBytes(body, "error.code").String())
}

func TestResponsesCollectResult_SuccessPassesThrough(t *testing.T) {
	final := []byte(`{"object":"response","status":"completed","id":"resp_1"}`)

	status, body := ResponsesCollectResult(final)
	assert.Equal(t, 200, status)
	assert.JSONEq(t, string(final), string(body))
}

func TestResponsesCollectResult_NoLifecycleEventSeenIsUpstreamError(t *testing.T) {
	status, body := ResponsesCollectResult(nil)
	assert.Equal(t, 502, status)
	assert.Equal(t, "upstream_error", gjson.GetBytes(body, "error.code").String())
}

func TestChatCompletionCollectResult_BuildsMessageFromOutputText(t *testing.T) {
	final := []byte(`{
		"id": "resp_1",
		"status": "completed",
		"output": [{"type": "message", "content": [{"type": "output_text", "text": "hello there"}]}],
		"usage": {"input_tokens": 10, "output_tokens": 2, "total_tokens": 12}
	}`)

	status, body := ChatCompletionCollectResult(final, "gpt-5")
	assert.Equal(t, 200, status)
	assert.Equal(t, "chat.completion", gjson.GetBytes(body, "object").String())
	assert.Equal(t, "hello there", gjson.GetBytes(body, "choices.0.message.content").String())
	assert.Equal(t, "stop", gjson.GetBytes(body, "choices.0.finish_reason").String())
	assert.Equal(t, int64(12), gjson.GetBytes(body, "usage.total_tokens").Int())
}

func TestChatCompletionCollectResult_FailedResponseMapsToErrorEnvelope(t *testing.T) {
	final := []byte(`{"status":"failed","error":{"code":"upstream_error","message":"boom"}}`)

	status, body := ChatCompletionCollectResult(final, "gpt-5")
	assert.Equal(t, 502, status)
	assert.Equal(t, "boom", gjson.GetBytes(body, "error.message").String())
}
