package service

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestTranslateChatCompletions_S3Scenario(t *testing.T) {
	tr := NewTranslator()
	body := []byte(`{
		"model": "gpt-5",
		"messages": [
			{"role": "system", "content": "s"},
			{"role": "user", "content": [{"type": "text", "text": "hi"}]}
		],
		"response_format": "json_object",
		"reasoning_effort": "medium",
		"stream": false
	}`)

	out, err := tr.TranslateChatCompletions(body)
	require.NoError(t, err)

	parsed := gjson.ParseBytes(out)
	assert.Equal(t, "s", parsed.Get("instructions").String())
	assert.Equal(t, "hi", parsed.Get("input.0.content.0.text").String())
	assert.Equal(t, "json_object", parsed.Get("text.format.type").String())
	assert.Equal(t, "medium", parsed.Get("reasoning.effort").String())
	assert.False(t, parsed.Get("store").Bool())
	assert.False(t, parsed.Get("max_tokens").Exists())
}

func TestTranslateChatCompletions_DropsOversizedInlineImage(t *testing.T) {
	tr := NewTranslator()
	hugePayload := strings.Repeat("A", 16<<20)
	body := []byte(`{
		"model": "gpt-5",
		"messages": [
			{"role": "user", "content": [
				{"type": "text", "text": "look"},
				{"type": "image_url", "image_url": {"url": "data:image/png;base64,` + hugePayload + `"}}
			]}
		],
		"stream": false
	}`)

	out, err := tr.TranslateChatCompletions(body)
	require.NoError(t, err)

	parsed := gjson.ParseBytes(out)
	parts := parsed.Get("input.0.content").Array()
	require.Len(t, parts, 1)
	assert.Equal(t, "input_text", parts[0].Get("type").String())
}

func TestTranslateChatCompletions_RejectsResponseFormatAndTextFormatTogether(t *testing.T) {
	tr := NewTranslator()
	body := []byte(`{
		"model": "gpt-5",
		"messages": [{"role": "user", "content": "hi"}],
		"response_format": "json_object",
		"text": {"format": {"type": "text"}},
		"stream": false
	}`)

	_, err := tr.TranslateChatCompletions(body)
	assert.Error(t, err)
}

func TestValidateNativeResponses_RejectsConflictingConversationFields(t *testing.T) {
	tr := NewTranslator()
	body := []byte(`{"model":"gpt-5.1","input":[],"conversation":"conv_1","previous_response_id":"resp_1"}`)

	_, err := tr.ValidateNativeResponses(body)
	assert.Error(t, err)
}

func TestValidateNativeResponses_RejectsDisallowedIncludeToken(t *testing.T) {
	tr := NewTranslator()
	body := []byte(`{"model":"gpt-5.1","input":[],"include":["not_a_real_token"]}`)

	_, err := tr.ValidateNativeResponses(body)
	assert.Error(t, err)
}

func TestValidateNativeResponses_RejectsStoreTrue(t *testing.T) {
	tr := NewTranslator()
	body := []byte(`{"model":"gpt-5.1","input":[],"store":true}`)

	_, err := tr.ValidateNativeResponses(body)
	assert.Error(t, err)
}

func TestClassifyPreviousResponseIDKind(t *testing.T) {
	assert.Equal(t, PreviousResponseIDKindResponse, ClassifyPreviousResponseIDKind("resp_abc123"))
	assert.Equal(t, PreviousResponseIDKindMessage, ClassifyPreviousResponseIDKind("msg_abc123"))
	assert.Equal(t, PreviousResponseIDKindUnknown, ClassifyPreviousResponseIDKind("whatever"))
}

func TestValidateFunctionCallOutputContext_RequiresCallIDOrPreviousResponseID(t *testing.T) {
	err := ValidateFunctionCallOutputContext(true, "", "")
	assert.Error(t, err)

	err = ValidateFunctionCallOutputContext(true, "call_1", "")
	assert.NoError(t, err)

	err = ValidateFunctionCallOutputContext(true, "", "resp_1")
	assert.NoError(t, err)

	err = ValidateFunctionCallOutputContext(true, "", "msg_1")
	assert.Error(t, err)
}
