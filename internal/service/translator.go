package service

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	apperrors "github.com/aicodex-proxy/gateway/internal/pkg/errors"
)

// maxInlineImageBytes bounds a data: URL's decoded size before the
// translator drops the part outright (spec S4).
const maxInlineImageBytes = 8 << 20

// allowedIncludeTokens is the fixed allowlist native `responses` requests
// may reference in `include`.
var allowedIncludeTokens = map[string]bool{
	"code_interpreter_call.outputs":      true,
	"computer_call_output.output.image_url": true,
	"file_search_call.results":           true,
	"message.input_image.image_url":      true,
	"message.output_text.logprobs":       true,
	"reasoning.encrypted_content":        true,
	"web_search_call.action.sources":     true,
}

var allowedTruncation = map[string]bool{"auto": true, "disabled": true}

// Translator converts the three supported client dialects into the
// canonical upstream payload. It never contacts the network; a malformed
// input becomes a KindValidation error, never a panic.
type Translator struct{}

func NewTranslator() *Translator { return &Translator{} }

// TranslateChatCompletions converts a Chat Completions request body into
// the canonical payload.
func (t *Translator) TranslateChatCompletions(body []byte) ([]byte, error) {
	root := gjson.ParseBytes(body)
	if !root.Exists() {
		return nil, apperrors.New(apperrors.KindValidation, 400, "invalid_request", "request body is not valid JSON")
	}

	canonical := `{}`
	var err error

	if model := root.Get("model"); model.Exists() {
		canonical, err = sjson.Set(canonical, "model", model.String())
		if err != nil {
			return nil, wrapTranslateErr(err)
		}
	}

	var instructions string
	var input []any

	for _, msg := range root.Get("messages").Array() {
		role := msg.Get("role").String()
		switch role {
		case "system", "developer":
			text, ok := chatTextOnly(msg.Get("content"))
			if !ok {
				return nil, apperrors.New(apperrors.KindValidation, 400, "invalid_request", "system/developer message content must be text-only")
			}
			if instructions != "" {
				instructions += "\n" + text
			} else {
				instructions = text
			}
		case "user":
			parts, err := translateUserContent(msg.Get("content"))
			if err != nil {
				return nil, err
			}
			input = append(input, map[string]any{"role": "user", "content": parts})
		default:
			var raw any
			if err := json.Unmarshal([]byte(msg.Raw), &raw); err != nil {
				return nil, wrapTranslateErr(err)
			}
			input = append(input, raw)
		}
	}

	if instructions != "" {
		canonical, err = sjson.Set(canonical, "instructions", instructions)
		if err != nil {
			return nil, wrapTranslateErr(err)
		}
	}
	canonical, err = sjson.SetRaw(canonical, "input", mustMarshal(input))
	if err != nil {
		return nil, wrapTranslateErr(err)
	}

	responseFormat := root.Get("response_format")
	textField := root.Get("text")
	if responseFormat.Exists() {
		if textField.Get("format").Exists() {
			return nil, apperrors.New(apperrors.KindValidation, 400, "invalid_request", "response_format and text.format are mutually exclusive")
		}
		canonical, err = translateResponseFormat(canonical, responseFormat)
		if err != nil {
			return nil, err
		}
	} else if textField.Exists() {
		canonical, err = sjson.SetRaw(canonical, "text", textField.Raw)
		if err != nil {
			return nil, wrapTranslateErr(err)
		}
	}

	reasoningEffort := root.Get("reasoning_effort")
	reasoning := root.Get("reasoning")
	if reasoning.Exists() {
		canonical, err = sjson.SetRaw(canonical, "reasoning", reasoning.Raw)
		if err != nil {
			return nil, wrapTranslateErr(err)
		}
	} else if reasoningEffort.Exists() {
		canonical, err = sjson.Set(canonical, "reasoning.effort", reasoningEffort.String())
		if err != nil {
			return nil, wrapTranslateErr(err)
		}
	}

	if tools := root.Get("tools"); tools.IsArray() {
		flattened, err := flattenTools(tools)
		if err != nil {
			return nil, err
		}
		canonical, err = sjson.SetRaw(canonical, "tools", mustMarshal(flattened))
		if err != nil {
			return nil, wrapTranslateErr(err)
		}
	}

	if toolChoice := root.Get("tool_choice"); toolChoice.Exists() {
		flattened := flattenToolChoice(toolChoice)
		canonical, err = sjson.SetRaw(canonical, "tool_choice", mustMarshal(flattened))
		if err != nil {
			return nil, wrapTranslateErr(err)
		}
	}

	if streamOptions := root.Get("stream_options"); streamOptions.Get("include_obfuscation").Exists() {
		canonical, err = sjson.Set(canonical, "stream_options.include_obfuscation", streamOptions.Get("include_obfuscation").Bool())
		if err != nil {
			return nil, wrapTranslateErr(err)
		}
	}

	// The upstream call is always made as a stream (mirrors the original
	// forcing responses_payload.stream = True); whether the client sees
	// SSE or a single collected object is decided by the handler from the
	// client's own requested stream flag, not from this canonical payload.
	canonical, err = sjson.Set(canonical, "stream", true)
	if err != nil {
		return nil, wrapTranslateErr(err)
	}
	canonical, err = sjson.Set(canonical, "store", false)
	if err != nil {
		return nil, wrapTranslateErr(err)
	}

	return []byte(canonical), nil
}

// TranslateLegacyResponses converts a legacy /v1/responses body into the
// canonical payload: a direct field copy with max_output_tokens stripped and
// store=false enforced.
func (t *Translator) TranslateLegacyResponses(body []byte) ([]byte, error) {
	root := gjson.ParseBytes(body)
	if !root.Exists() {
		return nil, apperrors.New(apperrors.KindValidation, 400, "invalid_request", "request body is not valid JSON")
	}

	canonical, err := sjson.DeleteBytes(body, "max_output_tokens")
	if err != nil {
		return nil, wrapTranslateErr(err)
	}
	canonical, err = sjson.SetBytes(canonical, "store", false)
	if err != nil {
		return nil, wrapTranslateErr(err)
	}
	return canonical, nil
}

// ValidateNativeResponses validates a native `responses` request body
// in-place, returning a typed validation error on any violation.
func (t *Translator) ValidateNativeResponses(body []byte) ([]byte, error) {
	root := gjson.ParseBytes(body)
	if !root.Exists() {
		return nil, apperrors.New(apperrors.KindValidation, 400, "invalid_request", "request body is not valid JSON")
	}

	input := root.Get("input")
	if input.Exists() && !input.IsArray() && input.Type != gjson.String {
		return nil, apperrors.New(apperrors.KindValidation, 400, "invalid_request", "input must be a string or array")
	}

	for _, token := range root.Get("include").Array() {
		if !allowedIncludeTokens[token.String()] {
			return nil, apperrors.Newf(apperrors.KindValidation, 400, "invalid_request", "include token %q is not allowed", token.String())
		}
	}

	if truncation := root.Get("truncation"); truncation.Exists() && !allowedTruncation[truncation.String()] {
		return nil, apperrors.New(apperrors.KindValidation, 400, "invalid_request", "truncation must be auto or disabled")
	}

	if root.Get("conversation").Exists() && root.Get("previous_response_id").Exists() {
		return nil, apperrors.New(apperrors.KindValidation, 400, "invalid_request", "conversation and previous_response_id are mutually exclusive")
	}

	if store := root.Get("store"); store.Exists() && store.Bool() {
		return nil, apperrors.New(apperrors.KindValidation, 400, "invalid_request", "store must be false")
	}

	canonical, err := sjson.SetBytes(body, "store", false)
	if err != nil {
		return nil, wrapTranslateErr(err)
	}
	return canonical, nil
}

func chatTextOnly(content gjson.Result) (string, bool) {
	if content.Type == gjson.String {
		return content.String(), true
	}
	if !content.IsArray() {
		return "", false
	}
	var out string
	for _, part := range content.Array() {
		if part.Get("type").String() != "text" {
			return "", false
		}
		out += part.Get("text").String()
	}
	return out, true
}

func translateUserContent(content gjson.Result) ([]map[string]any, error) {
	if content.Type == gjson.String {
		return []map[string]any{{"type": "input_text", "text": content.String()}}, nil
	}
	if !content.IsArray() {
		return nil, apperrors.New(apperrors.KindValidation, 400, "invalid_request", "user message content must be a string or array")
	}

	var out []map[string]any
	for _, part := range content.Array() {
		switch part.Get("type").String() {
		case "text":
			out = append(out, map[string]any{"type": "input_text", "text": part.Get("text").String()})
		case "image_url":
			url := part.Get("image_url.url")
			if !url.Exists() || url.String() == "" {
				return nil, apperrors.New(apperrors.KindValidation, 400, "invalid_request", "image_url part requires image_url.url")
			}
			if isOversizedDataURL(url.String()) {
				continue
			}
			out = append(out, map[string]any{"type": "input_image", "image_url": url.String()})
		case "input_audio":
			format := part.Get("input_audio.format").String()
			if format != "wav" && format != "mp3" {
				return nil, apperrors.New(apperrors.KindValidation, 400, "invalid_request", "input_audio.format must be wav or mp3")
			}
			out = append(out, map[string]any{
				"type":        "input_audio",
				"input_audio": map[string]any{"data": part.Get("input_audio.data").String(), "format": format},
			})
		case "file":
			out = append(out, map[string]any{"type": "input_file", "file": part.Get("file").Value()})
		default:
			return nil, apperrors.Newf(apperrors.KindValidation, 400, "invalid_request", "unsupported user content part type %q", part.Get("type").String())
		}
	}
	return out, nil
}

// isOversizedDataURL reports whether url is a base64 data: URL whose decoded
// size exceeds maxInlineImageBytes (spec S4). Base64 expands by 4/3, so the
// encoded length is checked against the equivalent threshold without
// decoding the whole payload.
func isOversizedDataURL(url string) bool {
	const prefix = "data:"
	if len(url) < len(prefix) || url[:len(prefix)] != prefix {
		return false
	}
	commaIdx := -1
	for i, c := range url {
		if c == ',' {
			commaIdx = i
			break
		}
	}
	if commaIdx < 0 {
		return false
	}
	encodedLen := len(url) - commaIdx - 1
	decodedLen := encodedLen * 3 / 4
	return decodedLen > maxInlineImageBytes
}

func translateResponseFormat(canonical string, responseFormat gjson.Result) (string, error) {
	var formatType string
	if responseFormat.Type == gjson.String {
		formatType = responseFormat.String()
	} else {
		formatType = responseFormat.Get("type").String()
	}
	out, err := sjson.Set(canonical, "text.format.type", formatType)
	if err != nil {
		return "", wrapTranslateErr(err)
	}
	if schema := responseFormat.Get("json_schema"); schema.Exists() {
		out, err = sjson.SetRaw(out, "text.format.json_schema", schema.Raw)
		if err != nil {
			return "", wrapTranslateErr(err)
		}
	}
	return out, nil
}

func flattenTools(tools gjson.Result) ([]map[string]any, error) {
	var out []map[string]any
	for _, tool := range tools.Array() {
		if tool.Get("type").String() != "function" {
			continue
		}
		fn := tool.Get("function")
		name := fn.Get("name").String()
		if name == "" {
			continue
		}
		out = append(out, map[string]any{
			"type":        "function",
			"name":        name,
			"description": fn.Get("description").String(),
			"parameters":  fn.Get("parameters").Value(),
		})
	}
	return out, nil
}

func flattenToolChoice(toolChoice gjson.Result) any {
	if toolChoice.Type == gjson.String {
		return toolChoice.String()
	}
	fn := toolChoice.Get("function")
	if fn.Exists() {
		return map[string]any{"type": "function", "name": fn.Get("name").String()}
	}
	return toolChoice.Value()
}

func wrapTranslateErr(err error) error {
	return apperrors.Wrap(err, apperrors.KindValidation, 400, "invalid_request", fmt.Sprintf("translation failed: %v", err))
}

func mustMarshal(v any) string {
	if v == nil {
		v = []any{}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(raw)
}

// previousResponseIDPattern matches the upstream's response-id shape
// ("resp_" prefix). Among other values, a "msg_" prefix classifies as a
// message id and anything else as unknown; only a message id is rejected.
var previousResponseIDPattern = regexp.MustCompile(`^resp_[A-Za-z0-9_-]+$`)

// PreviousResponseIDKind is the classification of a previous_response_id
// value.
type PreviousResponseIDKind string

const (
	PreviousResponseIDKindResponse PreviousResponseIDKind = "response_id"
	PreviousResponseIDKindMessage  PreviousResponseIDKind = "message_id"
	PreviousResponseIDKindUnknown  PreviousResponseIDKind = "unknown"
)

// ClassifyPreviousResponseIDKind classifies a previous_response_id value so
// callers such as ValidateFunctionCallOutputContext can reject a message id
// before it reaches the upstream, which would otherwise guarantee a 400
// round trip. The Translate*/Validate* request paths do not call it.
func ClassifyPreviousResponseIDKind(value string) PreviousResponseIDKind {
	if value == "" {
		return PreviousResponseIDKindUnknown
	}
	if previousResponseIDPattern.MatchString(value) {
		return PreviousResponseIDKindResponse
	}
	if regexp.MustCompile(`^msg_[A-Za-z0-9_-]+$`).MatchString(value) {
		return PreviousResponseIDKindMessage
	}
	return PreviousResponseIDKindUnknown
}

// ValidateFunctionCallOutputContext rejects a function_call_output turn that
// carries neither a call_id context nor a previous_response_id, which the
// upstream would otherwise reject after a full round trip.
func ValidateFunctionCallOutputContext(hasFunctionCallOutput bool, callID, previousResponseID string) error {
	if !hasFunctionCallOutput {
		return nil
	}
	if callID == "" && previousResponseID == "" {
		return apperrors.New(apperrors.KindValidation, 400, "invalid_request", "function_call_output requires call_id context or previous_response_id")
	}
	if previousResponseID != "" && ClassifyPreviousResponseIDKind(previousResponseID) == PreviousResponseIDKindMessage {
		return apperrors.New(apperrors.KindValidation, 400, "invalid_request", "previous_response_id must be a response id, not a message id")
	}
	return nil
}
