package service

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatSSE_OmitsEventLineWhenTypeEmpty(t *testing.T) {
	out := FormatSSE(SSEEvent{Data: []byte(`{"a":1}`)})
	assert.Equal(t, "data: {\"a\":1}\n\n", string(out))
}

func TestSSE_RoundTripsThroughFormatAndReader(t *testing.T) {
	original := SSEEvent{Type: "response.completed", Data: []byte(`{"usage":{"primary_used_percent":42}}`)}
	framed := FormatSSE(original)

	reader := NewSSEReader(bytes.NewReader(framed))
	got, err := reader.Next()
	require.NoError(t, err)

	assert.Equal(t, original.Type, got.Type)
	assert.Equal(t, string(original.Data), string(got.Data))

	_, err = reader.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestSSEReader_ParsesMultipleEvents(t *testing.T) {
	stream := "event: response.completed\ndata: {\"a\":1}\n\nevent: done\ndata: {}\n\n"
	reader := NewSSEReader(bytes.NewReader([]byte(stream)))

	first, err := reader.Next()
	require.NoError(t, err)
	assert.Equal(t, "response.completed", first.Type)

	second, err := reader.Next()
	require.NoError(t, err)
	assert.Equal(t, "done", second.Type)

	_, err = reader.Next()
	assert.ErrorIs(t, err, io.EOF)
}
