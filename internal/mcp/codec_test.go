package mcp

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeNewlineRoundTrip(t *testing.T) {
	codec := NewCodec(FramingNewlineJSON, nil)
	msg, err := NewRequest("1", "tools/list", nil)
	require.NoError(t, err)

	frame, err := codec.Encode(msg)
	require.NoError(t, err)

	var got []Message
	err = codec.DecodeStream(bytes.NewReader(frame), func(m Message) error {
		got = append(got, m)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "tools/list", got[0].Method)
}

func TestEncodeDecodeContentLengthRoundTrip(t *testing.T) {
	codec := NewCodec(FramingContentLength, nil)
	msg, err := NewRequest("1", "initialize", map[string]any{"a": 1})
	require.NoError(t, err)

	frame, err := codec.Encode(msg)
	require.NoError(t, err)
	assert.Contains(t, string(frame), "Content-Length:")

	var got []Message
	err = codec.DecodeStream(bytes.NewReader(frame), func(m Message) error {
		got = append(got, m)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "initialize", got[0].Method)
}

func TestMalformedFrameResynchronizes(t *testing.T) {
	var parseErrs int
	codec := NewCodec(FramingNewlineJSON, func(err error, raw []byte) { parseErrs++ })

	good, err := NewRequest("1", "ping", nil)
	require.NoError(t, err)
	goodFrame, err := codec.Encode(good)
	require.NoError(t, err)

	stream := append([]byte("not-json-at-all\n"), goodFrame...)

	var got []Message
	err = codec.DecodeStream(bytes.NewReader(stream), func(m Message) error {
		got = append(got, m)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, parseErrs)
	require.Len(t, got, 1)
	assert.Equal(t, "ping", got[0].Method)
}

func TestMessageKindClassification(t *testing.T) {
	req, _ := NewRequest("1", "m", nil)
	assert.Equal(t, KindRequest, req.Kind())

	notif, _ := NewNotification("m", nil)
	assert.Equal(t, KindNotification, notif.Kind())

	resp := Message{JSONRPC: "2.0", ID: "1", Result: []byte(`{}`)}
	assert.Equal(t, KindResponse, resp.Kind())
}
