package frame

import (
	"encoding/binary"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectDecoder() (*Decoder, *[]string, *[]error) {
	var messages []string
	var errs []error
	dec := NewDecoder(
		func(payload json.RawMessage) {
			messages = append(messages, string(payload))
		},
		func(err error) {
			errs = append(errs, err)
		},
	)
	return dec, &messages, &errs
}

func TestEncodeRoundTrip(t *testing.T) {
	original := map[string]any{"id": "r1", "tool": "shell", "timeoutMs": float64(5000)}

	encoded, err := Encode(original)
	require.NoError(t, err)

	// Length prefix matches the payload it frames.
	size := binary.BigEndian.Uint32(encoded[:4])
	assert.Equal(t, int(size), len(encoded)-4)

	dec, messages, errs := collectDecoder()
	dec.Push(encoded)

	require.Len(t, *messages, 1)
	assert.Empty(t, *errs)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte((*messages)[0]), &decoded))
	assert.Equal(t, original, decoded)
}

func TestDecodeOneByteAtATime(t *testing.T) {
	encoded, err := Encode(ExecuteRequest{ID: "r1", Tool: "shell", Args: []string{"echo hi"}, TimeoutMs: 5000})
	require.NoError(t, err)

	dec, messages, errs := collectDecoder()
	for i := range encoded {
		dec.Push(encoded[i : i+1])
	}

	require.Len(t, *messages, 1)
	assert.Empty(t, *errs)

	var req ExecuteRequest
	require.NoError(t, json.Unmarshal([]byte((*messages)[0]), &req))
	assert.Equal(t, "r1", req.ID)
	assert.Equal(t, []string{"echo hi"}, req.Args)
}

func TestDecodePartialThenRemainder(t *testing.T) {
	encoded, err := Encode(map[string]string{"type": "result", "id": "a"})
	require.NoError(t, err)

	dec, messages, _ := collectDecoder()

	split := len(encoded) / 2
	dec.Push(encoded[:split])
	assert.Empty(t, *messages, "half a frame must not decode")
	assert.Equal(t, split, dec.Buffered())

	dec.Push(encoded[split:])
	assert.Len(t, *messages, 1, "exactly one message from one frame")
	assert.Zero(t, dec.Buffered())
}

func TestDecodeMultipleFramesInOneChunk(t *testing.T) {
	first, err := Encode(map[string]string{"id": "1"})
	require.NoError(t, err)
	second, err := Encode(map[string]string{"id": "2"})
	require.NoError(t, err)

	dec, messages, _ := collectDecoder()
	dec.Push(append(first, second...))

	require.Len(t, *messages, 2)
	assert.JSONEq(t, `{"id":"1"}`, (*messages)[0])
	assert.JSONEq(t, `{"id":"2"}`, (*messages)[1])
}

func TestDecodeMalformedJSONDoesNotDesync(t *testing.T) {
	// A well-framed chunk of garbage followed by a valid frame: the
	// garbage is reported, the valid frame still decodes.
	garbage := []byte("{not json")
	framed := make([]byte, 4+len(garbage))
	binary.BigEndian.PutUint32(framed[:4], uint32(len(garbage)))
	copy(framed[4:], garbage)

	valid, err := Encode(map[string]string{"type": "result", "id": "ok"})
	require.NoError(t, err)

	dec, messages, errs := collectDecoder()
	dec.Push(append(framed, valid...))

	require.Len(t, *errs, 1)
	require.Len(t, *messages, 1)
	assert.Contains(t, (*messages)[0], `"ok"`)
}

func TestDecodeOversizedPrefixDiscardsBuffer(t *testing.T) {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], MaxFrameSize+1)

	dec, messages, errs := collectDecoder()
	dec.Push(header[:])

	assert.Empty(t, *messages)
	require.Len(t, *errs, 1)
	assert.Zero(t, dec.Buffered(), "buffer dropped after untrustworthy prefix")
}

func TestParseEnvelope(t *testing.T) {
	env, err := ParseEnvelope(json.RawMessage(`{"type":"error","message":"boom"}`))
	require.NoError(t, err)
	assert.Equal(t, TypeError, env.Type)
	assert.Empty(t, env.ID)
	assert.Equal(t, "boom", env.Message)
}
