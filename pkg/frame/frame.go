// Package frame implements the length-prefixed JSON wire protocol spoken
// over a sandbox container's standard streams. Each frame is a 4-byte
// big-endian length followed by that many bytes of UTF-8 JSON.
package frame

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// headerLength is the fixed size of the length prefix.
const headerLength = 4

// MaxFrameSize bounds a single frame's payload. Tool results are capped
// well below this inside the container; anything larger means a
// desynchronized or hostile stream.
const MaxFrameSize = 16 * 1024 * 1024

// Encode serializes v to JSON and prefixes it with a 4-byte big-endian
// length, returning the complete frame.
func Encode(v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame payload: %w", err)
	}
	if len(payload) > MaxFrameSize {
		return nil, fmt.Errorf("frame payload too large: %d bytes", len(payload))
	}

	buf := make([]byte, headerLength+len(payload))
	binary.BigEndian.PutUint32(buf[:headerLength], uint32(len(payload)))
	copy(buf[headerLength:], payload)
	return buf, nil
}

// Decoder reassembles frames from an arbitrarily chunked byte stream.
// Chunk boundaries never align with frame boundaries in general: a partial
// frame stays buffered until later chunks complete it.
//
// The length prefix is the framing authority. A frame whose payload is not
// valid JSON is reported through OnError and skipped; subsequent frames
// decode normally.
type Decoder struct {
	// OnMessage receives the payload of each complete frame.
	OnMessage func(payload json.RawMessage)

	// OnError receives per-frame decode problems. The decoder keeps
	// running after calling it.
	OnError func(err error)

	buf []byte
}

// NewDecoder creates a decoder that dispatches frames to onMessage and
// reports bad frames to onError. Either callback may be nil.
func NewDecoder(onMessage func(json.RawMessage), onError func(error)) *Decoder {
	return &Decoder{
		OnMessage: onMessage,
		OnError:   onError,
	}
}

// Push appends a chunk to the internal buffer and dispatches every
// complete frame found. Bytes of a trailing incomplete frame remain
// buffered for the next call.
func (d *Decoder) Push(chunk []byte) {
	d.buf = append(d.buf, chunk...)

	for {
		if len(d.buf) < headerLength {
			return
		}

		size := binary.BigEndian.Uint32(d.buf[:headerLength])
		if size > MaxFrameSize {
			// The stream is unrecoverable: the prefix itself cannot be
			// trusted, so resynchronizing is not possible. Drop the buffer
			// rather than allocate whatever the prefix claims.
			d.reportError(fmt.Errorf("frame length %d exceeds limit %d, discarding buffer", size, MaxFrameSize))
			d.buf = nil
			return
		}

		total := headerLength + int(size)
		if len(d.buf) < total {
			return
		}

		payload := make([]byte, size)
		copy(payload, d.buf[headerLength:total])
		d.buf = d.buf[total:]

		if !json.Valid(payload) {
			d.reportError(fmt.Errorf("frame payload is not valid JSON (%d bytes)", size))
			continue
		}
		if d.OnMessage != nil {
			d.OnMessage(payload)
		}
	}
}

// Buffered returns the number of bytes held for an incomplete frame.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

func (d *Decoder) reportError(err error) {
	if d.OnError != nil {
		d.OnError(err)
	}
}
