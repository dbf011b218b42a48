package toolserver

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/crucible/pkg/frame"
)

// testConn wires a server to in-memory pipes and decodes everything it
// writes back.
type testConn struct {
	stdinW  *io.PipeWriter
	replies chan json.RawMessage
	served  chan error
}

func startServer(t *testing.T) *testConn {
	t.Helper()

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	conn := &testConn{
		stdinW:  inW,
		replies: make(chan json.RawMessage, 16),
		served:  make(chan error, 1),
	}

	server := New(inR, outW)
	go func() {
		conn.served <- server.Serve(context.Background())
		outW.Close()
	}()
	go func() {
		decoder := frame.NewDecoder(func(payload json.RawMessage) {
			conn.replies <- payload
		}, nil)
		buf := make([]byte, 1024)
		for {
			n, err := outR.Read(buf)
			if n > 0 {
				decoder.Push(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()

	t.Cleanup(func() { inW.Close() })
	return conn
}

func (c *testConn) send(t *testing.T, v any) {
	t.Helper()
	encoded, err := frame.Encode(v)
	require.NoError(t, err)
	_, err = c.stdinW.Write(encoded)
	require.NoError(t, err)
}

func (c *testConn) next(t *testing.T) json.RawMessage {
	t.Helper()
	select {
	case payload := <-c.replies:
		return payload
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for reply frame")
		return nil
	}
}

func (c *testConn) nextResult(t *testing.T) frame.Result {
	t.Helper()
	var result frame.Result
	require.NoError(t, json.Unmarshal(c.next(t), &result))
	require.Equal(t, frame.TypeResult, result.Type)
	return result
}

func TestExecuteEcho(t *testing.T) {
	conn := startServer(t)

	conn.send(t, frame.ExecuteRequest{ID: "r1", Tool: "echo", Args: []string{"hello"}})

	result := conn.nextResult(t)
	assert.Equal(t, "r1", result.ID)
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, "hello\n", result.Output)
}

func TestExecuteNonZeroExit(t *testing.T) {
	conn := startServer(t)

	conn.send(t, frame.ExecuteRequest{ID: "r1", Tool: "sh", Args: []string{"-c", "echo oops >&2; exit 3"}})

	result := conn.nextResult(t)
	assert.Equal(t, 3, result.ExitCode)
	assert.Contains(t, result.Output, "oops")
}

func TestCredentialDeliveryAndEnv(t *testing.T) {
	conn := startServer(t)

	conn.send(t, frame.Credential{Type: frame.TypeCredential, Name: "API_TOKEN", Value: "sekrit"})

	var ack frame.CredentialAck
	require.NoError(t, json.Unmarshal(conn.next(t), &ack))
	assert.Equal(t, frame.TypeCredentialAck, ack.Type)
	assert.Equal(t, "API_TOKEN", ack.Name)

	conn.send(t, frame.ExecuteRequest{ID: "r1", Tool: "sh", Args: []string{"-c", `printf "%s" "$API_TOKEN"`}})
	result := conn.nextResult(t)
	assert.Equal(t, "sekrit", result.Output)
}

func TestExecuteTimeout(t *testing.T) {
	conn := startServer(t)

	conn.send(t, frame.ExecuteRequest{ID: "r1", Tool: "sleep", Args: []string{"30"}, TimeoutMs: 100})

	result := conn.nextResult(t)
	assert.Equal(t, -1, result.ExitCode)
	assert.Contains(t, result.Output, "timed out")
}

func TestUnknownFrameType(t *testing.T) {
	conn := startServer(t)

	conn.send(t, map[string]any{"type": "telemetry"})

	var errMsg frame.ErrorMessage
	require.NoError(t, json.Unmarshal(conn.next(t), &errMsg))
	assert.Equal(t, frame.TypeError, errMsg.Type)
	assert.Contains(t, errMsg.Message, "unknown frame type")
}

func TestMalformedFrameAnswersError(t *testing.T) {
	conn := startServer(t)

	payload := []byte("{not json")
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)
	_, err := conn.stdinW.Write(buf)
	require.NoError(t, err)

	var errMsg frame.ErrorMessage
	require.NoError(t, json.Unmarshal(conn.next(t), &errMsg))
	assert.Equal(t, frame.TypeError, errMsg.Type)

	// The stream stays usable afterwards.
	conn.send(t, frame.ExecuteRequest{ID: "r1", Tool: "echo", Args: []string{"still here"}})
	result := conn.nextResult(t)
	assert.Equal(t, "still here\n", result.Output)
}

func TestConcurrentRequests(t *testing.T) {
	conn := startServer(t)

	// Sleep first, echo second: the second reply must not wait for the
	// first request to finish.
	conn.send(t, frame.ExecuteRequest{ID: "slow", Tool: "sh", Args: []string{"-c", "sleep 1; echo slow"}})
	conn.send(t, frame.ExecuteRequest{ID: "fast", Tool: "echo", Args: []string{"fast"}})

	first := conn.nextResult(t)
	assert.Equal(t, "fast", first.ID)

	second := conn.nextResult(t)
	assert.Equal(t, "slow", second.ID)
}

func TestServeReturnsOnEOF(t *testing.T) {
	conn := startServer(t)
	conn.stdinW.Close()

	select {
	case err := <-conn.served:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return on EOF")
	}
}
