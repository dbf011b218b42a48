package frame

import "encoding/json"

// Message type discriminants carried in the "type" field of frames sent
// by the tool server. Requests from the host carry no type; the tool
// server distinguishes them by the presence of "tool".
const (
	TypeResult        = "result"
	TypeError         = "error"
	TypeCredential    = "credential"
	TypeCredentialAck = "credential_ack"
)

// ExecuteRequest asks the tool server to run one tool invocation.
type ExecuteRequest struct {
	ID        string   `json:"id"`
	Tool      string   `json:"tool"`
	Args      []string `json:"args,omitempty"`
	TimeoutMs int      `json:"timeoutMs,omitempty"`
}

// Envelope is the minimal shape shared by every tool-server frame, used
// to dispatch on type and correlate by request ID before the full payload
// is interpreted.
type Envelope struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Message string `json:"message,omitempty"`
}

// Result is the success reply to an ExecuteRequest. Output carries the
// tool's combined output; tools may attach extra fields, which callers
// see through the raw frame payload.
type Result struct {
	Type     string `json:"type"`
	ID       string `json:"id"`
	ExitCode int    `json:"exitCode"`
	Output   string `json:"output,omitempty"`
}

// ErrorMessage is the failure reply to an ExecuteRequest, or a
// protocol-level complaint when ID is empty.
type ErrorMessage struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Message string `json:"message"`
}

// Credential delivers a named secret to the tool server out of band.
// Delivery is fire-and-forget; the server replies with a CredentialAck
// that the sender does not wait for.
type Credential struct {
	Type  string `json:"type"`
	Name  string `json:"name"`
	Value string `json:"value"`
}

// CredentialAck acknowledges a Credential frame.
type CredentialAck struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

// ParseEnvelope decodes just the dispatch fields of a frame payload.
func ParseEnvelope(payload json.RawMessage) (Envelope, error) {
	var env Envelope
	err := json.Unmarshal(payload, &env)
	return env, err
}
