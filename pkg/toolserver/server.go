// Package toolserver implements the in-container side of the frame
// protocol. It reads execute requests from stdin, runs them, and writes
// result frames to stdout; stdout carries frames only, so diagnostics go
// to stderr.
package toolserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/odvcencio/crucible/pkg/frame"
)

// defaultTimeout applies to requests that carry no timeoutMs.
const defaultTimeout = 60 * time.Second

// maxOutputBytes caps a single result's output so no reply can approach
// the frame size limit. Overflow is truncated from the front; the tail
// of a long output is usually the informative part.
const maxOutputBytes = 1 << 20

// Executor runs one tool invocation and returns its exit code and
// combined output. env is the extra environment (delivered credentials).
type Executor func(ctx context.Context, req frame.ExecuteRequest, env []string) (int, string)

// Server is one tool-server instance bound to a frame stream pair.
type Server struct {
	in  io.Reader
	out io.Writer

	// Execute runs tool requests. Defaults to ExecShell.
	Execute Executor

	writeMu sync.Mutex

	credMu sync.Mutex
	creds  map[string]string
}

// New creates a server reading frames from in and writing frames to out.
func New(in io.Reader, out io.Writer) *Server {
	return &Server{
		in:      in,
		out:     out,
		Execute: ExecShell,
		creds:   make(map[string]string),
	}
}

// Serve processes frames until the input stream closes or ctx is
// canceled. Requests execute concurrently; responses are written whole
// under a lock so frames never interleave.
func (s *Server) Serve(ctx context.Context) error {
	decoder := frame.NewDecoder(func(payload json.RawMessage) {
		s.dispatch(ctx, payload)
	}, func(err error) {
		s.writeFrame(frame.ErrorMessage{Type: frame.TypeError, Message: err.Error()})
	})

	buf := make([]byte, 4096)
	for {
		n, err := s.in.Read(buf)
		if n > 0 {
			decoder.Push(buf[:n])
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// dispatch routes one inbound frame. Requests are recognized by the
// presence of "tool"; everything else dispatches on "type".
func (s *Server) dispatch(ctx context.Context, payload json.RawMessage) {
	var probe struct {
		Tool string `json:"tool"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		s.writeFrame(frame.ErrorMessage{Type: frame.TypeError, Message: "unreadable frame: " + err.Error()})
		return
	}

	switch {
	case probe.Tool != "":
		var req frame.ExecuteRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			s.writeFrame(frame.ErrorMessage{Type: frame.TypeError, Message: "malformed execute request: " + err.Error()})
			return
		}
		go s.handleExecute(ctx, req)

	case probe.Type == frame.TypeCredential:
		var cred frame.Credential
		if err := json.Unmarshal(payload, &cred); err != nil {
			s.writeFrame(frame.ErrorMessage{Type: frame.TypeError, Message: "malformed credential frame: " + err.Error()})
			return
		}
		s.storeCredential(cred)

	default:
		s.writeFrame(frame.ErrorMessage{Type: frame.TypeError, Message: "unknown frame type: " + probe.Type})
	}
}

func (s *Server) handleExecute(ctx context.Context, req frame.ExecuteRequest) {
	timeout := defaultTimeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	exitCode, output := s.Execute(ctx, req, s.credentialEnv())

	if len(output) > maxOutputBytes {
		output = "[output truncated]\n" + output[len(output)-maxOutputBytes:]
	}

	s.writeFrame(frame.Result{
		Type:     frame.TypeResult,
		ID:       req.ID,
		ExitCode: exitCode,
		Output:   output,
	})
}

func (s *Server) storeCredential(cred frame.Credential) {
	s.credMu.Lock()
	s.creds[cred.Name] = cred.Value
	s.credMu.Unlock()

	s.writeFrame(frame.CredentialAck{Type: frame.TypeCredentialAck, Name: cred.Name})
}

// credentialEnv renders the stored credentials as NAME=value pairs,
// sorted for deterministic process environments.
func (s *Server) credentialEnv() []string {
	s.credMu.Lock()
	defer s.credMu.Unlock()

	env := make([]string, 0, len(s.creds))
	for name, value := range s.creds {
		env = append(env, name+"="+value)
	}
	sort.Strings(env)
	return env
}

func (s *Server) writeFrame(v any) {
	encoded, err := frame.Encode(v)
	if err != nil {
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, _ = s.out.Write(encoded)
}

// ExecShell is the default executor: the request's tool is the program
// and args its argv. Delivered credentials are appended to the process
// environment.
func ExecShell(ctx context.Context, req frame.ExecuteRequest, env []string) (int, string) {
	cmd := exec.CommandContext(ctx, req.Tool, req.Args...)
	cmd.Env = append(cmd.Environ(), env...)

	output, err := cmd.CombinedOutput()
	if err == nil {
		return 0, string(output)
	}

	if ctx.Err() == context.DeadlineExceeded {
		return -1, fmt.Sprintf("%scommand timed out", output)
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode(), string(output)
	}
	return -1, fmt.Sprintf("%s%v", output, err)
}
