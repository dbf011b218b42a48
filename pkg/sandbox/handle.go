package sandbox

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	crucibleerrors "github.com/odvcencio/crucible/pkg/errors"
	"github.com/odvcencio/crucible/pkg/frame"
	"github.com/odvcencio/crucible/pkg/logging"
)

// handleState tracks teardown progress. Concurrent destroy triggers
// (lifetime timer, owning caller, manager-wide cleanup) race freely;
// the state transition under the mutex picks exactly one winner.
type handleState int

const (
	stateRunning handleState = iota
	stateDestroying
	stateDestroyed
)

// defaultRequestTimeout applies when an execute request carries no
// timeout of its own.
const defaultRequestTimeout = 60 * time.Second

// pendingRequest is one in-flight execute call awaiting its correlated
// response frame.
type pendingRequest struct {
	id    string
	ch    chan pendingOutcome
	timer *time.Timer
}

type pendingOutcome struct {
	payload map[string]any
	err     error
}

// Handle owns one running sandbox container for the duration of one
// task run. It is created by Manager.Create and must be destroyed
// exactly once by whoever ends the run first; Destroy is safe to race.
type Handle struct {
	containerID string
	runID       string
	networkMode string

	runtime Runtime
	proc    Process
	stdin   io.WriteCloser
	log     *logging.Logger

	// writeMu serializes frame writes so two concurrent executes cannot
	// interleave bytes on the container's stdin.
	writeMu sync.Mutex

	mu       sync.Mutex
	state    handleState
	exited   bool
	exitErr  error
	pending  map[string]*pendingRequest
	lifetime *time.Timer

	// done is closed when teardown completes; losers of the destroy
	// race block on it so Destroy never returns before the container
	// is actually gone.
	done chan struct{}
}

func newHandle(containerID, runID, networkMode string, runtime Runtime, proc Process, log *logging.Logger, maxLifetime time.Duration) *Handle {
	h := &Handle{
		containerID: containerID,
		runID:       runID,
		networkMode: networkMode,
		runtime:     runtime,
		proc:        proc,
		stdin:       proc.Stdin(),
		log:         log,
		pending:     make(map[string]*pendingRequest),
		done:        make(chan struct{}),
	}

	h.lifetime = time.AfterFunc(maxLifetime, func() {
		h.log.Warn(logging.CategorySandbox, "lifetime_exceeded", "container hit lifetime cap, destroying", map[string]any{
			"container_id": containerID,
			"run_id":       runID,
		})
		_ = h.Destroy()
	})

	metricActiveContainers.Inc()
	go h.readLoop()
	return h
}

// ContainerID returns the runtime-assigned container identifier.
func (h *Handle) ContainerID() string { return h.containerID }

// RunID returns the task run this handle belongs to.
func (h *Handle) RunID() string { return h.runID }

// NetworkMode reports the network branch the container was created
// with: "none" or "bridge".
func (h *Handle) NetworkMode() string { return h.networkMode }

// Destroyed reports whether teardown has started.
func (h *Handle) Destroyed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state != stateRunning
}

// Execute sends one tool-execution request and blocks until the
// correlated result or error frame arrives, the per-request timeout
// fires, the container exits, or the handle is destroyed. Responses
// are matched by request ID, never by call order.
func (h *Handle) Execute(ctx context.Context, req frame.ExecuteRequest) (map[string]any, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	encoded, err := frame.Encode(req)
	if err != nil {
		return nil, crucibleerrors.Wrap(err, crucibleerrors.ErrCodeInvalidInput, "failed to encode execute request")
	}

	timeout := defaultRequestTimeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	timeout += responseTimeoutBuffer

	h.mu.Lock()
	if h.state != stateRunning {
		h.mu.Unlock()
		return nil, crucibleerrors.New(crucibleerrors.ErrCodeHandleDestroyed, "sandbox handle is destroyed").
			WithContext("run_id", h.runID)
	}
	if h.exited {
		exitErr := h.exitErr
		h.mu.Unlock()
		rejected := crucibleerrors.New(crucibleerrors.ErrCodeContainerExited, "container process has exited").
			WithContext("run_id", h.runID)
		if exitErr != nil {
			rejected = crucibleerrors.Wrap(exitErr, crucibleerrors.ErrCodeContainerExited, "container process has exited").
				WithContext("run_id", h.runID)
		}
		return nil, rejected
	}
	if _, exists := h.pending[req.ID]; exists {
		h.mu.Unlock()
		return nil, crucibleerrors.New(crucibleerrors.ErrCodeInvalidInput, "duplicate request id").
			WithContext("request_id", req.ID)
	}
	pr := &pendingRequest{id: req.ID, ch: make(chan pendingOutcome, 1)}
	// The timer must exist before the entry is visible in the map, so a
	// concurrent drain always sees it and stops it.
	pr.timer = time.AfterFunc(timeout, func() {
		h.reject(req.ID, crucibleerrors.New(crucibleerrors.ErrCodeRequestTimeout, "no response from sandbox").
			WithContext("request_id", req.ID).
			WithContext("timeout", timeout.String()).
			WithRetryable(true))
	})
	h.pending[req.ID] = pr
	h.mu.Unlock()

	start := time.Now()

	h.writeMu.Lock()
	_, writeErr := h.stdin.Write(encoded)
	h.writeMu.Unlock()
	if writeErr != nil {
		if taken := h.takePending(req.ID); taken != nil && taken.timer != nil {
			taken.timer.Stop()
		}
		return nil, crucibleerrors.Wrap(writeErr, crucibleerrors.ErrCodeProtocol, "failed to write request frame").
			WithContext("request_id", req.ID)
	}

	select {
	case outcome := <-pr.ch:
		metricExecuteDuration.Observe(time.Since(start).Seconds())
		return outcome.payload, outcome.err
	case <-ctx.Done():
		if taken := h.takePending(req.ID); taken != nil {
			if taken.timer != nil {
				taken.timer.Stop()
			}
			return nil, crucibleerrors.Wrap(ctx.Err(), crucibleerrors.ErrCodeRequestTimeout, "execute canceled").
				WithContext("request_id", req.ID)
		}
		// Lost the race: a response landed between ctx firing and the
		// take. Report it rather than discard it.
		outcome := <-pr.ch
		return outcome.payload, outcome.err
	}
}

// DeliverCredential sends a credential frame without registering a
// pending entry. The tool server replies with an asynchronous ack that
// is observed in the read loop but never correlated to this call.
func (h *Handle) DeliverCredential(name, value string) error {
	h.mu.Lock()
	if h.state != stateRunning {
		h.mu.Unlock()
		return crucibleerrors.New(crucibleerrors.ErrCodeHandleDestroyed, "sandbox handle is destroyed").
			WithContext("run_id", h.runID)
	}
	h.mu.Unlock()

	encoded, err := frame.Encode(frame.Credential{Type: frame.TypeCredential, Name: name, Value: value})
	if err != nil {
		return crucibleerrors.Wrap(err, crucibleerrors.ErrCodeInvalidInput, "failed to encode credential frame")
	}

	h.writeMu.Lock()
	_, writeErr := h.stdin.Write(encoded)
	h.writeMu.Unlock()
	if writeErr != nil {
		return crucibleerrors.Wrap(writeErr, crucibleerrors.ErrCodeProtocol, "failed to write credential frame").
			WithContext("credential", name)
	}

	h.log.Debug(logging.CategoryProtocol, "credential_sent", "", map[string]any{
		"run_id":     h.runID,
		"credential": name,
	})
	return nil
}

// Destroy tears the container down: cancels the lifetime timer, rejects
// every pending request, closes the input stream, force-removes the
// container, and kills the attached process. Idempotent and safe to
// call concurrently; only the first caller performs teardown, later
// callers wait for it to finish.
func (h *Handle) Destroy() error {
	h.mu.Lock()
	switch h.state {
	case stateDestroyed:
		h.mu.Unlock()
		return nil
	case stateDestroying:
		h.mu.Unlock()
		<-h.done
		return nil
	}
	h.state = stateDestroying
	drained := h.drainPendingLocked()
	h.mu.Unlock()

	h.lifetime.Stop()

	destroyErr := crucibleerrors.New(crucibleerrors.ErrCodeHandleDestroyed, "sandbox destroyed with request in flight").
		WithContext("run_id", h.runID)
	for _, pr := range drained {
		pr.ch <- pendingOutcome{err: destroyErr}
	}

	_ = h.stdin.Close()

	// Removal is best-effort: the runtime may already have reaped the
	// container, and teardown runs in cleanup paths where an error here
	// must not mask whatever ended the run.
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if output, err := h.runtime.Run(ctx, "rm", "-f", h.containerID); err != nil {
		h.log.Warn(logging.CategorySandbox, "remove_failed", "container force-remove failed", map[string]any{
			"container_id": h.containerID,
			"error":        err.Error(),
			"output":       output,
		})
	}

	_ = h.proc.Kill()

	h.mu.Lock()
	h.state = stateDestroyed
	h.mu.Unlock()
	close(h.done)

	metricActiveContainers.Dec()
	metricDestroys.Inc()

	h.log.Info(logging.CategorySandbox, "container_destroyed", "", map[string]any{
		"container_id": h.containerID,
		"run_id":       h.runID,
	})
	return nil
}

// drainPendingLocked empties the pending map, stopping each entry's
// timer. Caller holds h.mu.
func (h *Handle) drainPendingLocked() []*pendingRequest {
	drained := make([]*pendingRequest, 0, len(h.pending))
	for _, pr := range h.pending {
		if pr.timer != nil {
			pr.timer.Stop()
		}
		drained = append(drained, pr)
	}
	h.pending = make(map[string]*pendingRequest)
	return drained
}

// takePending removes and returns the pending entry for id, or nil if
// it was already resolved, rejected, or drained. This is the only way
// entries leave the map, which is what makes removal exactly-once.
func (h *Handle) takePending(id string) *pendingRequest {
	h.mu.Lock()
	defer h.mu.Unlock()
	pr := h.pending[id]
	delete(h.pending, id)
	return pr
}

func (h *Handle) resolve(id string, payload map[string]any) {
	pr := h.takePending(id)
	if pr == nil {
		h.log.Warn(logging.CategoryProtocol, "orphan_result", "result frame with no pending request", map[string]any{
			"run_id":     h.runID,
			"request_id": id,
		})
		return
	}
	if pr.timer != nil {
		pr.timer.Stop()
	}
	pr.ch <- pendingOutcome{payload: payload}
}

func (h *Handle) reject(id string, err error) {
	pr := h.takePending(id)
	if pr == nil {
		return
	}
	if pr.timer != nil {
		pr.timer.Stop()
	}
	pr.ch <- pendingOutcome{err: err}
}

// readLoop decodes the container's output stream until it closes, then
// reconciles the process exit.
func (h *Handle) readLoop() {
	decoder := frame.NewDecoder(h.dispatch, func(err error) {
		h.log.Warn(logging.CategoryProtocol, "frame_decode_error", err.Error(), map[string]any{
			"run_id": h.runID,
		})
	})

	buf := make([]byte, 4096)
	stdout := h.proc.Stdout()
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			decoder.Push(buf[:n])
		}
		if err != nil {
			break
		}
	}

	h.onProcessExit(h.proc.Wait())
}

// dispatch routes one decoded frame by its type discriminant.
func (h *Handle) dispatch(payload json.RawMessage) {
	env, err := frame.ParseEnvelope(payload)
	if err != nil {
		h.log.Warn(logging.CategoryProtocol, "bad_envelope", err.Error(), map[string]any{"run_id": h.runID})
		return
	}

	switch env.Type {
	case frame.TypeResult:
		var result map[string]any
		if err := json.Unmarshal(payload, &result); err != nil {
			h.reject(env.ID, crucibleerrors.Wrap(err, crucibleerrors.ErrCodeProtocol, "unreadable result frame"))
			return
		}
		h.resolve(env.ID, result)

	case frame.TypeError:
		if env.ID == "" {
			// Protocol-level complaint not tied to any request.
			h.log.Warn(logging.CategoryProtocol, "sandbox_error", env.Message, map[string]any{"run_id": h.runID})
			return
		}
		h.reject(env.ID, crucibleerrors.New(crucibleerrors.ErrCodeProtocol, env.Message).
			WithContext("request_id", env.ID))

	case frame.TypeCredentialAck:
		h.log.Debug(logging.CategoryProtocol, "credential_ack", "", map[string]any{"run_id": h.runID})

	default:
		h.log.Warn(logging.CategoryProtocol, "unknown_frame_type", env.Type, map[string]any{"run_id": h.runID})
	}
}

// onProcessExit handles the attached process dying underneath us. The
// process is the source of truth for container liveness: every pending
// request is rejected with the exit status even though Destroy was
// never called, and the handle refuses new work.
func (h *Handle) onProcessExit(waitErr error) {
	h.mu.Lock()
	h.exited = true
	h.exitErr = waitErr
	if h.state != stateRunning {
		// Teardown already drained pending; nothing left to reject.
		h.mu.Unlock()
		return
	}
	drained := h.drainPendingLocked()
	h.mu.Unlock()

	if len(drained) > 0 || waitErr != nil {
		h.log.Warn(logging.CategorySandbox, "container_exited", "container process exited unexpectedly", map[string]any{
			"container_id":    h.containerID,
			"run_id":          h.runID,
			"exit_code":       ExitCode(waitErr),
			"pending_dropped": len(drained),
		})
	}

	// Clean exit still fails pending requests; they will never get a
	// response.
	exitedErr := crucibleerrors.New(crucibleerrors.ErrCodeContainerExited, "container exited before responding").
		WithContext("run_id", h.runID).
		WithContext("exit_code", ExitCode(waitErr))
	if waitErr != nil {
		exitedErr = crucibleerrors.Wrap(waitErr, crucibleerrors.ErrCodeContainerExited, "container exited before responding").
			WithContext("run_id", h.runID).
			WithContext("exit_code", ExitCode(waitErr))
	}
	for _, pr := range drained {
		pr.ch <- pendingOutcome{err: exitedErr}
	}
}
