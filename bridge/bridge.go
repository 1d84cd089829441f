// Package bridge multiplexes HTTP sessions onto stdio MCP subprocesses.
//
// The streamable flavor keeps one long-lived subprocess per destination and
// fans in requests from many concurrent sessions. Correlation relies on
// rewriting each request id to a bridge-scoped monotonic internal id before it
// reaches the subprocess and restoring the caller's id on the way back, so
// two sessions may both use id=1 without colliding. Unsolicited subprocess
// output (no matching pending id) is broadcast to every registered stream
// queue. A supervisor restarts the subprocess on crash with delays of 0.5s,
// 1s and 2s; when the budget is exhausted every in-flight caller fails, every
// stream receives a close sentinel and the bridge is removed so the next POST
// starts fresh.
package bridge

import (
	"bufio"
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mithril-labs/mithril-proxy/config"
	"github.com/mithril-labs/mithril-proxy/internal/collection"
	"github.com/mithril-labs/mithril-proxy/jsonrpc"
	"github.com/mithril-labs/mithril-proxy/metrics"
)

const (
	// DefaultMaxSessions caps active sessions per destination.
	DefaultMaxSessions = 10
	// DefaultResponseTimeout bounds the wait for a correlated reply.
	DefaultResponseTimeout = 30 * time.Second

	// shutdownGrace is how long a terminated subprocess has before SIGKILL.
	shutdownGrace = 5 * time.Second

	// maxLineSize bounds one stdout line.
	maxLineSize = 10 * 1024 * 1024
)

// retryDelays is the restart backoff schedule; its length is the retry budget.
var retryDelays = []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second}

// Error is a client-facing bridge failure carrying the HTTP status to answer.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func errInvalidSession() *Error {
	return &Error{Status: 400, Message: "Invalid session_id format"}
}

func errUnknownSession(id string) *Error {
	return &Error{Status: 404, Message: fmt.Sprintf("Session not found: %s", id)}
}

func errUnavailable(destination string) *Error {
	return &Error{Status: 503, Message: fmt.Sprintf("Subprocess unavailable for destination '%s'", destination)}
}

// ValidSessionID reports whether id is a well-formed UUIDv4.
func ValidSessionID(id string) bool {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return false
	}
	return parsed.Version() == 4 && len(id) == 36
}

// pendingCall is one request written to the subprocess awaiting its reply.
type pendingCall struct {
	internalId int64
	originalId json.RawMessage
	done       chan callResult
}

type callResult struct {
	line []byte
	err  error
}

// resolve completes the waiter at most once.
func (p *pendingCall) resolve(res callResult) {
	select {
	case p.done <- res:
	default:
	}
}

// Bridge multiplexes sessions onto a single stdio subprocess.
type Bridge struct {
	destination *config.Destination
	env         map[string]string
	log         *logrus.Logger

	timeout     time.Duration
	maxSessions int

	counter atomic.Int64
	pending *collection.SyncMap[int64, *pendingCall]

	mu             sync.Mutex
	sessions       map[string]bool
	streams        map[string]*notifyQueue
	sessionStreams map[string]map[string]bool

	// stdinMu serializes writes so concurrent POSTs never interleave bytes
	// on the same pipe.
	stdinMu sync.Mutex

	procMu sync.Mutex
	proc   *process

	closed atomic.Bool
	done   chan struct{}

	// onExhaust removes this bridge from the destination table.
	onExhaust func(b *Bridge)
}

func newBridge(dest *config.Destination, env map[string]string, m *Manager) (*Bridge, error) {
	b := &Bridge{
		destination:    dest,
		env:            env,
		log:            m.log,
		timeout:        m.timeout,
		maxSessions:    m.maxSessions,
		pending:        collection.NewSyncMap[int64, *pendingCall](),
		sessions:       map[string]bool{},
		streams:        map[string]*notifyQueue{},
		sessionStreams: map[string]map[string]bool{},
		done:           make(chan struct{}),
		onExhaust:      m.remove,
	}
	if err := b.spawn(); err != nil {
		return nil, err
	}
	go b.supervise()
	return b, nil
}

// spawn starts a fresh subprocess and its stderr logger.
func (b *Bridge) spawn() error {
	proc, err := spawnProcess(b.destination.Command, b.env)
	if err != nil {
		return err
	}
	b.procMu.Lock()
	b.proc = proc
	b.procMu.Unlock()
	b.log.WithFields(logrus.Fields{
		"destination": b.destination.Name,
		"pid":         proc.cmd.Process.Pid,
	}).Info("subprocess started")
	go b.readStderr(proc)
	return nil
}

// supervise is the per-bridge supervisor task: it dispatches stdout until EOF,
// reaps the exit code, fails in-flight callers and restarts within the retry
// budget. It is the only goroutine that resolves waiters or broadcasts to
// stream queues.
func (b *Bridge) supervise() {
	defer close(b.done)
	for attempt := 0; ; attempt++ {
		b.procMu.Lock()
		proc := b.proc
		b.procMu.Unlock()

		b.dispatchStdout(proc)
		waitErr := proc.cmd.Wait()
		exitCode := -1
		if state := proc.cmd.ProcessState; state != nil {
			exitCode = state.ExitCode()
		}
		fields := logrus.Fields{
			"destination": b.destination.Name,
			"exit_code":   exitCode,
			"attempt":     attempt + 1,
		}
		if waitErr != nil {
			fields["error"] = waitErr.Error()
		}
		b.log.WithFields(fields).Warn("subprocess exited")
		b.failPending(errUnavailable(b.destination.Name))

		if b.closed.Load() {
			return
		}
		if attempt >= len(retryDelays) {
			b.exhaust()
			return
		}
		metrics.SubprocessRestarts.WithLabelValues(b.destination.Name).Inc()
		time.Sleep(retryDelays[attempt])
		if b.closed.Load() {
			return
		}
		if err := b.spawn(); err != nil {
			b.log.WithFields(logrus.Fields{
				"destination": b.destination.Name,
				"attempt":     attempt + 1,
				"error":       err.Error(),
			}).Warn("subprocess restart failed")
			b.exhaust()
			return
		}
	}
}

// dispatchStdout reads full lines until EOF. A line whose id matches a
// pending call resolves that waiter; anything else is broadcast to every
// stream queue. Malformed lines are logged and dropped.
func (b *Bridge) dispatchStdout(proc *process) {
	scanner := bufio.NewScanner(proc.stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			b.log.WithFields(logrus.Fields{
				"destination": b.destination.Name,
			}).Warn("dropping malformed subprocess output line")
			continue
		}
		if rawId := jsonrpc.PeekId(line); rawId != nil {
			if internalId, err := strconv.ParseInt(string(rawId), 10, 64); err == nil {
				if call, ok := b.pending.Get(internalId); ok {
					b.pending.Delete(internalId)
					call.resolve(callResult{line: line})
					continue
				}
			}
		}
		b.broadcast(line)
	}
}

// broadcast fans one notification line to every active stream queue,
// dropping when a queue is full.
func (b *Bridge) broadcast(line []byte) {
	b.mu.Lock()
	queues := make([]*notifyQueue, 0, len(b.streams))
	for _, q := range b.streams {
		queues = append(queues, q)
	}
	b.mu.Unlock()
	for _, q := range queues {
		if !q.put(line) {
			metrics.DroppedNotifications.WithLabelValues(b.destination.Name).Inc()
		}
	}
}

func (b *Bridge) readStderr(proc *process) {
	scanner := bufio.NewScanner(proc.stderr)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		b.log.WithFields(logrus.Fields{
			"destination": b.destination.Name,
			"stderr_line": scanner.Text(),
		}).Warn("subprocess stderr")
	}
}

// failPending resolves every in-flight waiter with err and clears the map.
func (b *Bridge) failPending(err error) {
	var calls []*pendingCall
	b.pending.Range(func(id int64, call *pendingCall) bool {
		calls = append(calls, call)
		return true
	})
	b.pending.Clear()
	for _, call := range calls {
		call.resolve(callResult{err: err})
	}
}

// exhaust tears the bridge down after the retry budget is spent: every stream
// queue receives exactly one close sentinel, the session state is cleared and
// the bridge is removed from the destination table.
func (b *Bridge) exhaust() {
	metrics.SubprocessExhaustions.WithLabelValues(b.destination.Name).Inc()
	b.mu.Lock()
	queues := make([]*notifyQueue, 0, len(b.streams))
	for _, q := range b.streams {
		queues = append(queues, q)
	}
	b.sessions = map[string]bool{}
	b.streams = map[string]*notifyQueue{}
	b.sessionStreams = map[string]map[string]bool{}
	b.mu.Unlock()
	for _, q := range queues {
		q.closeSentinel()
	}
	if b.onExhaust != nil {
		b.onExhaust(b)
	}
}

// writeLine serializes one payload plus newline to subprocess stdin.
func (b *Bridge) writeLine(line []byte) error {
	b.procMu.Lock()
	proc := b.proc
	b.procMu.Unlock()
	if proc == nil {
		return errUnavailable(b.destination.Name)
	}
	b.stdinMu.Lock()
	defer b.stdinMu.Unlock()
	if _, err := proc.stdin.Write(append(line, '\n')); err != nil {
		return errUnavailable(b.destination.Name)
	}
	return nil
}

// PostResult is the outcome of one bridge POST.
type PostResult struct {
	Status int
	Body   []byte
	// NewSessionID is set when this POST minted a session.
	NewSessionID string
	// RpcId is the caller-supplied request id, for audit correlation.
	RpcId any
}

// post handles one payload for an existing or new session.
func (b *Bridge) post(ctx context.Context, sessionHdr string, payload []byte) (*PostResult, error) {
	rawId := jsonrpc.PeekId(payload)

	newSession := ""
	if sessionHdr == "" {
		if rawId == nil {
			return nil, &Error{Status: 400, Message: "Notification requires an existing session"}
		}
		b.mu.Lock()
		if len(b.sessions) >= b.maxSessions {
			b.mu.Unlock()
			return nil, &Error{Status: 503, Message: fmt.Sprintf(
				"Too many active sessions for '%s' (max %d)", b.destination.Name, b.maxSessions)}
		}
		newSession = uuid.New().String()
		b.sessions[newSession] = true
		b.mu.Unlock()
	} else {
		if !ValidSessionID(sessionHdr) {
			return nil, errInvalidSession()
		}
		b.mu.Lock()
		known := b.sessions[sessionHdr]
		b.mu.Unlock()
		if !known {
			return nil, errUnknownSession(sessionHdr)
		}
	}

	if rawId == nil {
		// notification: fire and forget
		if err := b.writeLine(payload); err != nil {
			return nil, err.(*Error)
		}
		return &PostResult{Status: 202, NewSessionID: newSession}, nil
	}

	var originalId any
	_ = json.Unmarshal(rawId, &originalId)

	internalId := b.counter.Add(1)
	rewritten, err := rewriteId(payload, json.RawMessage(strconv.FormatInt(internalId, 10)))
	if err != nil {
		return nil, &Error{Status: 400, Message: "Invalid JSON-RPC payload"}
	}
	call := &pendingCall{
		internalId: internalId,
		originalId: json.RawMessage(rawId),
		done:       make(chan callResult, 1),
	}
	b.pending.Put(internalId, call)

	if err := b.writeLine(rewritten); err != nil {
		b.pending.Delete(internalId)
		return nil, err.(*Error)
	}

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()
	select {
	case res := <-call.done:
		if res.err != nil {
			if bridgeErr, ok := res.err.(*Error); ok {
				return nil, bridgeErr
			}
			return nil, errUnavailable(b.destination.Name)
		}
		restored, err := rewriteId(res.line, call.originalId)
		if err != nil {
			return nil, errUnavailable(b.destination.Name)
		}
		return &PostResult{Status: 200, Body: restored, NewSessionID: newSession, RpcId: originalId}, nil
	case <-timer.C:
		// a late reply for this internal id is dropped by the dispatcher
		b.pending.Delete(internalId)
		return nil, &Error{Status: 504, Message: fmt.Sprintf(
			"Timeout waiting for response from destination '%s'", b.destination.Name)}
	case <-ctx.Done():
		b.pending.Delete(internalId)
		return nil, &Error{Status: 504, Message: "Client disconnected"}
	}
}

// register creates a stream queue bound to sessionID and returns its id.
func (b *Bridge) register(sessionID string) (string, *notifyQueue, error) {
	if !ValidSessionID(sessionID) {
		return "", nil, errInvalidSession()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.sessions[sessionID] {
		return "", nil, errUnknownSession(sessionID)
	}
	streamID := uuid.New().String()
	q := newNotifyQueue()
	b.streams[streamID] = q
	if b.sessionStreams[sessionID] == nil {
		b.sessionStreams[sessionID] = map[string]bool{}
	}
	b.sessionStreams[sessionID][streamID] = true
	return streamID, q, nil
}

// unregister drops a stream queue, e.g. on client disconnect.
func (b *Bridge) unregister(streamID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.streams, streamID)
	for _, streams := range b.sessionStreams {
		delete(streams, streamID)
	}
}

// deleteSession removes the session and delivers a close sentinel to each of
// its streams. The subprocess survives for the remaining sessions.
func (b *Bridge) deleteSession(sessionID string) error {
	if !ValidSessionID(sessionID) {
		return errInvalidSession()
	}
	b.mu.Lock()
	if !b.sessions[sessionID] {
		b.mu.Unlock()
		return errUnknownSession(sessionID)
	}
	delete(b.sessions, sessionID)
	var queues []*notifyQueue
	for streamID := range b.sessionStreams[sessionID] {
		if q, ok := b.streams[streamID]; ok {
			queues = append(queues, q)
			delete(b.streams, streamID)
		}
	}
	delete(b.sessionStreams, sessionID)
	b.mu.Unlock()
	for _, q := range queues {
		q.closeSentinel()
	}
	return nil
}

// close terminates the subprocess; the supervisor observes EOF and exits
// without restarting.
func (b *Bridge) close() {
	b.closed.Store(true)
	b.procMu.Lock()
	proc := b.proc
	b.procMu.Unlock()
	proc.terminate()
}

// rewriteId returns payload with its id field replaced.
func rewriteId(payload []byte, id json.RawMessage) ([]byte, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil {
		return nil, err
	}
	obj["id"] = id
	return json.Marshal(obj)
}
