package bridge

import (
	"bufio"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mithril-labs/mithril-proxy/config"
	"github.com/mithril-labs/mithril-proxy/jsonrpc"
	"github.com/mithril-labs/mithril-proxy/metrics"
)

// SSEHub tracks legacy SSE sessions for stdio destinations. Unlike the
// streamable bridge, each SSE connection owns a dedicated subprocess whose
// lifetime matches the connection; the session id in the advertised message
// endpoint routes POSTs back to that subprocess's stdin.
type SSEHub struct {
	secrets SecretsSource
	log     *logrus.Logger

	mu       sync.Mutex
	sessions map[string]*SSESession
}

// SSEHubOption mutates an SSEHub during construction.
type SSEHubOption func(h *SSEHub)

// WithHubSecrets installs the secrets source for subprocess environments.
func WithHubSecrets(secrets SecretsSource) SSEHubOption {
	return func(h *SSEHub) {
		h.secrets = secrets
	}
}

// WithHubLogger sets the application logger.
func WithHubLogger(log *logrus.Logger) SSEHubOption {
	return func(h *SSEHub) {
		h.log = log
	}
}

// NewSSEHub creates an empty session table.
func NewSSEHub(options ...SSEHubOption) *SSEHub {
	ret := &SSEHub{
		log:      logrus.StandardLogger(),
		sessions: map[string]*SSESession{},
	}
	for _, option := range options {
		option(ret)
	}
	return ret
}

// Open spawns a subprocess for a new SSE connection and registers its
// session. The initial spawn retries on the same schedule as the streamable
// bridge so a slow-starting command does not fail the connection outright.
func (h *SSEHub) Open(dest *config.Destination) (*SSESession, error) {
	session := &SSESession{
		id:          uuid.New().String(),
		destination: dest,
		env:         destinationEnv(dest, h.secrets),
		log:         h.log,
		events:      make(chan []byte, queueCapacity),
		stdin:       newNotifyQueue(),
		onClose:     h.remove,
	}
	var err error
	for attempt := 0; ; attempt++ {
		err = session.spawn()
		if err == nil {
			break
		}
		if attempt >= len(retryDelays) {
			return nil, errUnavailable(dest.Name)
		}
		time.Sleep(retryDelays[attempt])
	}
	h.mu.Lock()
	h.sessions[session.id] = session
	h.mu.Unlock()
	go session.writeLoop()
	go session.supervise()
	return session, nil
}

// Post routes one payload to the session's subprocess stdin.
func (h *SSEHub) Post(sessionID string, payload []byte) error {
	if !ValidSessionID(sessionID) {
		return errInvalidSession()
	}
	h.mu.Lock()
	session, ok := h.sessions[sessionID]
	h.mu.Unlock()
	if !ok {
		return errUnknownSession(sessionID)
	}
	if jsonrpc.TypeOf(payload) == jsonrpc.MessageTypeInvalid {
		return &Error{Status: 400, Message: "Invalid JSON payload"}
	}
	if !session.stdin.put(payload) {
		return errUnavailable(session.destination.Name)
	}
	return nil
}

// Shutdown closes every live session.
func (h *SSEHub) Shutdown() {
	h.mu.Lock()
	sessions := make([]*SSESession, 0, len(h.sessions))
	for _, session := range h.sessions {
		sessions = append(sessions, session)
	}
	h.mu.Unlock()
	for _, session := range sessions {
		session.Close()
	}
}

func (h *SSEHub) remove(id string) {
	h.mu.Lock()
	delete(h.sessions, id)
	h.mu.Unlock()
}

// SSESession is one SSE connection bound to its own subprocess.
type SSESession struct {
	id          string
	destination *config.Destination
	env         map[string]string
	log         *logrus.Logger

	events chan []byte
	stdin  *notifyQueue

	procMu sync.Mutex
	proc   *process

	closed  atomic.Bool
	onClose func(id string)
}

// ID is the session id embedded in the advertised message endpoint.
func (s *SSESession) ID() string {
	return s.id
}

// Endpoint is the relative POST path announced in the initial endpoint event.
func (s *SSESession) Endpoint() string {
	return fmt.Sprintf("/%s/message?session_id=%s", s.destination.Name, s.id)
}

// Events yields subprocess stdout lines; the channel closes when the
// subprocess is gone for good.
func (s *SSESession) Events() <-chan []byte {
	return s.events
}

func (s *SSESession) spawn() error {
	proc, err := spawnProcess(s.destination.Command, s.env)
	if err != nil {
		return err
	}
	s.procMu.Lock()
	s.proc = proc
	s.procMu.Unlock()
	s.log.WithFields(logrus.Fields{
		"destination": s.destination.Name,
		"session_id":  s.id,
		"pid":         proc.cmd.Process.Pid,
	}).Info("sse subprocess started")
	go s.readStderr(proc)
	return nil
}

// writeLoop drains the stdin queue into whatever subprocess is current. The
// loop survives restarts; it exits on the close sentinel.
func (s *SSESession) writeLoop() {
	for payload := range s.stdin.items() {
		if payload == nil {
			return
		}
		s.procMu.Lock()
		proc := s.proc
		s.procMu.Unlock()
		if proc == nil {
			continue
		}
		if _, err := proc.stdin.Write(append(payload, '\n')); err != nil {
			s.log.WithFields(logrus.Fields{
				"destination": s.destination.Name,
				"session_id":  s.id,
				"error":       err.Error(),
			}).Warn("sse stdin write failed")
		}
	}
}

// supervise relays stdout to the event channel and restarts the subprocess
// on crash within the retry budget.
func (s *SSESession) supervise() {
	defer close(s.events)
	for attempt := 0; ; attempt++ {
		s.procMu.Lock()
		proc := s.proc
		s.procMu.Unlock()

		scanner := bufio.NewScanner(proc.stdout)
		scanner.Buffer(make([]byte, 64*1024), maxLineSize)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			if len(line) == 0 {
				continue
			}
			select {
			case s.events <- line:
			default:
				metrics.DroppedNotifications.WithLabelValues(s.destination.Name).Inc()
			}
		}
		_ = proc.cmd.Wait()

		if s.closed.Load() {
			return
		}
		if attempt >= len(retryDelays) {
			metrics.SubprocessExhaustions.WithLabelValues(s.destination.Name).Inc()
			s.Close()
			return
		}
		metrics.SubprocessRestarts.WithLabelValues(s.destination.Name).Inc()
		time.Sleep(retryDelays[attempt])
		if s.closed.Load() {
			return
		}
		if err := s.spawn(); err != nil {
			s.log.WithFields(logrus.Fields{
				"destination": s.destination.Name,
				"session_id":  s.id,
				"error":       err.Error(),
			}).Warn("sse subprocess restart failed")
			s.Close()
			return
		}
	}
}

func (s *SSESession) readStderr(proc *process) {
	scanner := bufio.NewScanner(proc.stderr)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		s.log.WithFields(logrus.Fields{
			"destination": s.destination.Name,
			"session_id":  s.id,
			"stderr_line": scanner.Text(),
		}).Warn("sse subprocess stderr")
	}
}

// Close terminates the subprocess and unregisters the session. Safe to call
// more than once.
func (s *SSESession) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.stdin.closeSentinel()
	s.procMu.Lock()
	proc := s.proc
	s.procMu.Unlock()
	proc.terminate()
	go func() {
		// SIGKILL after the grace period; a no-op if already reaped
		time.Sleep(shutdownGrace)
		proc.kill()
	}()
	if s.onClose != nil {
		s.onClose(s.id)
	}
}
