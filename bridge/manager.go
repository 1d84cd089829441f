package bridge

import (
	"context"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mithril-labs/mithril-proxy/config"
	"github.com/mithril-labs/mithril-proxy/jsonrpc"
)

const (
	// EnvMaxSessions overrides the per-destination session cap.
	EnvMaxSessions = "MAX_STDIO_CONNECTIONS"
	// EnvResponseTimeout overrides the correlated-reply timeout, in seconds.
	EnvResponseTimeout = "STDIO_RESPONSE_TIMEOUT_SECS"
)

// Manager owns at most one Bridge per stdio destination, creating them
// lazily on the first POST and removing them on exhaustion.
type Manager struct {
	secrets     SecretsSource
	log         *logrus.Logger
	maxSessions int
	timeout     time.Duration

	mu      sync.Mutex
	bridges map[string]*Bridge
}

// SecretsSource supplies the per-destination environment overlay.
type SecretsSource interface {
	DestinationEnv(destination string) map[string]string
}

// ManagerOption mutates a Manager during construction.
type ManagerOption func(m *Manager)

// WithSecrets installs the secrets source for subprocess environments.
func WithSecrets(secrets SecretsSource) ManagerOption {
	return func(m *Manager) {
		m.secrets = secrets
	}
}

// WithManagerLogger sets the application logger.
func WithManagerLogger(log *logrus.Logger) ManagerOption {
	return func(m *Manager) {
		m.log = log
	}
}

// WithMaxSessions caps active sessions per destination.
func WithMaxSessions(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.maxSessions = n
		}
	}
}

// WithResponseTimeout bounds the wait for a correlated subprocess reply.
func WithResponseTimeout(timeout time.Duration) ManagerOption {
	return func(m *Manager) {
		if timeout > 0 {
			m.timeout = timeout
		}
	}
}

// NewManager creates an empty bridge table.
func NewManager(options ...ManagerOption) *Manager {
	ret := &Manager{
		log:         logrus.StandardLogger(),
		maxSessions: DefaultMaxSessions,
		timeout:     DefaultResponseTimeout,
		bridges:     map[string]*Bridge{},
	}
	for _, option := range options {
		option(ret)
	}
	return ret
}

// ManagerOptionsFromEnv derives session cap and timeout overrides from the
// environment.
func ManagerOptionsFromEnv() []ManagerOption {
	var ret []ManagerOption
	if v := os.Getenv(EnvMaxSessions); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			ret = append(ret, WithMaxSessions(n))
		}
	}
	if v := os.Getenv(EnvResponseTimeout); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			ret = append(ret, WithResponseTimeout(time.Duration(secs)*time.Second))
		}
	}
	return ret
}

// destinationEnv merges the destination's configured env with the secrets
// overlay. Secrets win on collision.
func destinationEnv(dest *config.Destination, secrets SecretsSource) map[string]string {
	merged := make(map[string]string, len(dest.Env))
	for k, v := range dest.Env {
		merged[k] = v
	}
	if secrets != nil {
		for k, v := range secrets.DestinationEnv(dest.Name) {
			merged[k] = v
		}
	}
	return merged
}

// bridgeFor returns the destination's bridge, spawning the subprocess on
// first use. Creation failure surfaces as 503 and leaves no bridge behind.
func (m *Manager) bridgeFor(dest *config.Destination) (*Bridge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.bridges[dest.Name]; ok {
		return b, nil
	}
	b, err := newBridge(dest, destinationEnv(dest, m.secrets), m)
	if err != nil {
		m.log.WithFields(logrus.Fields{
			"destination": dest.Name,
			"error":       err.Error(),
		}).Error("failed to start subprocess")
		return nil, errUnavailable(dest.Name)
	}
	m.bridges[dest.Name] = b
	return b, nil
}

// remove detaches an exhausted bridge so the next POST starts fresh.
func (m *Manager) remove(b *Bridge) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.bridges[b.destination.Name]; ok && current == b {
		delete(m.bridges, b.destination.Name)
	}
}

// Post forwards one JSON-RPC payload to the destination's subprocess. An
// empty sessionID mints a new session when the payload is a request.
// Validation failures are answered before any subprocess is launched.
func (m *Manager) Post(ctx context.Context, dest *config.Destination, sessionID string, payload []byte) (*PostResult, error) {
	if sessionID != "" {
		if !ValidSessionID(sessionID) {
			return nil, errInvalidSession()
		}
		m.mu.Lock()
		_, exists := m.bridges[dest.Name]
		m.mu.Unlock()
		if !exists {
			return nil, errUnknownSession(sessionID)
		}
	} else if jsonrpc.PeekId(payload) == nil {
		return nil, &Error{Status: 400, Message: "Notification requires an existing session"}
	}
	b, err := m.bridgeFor(dest)
	if err != nil {
		return nil, err
	}
	return b.post(ctx, sessionID, payload)
}

// Register opens a notification stream for an existing session. The returned
// channel yields raw JSON lines; a nil item means the stream is finished.
func (m *Manager) Register(dest *config.Destination, sessionID string) (string, <-chan []byte, error) {
	m.mu.Lock()
	b, ok := m.bridges[dest.Name]
	m.mu.Unlock()
	if !ok {
		if !ValidSessionID(sessionID) {
			return "", nil, errInvalidSession()
		}
		return "", nil, errUnknownSession(sessionID)
	}
	streamID, q, err := b.register(sessionID)
	if err != nil {
		return "", nil, err
	}
	return streamID, q.items(), nil
}

// Unregister drops a stream, e.g. when the GET client disconnects.
func (m *Manager) Unregister(dest *config.Destination, streamID string) {
	m.mu.Lock()
	b, ok := m.bridges[dest.Name]
	m.mu.Unlock()
	if ok {
		b.unregister(streamID)
	}
}

// Delete terminates one session. The subprocess keeps running for others.
func (m *Manager) Delete(dest *config.Destination, sessionID string) error {
	m.mu.Lock()
	b, ok := m.bridges[dest.Name]
	m.mu.Unlock()
	if !ok {
		if !ValidSessionID(sessionID) {
			return errInvalidSession()
		}
		return errUnknownSession(sessionID)
	}
	return b.deleteSession(sessionID)
}

// Shutdown terminates every subprocess with SIGTERM, waits up to the grace
// period for each supervisor to reap it and SIGKILLs stragglers.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	bridges := make([]*Bridge, 0, len(m.bridges))
	for _, b := range m.bridges {
		bridges = append(bridges, b)
	}
	m.bridges = map[string]*Bridge{}
	m.mu.Unlock()

	for _, b := range bridges {
		b.close()
	}
	deadline := time.NewTimer(shutdownGrace)
	defer deadline.Stop()
	for _, b := range bridges {
		select {
		case <-b.done:
		case <-deadline.C:
			for _, straggler := range bridges {
				select {
				case <-straggler.done:
				default:
					straggler.procMu.Lock()
					straggler.proc.kill()
					straggler.procMu.Unlock()
				}
			}
			return
		case <-ctx.Done():
			return
		}
	}
}
