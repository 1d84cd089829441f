// Package proxy exposes the HTTP surface: the SSE pair and streamable
// endpoints per destination, health, metrics and the pattern-reload admin
// endpoint. Each request is scanned by the detector before forwarding and
// produces exactly one audit record.
package proxy

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mithril-labs/mithril-proxy/audit"
	"github.com/mithril-labs/mithril-proxy/bridge"
	"github.com/mithril-labs/mithril-proxy/config"
	"github.com/mithril-labs/mithril-proxy/detector"
	"github.com/mithril-labs/mithril-proxy/metrics"
	"github.com/mithril-labs/mithril-proxy/proxy/session"
)

const (
	blockedRequestMessage  = "Request blocked by security policy"
	blockedResponseMessage = "Response blocked by security policy"
)

// Server routes proxied MCP traffic to its destinations.
type Server struct {
	destinations *config.Store
	detector     *detector.Detector
	patterns     *detector.PatternStore
	auditor      *audit.Logger
	bridges      *bridge.Manager
	sseHub       *bridge.SSEHub
	sessions     session.Store
	log          *logrus.Logger
	client       *http.Client
}

// Option mutates a Server during construction.
type Option func(s *Server)

// WithDetector installs the request/response scanner.
func WithDetector(d *detector.Detector) Option {
	return func(s *Server) {
		s.detector = d
	}
}

// WithPatterns installs the pattern store for the admin reload endpoint.
func WithPatterns(patterns *detector.PatternStore) Option {
	return func(s *Server) {
		s.patterns = patterns
	}
}

// WithAuditor installs the audit logger.
func WithAuditor(auditor *audit.Logger) Option {
	return func(s *Server) {
		s.auditor = auditor
	}
}

// WithBridges installs the stdio bridge manager.
func WithBridges(bridges *bridge.Manager) Option {
	return func(s *Server) {
		s.bridges = bridges
	}
}

// WithSSEHub installs the legacy per-connection stdio SSE hub.
func WithSSEHub(hub *bridge.SSEHub) Option {
	return func(s *Server) {
		s.sseHub = hub
	}
}

// WithSessionStore installs the SSE session mapping store.
func WithSessionStore(store session.Store) Option {
	return func(s *Server) {
		s.sessions = store
	}
}

// WithLogger sets the application logger.
func WithLogger(log *logrus.Logger) Option {
	return func(s *Server) {
		s.log = log
	}
}

// WithHTTPClient overrides the upstream HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(s *Server) {
		s.client = client
	}
}

// New creates a Server for the given destinations.
func New(destinations *config.Store, options ...Option) *Server {
	ret := &Server{
		destinations: destinations,
		sessions:     session.NewMemoryStore(),
		log:          logrus.StandardLogger(),
		client:       &http.Client{},
	}
	for _, option := range options {
		option(ret)
	}
	if ret.bridges == nil {
		ret.bridges = bridge.NewManager(bridge.WithManagerLogger(ret.log))
	}
	return ret
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /admin/reload-patterns", s.handleReloadPatterns)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /{dest}/sse", s.handleSSE)
	mux.HandleFunc("POST /{dest}/message", s.handleMessage)
	mux.HandleFunc("POST /{dest}/mcp", s.handleStreamablePost)
	mux.HandleFunc("GET /{dest}/mcp", s.handleStreamableGet)
	mux.HandleFunc("DELETE /{dest}/mcp", s.handleStreamableDelete)
	return mux
}

// Shutdown stops the stdio bridges and SSE subprocesses.
func (s *Server) Shutdown(ctx context.Context) {
	if s.sseHub != nil {
		s.sseHub.Shutdown()
	}
	s.bridges.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReloadPatterns(w http.ResponseWriter, r *http.Request) {
	if !isLocalhost(r) {
		writeJSONError(w, http.StatusForbidden, "Forbidden")
		return
	}
	if s.patterns == nil {
		writeJSON(w, http.StatusOK, map[string]int{"loaded": 0})
		return
	}
	loaded := s.patterns.Load(r.Context())
	writeJSON(w, http.StatusOK, map[string]int{"loaded": loaded})
}

// destination resolves {dest} or answers 404.
func (s *Server) destination(w http.ResponseWriter, r *http.Request) *config.Destination {
	name := r.PathValue("dest")
	dest := s.destinations.Destination(name)
	if dest == nil {
		writeJSONError(w, http.StatusNotFound, "Unknown destination: "+name)
		s.audit(r, name, "", http.StatusNotFound, time.Now(), auditExtra{errText: "unknown destination"})
		return nil
	}
	return dest
}

// auditExtra carries the optional audit fields a handler may attach.
type auditExtra struct {
	rpcId        any
	errText      string
	detection    *audit.Detection
	requestBody  string
	responseBody string
	headers      http.Header
}

// audit emits the single per-request record and bumps the request counter.
func (s *Server) audit(r *http.Request, destination, method string, status int, started time.Time, extra auditExtra) {
	metrics.Requests.WithLabelValues(destination, strconv.Itoa(status)).Inc()
	if s.auditor == nil {
		return
	}
	record := &audit.Record{
		User:         userFromRequest(r),
		SourceIP:     sourceIP(r),
		Destination:  destination,
		Method:       method,
		StatusCode:   status,
		Latency:      time.Since(started),
		RpcId:        extra.rpcId,
		Error:        extra.errText,
		Detection:    extra.detection,
		RequestBody:  extra.requestBody,
		ResponseBody: extra.responseBody,
	}
	if extra.headers != nil {
		record.RequestHeaders = map[string]string{}
		for name := range extra.headers {
			record.RequestHeaders[name] = extra.headers.Get(name)
		}
	}
	s.auditor.Log(record)
}

// scan runs one body through the detector for the destination, recording the
// verdict in metrics. A nil detector passes everything.
func (s *Server) scan(ctx context.Context, dest *config.Destination, body string, isResponse bool) detector.Result {
	if s.detector == nil {
		return detector.Result{Action: "pass", Body: body}
	}
	result := s.detector.Scan(ctx, body, dest.Detection, isResponse)
	if result.Action != "pass" {
		metrics.Detections.WithLabelValues(result.Engine, result.Action).Inc()
	}
	return result
}

// detectionRecord converts a non-pass result for the audit record.
func detectionRecord(result detector.Result) *audit.Detection {
	if result.Action == "pass" {
		return nil
	}
	return &audit.Detection{Action: result.Action, Engine: result.Engine, Detail: result.Detail}
}
