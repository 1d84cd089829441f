// Package audit emits one structured JSON record per proxied request.
package audit

import (
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
)

const (
	// EnvLogFile overrides the audit log location.
	EnvLogFile = "LOG_FILE"
	// EnvLogBodies toggles request/response body capture (default on).
	EnvLogBodies = "AUDIT_LOG_BODIES"
	// EnvLogHeaders toggles request header capture (default off).
	EnvLogHeaders = "AUDIT_LOG_HEADERS"
	// EnvExcludedFields overrides the redacted field-name set (comma list).
	EnvExcludedFields = "EXCLUDED_LOG_FIELDS"

	defaultLogFile = "/var/log/mithril-proxy/proxy.log"

	// MaxCapturedChars bounds captured bodies; longer bodies are cut to
	// exactly this many characters and the record carries truncated: true.
	MaxCapturedChars = 32768
)

// defaultExcluded is the field-name set omitted from captured JSON bodies.
var defaultExcluded = []string{"authorization", "x-api-key", "api_key", "token", "secret", "password"}

// Detection carries the engine verdict attached to a record.
type Detection struct {
	Action string
	Engine string
	Detail string
}

// Record is one audit entry. Optional fields are omitted when zero.
type Record struct {
	User        string
	SourceIP    string
	Destination string
	Method      string
	StatusCode  int
	Latency     time.Duration
	RpcId       any
	Error       string
	Detection   *Detection

	RequestBody    string
	ResponseBody   string
	RequestHeaders map[string]string
}

// Logger writes audit records as JSON lines.
type Logger struct {
	log         *logrus.Logger
	captureBody bool
	captureHdrs bool
	excluded    map[string]bool
}

// Option mutates a Logger during construction.
type Option func(l *Logger)

// WithBodyCapture toggles request/response body capture.
func WithBodyCapture(enabled bool) Option {
	return func(l *Logger) {
		l.captureBody = enabled
	}
}

// WithHeaderCapture toggles request header capture.
func WithHeaderCapture(enabled bool) Option {
	return func(l *Logger) {
		l.captureHdrs = enabled
	}
}

// WithExcludedFields replaces the redacted field-name set.
func WithExcludedFields(names []string) Option {
	return func(l *Logger) {
		l.excluded = map[string]bool{}
		for _, name := range names {
			if name = strings.TrimSpace(strings.ToLower(name)); name != "" {
				l.excluded[name] = true
			}
		}
	}
}

// New creates a Logger writing to w. The logrus entry mutex serializes writes
// so parallel requests never interleave lines.
func New(w io.Writer, options ...Option) *Logger {
	log := logrus.New()
	log.SetOutput(w)
	log.SetLevel(logrus.InfoLevel)
	log.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime: "timestamp",
			logrus.FieldKeyMsg:  "message",
		},
	})
	ret := &Logger{log: log, captureBody: true}
	WithExcludedFields(defaultExcluded)(ret)
	for _, option := range options {
		option(ret)
	}
	return ret
}

// Open creates a Logger appending to the given file path, creating parent
// directories as needed.
func Open(path string, options ...Option) (*Logger, io.Closer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}
	return New(file, options...), file, nil
}

// ResolvePath returns the audit log location, honouring EnvLogFile.
func ResolvePath() string {
	if v := os.Getenv(EnvLogFile); v != "" {
		return v
	}
	return defaultLogFile
}

// OptionsFromEnv derives capture options from the environment.
func OptionsFromEnv() []Option {
	var ret []Option
	if v := os.Getenv(EnvLogBodies); v != "" {
		ret = append(ret, WithBodyCapture(parseBool(v, true)))
	}
	if v := os.Getenv(EnvLogHeaders); v != "" {
		ret = append(ret, WithHeaderCapture(parseBool(v, false)))
	}
	if v := os.Getenv(EnvExcludedFields); v != "" {
		ret = append(ret, WithExcludedFields(strings.Split(v, ",")))
	}
	return ret
}

func parseBool(v string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return fallback
}

// Log writes one record.
func (l *Logger) Log(rec *Record) {
	fields := logrus.Fields{
		"user":        rec.User,
		"source_ip":   rec.SourceIP,
		"destination": rec.Destination,
		"status_code": rec.StatusCode,
		"latency_ms":  roundMillis(rec.Latency),
	}
	if rec.Method != "" {
		fields["mcp_method"] = rec.Method
	} else {
		fields["mcp_method"] = nil
	}
	if rec.RpcId != nil {
		fields["rpc_id"] = rec.RpcId
	}
	if rec.Error != "" {
		fields["error"] = rec.Error
	}
	if det := rec.Detection; det != nil && det.Action != "" {
		fields["detection_action"] = det.Action
		fields["detection_engine"] = det.Engine
		fields["detection_detail"] = clip(det.Detail, MaxCapturedChars)
	}
	truncated := false
	if l.captureBody {
		if rec.RequestBody != "" {
			body, cut := l.captureOne(rec.RequestBody)
			fields["request_body"] = body
			truncated = truncated || cut
		}
		if rec.ResponseBody != "" {
			body, cut := l.captureOne(rec.ResponseBody)
			fields["response_body"] = body
			truncated = truncated || cut
		}
	}
	if l.captureHdrs && len(rec.RequestHeaders) > 0 {
		fields["request_headers"] = l.redactHeaders(rec.RequestHeaders)
	}
	if truncated {
		fields["truncated"] = true
	}
	l.log.WithFields(fields).Info("request")
}

// captureOne redacts excluded fields of a JSON object body and truncates the
// result to the capture limit.
func (l *Logger) captureOne(body string) (string, bool) {
	body = l.redactBody(body)
	if runeLen(body) <= MaxCapturedChars {
		return body, false
	}
	return clip(body, MaxCapturedChars), true
}

// redactBody omits excluded fields (case-insensitive) from a body that parses
// as a JSON object. Non-object bodies pass through unchanged.
func (l *Logger) redactBody(body string) string {
	var parsed map[string]json.RawMessage
	if err := json.Unmarshal([]byte(body), &parsed); err != nil {
		return body
	}
	changed := false
	for key := range parsed {
		if l.excluded[strings.ToLower(key)] {
			delete(parsed, key)
			changed = true
		}
	}
	if !changed {
		return body
	}
	data, err := json.Marshal(parsed)
	if err != nil {
		return body
	}
	return string(data)
}

func (l *Logger) redactHeaders(headers map[string]string) map[string]string {
	ret := make(map[string]string, len(headers))
	for key, value := range headers {
		if l.excluded[strings.ToLower(key)] {
			continue
		}
		ret[key] = value
	}
	return ret
}

func roundMillis(d time.Duration) float64 {
	ms := float64(d) / float64(time.Millisecond)
	return math.Round(ms*100) / 100
}

func runeLen(s string) int {
	return len([]rune(s))
}

func clip(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
