package proxy

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/mithril-labs/mithril-proxy/audit"
	"github.com/mithril-labs/mithril-proxy/bridge"
	"github.com/mithril-labs/mithril-proxy/config"
	"github.com/mithril-labs/mithril-proxy/detector"
)

type testProxy struct {
	server   *httptest.Server
	auditBuf *bytes.Buffer
	inner    *Server
}

// newTestProxy stands up a full proxy over the given destinations YAML and
// detection pattern lines.
func newTestProxy(t *testing.T, destinationsYAML, patternLines string) *testProxy {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	store, err := config.Parse([]byte(destinationsYAML))
	assert.NoError(t, err)

	patternsDir := t.TempDir()
	if patternLines != "" {
		assert.NoError(t, os.WriteFile(filepath.Join(patternsDir, "test.txt"), []byte(patternLines), 0o644))
	}
	patterns := detector.NewPatternStore(patternsDir, log)
	patterns.Load(context.Background())

	auditBuf := &bytes.Buffer{}
	auditor := audit.New(auditBuf)

	bridges := bridge.NewManager(bridge.WithManagerLogger(log))
	hub := bridge.NewSSEHub(bridge.WithHubLogger(log))

	inner := New(store,
		WithDetector(detector.New(patterns, detector.WithLogger(log))),
		WithPatterns(patterns),
		WithAuditor(auditor),
		WithBridges(bridges),
		WithSSEHub(hub),
		WithLogger(log))

	server := httptest.NewServer(inner.Handler())
	t.Cleanup(func() {
		server.Close()
		inner.Shutdown(context.Background())
	})
	return &testProxy{server: server, auditBuf: auditBuf, inner: inner}
}
