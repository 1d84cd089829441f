package bridge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/mithril-labs/mithril-proxy/config"
)

func stdioDest(name, command string) *config.Destination {
	return &config.Destination{Name: name, Kind: config.KindStdio, Command: command}
}

// writeScript materializes a helper subprocess script.
func writeScript(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	assert.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func newTestManager(options ...ManagerOption) *Manager {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return NewManager(append([]ManagerOption{WithManagerLogger(log)}, options...)...)
}

type envSource map[string]map[string]string

func (s envSource) DestinationEnv(name string) map[string]string { return s[name] }

func TestPostNewSession(t *testing.T) {
	m := newTestManager()
	defer m.Shutdown(context.Background())
	dest := stdioDest("echo", "cat")

	result, err := m.Post(context.Background(), dest, "", []byte(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`))
	if !assert.NoError(t, err) {
		return
	}
	assert.Equal(t, 200, result.Status)
	assert.True(t, ValidSessionID(result.NewSessionID), "minted session id is UUIDv4")
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`, string(result.Body),
		"internal id rewriting is invisible to the caller")
}

func TestPostExistingSession(t *testing.T) {
	m := newTestManager()
	defer m.Shutdown(context.Background())
	dest := stdioDest("echo", "cat")

	first, err := m.Post(context.Background(), dest, "", []byte(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`))
	if !assert.NoError(t, err) {
		return
	}
	second, err := m.Post(context.Background(), dest, first.NewSessionID, []byte(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`))
	if !assert.NoError(t, err) {
		return
	}
	assert.Equal(t, 200, second.Status)
	assert.Empty(t, second.NewSessionID, "existing session mints nothing")
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`, string(second.Body))
}

func TestPostSessionErrors(t *testing.T) {
	m := newTestManager()
	defer m.Shutdown(context.Background())
	dest := stdioDest("echo", "cat")

	_, err := m.Post(context.Background(), dest, "not-a-uuid", []byte(`{"jsonrpc":"2.0","id":1,"method":"x"}`))
	var bridgeErr *Error
	if assert.ErrorAs(t, err, &bridgeErr) {
		assert.Equal(t, 400, bridgeErr.Status)
	}

	unknown := uuid.New().String()
	_, err = m.Post(context.Background(), dest, unknown, []byte(`{"jsonrpc":"2.0","id":1,"method":"x"}`))
	if assert.ErrorAs(t, err, &bridgeErr) {
		assert.Equal(t, 404, bridgeErr.Status)
		assert.Equal(t, fmt.Sprintf("Session not found: %s", unknown), bridgeErr.Message)
	}
}

func TestPostNotification(t *testing.T) {
	m := newTestManager()
	defer m.Shutdown(context.Background())
	dest := stdioDest("echo", "cat")

	first, err := m.Post(context.Background(), dest, "", []byte(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`))
	if !assert.NoError(t, err) {
		return
	}
	result, err := m.Post(context.Background(), dest, first.NewSessionID, []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	if !assert.NoError(t, err) {
		return
	}
	assert.Equal(t, 202, result.Status)
	assert.Empty(t, result.Body)

	// a notification cannot mint a session
	_, err = m.Post(context.Background(), dest, "", []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	var bridgeErr *Error
	if assert.ErrorAs(t, err, &bridgeErr) {
		assert.Equal(t, 400, bridgeErr.Status)
	}
}

func TestSessionCap(t *testing.T) {
	m := newTestManager(WithMaxSessions(1))
	defer m.Shutdown(context.Background())
	dest := stdioDest("echo", "cat")

	_, err := m.Post(context.Background(), dest, "", []byte(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`))
	assert.NoError(t, err)

	_, err = m.Post(context.Background(), dest, "", []byte(`{"jsonrpc":"2.0","id":2,"method":"initialize"}`))
	var bridgeErr *Error
	if assert.ErrorAs(t, err, &bridgeErr) {
		assert.Equal(t, 503, bridgeErr.Status)
		assert.Contains(t, bridgeErr.Message, "Too many active sessions")
	}
}

func TestResponseTimeout(t *testing.T) {
	m := newTestManager(WithResponseTimeout(150 * time.Millisecond))
	defer m.Shutdown(context.Background())
	silent := writeScript(t, "silent.sh", "exec sleep 60\n")
	dest := stdioDest("silent", silent)

	_, err := m.Post(context.Background(), dest, "", []byte(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`))
	var bridgeErr *Error
	if assert.ErrorAs(t, err, &bridgeErr) {
		assert.Equal(t, 504, bridgeErr.Status)
	}
}

func TestDeleteSession(t *testing.T) {
	m := newTestManager()
	defer m.Shutdown(context.Background())
	dest := stdioDest("echo", "cat")

	first, err := m.Post(context.Background(), dest, "", []byte(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`))
	if !assert.NoError(t, err) {
		return
	}
	assert.NoError(t, m.Delete(dest, first.NewSessionID))

	_, err = m.Post(context.Background(), dest, first.NewSessionID, []byte(`{"jsonrpc":"2.0","id":2,"method":"x"}`))
	var bridgeErr *Error
	if assert.ErrorAs(t, err, &bridgeErr) {
		assert.Equal(t, 404, bridgeErr.Status, "deleted session is gone")
	}

	assert.Error(t, m.Delete(dest, uuid.New().String()))
	assert.Error(t, m.Delete(dest, "garbage"))
}

func TestNotificationBroadcast(t *testing.T) {
	m := newTestManager()
	defer m.Shutdown(context.Background())
	notify := writeScript(t, "notify.sh", `while read line; do
  echo '{"jsonrpc":"2.0","method":"notifications/test","params":{}}'
  echo "$line"
done
`)
	dest := stdioDest("notify", notify)

	first, err := m.Post(context.Background(), dest, "", []byte(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`))
	if !assert.NoError(t, err) {
		return
	}
	streamID, items, err := m.Register(dest, first.NewSessionID)
	if !assert.NoError(t, err) {
		return
	}
	defer m.Unregister(dest, streamID)

	_, err = m.Post(context.Background(), dest, first.NewSessionID, []byte(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`))
	assert.NoError(t, err)

	select {
	case item := <-items:
		if assert.NotNil(t, item) {
			assert.JSONEq(t, `{"jsonrpc":"2.0","method":"notifications/test","params":{}}`, string(item))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("notification never reached the stream queue")
	}
}

func TestRegisterErrors(t *testing.T) {
	m := newTestManager()
	defer m.Shutdown(context.Background())
	dest := stdioDest("echo", "cat")

	_, _, err := m.Register(dest, "garbage")
	var bridgeErr *Error
	if assert.ErrorAs(t, err, &bridgeErr) {
		assert.Equal(t, 400, bridgeErr.Status)
	}
	_, _, err = m.Register(dest, uuid.New().String())
	if assert.ErrorAs(t, err, &bridgeErr) {
		assert.Equal(t, 404, bridgeErr.Status)
	}
}

func TestCrashExhaustionRemovesBridge(t *testing.T) {
	if testing.Short() {
		t.Skip("exercises the full 3.5s retry schedule")
	}
	m := newTestManager(WithResponseTimeout(500 * time.Millisecond))
	defer m.Shutdown(context.Background())
	dest := stdioDest("crash", "false")

	_, err := m.Post(context.Background(), dest, "", []byte(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`))
	var bridgeErr *Error
	if assert.ErrorAs(t, err, &bridgeErr) {
		assert.Equal(t, 503, bridgeErr.Status)
	}

	assert.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		_, present := m.bridges[dest.Name]
		return !present
	}, 6*time.Second, 100*time.Millisecond, "exhausted bridge removed from the table")
}

func TestExhaustionDeliversCloseSentinel(t *testing.T) {
	if testing.Short() {
		t.Skip("exercises the full retry schedule")
	}
	m := newTestManager(WithResponseTimeout(500 * time.Millisecond))
	defer m.Shutdown(context.Background())
	// answers the first request then dies; every restart dies immediately
	dir := t.TempDir()
	marker := filepath.Join(dir, "marker")
	oneshot := filepath.Join(dir, "oneshot.sh")
	body := fmt.Sprintf(`#!/bin/sh
if [ -f %q ]; then
  exit 1
fi
read line
echo "$line"
touch %q
exit 1
`, marker, marker)
	assert.NoError(t, os.WriteFile(oneshot, []byte(body), 0o755))
	dest := stdioDest("oneshot", oneshot)

	first, err := m.Post(context.Background(), dest, "", []byte(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`))
	if !assert.NoError(t, err) {
		return
	}
	_, items, err := m.Register(dest, first.NewSessionID)
	if !assert.NoError(t, err) {
		return
	}

	select {
	case item := <-items:
		assert.Nil(t, item, "close sentinel after retries exhausted")
	case <-time.After(10 * time.Second):
		t.Fatal("close sentinel never delivered")
	}
}

func TestConcurrentPostsKeepIds(t *testing.T) {
	m := newTestManager()
	defer m.Shutdown(context.Background())
	dest := stdioDest("echo", "cat")

	first, err := m.Post(context.Background(), dest, "", []byte(`{"jsonrpc":"2.0","id":0,"method":"initialize"}`))
	if !assert.NoError(t, err) {
		return
	}

	var wg sync.WaitGroup
	for i := 1; i <= 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload := fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"ping"}`, i)
			result, err := m.Post(context.Background(), dest, first.NewSessionID, []byte(payload))
			if !assert.NoError(t, err) {
				return
			}
			var echoed map[string]any
			if assert.NoError(t, json.Unmarshal(result.Body, &echoed)) {
				assert.Equal(t, float64(i), echoed["id"], "each caller sees its own id")
			}
		}(i)
	}
	wg.Wait()
}

func TestValidSessionID(t *testing.T) {
	assert.True(t, ValidSessionID(uuid.New().String()))
	assert.False(t, ValidSessionID("not-a-uuid"))
	assert.False(t, ValidSessionID(""))
	// v1 uuid is well-formed but not v4
	assert.False(t, ValidSessionID("c232ab00-9414-11ec-b3c8-9f6bdeced846"))
}

func TestDestinationEnvMerge(t *testing.T) {
	dest := stdioDest("svc", "cat")
	dest.Env = map[string]string{"A": "config", "B": "config"}

	merged := destinationEnv(dest, envSource{"svc": {"B": "secret", "C": "secret"}})
	assert.Equal(t, map[string]string{"A": "config", "B": "secret", "C": "secret"}, merged,
		"secrets win over configured values")

	assert.Equal(t, map[string]string{"A": "config", "B": "config"}, destinationEnv(dest, nil))
}

func TestPostConfiguredEnvReachesSubprocess(t *testing.T) {
	m := newTestManager()
	defer m.Shutdown(context.Background())
	script := writeScript(t, "env.sh", `read line
printf '{"jsonrpc":"2.0","id":1,"result":"%s"}\n' "${CONFIG_VAR:-missing}"
`)
	dest := stdioDest("env", script)
	dest.Env = map[string]string{"CONFIG_VAR": "from-config"}

	result, err := m.Post(context.Background(), dest, "", []byte(`{"jsonrpc":"2.0","id":7,"method":"initialize"}`))
	if !assert.NoError(t, err) {
		return
	}
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":7,"result":"from-config"}`, string(result.Body))
}

func TestPostValidationSpawnsNothing(t *testing.T) {
	m := newTestManager()
	defer m.Shutdown(context.Background())
	marker := filepath.Join(t.TempDir(), "spawned")
	script := writeScript(t, "mark.sh", fmt.Sprintf("touch %q\nexec cat\n", marker))
	dest := stdioDest("mark", script)

	var bridgeErr *Error
	_, err := m.Post(context.Background(), dest, "not-a-uuid", []byte(`{"jsonrpc":"2.0","id":1,"method":"x"}`))
	if assert.ErrorAs(t, err, &bridgeErr) {
		assert.Equal(t, 400, bridgeErr.Status)
	}
	_, err = m.Post(context.Background(), dest, uuid.New().String(), []byte(`{"jsonrpc":"2.0","id":1,"method":"x"}`))
	if assert.ErrorAs(t, err, &bridgeErr) {
		assert.Equal(t, 404, bridgeErr.Status)
	}
	_, err = m.Post(context.Background(), dest, "", []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	if assert.ErrorAs(t, err, &bridgeErr) {
		assert.Equal(t, 400, bridgeErr.Status)
	}

	assert.NoFileExists(t, marker, "rejected posts launch no subprocess")
	m.mu.Lock()
	assert.Empty(t, m.bridges)
	m.mu.Unlock()
}

func TestScrubbedEnv(t *testing.T) {
	t.Setenv("PATH", "/usr/bin")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "leak-me-not")

	env := scrubbedEnv(map[string]string{"API_TOKEN": "abc", "PATH": "/opt/bin"})
	assert.Contains(t, env, "API_TOKEN=abc")
	assert.Contains(t, env, "PATH=/opt/bin", "overlay wins over the parent value")
	for _, kv := range env {
		assert.NotContains(t, kv, "leak-me-not", "non-allowlisted parent keys are dropped")
	}
}
