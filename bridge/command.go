package bridge

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"syscall"

	"github.com/mithril-labs/mithril-proxy/config"
)

// safeEnvKeys is the allowlist of parent-process environment keys passed to
// subprocesses. Intentionally minimal: secrets are supplied exclusively via
// the per-destination overlay, never inherited.
var safeEnvKeys = map[string]bool{
	"PATH": true, "HOME": true, "USER": true, "LOGNAME": true,
	"LANG": true, "LC_ALL": true, "LC_CTYPE": true,
	"TMPDIR": true, "TEMP": true, "TMP": true, "TERM": true, "SHELL": true,
	"XDG_CACHE_HOME": true, "XDG_CONFIG_HOME": true, "XDG_DATA_HOME": true,
	"NPM_CONFIG_CACHE": true,
}

// scrubbedEnv builds a subprocess environment from the allowlisted parent
// keys plus the overlay, which wins on collision.
func scrubbedEnv(overlay map[string]string) []string {
	merged := map[string]string{}
	for _, kv := range os.Environ() {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				if safeEnvKeys[kv[:i]] {
					merged[kv[:i]] = kv[i+1:]
				}
				break
			}
		}
	}
	for k, v := range overlay {
		merged[k] = v
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ret := make([]string, 0, len(keys))
	for _, k := range keys {
		ret = append(ret, k+"="+merged[k])
	}
	return ret
}

// process bundles one running subprocess with its pipes.
type process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
}

// spawnProcess starts the destination command with a scrubbed environment and
// pipes for stdin, stdout and stderr.
func spawnProcess(command string, overlay map[string]string) (*process, error) {
	argv, err := config.SplitCommand(command)
	if err != nil {
		return nil, err
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = scrubbedEnv(overlay)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %q: %w", argv[0], err)
	}
	return &process{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

// terminate sends SIGTERM if the process is still running.
func (p *process) terminate() {
	if p == nil || p.cmd.Process == nil {
		return
	}
	_ = p.cmd.Process.Signal(syscall.SIGTERM)
}

// kill sends SIGKILL.
func (p *process) kill() {
	if p == nil || p.cmd.Process == nil {
		return
	}
	_ = p.cmd.Process.Kill()
}
