// Package config loads and validates the destinations configuration.
package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"strings"

	shellwords "github.com/mattn/go-shellwords"
	"github.com/viant/afs"
	"gopkg.in/yaml.v3"
)

// Destination kinds.
const (
	KindSSE            = "sse"
	KindStreamableHTTP = "streamable_http"
	KindStdio          = "stdio"
)

// Detection modes, ordered by severity.
const (
	ModeOff     = "off"
	ModeMonitor = "monitor"
	ModeRedact  = "redact"
	ModeBlock   = "block"
)

const (
	// EnvConfigPath overrides the destinations file location.
	EnvConfigPath = "DESTINATIONS_CONFIG"

	defaultConfigPath = "config/destinations.yml"
	defaultAIMaxChars = 4000
)

// Characters rejected in stdio commands. The command is tokenized without a
// shell, but their presence in config indicates a misconfigured or malicious
// entry.
const shellMetachars = ";&|$<>()`\n\r"

// Destination describes one proxied upstream.
type Destination struct {
	Name    string
	Kind    string
	URL     string
	Command string
	Env     map[string]string

	// LegacySSE opts a stdio destination into the per-connection /sse pair
	// instead of the streamable /mcp surface.
	LegacySSE bool

	Detection Detection
}

// Detection holds the per-destination engine configuration.
type Detection struct {
	RegexMode   string
	AIMode      string
	AIThreshold *float64
	AIMaxChars  int
}

// Store holds the immutable destination table loaded at startup.
type Store struct {
	destinations map[string]*Destination
}

// rawEntry mirrors one nested YAML destination block.
type rawEntry struct {
	Type        string         `yaml:"type"`
	URL         string         `yaml:"url"`
	Command     string         `yaml:"command"`
	Env         map[string]any `yaml:"env"`
	LegacySSE   bool           `yaml:"legacy_sse"`
	RegexMode   string         `yaml:"regex_mode"`
	AIMode      string         `yaml:"ai_mode"`
	AIThreshold *float64       `yaml:"ai_threshold"`
	AIMaxChars  *int           `yaml:"ai_max_chars"`
}

// ResolvePath returns the destinations file location, honouring EnvConfigPath.
func ResolvePath() string {
	if v := os.Getenv(EnvConfigPath); v != "" {
		return v
	}
	return defaultConfigPath
}

// Load reads and validates the destinations file at location.
func Load(ctx context.Context, location string) (*Store, error) {
	fs := afs.New()
	ok, _ := fs.Exists(ctx, location)
	if !ok {
		return nil, fmt.Errorf("destinations config not found: %s (create it or set %s)", location, EnvConfigPath)
	}
	data, err := fs.DownloadWithURL(ctx, location)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", location, err)
	}
	return Parse(data)
}

// Parse builds a Store from raw YAML.
func Parse(data []byte) (*Store, error) {
	var top map[string]yaml.Node
	if err := yaml.Unmarshal(data, &top); err != nil {
		return nil, fmt.Errorf("failed to parse destinations config: %w", err)
	}
	ret := &Store{destinations: map[string]*Destination{}}
	if top == nil {
		// empty file is valid - no destinations configured yet
		return ret, nil
	}

	// Support both flat `name: url` and nested `destinations: {name: {...}}`.
	entries := top
	if node, ok := top["destinations"]; ok && node.Kind == yaml.MappingNode {
		nested := map[string]yaml.Node{}
		if err := node.Decode(&nested); err != nil {
			return nil, fmt.Errorf("'destinations' must be a mapping of name to entry: %w", err)
		}
		entries = nested
	}

	for name, node := range entries {
		dest, err := parseEntry(name, node)
		if err != nil {
			return nil, err
		}
		ret.destinations[name] = dest
	}
	return ret, nil
}

func parseEntry(name string, node yaml.Node) (*Destination, error) {
	if node.Kind == yaml.ScalarNode {
		// flat string URL - treat as SSE destination
		var rawURL string
		if err := node.Decode(&rawURL); err != nil || strings.TrimSpace(rawURL) == "" {
			return nil, fmt.Errorf("destination %q has an empty URL", name)
		}
		return &Destination{
			Name:      name,
			Kind:      KindSSE,
			URL:       strings.TrimRight(strings.TrimSpace(rawURL), "/"),
			Env:       map[string]string{},
			Detection: defaultDetection(),
		}, nil
	}
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("destination %q must be a string URL or a mapping", name)
	}

	entry := rawEntry{}
	if err := node.Decode(&entry); err != nil {
		return nil, fmt.Errorf("destination %q: %w", name, err)
	}
	kind := entry.Type
	if kind == "" {
		kind = KindSSE
	}

	dest := &Destination{
		Name: name,
		Kind: kind,
		Env:  coerceEnv(entry.Env),
	}
	var err error
	if dest.Detection, err = parseDetection(name, &entry); err != nil {
		return nil, err
	}

	switch kind {
	case KindSSE:
		if strings.TrimSpace(entry.URL) == "" {
			return nil, fmt.Errorf("destination %q (type: sse) requires a non-empty 'url'", name)
		}
		dest.URL = strings.TrimRight(strings.TrimSpace(entry.URL), "/")

	case KindStreamableHTTP:
		raw := strings.TrimSpace(entry.URL)
		if raw == "" {
			return nil, fmt.Errorf("destination %q (type: streamable_http) requires a non-empty 'url'", name)
		}
		parsed, err := url.Parse(raw)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
			scheme := ""
			if parsed != nil {
				scheme = parsed.Scheme
			}
			return nil, fmt.Errorf("destination %q (type: streamable_http) url must use http or https scheme, got %q", name, scheme)
		}
		dest.URL = strings.TrimRight(raw, "/")

	case KindStdio:
		command := strings.TrimSpace(entry.Command)
		if command == "" {
			return nil, fmt.Errorf("destination %q (type: stdio) requires a non-empty 'command'", name)
		}
		if bad := metacharsIn(command); len(bad) > 0 {
			return nil, fmt.Errorf("destination %q command contains disallowed characters: %q", name, bad)
		}
		dest.Command = command
		dest.LegacySSE = entry.LegacySSE

	default:
		return nil, fmt.Errorf("destination %q has unknown type %q (accepted: 'sse', 'stdio', 'streamable_http')", name, kind)
	}
	return dest, nil
}

func parseDetection(name string, entry *rawEntry) (Detection, error) {
	ret := defaultDetection()
	if entry.RegexMode != "" {
		if !validMode(entry.RegexMode) {
			return ret, fmt.Errorf("destination %q: invalid regex_mode %q", name, entry.RegexMode)
		}
		ret.RegexMode = entry.RegexMode
	}
	if entry.AIMode != "" {
		if !validMode(entry.AIMode) {
			return ret, fmt.Errorf("destination %q: invalid ai_mode %q", name, entry.AIMode)
		}
		ret.AIMode = entry.AIMode
	}
	if entry.AIThreshold != nil {
		if *entry.AIThreshold < 0 || *entry.AIThreshold > 1 {
			return ret, fmt.Errorf("destination %q: ai_threshold must be within [0, 1]", name)
		}
		ret.AIThreshold = entry.AIThreshold
	}
	if entry.AIMaxChars != nil {
		if *entry.AIMaxChars <= 0 {
			return ret, fmt.Errorf("destination %q: ai_max_chars must be positive", name)
		}
		ret.AIMaxChars = *entry.AIMaxChars
	}
	return ret, nil
}

func defaultDetection() Detection {
	return Detection{RegexMode: ModeOff, AIMode: ModeOff, AIMaxChars: defaultAIMaxChars}
}

func validMode(mode string) bool {
	switch mode {
	case ModeOff, ModeMonitor, ModeRedact, ModeBlock:
		return true
	}
	return false
}

func metacharsIn(command string) []rune {
	var bad []rune
	for _, r := range shellMetachars {
		if strings.ContainsRune(command, r) {
			bad = append(bad, r)
		}
	}
	return bad
}

// coerceEnv flattens YAML-typed values (ints, bools) to strings so they pass
// cleanly to subprocess environments.
func coerceEnv(env map[string]any) map[string]string {
	ret := make(map[string]string, len(env))
	for k, v := range env {
		ret[k] = fmt.Sprint(v)
	}
	return ret
}

// Destination returns the entry for name, or nil if unknown.
func (s *Store) Destination(name string) *Destination {
	return s.destinations[name]
}

// Names returns the configured destination names.
func (s *Store) Names() []string {
	names := make([]string, 0, len(s.destinations))
	for name := range s.destinations {
		names = append(names, name)
	}
	return names
}

// StdioDestinations returns all stdio-kind entries.
func (s *Store) StdioDestinations() []*Destination {
	var ret []*Destination
	for _, dest := range s.destinations {
		if dest.Kind == KindStdio {
			ret = append(ret, dest)
		}
	}
	return ret
}

// SplitCommand tokenizes a stdio command with shell-style word splitting,
// without invoking a shell.
func SplitCommand(command string) ([]string, error) {
	parser := shellwords.NewParser()
	argv, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("failed to tokenize command %q: %w", command, err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("command %q is empty after tokenizing", command)
	}
	return argv, nil
}

// ValidateCommands fail-fast checks that every stdio destination's executable
// resolves on PATH. SSE and streamable destinations are skipped.
func (s *Store) ValidateCommands() error {
	for _, dest := range s.StdioDestinations() {
		argv, err := SplitCommand(dest.Command)
		if err != nil {
			return fmt.Errorf("stdio destination %q: %w", dest.Name, err)
		}
		if _, err := exec.LookPath(argv[0]); err != nil {
			return fmt.Errorf("stdio destination %q: command executable %q not found on PATH", dest.Name, argv[0])
		}
	}
	return nil
}
