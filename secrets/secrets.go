// Package secrets loads per-destination environment overlays. Values from the
// secrets file are injected exclusively into subprocess environments and win
// over the destination's own env block on key collision.
package secrets

import (
	"context"
	"fmt"
	"os"

	"github.com/viant/afs"
	"github.com/viant/scy"
	"gopkg.in/yaml.v3"
)

const (
	// EnvSecretsPath overrides the secrets file location.
	EnvSecretsPath = "SECRETS_CONFIG"
	// EnvSecretsKey selects a scy key (e.g. blowfish://default) used to
	// decrypt the secrets file at rest. Unset means plaintext YAML.
	EnvSecretsKey = "SECRETS_KEY"

	defaultSecretsPath = "config/secrets.yml"
)

// Store holds the destination name to env map overlay.
type Store struct {
	secrets map[string]map[string]string
}

// ResolvePath returns the secrets file location, honouring EnvSecretsPath.
func ResolvePath() string {
	if v := os.Getenv(EnvSecretsPath); v != "" {
		return v
	}
	return defaultSecretsPath
}

// Load reads the secrets file at location. A missing file is not an error and
// yields an empty store. When key is non-empty the file is decrypted with scy.
func Load(ctx context.Context, location, key string) (*Store, error) {
	fs := afs.New()
	if ok, _ := fs.Exists(ctx, location); !ok {
		return &Store{secrets: map[string]map[string]string{}}, nil
	}
	var data []byte
	var err error
	if key != "" {
		secret, sErr := scy.New().Load(ctx, scy.NewResource("", location, key))
		if sErr != nil {
			return nil, fmt.Errorf("failed to decrypt secrets %s: %w", location, sErr)
		}
		data = []byte(secret.String())
	} else {
		if data, err = fs.DownloadWithURL(ctx, location); err != nil {
			return nil, fmt.Errorf("failed to read secrets %s: %w", location, err)
		}
	}
	return Parse(data)
}

// Parse builds a Store from raw YAML.
func Parse(data []byte) (*Store, error) {
	var raw map[string]map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse secrets file: %w", err)
	}
	ret := &Store{secrets: make(map[string]map[string]string, len(raw))}
	for dest, env := range raw {
		coerced := make(map[string]string, len(env))
		for k, v := range env {
			coerced[k] = fmt.Sprint(v)
		}
		ret.secrets[dest] = coerced
	}
	return ret, nil
}

// DestinationEnv returns a copy of the env overlay for the named destination.
func (s *Store) DestinationEnv(name string) map[string]string {
	ret := map[string]string{}
	for k, v := range s.secrets[name] {
		ret[k] = v
	}
	return ret
}
