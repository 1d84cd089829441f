package detector

import (
	"context"
	"os"
	"path"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"github.com/viant/afs"
)

const (
	// EnvPatternsDir overrides the pattern directory location.
	EnvPatternsDir = "PATTERNS_DIR"

	defaultPatternsDir = "/etc/mithril-proxy/patterns.d"
)

// Pattern is one compiled detection rule.
type Pattern struct {
	re     *regexp.Regexp
	source string
}

// Source returns the original pattern line.
func (p *Pattern) Source() string {
	return p.source
}

// Match reports whether body matches.
func (p *Pattern) Match(body string) bool {
	return p.re.MatchString(body)
}

// Redact substitutes every match in body with placeholder.
func (p *Pattern) Redact(body, placeholder string) string {
	return p.re.ReplaceAllString(body, placeholder)
}

// PatternStore holds the active ordered pattern list, swapped atomically on
// reload. Readers take a snapshot and match outside the lock.
type PatternStore struct {
	mux      sync.RWMutex
	patterns []*Pattern
	dir      string
	log      *logrus.Logger
}

// NewPatternStore creates a store reading from dir.
func NewPatternStore(dir string, log *logrus.Logger) *PatternStore {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &PatternStore{dir: dir, log: log}
}

// ResolvePatternsDir returns the pattern directory, honouring EnvPatternsDir.
func ResolvePatternsDir() string {
	if v := os.Getenv(EnvPatternsDir); v != "" {
		return v
	}
	return defaultPatternsDir
}

// Snapshot returns the current pattern list reference.
func (s *PatternStore) Snapshot() []*Pattern {
	s.mux.RLock()
	defer s.mux.RUnlock()
	return s.patterns
}

// Load reads every *.txt and *.conf file in the directory, sorted by name,
// compiling one case-insensitive regex per non-blank, non-comment line.
// Invalid regexes are logged and skipped. A missing directory logs a warning
// and installs an empty list. Returns the number of compiled patterns.
func (s *PatternStore) Load(ctx context.Context) int {
	fs := afs.New()
	if ok, _ := fs.Exists(ctx, s.dir); !ok {
		s.log.Warnf("patterns directory does not exist: %s - regex engine has 0 patterns", s.dir)
		s.swap(nil)
		return 0
	}
	objects, err := fs.List(ctx, s.dir)
	if err != nil {
		s.log.Warnf("cannot list patterns directory %s: %v", s.dir, err)
		s.swap(nil)
		return 0
	}
	var files []string
	for _, object := range objects {
		if object.IsDir() {
			continue
		}
		switch path.Ext(object.Name()) {
		case ".txt", ".conf":
			files = append(files, object.URL())
		}
	}
	sort.Strings(files)

	var compiled []*Pattern
	for _, file := range files {
		data, err := fs.DownloadWithURL(ctx, file)
		if err != nil {
			s.log.Warnf("cannot read pattern file %s: %v", file, err)
			continue
		}
		for lineno, line := range strings.Split(string(data), "\n") {
			stripped := strings.TrimSpace(line)
			if stripped == "" || strings.HasPrefix(stripped, "#") {
				continue
			}
			re, err := regexp.Compile("(?i)" + stripped)
			if err != nil {
				s.log.Warnf("invalid regex in %s line %d: %q - %v", path.Base(file), lineno+1, stripped, err)
				continue
			}
			compiled = append(compiled, &Pattern{re: re, source: stripped})
		}
	}
	s.swap(compiled)
	s.log.Infof("loaded %d regex patterns from %s", len(compiled), s.dir)
	return len(compiled)
}

func (s *PatternStore) swap(patterns []*Pattern) {
	s.mux.Lock()
	s.patterns = patterns
	s.mux.Unlock()
}

// Watch reloads the store whenever a file in the directory changes. It blocks
// until ctx is cancelled and is intended to run on its own goroutine.
func (s *PatternStore) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(s.dir); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				s.Load(ctx)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.log.Warnf("patterns watcher: %v", err)
		}
	}
}
