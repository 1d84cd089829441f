// Package detector implements bidirectional prompt-injection detection with
// two engines: deterministic regex patterns and an opaque semantic classifier.
// Each destination configures both engines independently with four modes
// (off, monitor, redact, block); when both fire, the strictest mode wins.
package detector

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/mithril-labs/mithril-proxy/config"
)

const (
	// EnvThreshold overrides the global injection score threshold.
	EnvThreshold = "AI_INJECTION_THRESHOLD"
	// EnvMaxWorkers bounds concurrent classifier calls.
	EnvMaxWorkers = "AI_MAX_WORKERS"

	// Placeholder replaces redacted content.
	Placeholder = "**REDACTED**"

	defaultThreshold  = 0.85
	defaultMaxWorkers = 1
)

// severity orders modes for strictest-wins arbitration.
var severity = map[string]int{
	config.ModeOff:     0,
	"pass":             0,
	config.ModeMonitor: 1,
	config.ModeRedact:  2,
	config.ModeBlock:   3,
}

// Result describes the outcome of scanning one body.
type Result struct {
	// Action is one of pass, monitor, redact, block.
	Action string
	// Engine is "regex" or "ai" when an engine fired.
	Engine string
	// Detail is the matched pattern source or the classifier score.
	Detail string
	// Body is the possibly redacted body to forward.
	Body string
}

// Detector couples the pattern store with the classifier.
type Detector struct {
	patterns   *PatternStore
	classifier Classifier
	threshold  float64
	workers    chan struct{}
	log        *logrus.Logger
}

// Option mutates a Detector during construction.
type Option func(d *Detector)

// WithClassifier installs the AI engine. A nil classifier leaves it disabled.
func WithClassifier(classifier Classifier) Option {
	return func(d *Detector) {
		d.classifier = classifier
	}
}

// WithThreshold sets the global injection score threshold.
func WithThreshold(threshold float64) Option {
	return func(d *Detector) {
		d.threshold = threshold
	}
}

// WithMaxWorkers bounds concurrent classifier calls.
func WithMaxWorkers(n int) Option {
	return func(d *Detector) {
		if n < 1 {
			n = 1
		}
		d.workers = make(chan struct{}, n)
	}
}

// WithLogger sets the application logger.
func WithLogger(log *logrus.Logger) Option {
	return func(d *Detector) {
		d.log = log
	}
}

// New creates a Detector over the given pattern store.
func New(patterns *PatternStore, options ...Option) *Detector {
	ret := &Detector{
		patterns:  patterns,
		threshold: defaultThreshold,
		workers:   make(chan struct{}, defaultMaxWorkers),
		log:       logrus.StandardLogger(),
	}
	for _, option := range options {
		option(ret)
	}
	return ret
}

// OptionsFromEnv derives threshold and worker-pool options from the
// environment, plus the HTTP classifier when its endpoint is configured.
func OptionsFromEnv(log *logrus.Logger) []Option {
	ret := []Option{WithLogger(log)}
	if v := os.Getenv(EnvThreshold); v != "" {
		if threshold, err := strconv.ParseFloat(v, 64); err == nil {
			ret = append(ret, WithThreshold(threshold))
		}
	}
	if v := os.Getenv(EnvMaxWorkers); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			ret = append(ret, WithMaxWorkers(n))
		}
	}
	if endpoint := os.Getenv(EnvClassifierURL); endpoint != "" {
		ret = append(ret, WithClassifier(NewHTTPClassifier(endpoint)))
	} else {
		log.Warn("AI engine unavailable: no classifier endpoint configured")
	}
	return ret
}

// Scan runs body through both engines per the destination's detection config.
// isResponse only affects logging; both directions use the same rules.
func (d *Detector) Scan(ctx context.Context, body string, det config.Detection, isResponse bool) Result {
	if body == "" || (det.RegexMode == config.ModeOff && det.AIMode == config.ModeOff) {
		return Result{Action: "pass", Body: body}
	}

	bestAction := "pass"
	bestEngine := ""
	bestDetail := ""
	resultBody := body

	if det.RegexMode != config.ModeOff {
		// snapshot reference; match outside the store lock
		for _, pattern := range d.patterns.Snapshot() {
			if !pattern.Match(body) {
				continue
			}
			if severity[det.RegexMode] > severity[bestAction] {
				bestAction = det.RegexMode
				bestEngine = "regex"
				bestDetail = pattern.Source()
				if det.RegexMode == config.ModeRedact {
					resultBody = pattern.Redact(body, Placeholder)
				}
			}
			// stop on first match
			break
		}
	}

	if det.AIMode != config.ModeOff && bestAction != config.ModeBlock && d.classifier != nil {
		if len(body) > det.AIMaxChars {
			d.log.Warnf("AI scan skipped: body exceeds %d chars (%d)", det.AIMaxChars, len(body))
		} else {
			score := d.classify(ctx, body)
			threshold := d.threshold
			if det.AIThreshold != nil {
				threshold = *det.AIThreshold
			}
			if score >= threshold && severity[det.AIMode] > severity[bestAction] {
				bestAction = det.AIMode
				bestEngine = "ai"
				bestDetail = fmt.Sprintf("score=%.3f", score)
				if det.AIMode == config.ModeRedact {
					// unlike regex the AI engine cannot localize the match
					resultBody = Placeholder
				}
			}
		}
	}

	switch bestAction {
	case "pass":
		return Result{Action: "pass", Body: body}
	case config.ModeBlock:
		return Result{Action: bestAction, Engine: bestEngine, Detail: bestDetail, Body: body}
	default:
		return Result{Action: bestAction, Engine: bestEngine, Detail: bestDetail, Body: resultBody}
	}
}

// classify offloads one classifier call through the bounded worker pool and
// converts the label/score pair into an injection confidence. Inference
// failures score 0 so a single bad call never takes the proxy down.
func (d *Detector) classify(ctx context.Context, body string) float64 {
	select {
	case d.workers <- struct{}{}:
		defer func() { <-d.workers }()
	case <-ctx.Done():
		return 0
	}
	label, score, err := d.classifier.Classify(ctx, body)
	if err != nil {
		d.log.Warnf("AI inference error: %v", err)
		return 0
	}
	if strings.Contains(strings.ToUpper(label), "INJECTION") {
		return score
	}
	return 1 - score
}
