package detector

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"
)

// EnvClassifierURL points at the inference endpoint backing the AI engine.
// Unset disables the engine.
const EnvClassifierURL = "AI_CLASSIFIER_URL"

// Classifier is the opaque scoring capability the detector depends on.
// Label "INJECTION" means score is the injection confidence; any other label
// means the injection confidence is 1 - score.
type Classifier interface {
	Classify(ctx context.Context, text string) (label string, score float64, err error)
}

// HTTPClassifier scores text against an external inference endpoint that
// accepts {"text": ...} and answers {"label": ..., "score": ...}.
type HTTPClassifier struct {
	endpoint string
	client   *http.Client
}

// NewHTTPClassifier creates a classifier calling endpoint.
func NewHTTPClassifier(endpoint string) *HTTPClassifier {
	return &HTTPClassifier{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Classify implements Classifier.
func (c *HTTPClassifier) Classify(ctx context.Context, text string) (string, float64, error) {
	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return "", 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("classifier returned %d", resp.StatusCode)
	}
	var out struct {
		Label string  `json:"label"`
		Score float64 `json:"score"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", 0, err
	}
	return out.Label, out.Score, nil
}
