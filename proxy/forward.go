package proxy

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	forwardMaxRetries      = 2
	forwardInitialInterval = 500 * time.Millisecond
)

// forward sends one upstream request with retries on connect errors and 5xx
// responses. 4xx responses are returned to the caller without retry. The
// returned response body is open; callers own closing it.
func (s *Server) forward(ctx context.Context, method, url string, headers http.Header, body []byte) (*http.Response, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = forwardInitialInterval
	policy.RandomizationFactor = 0
	policy.Multiplier = 2

	var resp *http.Response
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		for name, values := range headers {
			for _, value := range values {
				req.Header.Add(name, value)
			}
		}
		ret, err := s.client.Do(req)
		if err != nil {
			return err
		}
		if ret.StatusCode >= 500 {
			_ = ret.Body.Close()
			return fmt.Errorf("upstream returned %d", ret.StatusCode)
		}
		resp = ret
		return nil
	}
	err := backoff.Retry(operation, backoff.WithContext(
		backoff.WithMaxRetries(policy, forwardMaxRetries), ctx))
	if err != nil {
		return nil, err
	}
	return resp, nil
}
