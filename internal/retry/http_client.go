package retry

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"

	"piecefs/internal/logging"
)

// HTTPClient retries requests that fail at the transport or come back with a
// transient status. It is used for the signed-URL transfers that bypass the
// SDK's own retry loop.
type HTTPClient struct {
	client *http.Client
	config Config
}

func NewHTTPClient(timeout time.Duration, config Config) *HTTPClient {
	return &HTTPClient{
		client: &http.Client{Timeout: timeout},
		config: config,
	}
}

// Do sends req, replaying its body on every attempt. When retries run out
// on a transient status the last response is returned alongside the error
// so callers can inspect it.
func (c *HTTPClient) Do(req *http.Request) (*http.Response, error) {
	body, err := replayableBody(req)
	if err != nil {
		return nil, err
	}
	ctx := req.Context()

	var (
		lastErr  error
		lastResp *http.Response
	)
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.config.CalculateDelay(attempt-1, parseRetryAfterFromResp(lastResp))
			logging.Debugf("http: retry %d/%d after %v for %s %s",
				attempt, c.config.MaxRetries, delay, req.Method, req.URL.Path)
			drain(lastResp)
			lastResp = nil
			if err := wait(ctx, delay); err != nil {
				return nil, err
			}
		}

		if body != nil {
			rc, err := body()
			if err != nil {
				return nil, fmt.Errorf("failed to read request body: %w", err)
			}
			req.Body = rc
		}

		resp, err := c.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}
		if !IsRetryableStatus(resp.StatusCode) {
			return resp, nil
		}
		lastErr = fmt.Errorf("HTTP %d", resp.StatusCode)
		lastResp = resp
	}

	if lastResp != nil {
		return lastResp, lastErr
	}
	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// replayableBody returns a function producing a fresh copy of the request
// body, or nil when the request has none.
func replayableBody(req *http.Request) (func() (io.ReadCloser, error), error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	if req.GetBody != nil {
		return req.GetBody, nil
	}
	data, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	return func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}, nil
}

func drain(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

func parseRetryAfterFromResp(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	return ParseRetryAfter(resp.Header.Get("Retry-After"))
}
