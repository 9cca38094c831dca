package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/antoniostano/courier/internal/reliability"
)

const (
	httpMaxAttempts = 3
	httpBackoffBase = 200 * time.Millisecond
	httpBackoffCap  = 2 * time.Second
)

// HTTPSink posts notifications to the client channel endpoint. Retryable
// statuses are retried with capped exponential backoff; everything else
// fails immediately.
type HTTPSink struct {
	url    string
	client *http.Client
}

func NewHTTPSink(url string, client *http.Client) *HTTPSink {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPSink{url: url, client: client}
}

func (s *HTTPSink) Notify(ctx context.Context, n Notification) error {
	return postJSON(ctx, s.client, s.url, n)
}

// HTTPDispatcher posts completion callbacks to the configured endpoint.
type HTTPDispatcher struct {
	url    string
	client *http.Client
}

func NewHTTPDispatcher(url string, client *http.Client) *HTTPDispatcher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPDispatcher{url: url, client: client}
}

func (d *HTTPDispatcher) DispatchCompletion(ctx context.Context, ev CallbackEvent) error {
	return postJSON(ctx, d.client, d.url, ev)
}

func postJSON(ctx context.Context, client *http.Client, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < httpMaxAttempts; attempt++ {
		if attempt > 0 {
			wait := reliability.ExponentialBackoff(attempt-1, httpBackoffBase, httpBackoffCap)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("post %s: status %d", url, resp.StatusCode)
		if !reliability.IsRetryableHTTPStatus(resp.StatusCode) {
			return lastErr
		}
	}
	return fmt.Errorf("post %s failed after %d attempts: %w", url, httpMaxAttempts, lastErr)
}
