// Package httpclient wraps net/http with the bounded retry and error
// classification used by every outbound client in the control plane.
package httpclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// RetryPolicy bounds retries for one logical request. Sleep applies
// between attempts, not after the last.
type RetryPolicy struct {
	Attempts int
	Sleep    time.Duration
}

// DefaultRetry is suitable for control-loop RPCs: quick failure, the
// loop itself retries next tick.
var DefaultRetry = RetryPolicy{Attempts: 3, Sleep: 2 * time.Second}

// RequestFailure is the terminal error after the retry budget is spent.
// ErrorType is stable ("http_503", "network") and flows into lease
// last_error and event payloads.
type RequestFailure struct {
	Method     string
	URL        string
	Attempts   int
	ErrorType  string
	Detail     string
	StatusCode int
}

func (e *RequestFailure) Error() string {
	return fmt.Sprintf("request failed after %d attempts: %s %s (%s: %s)",
		e.Attempts, e.Method, e.URL, e.ErrorType, e.Detail)
}

// Client issues JSON requests with retries. A nil HTTP client gets a
// 10s timeout default.
type Client struct {
	HTTP  *http.Client
	Retry RetryPolicy

	// Prepare, if set, mutates each request before sending (auth
	// headers, content type).
	Prepare func(*http.Request)
}

// NewClient builds a Client with the given timeout and retry policy.
func NewClient(timeout time.Duration, retry RetryPolicy) *Client {
	return &Client{
		HTTP:  &http.Client{Timeout: timeout},
		Retry: retry,
	}
}

// Do performs a JSON request with retries. Responses with status >= 400
// count as failures; 4xx responses are not retried (they will not get
// better), 5xx and transport errors are. The response body is returned
// for 2xx/3xx.
func (c *Client) Do(ctx context.Context, method, url string, body []byte) ([]byte, int, error) {
	return c.do(ctx, method, url, body, "application/json")
}

// DoForm performs a form-encoded request with the same retry semantics.
func (c *Client) DoForm(ctx context.Context, method, requestURL string, form url.Values) ([]byte, int, error) {
	return c.do(ctx, method, requestURL, []byte(form.Encode()), "application/x-www-form-urlencoded")
}

func (c *Client) do(ctx context.Context, method, url string, body []byte, contentType string) ([]byte, int, error) {
	attempts := c.Retry.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var lastType, lastDetail string
	var lastStatus int

	for attempt := 1; attempt <= attempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
		if err != nil {
			return nil, 0, fmt.Errorf("failed to build request: %w", err)
		}
		req.Header.Set("Content-Type", contentType)
		if c.Prepare != nil {
			c.Prepare(req)
		}

		resp, err := c.HTTP.Do(req)
		if err != nil {
			lastType = "network"
			lastDetail = err.Error()
			lastStatus = 0
		} else {
			data, readErr := io.ReadAll(resp.Body)
			resp.Body.Close()
			if readErr != nil {
				lastType = "network"
				lastDetail = readErr.Error()
				lastStatus = 0
			} else if resp.StatusCode < 400 {
				return data, resp.StatusCode, nil
			} else {
				lastType = fmt.Sprintf("http_%d", resp.StatusCode)
				lastDetail = truncate(string(data), 240)
				lastStatus = resp.StatusCode
				if resp.StatusCode < 500 {
					// Client errors are permanent; do not retry.
					return data, resp.StatusCode, &RequestFailure{
						Method: method, URL: url, Attempts: attempt,
						ErrorType: lastType, Detail: lastDetail, StatusCode: lastStatus,
					}
				}
			}
		}

		if attempt < attempts {
			select {
			case <-time.After(c.Retry.Sleep):
			case <-ctx.Done():
				return nil, lastStatus, &RequestFailure{
					Method: method, URL: url, Attempts: attempt,
					ErrorType: "network", Detail: ctx.Err().Error(), StatusCode: lastStatus,
				}
			}
		}
	}

	return nil, lastStatus, &RequestFailure{
		Method: method, URL: url, Attempts: attempts,
		ErrorType: lastType, Detail: lastDetail, StatusCode: lastStatus,
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
