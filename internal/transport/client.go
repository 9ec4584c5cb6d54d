// Package transport performs bounded-timeout HTTP calls against the upstream endpoint.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/laomeifun/gemini-images/internal/codec"
	"github.com/laomeifun/gemini-images/internal/core"
)

const DefaultTimeout = 120 * time.Second

// TimeoutError reports a call that did not complete within its budget.
type TimeoutError struct {
	URL    string
	Budget time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request to %s timed out after %s", e.URL, e.Budget)
}

func (e *TimeoutError) Kind() core.ErrorKind {
	return core.KindUpstreamUnavailable
}

// NetworkError reports a call that failed before an HTTP response was received.
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("request to %s failed: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

func (e *NetworkError) Kind() core.ErrorKind {
	return core.KindUpstreamUnavailable
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Status     string
	Header     http.Header
	Body       []byte
}

func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Client wraps an http.Client. The per-call timeout is applied through the request
// context so a timeout can be told apart from other network failures.
type Client struct {
	httpClient *http.Client
}

func NewClient(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{httpClient: httpClient}
}

// PostJSON marshals body and posts it to url. Non-2xx responses are returned as-is;
// classifying them is left to the caller.
func (c *Client) PostJSON(ctx context.Context, url string, headers map[string]string, body any, timeout time.Duration) (*Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	return c.do(ctx, http.MethodPost, url, func(req *http.Request) {
		req.Header.Set("Content-Type", "application/json")
		for key, value := range headers {
			req.Header.Set(key, value)
		}
	}, bytes.NewReader(payload), timeout)
}

// FetchImage downloads url and converts the body into an image. The declared
// content type is used when it names an image type, otherwise the bytes are sniffed.
func (c *Client) FetchImage(ctx context.Context, url string, timeout time.Duration) (core.Image, error) {
	resp, err := c.do(ctx, http.MethodGet, url, nil, nil, timeout)
	if err != nil {
		return core.Image{}, err
	}

	if !resp.OK() {
		return core.Image{}, core.UpstreamRejected("image download", resp.StatusCode, truncate(string(resp.Body), 512))
	}

	if len(resp.Body) == 0 {
		return core.Image{}, core.NoImagesProduced("image download " + url)
	}

	return codec.Encode(resp.Body, resp.Header.Get("Content-Type")), nil
}

func (c *Client) do(ctx context.Context, method, url string, prepare func(*http.Request), body io.Reader, timeout time.Duration) (*Response, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if prepare != nil {
		prepare(req)
	}

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classify(ctx, url, timeout, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, classify(ctx, url, timeout, err)
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Status:     httpResp.Status,
		Header:     httpResp.Header,
		Body:       respBody,
	}, nil
}

func classify(ctx context.Context, url string, timeout time.Duration, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{URL: url, Budget: timeout}
	}

	var netTimeout interface{ Timeout() bool }
	if errors.As(err, &netTimeout) && netTimeout.Timeout() {
		return &TimeoutError{URL: url, Budget: timeout}
	}

	return &NetworkError{URL: url, Err: err}
}

func truncate(s string, limit int) string {
	s = strings.TrimSpace(s)
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
