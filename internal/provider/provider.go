// Package provider talks to the upstream image endpoint through three protocol
// strategies and normalizes their responses into images.
package provider

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/laomeifun/gemini-images/internal/core"
	"github.com/laomeifun/gemini-images/internal/transport"
)

// Mode selects which strategies the adapter may use.
type Mode string

const (
	ModeAuto   Mode = "auto"
	ModeImages Mode = "images"
	ModeNative Mode = "native"
	ModeChat   Mode = "chat"
)

// ParseMode normalizes a configured mode name. The empty string means auto.
func ParseMode(value string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(value))) {
	case "", ModeAuto:
		return ModeAuto, nil
	case ModeImages:
		return ModeImages, nil
	case ModeNative:
		return ModeNative, nil
	case ModeChat:
		return ModeChat, nil
	default:
		return "", core.InvalidArgument("unknown mode %q (want auto, images, native or chat)", value)
	}
}

// Endpoint holds connection settings for the upstream endpoint.
type Endpoint struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

func (e Endpoint) url(path string) string {
	return strings.TrimSuffix(e.BaseURL, "/") + path
}

func (e Endpoint) headers() map[string]string {
	if e.APIKey == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + e.APIKey}
}

// Request is the normalized input shared by every strategy. History image parts
// must already carry inline data; unresolved references are skipped.
type Request struct {
	Prompt     string
	Size       string
	Count      int
	History    []core.Message
	InputImage *core.Image
}

func (r Request) count() int {
	if r.Count < 1 {
		return 1
	}
	return r.Count
}

// Strategy is one request/response protocol.
type Strategy interface {
	Name() string
	Generate(ctx context.Context, req Request) ([]core.Image, error)
}

// HTTPClient is the subset of transport.Client the strategies need.
type HTTPClient interface {
	PostJSON(ctx context.Context, url string, headers map[string]string, body any, timeout time.Duration) (*transport.Response, error)
	FetchImage(ctx context.Context, url string, timeout time.Duration) (core.Image, error)
}

// caller performs one upstream call on behalf of a strategy and turns non-2xx
// responses into upstream rejections.
type caller struct {
	name          string
	endpoint      Endpoint
	client        HTTPClient
	requestLogger *RequestLogger
	logger        *slog.Logger
}

func (c caller) post(ctx context.Context, path string, payload map[string]any) ([]byte, error) {
	requestID := core.NewRequestID()
	endpointURL := c.endpoint.url(path)

	if c.requestLogger != nil {
		c.requestLogger.LogRequest(requestID, c.name, endpointURL, payload)
	}

	startTime := time.Now()
	resp, err := c.client.PostJSON(ctx, endpointURL, c.endpoint.headers(), payload, c.endpoint.Timeout)
	duration := time.Since(startTime)

	if err != nil {
		if c.requestLogger != nil {
			c.requestLogger.LogError(requestID, c.name, 0, []byte(err.Error()), payload)
		}
		return nil, fmt.Errorf("%s request failed (request_id=%s): %w", c.name, requestID, err)
	}

	if !resp.OK() {
		if c.requestLogger != nil {
			c.requestLogger.LogError(requestID, c.name, resp.StatusCode, resp.Body, payload)
		}
		return nil, core.UpstreamRejected(c.name, resp.StatusCode, strings.TrimSpace(string(resp.Body)))
	}

	if c.requestLogger != nil {
		c.requestLogger.LogResponse(requestID, c.name, resp.StatusCode, len(resp.Body), duration)
	}

	c.logger.Debug("upstream call finished",
		"strategy", c.name,
		"request_id", requestID,
		"status", resp.StatusCode,
		"duration", duration,
	)

	return resp.Body, nil
}

func orDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}
