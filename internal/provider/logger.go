package provider

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/laomeifun/gemini-images/internal/core"
)

// elideThreshold is the string length above which payload values that look like
// image data are replaced in log entries.
const elideThreshold = 256

// RequestLogger appends upstream requests, responses and errors to a daily JSONL file.
type RequestLogger struct {
	logDir       string
	logRequests  bool
	logResponses bool
	logger       *slog.Logger
}

type LogEntry struct {
	Timestamp  string         `json:"timestamp"`
	RequestID  string         `json:"request_id"`
	Type       string         `json:"type"`
	Strategy   string         `json:"strategy"`
	URL        string         `json:"url,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	BodyBytes  int            `json:"body_bytes,omitempty"`
	Duration   string         `json:"duration,omitempty"`
	Error      string         `json:"error,omitempty"`
	StatusCode int            `json:"status_code,omitempty"`
}

func NewRequestLogger(logDir string, logRequests, logResponses bool, logger *slog.Logger) *RequestLogger {
	return &RequestLogger{
		logDir:       logDir,
		logRequests:  logRequests,
		logResponses: logResponses,
		logger:       orDefault(logger),
	}
}

func (l *RequestLogger) LogRequest(requestID core.RequestID, strategy, url string, payload map[string]any) {
	if !l.logRequests {
		return
	}

	entry := LogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		RequestID: string(requestID),
		Type:      "request",
		Strategy:  strategy,
		URL:       url,
		Payload:   elidePayload(payload),
	}

	l.writeLog(entry)
	l.logger.Debug("upstream request", "request_id", requestID, "strategy", strategy, "url", url)
}

func (l *RequestLogger) LogResponse(requestID core.RequestID, strategy string, statusCode, bodyBytes int, duration time.Duration) {
	if !l.logResponses {
		return
	}

	entry := LogEntry{
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		RequestID:  string(requestID),
		Type:       "response",
		Strategy:   strategy,
		StatusCode: statusCode,
		BodyBytes:  bodyBytes,
		Duration:   duration.String(),
	}

	l.writeLog(entry)
}

func (l *RequestLogger) LogError(requestID core.RequestID, strategy string, statusCode int, errorBody []byte, payload map[string]any) {
	entry := LogEntry{
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		RequestID:  string(requestID),
		Type:       "error",
		Strategy:   strategy,
		StatusCode: statusCode,
		Error:      elideString(string(errorBody)),
		Payload:    elidePayload(payload),
	}

	l.writeLog(entry)

	l.logger.Error("upstream request failed",
		"request_id", requestID,
		"strategy", strategy,
		"status_code", statusCode,
		"error", entry.Error,
	)
}

func (l *RequestLogger) writeLog(entry LogEntry) {
	if l.logDir == "" {
		return
	}

	_ = os.MkdirAll(l.logDir, 0o755)

	logFile := filepath.Join(l.logDir, fmt.Sprintf("upstream_%s.jsonl", time.Now().Format("2006-01-02")))

	data, _ := json.Marshal(entry)
	f, err := os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()

	_, _ = f.Write(data)
	_, _ = f.WriteString("\n")
}

func elidePayload(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	elided, _ := elideValue(payload).(map[string]any)
	return elided
}

func elideValue(v any) any {
	switch value := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(value))
		for key, item := range value {
			out[key] = elideValue(item)
		}
		return out
	case []map[string]any:
		out := make([]any, len(value))
		for i, item := range value {
			out[i] = elideValue(item)
		}
		return out
	case []string:
		out := make([]string, len(value))
		for i, item := range value {
			out[i] = elideString(item)
		}
		return out
	case []any:
		out := make([]any, len(value))
		for i, item := range value {
			out[i] = elideValue(item)
		}
		return out
	case string:
		return elideString(value)
	default:
		return v
	}
}

// elideString shortens long strings without whitespace, which in practice are
// base64 payloads or data URIs.
func elideString(s string) string {
	if len(s) <= elideThreshold || strings.ContainsAny(s, " \n\t") {
		return s
	}
	return fmt.Sprintf("%s...<%d bytes elided>", s[:32], len(s)-32)
}
