package provider

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/laomeifun/gemini-images/internal/core"
)

func TestRequestLoggerElidesImagePayloads(t *testing.T) {
	dir := t.TempDir()
	logger := NewRequestLogger(dir, true, true, nil)

	payload := map[string]any{
		"prompt": "a red circle",
		"contents": []map[string]any{
			{"parts": []map[string]any{inlineDataPart(core.Image{Base64: strings.Repeat("A", 4096), MimeType: "image/png"})}},
		},
	}

	logger.LogRequest("req_1", "native-generation", "http://upstream/models/m:generateContent", payload)
	logger.LogResponse("req_1", "native-generation", 200, 123, time.Second)

	matches, err := filepath.Glob(filepath.Join(dir, "upstream_*.jsonl"))
	require.NoError(t, err)
	require.Len(t, matches, 1)

	data, err := os.ReadFile(matches[0])
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "a red circle")
	assert.Contains(t, lines[0], "bytes elided")
	assert.NotContains(t, lines[0], strings.Repeat("A", 512))
	assert.Contains(t, lines[1], `"type":"response"`)
}

func TestRequestLoggerElidesImageList(t *testing.T) {
	dir := t.TempDir()
	logger := NewRequestLogger(dir, true, false, nil)

	payload := map[string]any{
		"prompt": "make it blue",
		"image":  []string{"data:image/png;base64," + strings.Repeat("A", 4096)},
	}
	logger.LogRequest("req_2", "images-generation", "http://upstream/images/generations", payload)

	matches, err := filepath.Glob(filepath.Join(dir, "upstream_*.jsonl"))
	require.NoError(t, err)
	require.Len(t, matches, 1)

	data, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), "make it blue")
	assert.Contains(t, string(data), "bytes elided")
	assert.NotContains(t, string(data), strings.Repeat("A", 512))
	assert.Less(t, len(data), 1024)
}

func TestElideStringKeepsProse(t *testing.T) {
	prose := strings.Repeat("a long prompt ", 40)
	assert.Equal(t, prose, elideString(prose))
	assert.Equal(t, "short", elideString("short"))
}
