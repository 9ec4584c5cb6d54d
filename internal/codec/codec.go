// Package codec converts between image payloads, data URIs, MIME types and file extensions.
package codec

import (
	"encoding/base64"
	"net/http"
	"regexp"
	"strings"
	"unicode"

	"github.com/laomeifun/gemini-images/internal/core"
)

const DefaultMimeType = "image/png"

var imageURIPattern = regexp.MustCompile(`(?s)^data:(image/[A-Za-z0-9.+-]+)((?:;[^;,]+)*);base64,(.+)$`)

// ParseImageURI recognizes a base64 encoded image data URI. It reports false for
// anything else so callers can try other interpretations of the value.
func ParseImageURI(value string) (core.Image, bool) {
	match := imageURIPattern.FindStringSubmatch(strings.TrimSpace(value))
	if match == nil {
		return core.Image{}, false
	}

	payload := stripSpace(match[3])
	if payload == "" {
		return core.Image{}, false
	}

	return core.Image{MimeType: strings.ToLower(match[1]), Base64: payload}, true
}

// FormatImageURI renders img as a data URI.
func FormatImageURI(img core.Image) string {
	mimeType := img.MimeType
	if mimeType == "" {
		mimeType = DefaultMimeType
	}
	return "data:" + mimeType + ";base64," + img.Base64
}

// IsPlausibleBase64 accepts strings that survive a decode/encode round trip
// (ignoring whitespace) and decode to at least one byte.
func IsPlausibleBase64(value string) bool {
	compact := stripSpace(value)
	if compact == "" {
		return false
	}

	decoded, err := base64.StdEncoding.DecodeString(compact)
	if err != nil || len(decoded) == 0 {
		return false
	}

	return base64.StdEncoding.EncodeToString(decoded) == compact
}

// ExtensionForMime maps an image MIME type to a file extension, defaulting to png.
func ExtensionForMime(mimeType string) string {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}

	switch strings.TrimPrefix(mimeType, "image/") {
	case "jpeg", "jpg":
		return "jpg"
	case "webp":
		return "webp"
	case "gif":
		return "gif"
	default:
		return "png"
	}
}

// MimeForExtension is the inverse of ExtensionForMime. The extension may carry a leading dot.
func MimeForExtension(ext string) string {
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "jpg", "jpeg":
		return "image/jpeg"
	case "webp":
		return "image/webp"
	case "gif":
		return "image/gif"
	default:
		return DefaultMimeType
	}
}

// SniffMime detects the image type of raw bytes.
func SniffMime(data []byte) string {
	detected := http.DetectContentType(data)
	if strings.HasPrefix(detected, "image/") {
		return detected
	}
	return DefaultMimeType
}

// SniffBase64 detects the image type of a base64 payload.
func SniffBase64(payload string) string {
	// 512 bytes of input is all DetectContentType considers.
	head := stripSpace(payload)
	if len(head) > 684 {
		head = head[:684]
	}

	decoded, err := base64.StdEncoding.DecodeString(head)
	if err != nil {
		return DefaultMimeType
	}
	return SniffMime(decoded)
}

// Decode returns the raw bytes of img.
func Decode(img core.Image) ([]byte, error) {
	return base64.StdEncoding.DecodeString(stripSpace(img.Base64))
}

// Encode builds an image from raw bytes. An empty mimeType is sniffed from the data.
func Encode(data []byte, mimeType string) core.Image {
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = mimeType[:i]
	}
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	if !strings.HasPrefix(mimeType, "image/") {
		mimeType = SniffMime(data)
	}
	return core.Image{Base64: base64.StdEncoding.EncodeToString(data), MimeType: mimeType}
}

func stripSpace(value string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, value)
}
