package provider

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/laomeifun/gemini-images/internal/codec"
	"github.com/laomeifun/gemini-images/internal/core"
)

// imageSource is an image found in a response: either an inline payload or a URL
// that still has to be fetched.
type imageSource struct {
	image core.Image
	url   string
}

// shapeMatcher recognizes one way a response can carry images. Matchers are tried
// in order and every match contributes; nothing stops at the first hit.
type shapeMatcher struct {
	name    string
	match   func(node gjson.Result) bool
	extract func(node gjson.Result) []imageSource
}

func applyShapes(node gjson.Result, shapes []shapeMatcher) []imageSource {
	var sources []imageSource
	for _, shape := range shapes {
		if !shape.match(node) {
			continue
		}
		sources = append(sources, shape.extract(node)...)
	}
	return sources
}

var (
	dataURIPattern      = regexp.MustCompile(`data:image/[A-Za-z0-9.+-]+;base64,[A-Za-z0-9+/=]+`)
	markdownLinkPattern = regexp.MustCompile(`!\[[^\]]*\]\((https?://[^)\s]+)\)`)
)

// chatMessageShapes run against choices[*].message of a chat completion.
var chatMessageShapes = []shapeMatcher{
	{
		name:  "content image_url parts",
		match: func(msg gjson.Result) bool { return msg.Get("content").IsArray() },
		extract: func(msg gjson.Result) []imageSource {
			var sources []imageSource
			msg.Get("content").ForEach(func(_, part gjson.Result) bool {
				if part.Get("type").String() != "image_url" {
					return true
				}
				if source, ok := sourceFromReference(imageURLOf(part)); ok {
					sources = append(sources, source)
				}
				return true
			})
			return sources
		},
	},
	{
		name:  "content inline data parts",
		match: func(msg gjson.Result) bool { return msg.Get("content").IsArray() },
		extract: func(msg gjson.Result) []imageSource {
			var sources []imageSource
			msg.Get("content").ForEach(func(_, part gjson.Result) bool {
				if source, ok := inlineDataOf(part); ok {
					sources = append(sources, source)
				}
				return true
			})
			return sources
		},
	},
	{
		name:  "message images list",
		match: func(msg gjson.Result) bool { return msg.Get("images").IsArray() },
		extract: func(msg gjson.Result) []imageSource {
			var sources []imageSource
			msg.Get("images").ForEach(func(_, item gjson.Result) bool {
				reference := imageURLOf(item)
				if reference == "" {
					reference = item.Get("url").String()
				}
				if reference == "" {
					reference = item.Get("b64_json").String()
				}
				if reference == "" && item.Type == gjson.String {
					reference = item.String()
				}
				if source, ok := sourceFromReference(reference); ok {
					sources = append(sources, source)
				}
				return true
			})
			return sources
		},
	},
	{
		name:  "data uris in text content",
		match: func(msg gjson.Result) bool { return msg.Get("content").Type == gjson.String },
		extract: func(msg gjson.Result) []imageSource {
			content := msg.Get("content").String()

			var sources []imageSource
			for _, uri := range dataURIPattern.FindAllString(content, -1) {
				if img, ok := codec.ParseImageURI(uri); ok {
					sources = append(sources, imageSource{image: img})
				}
			}
			for _, match := range markdownLinkPattern.FindAllStringSubmatch(content, -1) {
				sources = append(sources, imageSource{url: match[1]})
			}
			return sources
		},
	},
}

// nativePartShapes run against candidates[*].content.parts[*] of a native response.
var nativePartShapes = []shapeMatcher{
	{
		name: "inline data part",
		match: func(part gjson.Result) bool {
			return part.Get("inlineData").Exists() || part.Get("inline_data").Exists()
		},
		extract: func(part gjson.Result) []imageSource {
			if source, ok := inlineDataOf(part); ok {
				return []imageSource{source}
			}
			return nil
		},
	},
	{
		name:  "file data part",
		match: func(part gjson.Result) bool { return part.Get("fileData.fileUri").Exists() },
		extract: func(part gjson.Result) []imageSource {
			if source, ok := sourceFromReference(part.Get("fileData.fileUri").String()); ok {
				return []imageSource{source}
			}
			return nil
		},
	},
}

func imageURLOf(node gjson.Result) string {
	imageURL := node.Get("image_url")
	if imageURL.Type == gjson.String {
		return imageURL.String()
	}
	return imageURL.Get("url").String()
}

func inlineDataOf(part gjson.Result) (imageSource, bool) {
	inline := part.Get("inlineData")
	if !inline.Exists() {
		inline = part.Get("inline_data")
	}
	if !inline.Exists() {
		return imageSource{}, false
	}

	data := inline.Get("data").String()
	if data == "" {
		return imageSource{}, false
	}

	mimeType := inline.Get("mimeType").String()
	if mimeType == "" {
		mimeType = inline.Get("mime_type").String()
	}
	if mimeType == "" {
		mimeType = codec.SniffBase64(data)
	}

	return imageSource{image: core.Image{Base64: data, MimeType: mimeType}}, true
}

// sourceFromReference interprets a data URI, an http(s) URL or a bare base64 payload.
func sourceFromReference(reference string) (imageSource, bool) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return imageSource{}, false
	}

	if img, ok := codec.ParseImageURI(reference); ok {
		return imageSource{image: img}, true
	}

	if strings.HasPrefix(reference, "http://") || strings.HasPrefix(reference, "https://") {
		return imageSource{url: reference}, true
	}

	if codec.IsPlausibleBase64(reference) {
		return imageSource{image: core.Image{Base64: reference, MimeType: codec.SniffBase64(reference)}}, true
	}

	return imageSource{}, false
}

// resolveSources fetches URL sources in order. A failed download fails the call.
// downloadError marks a failure to fetch an image the upstream referenced. The
// strategy's own call succeeded, so it never means the protocol is unsupported.
type downloadError struct {
	url string
	err error
}

func (e *downloadError) Error() string {
	return "fetch image " + e.url + ": " + e.err.Error()
}

func (e *downloadError) Unwrap() error {
	return e.err
}

func resolveSources(ctx context.Context, client HTTPClient, timeout time.Duration, sources []imageSource) ([]core.Image, error) {
	images := make([]core.Image, 0, len(sources))
	for _, source := range sources {
		if source.url == "" {
			images = append(images, source.image)
			continue
		}

		img, err := client.FetchImage(ctx, source.url, timeout)
		if err != nil {
			return images, &downloadError{url: source.url, err: err}
		}
		images = append(images, img)
	}
	return images, nil
}
