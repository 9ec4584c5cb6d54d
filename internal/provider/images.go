package provider

import (
	"context"
	"log/slog"

	"github.com/tidwall/gjson"

	"github.com/laomeifun/gemini-images/internal/codec"
	"github.com/laomeifun/gemini-images/internal/core"
)

// ImagesStrategy speaks the images/generations protocol: one call asks for all
// Count images at once.
type ImagesStrategy struct {
	caller
}

func NewImagesStrategy(endpoint Endpoint, client HTTPClient, requestLogger *RequestLogger, logger *slog.Logger) *ImagesStrategy {
	return &ImagesStrategy{caller: caller{
		name:          "images-generation",
		endpoint:      endpoint,
		client:        client,
		requestLogger: requestLogger,
		logger:        orDefault(logger),
	}}
}

func (s *ImagesStrategy) Name() string {
	return s.name
}

func (s *ImagesStrategy) Generate(ctx context.Context, req Request) ([]core.Image, error) {
	payload := map[string]any{
		"model":           s.endpoint.Model,
		"prompt":          req.Prompt,
		"n":               req.count(),
		"response_format": "b64_json",
	}
	if req.Size != "" {
		payload["size"] = req.Size
	}
	if req.InputImage != nil {
		payload["image"] = []string{codec.FormatImageURI(*req.InputImage)}
	}

	body, err := s.post(ctx, "/images/generations", payload)
	if err != nil {
		return nil, err
	}

	root := gjson.ParseBytes(body)
	declaredMime := ""
	if format := root.Get("output_format").String(); format != "" {
		declaredMime = codec.MimeForExtension(format)
	}

	var sources []imageSource
	root.Get("data").ForEach(func(_, item gjson.Result) bool {
		if data := item.Get("b64_json").String(); data != "" {
			mimeType := item.Get("mime_type").String()
			if mimeType == "" {
				mimeType = declaredMime
			}
			if mimeType == "" {
				mimeType = codec.SniffBase64(data)
			}
			sources = append(sources, imageSource{image: core.Image{Base64: data, MimeType: mimeType}})
			return true
		}

		if source, ok := sourceFromReference(item.Get("url").String()); ok {
			sources = append(sources, source)
		}
		return true
	})

	images, err := resolveSources(ctx, s.client, s.endpoint.Timeout, sources)
	if err != nil {
		return nil, err
	}
	if len(images) == 0 {
		return nil, core.NoImagesProduced(s.name)
	}
	return images, nil
}
