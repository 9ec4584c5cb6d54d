package provider

import (
	"context"
	"log/slog"

	"github.com/tidwall/gjson"

	"github.com/laomeifun/gemini-images/internal/core"
)

// NativeStrategy speaks the native generateContent protocol. Each call yields the
// images of one generation, so it is repeated until Count images are collected.
type NativeStrategy struct {
	caller
}

func NewNativeStrategy(endpoint Endpoint, client HTTPClient, requestLogger *RequestLogger, logger *slog.Logger) *NativeStrategy {
	return &NativeStrategy{caller: caller{
		name:          "native-generation",
		endpoint:      endpoint,
		client:        client,
		requestLogger: requestLogger,
		logger:        orDefault(logger),
	}}
}

func (s *NativeStrategy) Name() string {
	return s.name
}

func (s *NativeStrategy) Generate(ctx context.Context, req Request) ([]core.Image, error) {
	payload := s.buildPayload(req)
	path := "/models/" + s.endpoint.Model + ":generateContent"

	count := req.count()
	var images []core.Image
	for call := 0; call < count && len(images) < count; call++ {
		body, err := s.post(ctx, path, payload)
		if err != nil {
			return nil, err
		}

		var sources []imageSource
		gjson.GetBytes(body, "candidates").ForEach(func(_, candidate gjson.Result) bool {
			candidate.Get("content.parts").ForEach(func(_, part gjson.Result) bool {
				sources = append(sources, applyShapes(part, nativePartShapes)...)
				return true
			})
			return true
		})

		produced, err := resolveSources(ctx, s.client, s.endpoint.Timeout, sources)
		if err != nil {
			return nil, err
		}
		images = append(images, produced...)
	}

	if len(images) == 0 {
		return nil, core.NoImagesProduced(s.name)
	}
	return images, nil
}

func (s *NativeStrategy) buildPayload(req Request) map[string]any {
	contents := make([]map[string]any, 0, len(req.History)+1)
	for _, message := range req.History {
		parts := nativeParts(message.Parts)
		if len(parts) == 0 {
			continue
		}
		contents = append(contents, map[string]any{"role": nativeRole(message.Role), "parts": parts})
	}

	current := []map[string]any{{"text": req.Prompt}}
	if req.InputImage != nil {
		current = append(current, inlineDataPart(*req.InputImage))
	}
	contents = append(contents, map[string]any{"role": "user", "parts": current})

	generationConfig := map[string]any{
		"responseModalities": []string{"TEXT", "IMAGE"},
	}
	if ratio := AspectRatioFor(req.Size); ratio != "" {
		generationConfig["imageConfig"] = map[string]any{"aspectRatio": ratio}
	}

	return map[string]any{
		"contents":         contents,
		"generationConfig": generationConfig,
	}
}

func nativeRole(role core.Role) string {
	if role == core.RoleAssistant {
		return "model"
	}
	return "user"
}

func nativeParts(parts []core.ContentPart) []map[string]any {
	out := make([]map[string]any, 0, len(parts))
	for _, part := range parts {
		switch part.Type {
		case core.PartText:
			if part.Text != "" {
				out = append(out, map[string]any{"text": part.Text})
			}
		case core.PartImage:
			if img, ok := part.Image(); ok {
				out = append(out, inlineDataPart(img))
			}
		}
	}
	return out
}

func inlineDataPart(img core.Image) map[string]any {
	return map[string]any{
		"inlineData": map[string]any{
			"mimeType": img.MimeType,
			"data":     img.Base64,
		},
	}
}
