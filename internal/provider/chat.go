package provider

import (
	"context"
	"log/slog"

	"github.com/tidwall/gjson"

	"github.com/laomeifun/gemini-images/internal/codec"
	"github.com/laomeifun/gemini-images/internal/core"
)

// ChatStrategy speaks the chat/completions protocol. Endpoints commonly return a
// single image per completion, so the call is repeated serially, at most Count
// times, until Count images have been collected.
type ChatStrategy struct {
	caller
}

func NewChatStrategy(endpoint Endpoint, client HTTPClient, requestLogger *RequestLogger, logger *slog.Logger) *ChatStrategy {
	return &ChatStrategy{caller: caller{
		name:          "chat-completions",
		endpoint:      endpoint,
		client:        client,
		requestLogger: requestLogger,
		logger:        orDefault(logger),
	}}
}

func (s *ChatStrategy) Name() string {
	return s.name
}

func (s *ChatStrategy) Generate(ctx context.Context, req Request) ([]core.Image, error) {
	payload := map[string]any{
		"model":      s.endpoint.Model,
		"messages":   chatMessages(req),
		"modalities": []string{"image", "text"},
		"stream":     false,
	}

	count := req.count()
	var images []core.Image
	for call := 0; call < count && len(images) < count; call++ {
		body, err := s.post(ctx, "/chat/completions", payload)
		if err != nil {
			return nil, err
		}

		var sources []imageSource
		gjson.GetBytes(body, "choices").ForEach(func(_, choice gjson.Result) bool {
			sources = append(sources, applyShapes(choice.Get("message"), chatMessageShapes)...)
			return true
		})

		produced, err := resolveSources(ctx, s.client, s.endpoint.Timeout, sources)
		if err != nil {
			return nil, err
		}

		s.logger.Debug("chat completion images", "call", call+1, "images", len(produced))
		images = append(images, produced...)
	}

	if len(images) == 0 {
		return nil, core.NoImagesProduced(s.name)
	}
	if len(images) > count {
		images = images[:count]
	}
	return images, nil
}

func chatMessages(req Request) []map[string]any {
	messages := make([]map[string]any, 0, len(req.History)+1)
	for _, message := range req.History {
		content, ok := chatContent(message.Parts)
		if !ok {
			continue
		}
		messages = append(messages, map[string]any{"role": string(message.Role), "content": content})
	}

	current := []core.ContentPart{core.TextPart(req.Prompt)}
	if req.InputImage != nil {
		current = append(current, core.ImagePart(*req.InputImage))
	}
	content, _ := chatContent(current)

	return append(messages, map[string]any{"role": string(core.RoleUser), "content": content})
}

// chatContent renders parts as a plain string when they are text only, and as a
// content part array otherwise.
func chatContent(parts []core.ContentPart) (any, bool) {
	textOnly := true
	for _, part := range parts {
		if part.Type == core.PartImage && part.IsInline() {
			textOnly = false
			break
		}
	}

	if textOnly {
		text := core.Message{Parts: parts}.Text()
		return text, text != ""
	}

	content := make([]map[string]any, 0, len(parts))
	for _, part := range parts {
		switch part.Type {
		case core.PartText:
			if part.Text != "" {
				content = append(content, map[string]any{"type": "text", "text": part.Text})
			}
		case core.PartImage:
			if img, ok := part.Image(); ok {
				content = append(content, map[string]any{
					"type":      "image_url",
					"image_url": map[string]any{"url": codec.FormatImageURI(img)},
				})
			}
		}
	}
	return content, len(content) > 0
}
