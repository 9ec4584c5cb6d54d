package core

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type PartType string

const (
	PartText  PartType = "text"
	PartImage PartType = "image"
)

// Image is a base64 encoded image payload. Values are never mutated once produced.
type Image struct {
	Base64   string `json:"base64"`
	MimeType string `json:"mimeType"`
}

// ContentPart is either a text part or an image part. An image part carries its
// payload inline in Data or references a stored blob through Path.
type ContentPart struct {
	Type     PartType `json:"type"`
	Text     string   `json:"text,omitempty"`
	MimeType string   `json:"mimeType,omitempty"`
	Data     string   `json:"data,omitempty"`
	Path     string   `json:"path,omitempty"`
}

type Message struct {
	Role  Role          `json:"role"`
	Parts []ContentPart `json:"content"`
}

func TextPart(text string) ContentPart {
	return ContentPart{Type: PartText, Text: text}
}

func ImagePart(img Image) ContentPart {
	return ContentPart{Type: PartImage, MimeType: img.MimeType, Data: img.Base64}
}

// IsInline reports whether the part is an image whose payload is held in memory.
func (p ContentPart) IsInline() bool {
	return p.Type == PartImage && p.Data != ""
}

// Image returns the inline image payload of an image part.
func (p ContentPart) Image() (Image, bool) {
	if !p.IsInline() {
		return Image{}, false
	}
	return Image{Base64: p.Data, MimeType: p.MimeType}, true
}

// Text concatenates the text parts of the message.
func (m Message) Text() string {
	var text string
	for _, part := range m.Parts {
		if part.Type != PartText || part.Text == "" {
			continue
		}
		if text != "" {
			text += "\n"
		}
		text += part.Text
	}
	return text
}

// CloneMessages returns a copy of messages whose part slices can be modified
// without affecting the original.
func CloneMessages(messages []Message) []Message {
	if messages == nil {
		return nil
	}

	cloned := make([]Message, len(messages))
	for i, msg := range messages {
		cloned[i] = Message{Role: msg.Role, Parts: append([]ContentPart(nil), msg.Parts...)}
	}
	return cloned
}
