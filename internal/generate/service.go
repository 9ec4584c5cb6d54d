// Package generate turns a prompt into images within a session: it resolves the
// session, picks the input image, calls the upstream adapter and records the turn.
package generate

import (
	"context"
	"log/slog"
	"strings"

	"github.com/laomeifun/gemini-images/internal/codec"
	"github.com/laomeifun/gemini-images/internal/core"
	"github.com/laomeifun/gemini-images/internal/provider"
	"github.com/laomeifun/gemini-images/internal/session"
)

const (
	DefaultSize     = "1024x1024"
	DefaultCount    = 1
	DefaultMaxCount = 4
)

// Generator produces images for one request. *provider.Adapter implements it.
type Generator interface {
	GenerateImages(ctx context.Context, mode provider.Mode, req provider.Request) ([]core.Image, error)
}

type Options struct {
	Prompt     string
	SessionID  core.SessionID
	InputImage *core.Image
	Size       string
	Count      int
	Mode       provider.Mode
}

type Result struct {
	Images    []core.Image   `json:"images"`
	SessionID core.SessionID `json:"session_id"`
	Created   bool           `json:"created"`
}

type Config struct {
	Mode     provider.Mode
	Size     string
	MaxCount int
	Logger   *slog.Logger
}

type Service struct {
	store     *session.Store
	generator Generator
	mode      provider.Mode
	size      string
	maxCount  int
	logger    *slog.Logger
}

func NewService(store *session.Store, generator Generator, cfg Config) *Service {
	if cfg.Mode == "" {
		cfg.Mode = provider.ModeAuto
	}
	if cfg.Size == "" {
		cfg.Size = DefaultSize
	}
	if cfg.MaxCount <= 0 {
		cfg.MaxCount = DefaultMaxCount
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Service{
		store:     store,
		generator: generator,
		mode:      cfg.Mode,
		size:      cfg.Size,
		maxCount:  cfg.MaxCount,
		logger:    cfg.Logger,
	}
}

// Generate runs one turn. On failure the session is left exactly as it was.
func (s *Service) Generate(ctx context.Context, opts Options) (Result, error) {
	opts, err := s.normalize(opts)
	if err != nil {
		return Result{}, err
	}

	sess, created := s.store.GetOrCreate(opts.SessionID)
	if opts.SessionID != "" && created {
		s.logger.Info("session not found, starting a new one", "requested", opts.SessionID, "session_id", sess.ID)
	}

	inputImage := opts.InputImage
	if inputImage == nil && !created && sess.LastImage != nil {
		inputImage = sess.LastImage
	}

	images, err := s.generator.GenerateImages(ctx, opts.Mode, provider.Request{
		Prompt:     opts.Prompt,
		Size:       opts.Size,
		Count:      opts.Count,
		History:    s.store.History(sess),
		InputImage: inputImage,
	})
	if err != nil {
		s.logger.Warn("generation failed", "session_id", sess.ID, "mode", opts.Mode, "error", err)
		return Result{}, err
	}

	userParts := []core.ContentPart{core.TextPart(opts.Prompt)}
	if opts.InputImage != nil {
		userParts = append(userParts, core.ImagePart(*opts.InputImage))
	}
	if _, err := s.store.Update(sess, userParts, images); err != nil {
		return Result{}, err
	}

	s.logger.Info("generated images", "session_id", sess.ID, "images", len(images), "created", created)
	return Result{Images: images, SessionID: sess.ID, Created: created}, nil
}

func (s *Service) ListSessions() []session.Summary {
	return s.store.List()
}

func (s *Service) normalize(opts Options) (Options, error) {
	opts.Prompt = strings.TrimSpace(opts.Prompt)
	if opts.Prompt == "" {
		return opts, core.InvalidArgument("prompt must not be empty")
	}

	if opts.Count == 0 {
		opts.Count = DefaultCount
	}
	if opts.Count < 1 || opts.Count > s.maxCount {
		return opts, core.InvalidArgument("count must be between 1 and %d, got %d", s.maxCount, opts.Count)
	}

	if opts.Size == "" {
		opts.Size = s.size
	}

	if opts.Mode == "" {
		opts.Mode = s.mode
	}
	mode, err := provider.ParseMode(string(opts.Mode))
	if err != nil {
		return opts, err
	}
	opts.Mode = mode

	if opts.InputImage != nil && opts.InputImage.Base64 == "" {
		opts.InputImage = nil
	}

	return opts, nil
}

// ParseInputImage accepts a data URI or a raw base64 payload, whose type is sniffed.
func ParseInputImage(value string) (core.Image, error) {
	value = strings.TrimSpace(value)
	if img, ok := codec.ParseImageURI(value); ok {
		return img, nil
	}
	if codec.IsPlausibleBase64(value) {
		return core.Image{Base64: value, MimeType: codec.SniffBase64(value)}, nil
	}
	return core.Image{}, core.InvalidArgument("image must be a data URI or base64 payload")
}
