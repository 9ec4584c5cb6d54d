package provider

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/laomeifun/gemini-images/internal/core"
)

// Adapter runs one strategy or, in auto mode, the fallback chain
// images-generation → native-generation → chat-completions.
type Adapter struct {
	images Strategy
	native Strategy
	chat   Strategy
	logger *slog.Logger
}

func NewAdapter(images, native, chat Strategy, logger *slog.Logger) *Adapter {
	return &Adapter{images: images, native: native, chat: chat, logger: orDefault(logger)}
}

// New wires the three HTTP strategies for endpoint.
func New(endpoint Endpoint, client HTTPClient, requestLogger *RequestLogger, logger *slog.Logger) *Adapter {
	return NewAdapter(
		NewImagesStrategy(endpoint, client, requestLogger, logger),
		NewNativeStrategy(endpoint, client, requestLogger, logger),
		NewChatStrategy(endpoint, client, requestLogger, logger),
		logger,
	)
}

// GenerateImages returns between 1 and req.Count images, or an error. A strategy
// that succeeds without producing any image fails with no_images_produced.
func (a *Adapter) GenerateImages(ctx context.Context, mode Mode, req Request) ([]core.Image, error) {
	switch mode {
	case ModeImages:
		return a.run(ctx, a.images, req)
	case ModeNative:
		return a.run(ctx, a.native, req)
	case ModeChat:
		return a.run(ctx, a.chat, req)
	case ModeAuto, "":
		return a.auto(ctx, req)
	default:
		return nil, core.InvalidArgument("unknown mode %q", mode)
	}
}

func (a *Adapter) auto(ctx context.Context, req Request) ([]core.Image, error) {
	images, err := a.run(ctx, a.images, req)
	if err == nil {
		return images, nil
	}
	if !fallbackEligible(err) {
		return nil, err
	}

	a.logger.Info("primary strategy unsupported, falling back",
		"strategy", a.images.Name(),
		"status", core.HTTPStatus(err),
		"next", a.native.Name(),
	)

	images, err = a.run(ctx, a.native, req)
	if err == nil {
		return images, nil
	}

	a.logger.Warn("fallback strategy failed",
		"strategy", a.native.Name(),
		"error", err,
		"next", a.chat.Name(),
	)

	return a.run(ctx, a.chat, req)
}

func (a *Adapter) run(ctx context.Context, strategy Strategy, req Request) ([]core.Image, error) {
	if strategy == nil {
		return nil, errors.New("strategy not configured")
	}

	images, err := strategy.Generate(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(images) == 0 {
		return nil, core.NoImagesProduced(strategy.Name())
	}

	if count := req.count(); len(images) > count {
		images = images[:count]
	}

	a.logger.Debug("strategy produced images", "strategy", strategy.Name(), "images", len(images))
	return images, nil
}

// fallbackEligible reports whether a primary-strategy failure means the endpoint
// does not support the protocol. A failed download of a referenced image never does.
func fallbackEligible(err error) bool {
	var download *downloadError
	if errors.As(err, &download) {
		return false
	}

	var classified *core.Error
	if !errors.As(err, &classified) || classified.Kind != core.KindUpstreamRejected {
		return false
	}
	return classified.Status == http.StatusNotFound || classified.Status == http.StatusBadRequest
}
