package app

import (
	"log/slog"

	"github.com/laomeifun/gemini-images/internal/config"
	"github.com/laomeifun/gemini-images/internal/generate"
	"github.com/laomeifun/gemini-images/internal/provider"
	"github.com/laomeifun/gemini-images/internal/session"
	"github.com/laomeifun/gemini-images/internal/transport"
)

type Services struct {
	Store     *session.Store
	Adapter   *provider.Adapter
	Generator *generate.Service
}

// NewServices wires the session store, upstream adapter and orchestrator from cfg.
func NewServices(cfg config.Config, logger *slog.Logger) (Services, error) {
	if logger == nil {
		logger = slog.Default()
	}

	mode, err := provider.ParseMode(cfg.Upstream.Mode)
	if err != nil {
		return Services{}, err
	}

	endpoint := provider.Endpoint{
		BaseURL: cfg.Upstream.BaseURL,
		APIKey:  cfg.Upstream.APIKey,
		Model:   cfg.Upstream.Model,
		Timeout: cfg.Upstream.Timeout(),
	}
	requestLogger := provider.NewRequestLogger(cfg.Debug.LogDirectory, cfg.Debug.LogRequests, cfg.Debug.LogResponses, logger)
	adapter := provider.New(endpoint, transport.NewClient(nil), requestLogger, logger)

	storeOpts := session.Options{
		TTL:             cfg.Session.TTL(),
		MaxHistoryTurns: cfg.Session.MaxHistoryTurns,
		Logger:          logger,
	}
	if cfg.Session.Persist {
		storeOpts.Mirror = session.NewFileMirror(cfg.DataDir, logger)
	}
	store := session.NewStore(storeOpts)

	generator := generate.NewService(store, adapter, generate.Config{
		Mode:     mode,
		Size:     cfg.Generate.Size,
		MaxCount: cfg.Generate.MaxCount,
		Logger:   logger,
	})

	return Services{Store: store, Adapter: adapter, Generator: generator}, nil
}
