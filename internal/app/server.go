package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/laomeifun/gemini-images/internal/config"
	"github.com/laomeifun/gemini-images/internal/core"
	"github.com/laomeifun/gemini-images/internal/generate"
	"github.com/laomeifun/gemini-images/internal/provider"
)

const shutdownTimeout = 10 * time.Second

// PIDFile is where a running server records its process id.
func PIDFile(dataDir string) string {
	return filepath.Join(dataDir, "server.pid")
}

// RunServer serves the HTTP API on cfg.Server.Bind, sweeps expired sessions in the
// background, and shuts down on SIGINT or SIGTERM.
func RunServer(cfg config.Config) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	services, err := NewServices(cfg, logger)
	if err != nil {
		return fmt.Errorf("server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	go services.Store.RunSweeper(ctx, cfg.Session.SweepInterval())

	e := NewRouter(services, logger)

	pidFile := PIDFile(cfg.DataDir)
	if err := writePIDFile(pidFile); err != nil {
		slog.Warn("failed to write PID file", "error", err)
	}
	defer os.Remove(pidFile)

	errCh := make(chan error, 1)
	go func() {
		if err := e.Start(cfg.Server.Bind); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("server listening", "address", cfg.Server.Bind, "mode", cfg.Upstream.Mode, "persist", cfg.Session.Persist)

	select {
	case <-ctx.Done():
		slog.Info("received signal, shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: listen %s: %w", cfg.Server.Bind, err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		slog.Warn("drain timeout, forcing shutdown", "error", err)
	}
	return nil
}

type imagePayload struct {
	MimeType string `json:"mime_type"`
	B64JSON  string `json:"b64_json"`
}

type generateRequest struct {
	Prompt    string `json:"prompt"`
	SessionID string `json:"session_id"`
	Image     string `json:"image"`
	Size      string `json:"size"`
	Count     int    `json:"count"`
	Mode      string `json:"mode"`
}

type generateResponse struct {
	SessionID core.SessionID `json:"session_id"`
	Created   bool           `json:"created"`
	Images    []imagePayload `json:"images"`
}

type errorDetail struct {
	Kind    core.ErrorKind `json:"kind"`
	Message string         `json:"message"`
	Status  int            `json:"status,omitempty"`
	Body    string         `json:"body,omitempty"`
}

type errorResponse struct {
	Error errorDetail `json:"error"`
}

type handler struct {
	generator *generate.Service
	logger    *slog.Logger
	startedAt time.Time
}

// NewRouter builds the HTTP API around services.
func NewRouter(services Services, logger *slog.Logger) *echo.Echo {
	if logger == nil {
		logger = slog.Default()
	}

	h := &handler{generator: services.Generator, logger: logger, startedAt: time.Now()}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Info("http request", "method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency)
			return nil
		},
	}))

	e.GET("/health", h.health)
	e.GET("/v1/sessions", h.listSessions)
	e.POST("/v1/images/generations", h.generate)

	return e
}

func (h *handler) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"ok":         true,
		"started_at": h.startedAt.Format(time.RFC3339),
		"uptime":     time.Since(h.startedAt).Round(time.Second).String(),
	})
}

func (h *handler) listSessions(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"sessions": h.generator.ListSessions()})
}

// generate serves POST /v1/images/generations.
func (h *handler) generate(c echo.Context) error {
	var req generateRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, core.InvalidArgument("invalid request body"))
	}

	opts := generate.Options{
		Prompt:    req.Prompt,
		SessionID: core.SessionID(req.SessionID),
		Size:      req.Size,
		Count:     req.Count,
		Mode:      provider.Mode(req.Mode),
	}
	if req.Image != "" {
		img, err := generate.ParseInputImage(req.Image)
		if err != nil {
			return writeError(c, err)
		}
		opts.InputImage = &img
	}

	result, err := h.generator.Generate(c.Request().Context(), opts)
	if err != nil {
		return writeError(c, err)
	}

	images := make([]imagePayload, len(result.Images))
	for i, img := range result.Images {
		images[i] = imagePayload{MimeType: img.MimeType, B64JSON: img.Base64}
	}
	return c.JSON(http.StatusOK, generateResponse{SessionID: result.SessionID, Created: result.Created, Images: images})
}

func writeError(c echo.Context, err error) error {
	detail := errorDetail{Kind: core.KindOf(err), Message: err.Error()}

	var classified *core.Error
	if errors.As(err, &classified) {
		detail.Status = classified.Status
		detail.Body = classified.Body
	}

	return c.JSON(statusForKind(detail.Kind), errorResponse{Error: detail})
}

func statusForKind(kind core.ErrorKind) int {
	switch kind {
	case core.KindInvalidArgument:
		return http.StatusBadRequest
	case core.KindUpstreamRejected:
		return http.StatusBadGateway
	case core.KindUpstreamUnavailable:
		return http.StatusGatewayTimeout
	case core.KindNoImagesProduced:
		return http.StatusUnprocessableEntity
	case core.KindStorageUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("write pid file: mkdir: %w", err)
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}
