package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/laomeifun/gemini-images/internal/app"
	"github.com/laomeifun/gemini-images/internal/codec"
	"github.com/laomeifun/gemini-images/internal/core"
	"github.com/laomeifun/gemini-images/internal/generate"
	"github.com/laomeifun/gemini-images/internal/provider"
)

func runGenerateCmd(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	sessionOverride, _ := cmd.Flags().GetString("session")
	continueActive, _ := cmd.Flags().GetBool("continue")
	imageArg, _ := cmd.Flags().GetString("image")
	size, _ := cmd.Flags().GetString("size")
	count, _ := cmd.Flags().GetInt("count")
	mode, _ := cmd.Flags().GetString("mode")
	outDir, _ := cmd.Flags().GetString("out")

	prompt := strings.TrimSpace(strings.Join(args, " "))
	if prompt == "" {
		return fmt.Errorf("prompt is required")
	}

	sessionID := strings.TrimSpace(sessionOverride)
	if sessionID == "" && continueActive {
		sessionID = loadActiveSession(a.Config.DataDir)
	}

	opts := generate.Options{
		Prompt:    prompt,
		SessionID: core.SessionID(sessionID),
		Size:      size,
		Count:     count,
		Mode:      provider.Mode(mode),
	}
	if imageArg != "" {
		img, err := resolveInputImage(imageArg)
		if err != nil {
			return err
		}
		opts.InputImage = &img
	}

	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelWarn}))
	services, err := app.NewServices(a.Config, logger)
	if err != nil {
		return err
	}

	result, err := services.Generator.Generate(cmd.Context(), opts)
	if err != nil {
		return describeGenerateError(err)
	}

	if outDir == "" {
		outDir = a.Config.Output.Dir
	}
	paths, err := saveImages(outDir, result.SessionID, result.Images)
	if err != nil {
		return err
	}

	if err := saveActiveSession(a.Config.DataDir, string(result.SessionID)); err != nil {
		slog.Warn("failed to save active session", "error", err)
	}

	out := cmd.OutOrStdout()
	label := "session"
	if result.Created {
		label = "new session"
	}
	fmt.Fprintln(out, styleDim.Render(label)+" "+styleSessionID.Render(string(result.SessionID)))
	for _, path := range paths {
		fmt.Fprintln(out, styleSuccess.Render("saved")+" "+stylePath.Render(path))
	}
	return nil
}

// resolveInputImage accepts a data URI, a path to an image file, or a raw base64 payload.
func resolveInputImage(value string) (core.Image, error) {
	value = strings.TrimSpace(value)
	if img, ok := codec.ParseImageURI(value); ok {
		return img, nil
	}

	path := value
	if strings.HasPrefix(path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	if info, err := os.Stat(path); err == nil && !info.IsDir() {
		data, err := os.ReadFile(path)
		if err != nil {
			return core.Image{}, fmt.Errorf("read image: %w", err)
		}
		if len(data) == 0 {
			return core.Image{}, core.InvalidArgument("image file %s is empty", path)
		}
		return codec.Encode(data, ""), nil
	}

	img, err := generate.ParseInputImage(value)
	if err != nil {
		return core.Image{}, core.InvalidArgument("image must be a data URI, an existing file, or base64")
	}
	return img, nil
}

// saveImages writes images to dir as <session>-<n>.<ext>, continuing after any
// files already saved for the session.
func saveImages(dir string, sessionID core.SessionID, images []core.Image) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("save images: mkdir: %w", err)
	}

	paths := make([]string, 0, len(images))
	n := 1
	for _, img := range images {
		data, err := codec.Decode(img)
		if err != nil {
			return paths, fmt.Errorf("save images: decode: %w", err)
		}

		ext := codec.ExtensionForMime(img.MimeType)
		var path string
		for {
			path = filepath.Join(dir, fmt.Sprintf("%s-%d.%s", sessionID, n, ext))
			n++
			if _, err := os.Stat(path); err != nil {
				break
			}
		}

		if err := os.WriteFile(path, data, 0o644); err != nil {
			return paths, fmt.Errorf("save images: %w", err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func describeGenerateError(err error) error {
	var hint string
	switch core.KindOf(err) {
	case core.KindUpstreamRejected:
		switch core.HTTPStatus(err) {
		case 401, 403:
			hint = "check upstream.api_key or GEMINI_IMAGES_API_KEY"
		case 404:
			hint = "check upstream.base_url and upstream.model, or pin --mode"
		}
	case core.KindUpstreamUnavailable:
		hint = "check the network or raise upstream.timeout_seconds"
	case core.KindNoImagesProduced:
		hint = "the model answered without an image; try rephrasing the prompt"
	}

	if hint == "" {
		return err
	}
	return errors.New(styledError(err.Error(), hint))
}
