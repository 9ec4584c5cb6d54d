// Package cli implements the Cobra command tree for the gemini-images CLI.
package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/laomeifun/gemini-images/internal/config"
)

func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "gemini-images [prompt]",
		Short:         "Generate and iteratively edit images",
		SilenceErrors: true,
		SilenceUsage:  true,
		Args:          cobra.ArbitraryArgs,
		RunE:          runGenerateCmd,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to config file")
	rootCmd.PersistentFlags().String("env-file", "", "load environment variables from this file (default .env)")

	rootCmd.Flags().StringP("session", "s", "", "session id to continue")
	rootCmd.Flags().Bool("continue", false, "continue the last active session")
	rootCmd.Flags().StringP("image", "i", "", "input image: data URI, file path, or base64")
	rootCmd.Flags().String("size", "", "image size, e.g. 1024x1024")
	rootCmd.Flags().IntP("count", "n", 0, "number of images to generate")
	rootCmd.Flags().String("mode", "", "upstream protocol: auto, images, native or chat")
	rootCmd.Flags().StringP("out", "o", "", "directory to save images to (overrides config)")

	rootCmd.AddCommand(newSessionsCmd())
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newStopCmd())

	return rootCmd
}

func loadConfig(path string) (config.Config, error) {
	configPath := path
	if configPath == "" {
		configPath = filepath.Join(config.Default().DataDir, "config.toml")
	}
	return config.LoadOrCreate(configPath)
}

func loadActiveSession(dataDir string) string {
	path := filepath.Join(dataDir, "active_session")
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func saveActiveSession(dataDir string, sessionID string) error {
	if sessionID == "" {
		return nil
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("save active session: mkdir: %w", err)
	}

	path := filepath.Join(dataDir, "active_session")
	if err := os.WriteFile(path, []byte(sessionID), 0o644); err != nil {
		return fmt.Errorf("save active session: %w", err)
	}
	return nil
}
