package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/laomeifun/gemini-images/internal/config"
)

type App struct {
	Config     config.Config
	ConfigPath string
	EnvFile    string
}

func newApp(cmd *cobra.Command) (*App, error) {
	configPath, _ := cmd.Flags().GetString("config")
	envFile, _ := cmd.Flags().GetString("env-file")

	var envFiles []string
	if envFile != "" {
		envFiles = append(envFiles, envFile)
	}
	if err := config.LoadDotEnv(envFiles...); err != nil {
		return nil, fmt.Errorf("load env file: %w", err)
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	return &App{
		Config:     cfg,
		ConfigPath: configPath,
		EnvFile:    envFile,
	}, nil
}
