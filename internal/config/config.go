package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

type UpstreamConfig struct {
	BaseURL        string `toml:"base_url"`
	APIKey         string `toml:"api_key"`
	Model          string `toml:"model"`
	Mode           string `toml:"mode"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

type SessionConfig struct {
	TTLMinutes           int  `toml:"ttl_minutes"`
	MaxHistoryTurns      int  `toml:"max_history_turns"`
	SweepIntervalSeconds int  `toml:"sweep_interval_seconds"`
	Persist              bool `toml:"persist"`
}

type GenerateConfig struct {
	Size     string `toml:"size"`
	MaxCount int    `toml:"max_count"`
}

type OutputConfig struct {
	Dir string `toml:"dir"`
}

type ServerConfig struct {
	Bind string `toml:"bind"`
}

type Config struct {
	DataDir  string         `toml:"data_dir"`
	Upstream UpstreamConfig `toml:"upstream"`
	Session  SessionConfig  `toml:"session"`
	Generate GenerateConfig `toml:"generate"`
	Output   OutputConfig   `toml:"output"`
	Server   ServerConfig   `toml:"server"`
	Debug    DebugConfig    `toml:"debug"`
}

func Default() Config {
	defaultDataDir := defaultDataDir()
	return Config{
		DataDir: defaultDataDir,
		Upstream: UpstreamConfig{
			BaseURL:        "https://generativelanguage.googleapis.com/v1beta",
			Model:          "gemini-2.5-flash-image",
			Mode:           "auto",
			TimeoutSeconds: 120,
		},
		Session: SessionConfig{
			TTLMinutes:           60,
			MaxHistoryTurns:      10,
			SweepIntervalSeconds: 300,
			Persist:              true,
		},
		Generate: GenerateConfig{
			Size:     "1024x1024",
			MaxCount: 4,
		},
		Output: OutputConfig{
			Dir: ".",
		},
		Server: ServerConfig{
			Bind: "127.0.0.1:8787",
		},
		Debug: DebugConfig{
			LogRequests:  false,
			LogResponses: false,
			LogDirectory: filepath.Join(defaultDataDir, "debug"),
		},
	}
}

// LoadOrCreate reads the config file at path, writing the defaults there first if
// it does not exist. Environment overrides are applied on top of the file.
func LoadOrCreate(path string) (Config, error) {
	config := Default()

	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return config, err
		}

		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return config, err
		}

		configData, err := toml.Marshal(config)
		if err != nil {
			return config, err
		}

		if err := os.WriteFile(path, configData, 0o600); err != nil {
			return config, err
		}
	} else {
		configData, err := os.ReadFile(path)
		if err != nil {
			return config, err
		}

		if err := toml.Unmarshal(configData, &config); err != nil {
			return config, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	config = ApplyEnv(config)
	return config.normalize()
}

func (c Config) normalize() (Config, error) {
	defaults := Default()

	c.DataDir = expandPath(c.DataDir)
	c.Output.Dir = expandPath(c.Output.Dir)
	c.Debug.LogDirectory = expandPath(c.Debug.LogDirectory)
	c.Upstream.BaseURL = strings.TrimRight(strings.TrimSpace(c.Upstream.BaseURL), "/")
	c.Upstream.Model = strings.TrimSpace(c.Upstream.Model)
	c.Server.Bind = strings.TrimSpace(c.Server.Bind)

	if c.Upstream.BaseURL == "" {
		return c, errors.New("upstream.base_url is required")
	}
	if c.Upstream.Model == "" {
		return c, errors.New("upstream.model is required")
	}

	if c.DataDir == "" {
		c.DataDir = defaults.DataDir
	}
	if c.Upstream.TimeoutSeconds <= 0 {
		c.Upstream.TimeoutSeconds = defaults.Upstream.TimeoutSeconds
	}
	if c.Session.TTLMinutes <= 0 {
		c.Session.TTLMinutes = defaults.Session.TTLMinutes
	}
	if c.Session.MaxHistoryTurns <= 0 {
		c.Session.MaxHistoryTurns = defaults.Session.MaxHistoryTurns
	}
	if c.Session.SweepIntervalSeconds <= 0 {
		c.Session.SweepIntervalSeconds = defaults.Session.SweepIntervalSeconds
	}
	if c.Generate.Size == "" {
		c.Generate.Size = defaults.Generate.Size
	}
	if c.Generate.MaxCount <= 0 {
		c.Generate.MaxCount = defaults.Generate.MaxCount
	}
	if c.Server.Bind == "" {
		c.Server.Bind = defaults.Server.Bind
	}

	return c, nil
}

func (c UpstreamConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c SessionConfig) TTL() time.Duration {
	return time.Duration(c.TTLMinutes) * time.Minute
}

func (c SessionConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

func defaultDataDir() string {
	homeDir, _ := os.UserHomeDir()

	if homeDir == "" {
		return ".gemini-images"
	}

	return filepath.Join(homeDir, ".gemini-images")
}

func expandPath(path string) string {
	if path == "" {
		return ""
	}

	if strings.HasPrefix(path, "~") {
		homeDir, _ := os.UserHomeDir()

		if homeDir != "" {
			trimmed := strings.TrimPrefix(path, "~")
			trimmed = strings.TrimPrefix(trimmed, string(os.PathSeparator))

			return filepath.Join(homeDir, trimmed)
		}
	}

	return path
}
