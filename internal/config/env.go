package config

import (
	"errors"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// envAliases lists, per config key, the environment variables that override it.
// The first one that is set wins.
var envAliases = map[string][]string{
	"data_dir":                       {"GEMINI_IMAGES_DATA_DIR"},
	"upstream.base_url":              {"GEMINI_IMAGES_BASE_URL", "GEMINI_BASE_URL", "OPENAI_BASE_URL"},
	"upstream.api_key":               {"GEMINI_IMAGES_API_KEY", "GEMINI_API_KEY", "GOOGLE_API_KEY", "OPENAI_API_KEY"},
	"upstream.model":                 {"GEMINI_IMAGES_MODEL", "GEMINI_MODEL", "IMAGE_MODEL"},
	"upstream.mode":                  {"GEMINI_IMAGES_MODE", "IMAGE_API_MODE"},
	"upstream.timeout_seconds":       {"GEMINI_IMAGES_TIMEOUT_SECONDS", "GEMINI_IMAGES_TIMEOUT"},
	"session.ttl_minutes":            {"GEMINI_IMAGES_SESSION_TTL_MINUTES"},
	"session.max_history_turns":      {"GEMINI_IMAGES_MAX_HISTORY_TURNS"},
	"session.sweep_interval_seconds": {"GEMINI_IMAGES_SWEEP_INTERVAL_SECONDS"},
	"session.persist":                {"GEMINI_IMAGES_SESSION_PERSIST"},
	"generate.size":                  {"GEMINI_IMAGES_SIZE"},
	"output.dir":                     {"GEMINI_IMAGES_OUTPUT_DIR"},
	"server.bind":                    {"GEMINI_IMAGES_BIND"},
}

// LoadDotEnv loads KEY=value pairs from the given files (".env" when none are
// given) into the process environment. Variables that are already set are kept;
// missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}

	for _, path := range paths {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// ApplyEnv overrides cfg with values from the environment.
func ApplyEnv(cfg Config) Config {
	v := newEnvViper()

	setString(v, "data_dir", &cfg.DataDir)
	setString(v, "upstream.base_url", &cfg.Upstream.BaseURL)
	setString(v, "upstream.api_key", &cfg.Upstream.APIKey)
	setString(v, "upstream.model", &cfg.Upstream.Model)
	setString(v, "upstream.mode", &cfg.Upstream.Mode)
	setInt(v, "upstream.timeout_seconds", &cfg.Upstream.TimeoutSeconds)
	setInt(v, "session.ttl_minutes", &cfg.Session.TTLMinutes)
	setInt(v, "session.max_history_turns", &cfg.Session.MaxHistoryTurns)
	setInt(v, "session.sweep_interval_seconds", &cfg.Session.SweepIntervalSeconds)
	setBool(v, "session.persist", &cfg.Session.Persist)
	setString(v, "generate.size", &cfg.Generate.Size)
	setString(v, "output.dir", &cfg.Output.Dir)
	setString(v, "server.bind", &cfg.Server.Bind)

	cfg.Debug = applyDebugEnv(v, cfg.Debug)
	return cfg
}

func newEnvViper() *viper.Viper {
	v := viper.New()
	for key, names := range envAliases {
		_ = v.BindEnv(append([]string{key}, names...)...)
	}
	for key, names := range debugEnvAliases {
		_ = v.BindEnv(append([]string{key}, names...)...)
	}
	return v
}

func setString(v *viper.Viper, key string, dst *string) {
	if value := v.GetString(key); v.IsSet(key) && value != "" {
		*dst = value
	}
}

func setInt(v *viper.Viper, key string, dst *int) {
	if value := v.GetInt(key); v.IsSet(key) && value > 0 {
		*dst = value
	}
}

func setBool(v *viper.Viper, key string, dst *bool) {
	if v.IsSet(key) {
		*dst = v.GetBool(key)
	}
}
