package config

import "github.com/spf13/viper"

type DebugConfig struct {
	LogRequests  bool   `toml:"log_requests"`
	LogResponses bool   `toml:"log_responses"`
	LogDirectory string `toml:"log_directory"`
}

var debugEnvAliases = map[string][]string{
	"debug.log_requests":  {"GEMINI_IMAGES_DEBUG_LOG_REQUESTS"},
	"debug.log_responses": {"GEMINI_IMAGES_DEBUG_LOG_RESPONSES"},
	"debug.log_directory": {"GEMINI_IMAGES_DEBUG_LOG_DIRECTORY"},
}

func applyDebugEnv(v *viper.Viper, cfg DebugConfig) DebugConfig {
	setBool(v, "debug.log_requests", &cfg.LogRequests)
	setBool(v, "debug.log_responses", &cfg.LogResponses)
	setString(v, "debug.log_directory", &cfg.LogDirectory)
	return cfg
}
