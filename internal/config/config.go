package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config tunes a Client's signaling, retry, and ICE behavior. Zero
// values are filled in by Load with the same defaults the client ships
// with, then validated.
type Config struct {
	// Prefix is prepended to every SFU API path, e.g. "/partytracks".
	Prefix string `mapstructure:"prefix" validate:"required"`
	// APIExtraParams is appended as query parameters to every SFU call.
	APIExtraParams map[string]string `mapstructure:"api_extra_params"`
	// Headers is sent on every SFU call, e.g. an Authorization header.
	Headers map[string]string `mapstructure:"headers"`
	// MaxAPIHistory bounds how many request/response pairs are
	// retained for diagnostics.
	MaxAPIHistory int `mapstructure:"max_api_history" validate:"min=0"`

	// ICEServers overrides the servers returned by the SFU's
	// generate-ice-servers endpoint, when set.
	ICEServers []ICEServer `mapstructure:"ice_servers"`
	// ICEDisconnectProbation is how long a peer connection may sit in
	// the "disconnected" ICE state before the session is torn down and
	// rebuilt.
	ICEDisconnectProbation time.Duration `mapstructure:"ice_disconnect_probation" validate:"min=0"`

	// RetryBaseDelay, RetryMaxDelay, and RetryMaxAttempts tune session
	// reconnection backoff.
	RetryBaseDelay   time.Duration `mapstructure:"retry_base_delay" validate:"min=0"`
	RetryMaxDelay    time.Duration `mapstructure:"retry_max_delay" validate:"min=0"`
	RetryMaxAttempts int           `mapstructure:"retry_max_attempts" validate:"min=0"`
}

// ICEServer mirrors the shape accepted by pion/webrtc's ICEServer and the
// SFU's generate-ice-servers response.
type ICEServer struct {
	URLs       []string `mapstructure:"urls" validate:"required"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
}

// Load reads config/partytracks.<CONFIG_ENV>.yaml (CONFIG_ENV defaults
// to "dev"), falling back to defaults when the file is absent, then
// validates the result.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/partytracks.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	fmt.Printf("🧩 Prefix: %s | MaxAPIHistory: %d | ICEDisconnectProbation: %s\n",
		cfg.Prefix, cfg.MaxAPIHistory, cfg.ICEDisconnectProbation)
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("prefix", "/partytracks")
	v.SetDefault("max_api_history", 100)
	v.SetDefault("ice_disconnect_probation", "7s")
	v.SetDefault("retry_base_delay", "1s")
	v.SetDefault("retry_max_delay", "30s")
	v.SetDefault("retry_max_attempts", 0)
}

// Default returns a Config populated with the same defaults Load falls
// back to, without touching the filesystem. Useful for tests and for
// callers constructing a Client without a config file.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}
