// Package config loads nightwatch's configuration from the environment,
// with an optional YAML overlay, the way a standalone daemon grown out of
// a server-config-driven plugin needs to: there is no admin console handing
// us a configuration struct anymore, so we assemble one ourselves.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config is the fully-resolved, validated configuration for one nightwatch
// process, regardless of which subcommand (serve/run/review/qa/audit/board)
// it was started as.
type Config struct {
	// Mattermost transport
	MattermostURL   string `mapstructure:"mattermost_url"`
	MattermostToken string `mapstructure:"mattermost_token"`
	MattermostTeam  string `mapstructure:"mattermost_team"`
	BotUserID       string `mapstructure:"bot_user_id"`

	// LLM provider
	LLMBaseURL string `mapstructure:"llm_base_url"`
	LLMAPIKey  string `mapstructure:"llm_api_key"`
	LLMModel   string `mapstructure:"llm_model"`

	// GitHub board
	GitHubToken         string `mapstructure:"github_token"`
	GitHubRepo          string `mapstructure:"github_repo"`
	GitHubProjectID     string `mapstructure:"github_project_id"`
	GitHubWebhookSecret string `mapstructure:"github_webhook_secret"`
	UseGHCLIFallback    bool   `mapstructure:"use_gh_cli_fallback"`

	// Persistence
	DataDir          string `mapstructure:"data_dir"`
	PersonaSecretKey string `mapstructure:"persona_secret_key"`

	// Job spawner
	SelfExecutable string `mapstructure:"self_executable"`

	// Proactive loop
	SweepIntervalSeconds int  `mapstructure:"sweep_interval_seconds"`
	AuditEnabled         bool `mapstructure:"audit_enabled"`

	// Ambient
	Debug          bool   `mapstructure:"debug"`
	HTTPListenAddr string `mapstructure:"http_listen_addr"`
}

// Load reads NW_* environment variables (optionally preloaded from a .env
// file) and an optional YAML file at path, and returns a validated Config.
// Env always wins over the YAML overlay.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("NW")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("data_dir", "./nightwatch-data")
	v.SetDefault("sweep_interval_seconds", 60)
	v.SetDefault("http_listen_addr", "")
	v.SetDefault("llm_model", "auto")
	v.SetDefault("use_gh_cli_fallback", true)
	v.SetDefault("audit_enabled", true)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(err, "failed to read config file")
		}
	}

	for _, key := range []string{
		"mattermost_url", "mattermost_token", "mattermost_team", "bot_user_id",
		"llm_base_url", "llm_api_key", "llm_model",
		"github_token", "github_repo", "github_project_id", "github_webhook_secret", "use_gh_cli_fallback",
		"data_dir", "persona_secret_key", "self_executable",
		"sweep_interval_seconds", "audit_enabled", "debug", "http_listen_addr",
	} {
		_ = v.BindEnv(key)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal configuration")
	}

	if err := cfg.IsValid(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// IsValid checks that required configuration is present and well-formed,
// in the spirit of the plugin configuration this grew out of: fail loud
// at startup rather than limp along silently.
func (c *Config) IsValid() error {
	if c.MattermostURL == "" {
		return fmt.Errorf("NW_MATTERMOST_URL is required")
	}
	if c.MattermostToken == "" {
		return fmt.Errorf("NW_MATTERMOST_TOKEN is required")
	}
	if c.LLMAPIKey == "" {
		return fmt.Errorf("NW_LLM_API_KEY is required")
	}
	if c.SweepIntervalSeconds < 10 {
		return fmt.Errorf("sweep interval must be at least 10 seconds, got %d", c.SweepIntervalSeconds)
	}
	if c.GitHubRepo != "" {
		parts := strings.Split(c.GitHubRepo, "/")
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return fmt.Errorf("github repo must be in 'owner/repo' format, got %q", c.GitHubRepo)
		}
	}
	if c.PersonaSecretKey == "" {
		return fmt.Errorf("NW_PERSONA_SECRET_KEY is required (32 bytes, base64 or raw)")
	}
	return nil
}

// SweepInterval returns the proactive loop's sweep cadence as a duration.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}
