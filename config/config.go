// Package config loads service configuration from a YAML file with
// environment variable overrides for deployment-specific values.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration decodes YAML scalars in time.ParseDuration notation ("45m",
// "10s"). Plain integers are read as nanoseconds the way yaml.v3 would.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		var ns int64
		if intErr := value.Decode(&ns); intErr != nil {
			return fmt.Errorf("config: invalid duration %q: %w", raw, err)
		}
		parsed = time.Duration(ns)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full service configuration.
type Config struct {
	DatabaseURL string  `yaml:"database_url"`
	HTTP        HTTP    `yaml:"http"`
	Workers     Workers `yaml:"workers"`
	Digisac     Digisac `yaml:"digisac"`
	ContaAzul   OAuth   `yaml:"conta_azul"`
	Bitrix      Bitrix  `yaml:"bitrix"`
}

// HTTP configures the webhook server.
type HTTP struct {
	Addr            string   `yaml:"addr"`
	WebhookSecret   string   `yaml:"webhook_secret"`
	APIKeyHash      string   `yaml:"api_key_hash"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// Workers configures the background loops.
type Workers struct {
	ReplayInterval       Duration `yaml:"replay_interval"`
	SweepInterval        Duration `yaml:"sweep_interval"`
	SessionIdleAfter     Duration `yaml:"session_idle_after"`
	TokenRefreshInterval Duration `yaml:"token_refresh_interval"`
}

// Digisac identifies the automation on the messaging platform.
type Digisac struct {
	BaseURL               string `yaml:"base_url"`
	DepartmentID          string `yaml:"department_id"`
	RetentionDepartmentID string `yaml:"retention_department_id"`
	BotUserID             string `yaml:"bot_user_id"`
	OAuth                 OAuth  `yaml:"oauth"`
}

// OAuth holds credentials for a token-managed provider.
type OAuth struct {
	TokenURL     string `yaml:"token_url"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
}

// Bitrix configures the CRM client.
type Bitrix struct {
	WebhookURL         string `yaml:"webhook_url"`
	ProposalWorkflowID int64  `yaml:"proposal_workflow_id"`
}

// Defaults applied when the file and environment say nothing.
func defaults() Config {
	return Config{
		HTTP: HTTP{
			Addr:            ":8080",
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Workers: Workers{
			ReplayInterval:       Duration(15 * time.Second),
			SweepInterval:        Duration(60 * time.Second),
			SessionIdleAfter:     Duration(30 * time.Minute),
			TokenRefreshInterval: Duration(10 * time.Minute),
		},
	}
}

// Load reads the configuration file at path, falling back to defaults when
// path is empty, then applies environment overrides. Secrets normally come
// from the environment, not the file.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("config: database_url is required")
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setEnv(&cfg.DatabaseURL, "DATABASE_URL")
	setEnv(&cfg.HTTP.Addr, "HTTP_ADDR")
	setEnv(&cfg.HTTP.WebhookSecret, "WEBHOOK_SECRET")
	setEnv(&cfg.HTTP.APIKeyHash, "API_KEY_HASH")
	setEnv(&cfg.Digisac.BaseURL, "DIGISAC_BASE_URL")
	setEnv(&cfg.Digisac.OAuth.ClientID, "DIGISAC_CLIENT_ID")
	setEnv(&cfg.Digisac.OAuth.ClientSecret, "DIGISAC_CLIENT_SECRET")
	setEnv(&cfg.Digisac.OAuth.Username, "DIGISAC_USERNAME")
	setEnv(&cfg.Digisac.OAuth.Password, "DIGISAC_PASSWORD")
	setEnv(&cfg.ContaAzul.ClientID, "CONTA_AZUL_CLIENT_ID")
	setEnv(&cfg.ContaAzul.ClientSecret, "CONTA_AZUL_CLIENT_SECRET")
	setEnv(&cfg.Bitrix.WebhookURL, "BITRIX_WEBHOOK_URL")
}

func setEnv(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
