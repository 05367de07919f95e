package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

const (
	DefaultConfigPath      = "config.toml"
	DefaultHTTPAddr        = ":8080"
	DefaultGraphBaseURL    = "https://graph.facebook.com"
	DefaultGraphAPIVersion = "v22.0"
	DefaultOpenAIBaseURL   = "https://api.openai.com/v1"
	DefaultTextModel       = "gpt-4o-mini"
	DefaultVisionModel     = "gpt-4o"
	DefaultMaxTokens       = 1000
	DefaultOpenAITimeout   = 30
	DefaultStaleAfter      = 300
	DefaultSendAttempts    = 3
	DefaultBackoffBaseMs   = 500
	DefaultBackoffCapMs    = 8000
)

type Config struct {
	Log    LogConfig    `toml:"log"`
	Server ServerConfig `toml:"server"`
	Meta   MetaConfig   `toml:"meta"`
	OpenAI OpenAIConfig `toml:"openai"`
	Relay  RelayConfig  `toml:"relay"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

// MetaConfig holds the WhatsApp Business / Graph API settings. AccessToken
// is a fixed long-lived token; when AppID and AppSecret are set instead, the
// token manager issues and renews system-user tokens on its own.
type MetaConfig struct {
	GraphBaseURL       string `toml:"graph_base_url"`
	APIVersion         string `toml:"api_version"`
	PhoneNumberID      string `toml:"phone_number_id" validate:"required"`
	BusinessAccountID  string `toml:"business_account_id" validate:"required"`
	AccessToken        string `toml:"access_token" validate:"required_without_all=AppID AppSecret"`
	AppID              string `toml:"app_id"`
	AppSecret          string `toml:"app_secret" validate:"required_with=AppID"`
	WebhookVerifyToken string `toml:"webhook_verify_token" validate:"required"`
}

type OpenAIConfig struct {
	APIKey         string `toml:"api_key" validate:"required"`
	BaseURL        string `toml:"base_url"`
	TextModel      string `toml:"text_model"`
	VisionModel    string `toml:"vision_model"`
	MaxTokens      int    `toml:"max_tokens"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

type RelayConfig struct {
	ProcessingNotice  bool `toml:"processing_notice"`
	StaleAfterSeconds int  `toml:"stale_after_seconds"`
	SendMaxAttempts   int  `toml:"send_max_attempts"`
	SendBackoffBaseMs int  `toml:"send_backoff_base_ms"`
	SendBackoffCapMs  int  `toml:"send_backoff_cap_ms"`
}

// Load reads the config file at path (defaults applied first, a missing file
// is not an error), then lets environment variables override the secrets so
// deployments never have to write them to disk.
func Load(path string) (Config, error) {
	cfg := Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Meta: MetaConfig{
			GraphBaseURL: DefaultGraphBaseURL,
			APIVersion:   DefaultGraphAPIVersion,
		},
		OpenAI: OpenAIConfig{
			BaseURL:        DefaultOpenAIBaseURL,
			TextModel:      DefaultTextModel,
			VisionModel:    DefaultVisionModel,
			MaxTokens:      DefaultMaxTokens,
			TimeoutSeconds: DefaultOpenAITimeout,
		},
		Relay: RelayConfig{
			ProcessingNotice:  true,
			StaleAfterSeconds: DefaultStaleAfter,
			SendMaxAttempts:   DefaultSendAttempts,
			SendBackoffBaseMs: DefaultBackoffBaseMs,
			SendBackoffCapMs:  DefaultBackoffCapMs,
		},
	}

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return cfg, err
		}
	} else if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	overrides := []struct {
		env    string
		target *string
	}{
		{"META_PHONE_NUMBER_ID", &cfg.Meta.PhoneNumberID},
		{"META_BUSINESS_ACCOUNT_ID", &cfg.Meta.BusinessAccountID},
		{"META_ACCESS_TOKEN", &cfg.Meta.AccessToken},
		{"META_APP_ID", &cfg.Meta.AppID},
		{"META_APP_SECRET", &cfg.Meta.AppSecret},
		{"META_WEBHOOK_VERIFY_TOKEN", &cfg.Meta.WebhookVerifyToken},
		{"OPENAI_API_KEY", &cfg.OpenAI.APIKey},
	}
	for _, o := range overrides {
		if v := strings.TrimSpace(os.Getenv(o.env)); v != "" {
			*o.target = v
		}
	}
}

// Validate checks the required settings. A failure here is fatal at startup;
// per-request code may assume a validated config.
func (c Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c.Meta); err != nil {
		return fmt.Errorf("meta config: %w", err)
	}
	if err := v.Struct(c.OpenAI); err != nil {
		return fmt.Errorf("openai config: %w", err)
	}
	return nil
}
