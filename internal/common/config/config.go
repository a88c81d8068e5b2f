// Package config provides configuration management for devflow.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for devflow.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
	Callback  CallbackConfig  `mapstructure:"callback"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Deploy    DeployConfig    `mapstructure:"deploy"`
	Sandbox   SandboxConfig   `mapstructure:"sandbox"`
	Session   SessionConfig   `mapstructure:"session"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds the SQLite database configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// WebhookConfig holds inbound webhook verification configuration.
type WebhookConfig struct {
	Secret         string `mapstructure:"secret"`
	MaxSkewSeconds int    `mapstructure:"maxSkewSeconds"`
}

// CallbackConfig holds outbound callback configuration.
type CallbackConfig struct {
	URL            string `mapstructure:"url"`
	TimeoutSeconds int    `mapstructure:"timeoutSeconds"`
}

// ProviderConfig holds credentials and model selection for one provider.
type ProviderConfig struct {
	APIKey string `mapstructure:"apiKey"`
	Model  string `mapstructure:"model"`
}

// ProvidersConfig holds per-provider configuration.
type ProvidersConfig struct {
	Default   string         `mapstructure:"default"`
	Anthropic ProviderConfig `mapstructure:"anthropic"`
	OpenAI    ProviderConfig `mapstructure:"openai"`
}

// AgentConfig bounds the plan/execute tool-use loops.
type AgentConfig struct {
	MaxIterations          int     `mapstructure:"maxIterations"`
	PlanTimeoutMinutes     int     `mapstructure:"planTimeoutMinutes"`
	ExecuteTimeoutMinutes  int     `mapstructure:"executeTimeoutMinutes"`
	MaxRetries             int     `mapstructure:"maxRetries"`
	InitialBackoffMs       int     `mapstructure:"initialBackoffMs"`
	BackoffMultiplier      float64 `mapstructure:"backoffMultiplier"`
	MaxBackoffMs           int     `mapstructure:"maxBackoffMs"`
	ContextTruncationLimit int     `mapstructure:"contextTruncationLimit"`
	BudgetUSD              float64 `mapstructure:"budgetUsd"`
	RequirePlanApproval    bool    `mapstructure:"requirePlanApproval"`
}

// WorkspaceConfig holds repository checkout configuration.
type WorkspaceConfig struct {
	BasePath        string `mapstructure:"basePath"`
	WorktreeEnabled bool   `mapstructure:"worktreeEnabled"`
	BranchPrefix    string `mapstructure:"branchPrefix"`
	DefaultBranch   string `mapstructure:"defaultBranch"`
	GitRemoteBase   string `mapstructure:"gitRemoteBase"`
}

// DeployConfig holds preview deployment configuration.
type DeployConfig struct {
	Enabled             bool   `mapstructure:"enabled"`
	Strategy            string `mapstructure:"strategy"` // cli or api
	Token               string `mapstructure:"token"`
	Project             string `mapstructure:"project"`
	TeamID              string `mapstructure:"teamId"`
	PreviewDomain       string `mapstructure:"previewDomain"`
	PollIntervalSeconds int    `mapstructure:"pollIntervalSeconds"`
	TimeoutMinutes      int    `mapstructure:"timeoutMinutes"`
}

// SandboxConfig bounds tool execution inside a workspace.
type SandboxConfig struct {
	CommandTimeoutSeconds int      `mapstructure:"commandTimeoutSeconds"`
	MaxOutputBytes        int      `mapstructure:"maxOutputBytes"`
	MaxGlobResults        int      `mapstructure:"maxGlobResults"`
	Denylist              []string `mapstructure:"denylist"`
}

// SessionConfig holds session lifecycle configuration.
type SessionConfig struct {
	StaleAfterMinutes int    `mapstructure:"staleAfterMinutes"`
	RetentionHours    int    `mapstructure:"retentionHours"`
	CleanupSchedule   string `mapstructure:"cleanupSchedule"` // cron expression
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// MaxSkew returns the accepted webhook timestamp skew as a time.Duration.
func (w *WebhookConfig) MaxSkew() time.Duration {
	return time.Duration(w.MaxSkewSeconds) * time.Second
}

// Timeout returns the callback delivery timeout as a time.Duration.
func (c *CallbackConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// detectDefaultLogFormat returns "json" for production environments and
// "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("DEVFLOW_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults
	v.SetDefault("database.path", "./devflow.db")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "devflow")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Webhook defaults
	v.SetDefault("webhook.secret", "")
	v.SetDefault("webhook.maxSkewSeconds", 300)

	// Callback defaults
	v.SetDefault("callback.url", "")
	v.SetDefault("callback.timeoutSeconds", 10)

	// Provider defaults
	v.SetDefault("providers.default", "anthropic")
	v.SetDefault("providers.anthropic.apiKey", "")
	v.SetDefault("providers.anthropic.model", "claude-sonnet-4-20250514")
	v.SetDefault("providers.openai.apiKey", "")
	v.SetDefault("providers.openai.model", "gpt-4o")

	// Agent loop defaults
	v.SetDefault("agent.maxIterations", 30)
	v.SetDefault("agent.planTimeoutMinutes", 10)
	v.SetDefault("agent.executeTimeoutMinutes", 30)
	v.SetDefault("agent.maxRetries", 5)
	v.SetDefault("agent.initialBackoffMs", 1000)
	v.SetDefault("agent.backoffMultiplier", 2.0)
	v.SetDefault("agent.maxBackoffMs", 30000)
	v.SetDefault("agent.contextTruncationLimit", 20000)
	v.SetDefault("agent.budgetUsd", 5.0)
	v.SetDefault("agent.requirePlanApproval", false)

	// Workspace defaults
	v.SetDefault("workspace.basePath", "~/.devflow/workspaces")
	v.SetDefault("workspace.worktreeEnabled", true)
	v.SetDefault("workspace.branchPrefix", "task-")
	v.SetDefault("workspace.defaultBranch", "main")
	v.SetDefault("workspace.gitRemoteBase", "https://github.com")

	// Deploy defaults
	v.SetDefault("deploy.enabled", false)
	v.SetDefault("deploy.strategy", "cli")
	v.SetDefault("deploy.token", "")
	v.SetDefault("deploy.project", "")
	v.SetDefault("deploy.teamId", "")
	v.SetDefault("deploy.previewDomain", "")
	v.SetDefault("deploy.pollIntervalSeconds", 5)
	v.SetDefault("deploy.timeoutMinutes", 10)

	// Sandbox defaults
	v.SetDefault("sandbox.commandTimeoutSeconds", 120)
	v.SetDefault("sandbox.maxOutputBytes", 1048576)
	v.SetDefault("sandbox.maxGlobResults", 200)
	v.SetDefault("sandbox.denylist", []string{})

	// Session defaults
	v.SetDefault("session.staleAfterMinutes", 30)
	v.SetDefault("session.retentionHours", 72)
	v.SetDefault("session.cleanupSchedule", "@every 1h")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix DEVFLOW_ with underscore naming.
// A config.yaml in the working directory or /etc/devflow/ is honoured if present.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("DEVFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not convert camelCase keys, so bind the commonly
	// overridden ones explicitly.
	_ = v.BindEnv("webhook.secret", "DEVFLOW_WEBHOOK_SECRET")
	_ = v.BindEnv("callback.url", "DEVFLOW_CALLBACK_URL")
	_ = v.BindEnv("providers.anthropic.apiKey", "ANTHROPIC_API_KEY", "DEVFLOW_ANTHROPIC_API_KEY")
	_ = v.BindEnv("providers.openai.apiKey", "OPENAI_API_KEY", "DEVFLOW_OPENAI_API_KEY")
	_ = v.BindEnv("deploy.token", "VERCEL_TOKEN", "DEVFLOW_DEPLOY_TOKEN")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/devflow/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that required configuration fields are set. The dispatcher
// cannot run without the shared webhook secret and the callback URL; a missing
// provider key is not an error here, the provider is just reported as not
// configured.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Webhook.Secret == "" {
		errs = append(errs, "webhook.secret is required")
	}
	if cfg.Webhook.MaxSkewSeconds <= 0 {
		errs = append(errs, "webhook.maxSkewSeconds must be positive")
	}

	if cfg.Callback.URL == "" {
		errs = append(errs, "callback.url is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}

	if cfg.Agent.MaxIterations <= 0 {
		errs = append(errs, "agent.maxIterations must be positive")
	}
	if cfg.Agent.BackoffMultiplier <= 1 {
		errs = append(errs, "agent.backoffMultiplier must be greater than 1")
	}

	if cfg.Deploy.Enabled {
		if cfg.Deploy.Strategy != "cli" && cfg.Deploy.Strategy != "api" {
			errs = append(errs, "deploy.strategy must be cli or api")
		}
		if cfg.Deploy.Token == "" {
			errs = append(errs, "deploy.token is required when deploy.enabled is true")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// ConfiguredProviders reports which providers have an API key set.
func (p *ProvidersConfig) ConfiguredProviders() map[string]bool {
	return map[string]bool{
		"anthropic": p.Anthropic.APIKey != "",
		"openai":    p.OpenAI.APIKey != "",
	}
}
