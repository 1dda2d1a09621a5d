// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// LLMProvider identifies which decision service backend to use.
type LLMProvider string

const (
	ProviderOpenAI LLMProvider = "openai"
	ProviderGemini LLMProvider = "gemini"
)

// Journal drivers.
const (
	JournalNone     = "none"
	JournalSQLite   = "sqlite"
	JournalPostgres = "postgres"
)

// Config is the root configuration for webpilot.
type Config struct {
	Logger  LoggerConfig  `mapstructure:"logger" yaml:"logger"`
	Browser BrowserConfig `mapstructure:"browser" yaml:"browser"`
	Agent   AgentConfig   `mapstructure:"agent" yaml:"agent"`
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
	Journal JournalConfig `mapstructure:"journal" yaml:"journal"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// BrowserConfig controls how the Chrome session is obtained.
type BrowserConfig struct {
	// Attach tries an already running Chrome at AttachAddress before launching one.
	Attach            bool          `mapstructure:"attach" yaml:"attach"`
	AttachAddress     string        `mapstructure:"attach_address" yaml:"attach_address"`
	Headless          bool          `mapstructure:"headless" yaml:"headless"`
	ExecPath          string        `mapstructure:"exec_path" yaml:"exec_path"`
	UserDataDir       string        `mapstructure:"user_data_dir" yaml:"user_data_dir"`
	Args              []string      `mapstructure:"args" yaml:"args"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	ActionTimeout     time.Duration `mapstructure:"action_timeout" yaml:"action_timeout"`
}

// AgentConfig configures the control loop and its decision client.
type AgentConfig struct {
	MaxSteps             int            `mapstructure:"max_steps" yaml:"max_steps"`
	SnapshotMaxChars     int            `mapstructure:"snapshot_max_chars" yaml:"snapshot_max_chars"`
	ExtractMaxChars      int            `mapstructure:"extract_max_chars" yaml:"extract_max_chars"`
	HistoryWarnThreshold int            `mapstructure:"history_warn_threshold" yaml:"history_warn_threshold"`
	// ContextWindow bounds the turns sent per decision (system turn + last N). 0 sends everything.
	ContextWindow int            `mapstructure:"context_window" yaml:"context_window"`
	MemoryPath    string         `mapstructure:"memory_path" yaml:"memory_path"`
	Settle        SettleConfig   `mapstructure:"settle" yaml:"settle"`
	LLM           LLMModelConfig `mapstructure:"llm" yaml:"llm"`
}

// SettleConfig holds the fixed pauses applied after page-mutating actions.
type SettleConfig struct {
	Navigate time.Duration `mapstructure:"navigate" yaml:"navigate"`
	Click    time.Duration `mapstructure:"click" yaml:"click"`
	Key      time.Duration `mapstructure:"key" yaml:"key"`
}

// LLMModelConfig holds the configuration for the decision service.
type LLMModelConfig struct {
	Provider          LLMProvider   `mapstructure:"provider" yaml:"provider"`
	Model             string        `mapstructure:"model" yaml:"model"`
	APIKey            string        `mapstructure:"api_key" yaml:"-"`
	BaseURL           string        `mapstructure:"base_url" yaml:"base_url"`
	Temperature       float32       `mapstructure:"temperature" yaml:"temperature"`
	APITimeout        time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
}

// ServerConfig configures the HTTP surface (command intake, SSE, WebSocket).
type ServerConfig struct {
	Host         string `mapstructure:"host" yaml:"host"`
	Port         int    `mapstructure:"port" yaml:"port"`
	PortFallback int    `mapstructure:"port_fallback" yaml:"port_fallback"`
	EventBuffer  int    `mapstructure:"event_buffer" yaml:"event_buffer"`
	// Metrics exposes Prometheus metrics at GET /metrics.
	Metrics bool `mapstructure:"metrics" yaml:"metrics"`
}

// JournalConfig selects where finished task sessions are recorded.
type JournalConfig struct {
	Driver    string `mapstructure:"driver" yaml:"driver"`
	DSN       string `mapstructure:"dsn" yaml:"dsn"`
	ListLimit int    `mapstructure:"list_limit" yaml:"list_limit"`
}

// NewDefaultConfig returns a configuration populated only with defaults.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "webpilot")
	v.SetDefault("logger.log_file", "webpilot.log")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Browser --
	v.SetDefault("browser.attach", true)
	v.SetDefault("browser.attach_address", "127.0.0.1:9222")
	v.SetDefault("browser.headless", false)
	v.SetDefault("browser.user_data_dir", "agent_profile")
	v.SetDefault("browser.navigation_timeout", "30s")
	v.SetDefault("browser.action_timeout", "20s")

	// -- Agent --
	v.SetDefault("agent.max_steps", 25)
	v.SetDefault("agent.snapshot_max_chars", 4000)
	v.SetDefault("agent.extract_max_chars", 2000)
	v.SetDefault("agent.history_warn_threshold", 20)
	v.SetDefault("agent.context_window", 0)
	v.SetDefault("agent.memory_path", "memory.json")
	v.SetDefault("agent.settle.navigate", "1500ms")
	v.SetDefault("agent.settle.click", "1s")
	v.SetDefault("agent.settle.key", "1s")
	v.SetDefault("agent.llm.provider", string(ProviderOpenAI))
	v.SetDefault("agent.llm.model", "gpt-5.2")
	v.SetDefault("agent.llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("agent.llm.temperature", 0.2)
	v.SetDefault("agent.llm.api_timeout", "120s")
	v.SetDefault("agent.llm.requests_per_minute", 0)

	// -- Server --
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.port_fallback", 9)
	v.SetDefault("server.event_buffer", 64)
	v.SetDefault("server.metrics", true)

	// -- Journal --
	v.SetDefault("journal.driver", JournalSQLite)
	v.SetDefault("journal.dsn", "webpilot.db")
	v.SetDefault("journal.list_limit", 50)
}

// NewConfigFromViper unmarshals, resolves secrets and paths, and validates.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Conventional provider variables are honored alongside the prefixed ones.
	_ = v.BindEnv("agent.llm.api_key", "WEBPILOT_AGENT_LLM_API_KEY", "OPENAI_API_KEY")
	_ = v.BindEnv("journal.dsn", "WEBPILOT_JOURNAL_DSN")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if cfg.Agent.LLM.Provider == ProviderGemini && cfg.Agent.LLM.APIKey == "" {
		cfg.Agent.LLM.APIKey = os.Getenv("GEMINI_API_KEY")
	}

	if err := cfg.ExpandPaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// ExpandPaths resolves a leading ~ in every filesystem path.
func (c *Config) ExpandPaths() error {
	paths := []*string{&c.Logger.LogFile, &c.Agent.MemoryPath, &c.Browser.UserDataDir, &c.Browser.ExecPath}
	if c.Journal.Driver == JournalSQLite {
		paths = append(paths, &c.Journal.DSN)
	}
	for _, p := range paths {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("failed to expand path %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Agent.MaxSteps <= 0 {
		return fmt.Errorf("agent.max_steps must be a positive integer")
	}
	if c.Agent.SnapshotMaxChars < 64 {
		return fmt.Errorf("agent.snapshot_max_chars must be at least 64")
	}
	if c.Agent.ExtractMaxChars <= 0 {
		return fmt.Errorf("agent.extract_max_chars must be a positive integer")
	}
	if c.Agent.ContextWindow < 0 {
		return fmt.Errorf("agent.context_window cannot be negative")
	}
	if c.Agent.MemoryPath == "" {
		return fmt.Errorf("agent.memory_path is required")
	}
	if err := c.Agent.LLM.Validate(); err != nil {
		return fmt.Errorf("agent.llm configuration invalid: %w", err)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Server.PortFallback < 0 {
		return fmt.Errorf("server.port_fallback cannot be negative")
	}
	if c.Server.EventBuffer <= 0 {
		return fmt.Errorf("server.event_buffer must be a positive integer")
	}
	switch c.Journal.Driver {
	case JournalNone:
	case JournalSQLite, JournalPostgres:
		if c.Journal.DSN == "" {
			return fmt.Errorf("journal.dsn is required for driver %q", c.Journal.Driver)
		}
	default:
		return fmt.Errorf("unknown journal.driver %q", c.Journal.Driver)
	}
	return nil
}

// Validate checks the LLM settings. The API key is checked by the client factory
// so that offline commands (history, tasks, logs) work without one.
func (l *LLMModelConfig) Validate() error {
	switch l.Provider {
	case ProviderOpenAI, ProviderGemini:
	default:
		return fmt.Errorf("unsupported provider %q", l.Provider)
	}
	if l.Model == "" {
		return fmt.Errorf("model is required")
	}
	if l.Temperature < 0 || l.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2")
	}
	if l.RequestsPerMinute < 0 {
		return fmt.Errorf("requests_per_minute cannot be negative")
	}
	return nil
}
