// Package config handles Legion configuration loading.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// DefaultProject is the topic prefix used when none is configured. It
// matches the project name the demo devices were provisioned with.
const DefaultProject = "my-project"

// DefaultSearchPaths returns the config file search order:
// ./config.yaml, ~/.config/legion/config.yaml, /etc/legion/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "legion", "config.yaml"))
	}

	paths = append(paths, "/etc/legion/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Legion configuration.
type Config struct {
	// Project prefixes every device topic, e.g.
	// "<project>-iot-house-telemetry-house-telemetry-action".
	Project   string          `yaml:"project" env:"LEGION_PROJECT"`
	Listen    ListenConfig    `yaml:"listen"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Models    ModelsConfig    `yaml:"models"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	Agent     AgentConfig     `yaml:"agent"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	DataDir   string          `yaml:"data_dir" env:"LEGION_DATA_DIR"`
	LogLevel  string          `yaml:"log_level" env:"LEGION_LOG_LEVEL"`
	LogFormat string          `yaml:"log_format" env:"LEGION_LOG_FORMAT"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address" env:"LEGION_LISTEN_ADDRESS"` // "" = all interfaces
	Port    int    `yaml:"port" env:"LEGION_LISTEN_PORT"`
	// PublicURL is the address the audience uses to reach the dashboard.
	// It is encoded into the /join.png QR code.
	PublicURL string `yaml:"public_url" env:"LEGION_PUBLIC_URL"`
}

// MQTTConfig defines the broker connection used to command devices.
type MQTTConfig struct {
	// Broker is the broker URL: mqtt://, tcp://, mqtts://, ssl://, ws:// or wss://.
	Broker   string `yaml:"broker" env:"LEGION_MQTT_BROKER"`
	Username string `yaml:"username" env:"LEGION_MQTT_USERNAME"`
	Password string `yaml:"password" env:"LEGION_MQTT_PASSWORD"`

	// ClientIDPrefix is joined with the persisted instance ID to form
	// the MQTT client ID (default "legion").
	ClientIDPrefix string `yaml:"client_id_prefix"`

	// CAFile, CertFile and KeyFile enable mutual TLS, as required by
	// AWS IoT Core device endpoints.
	CAFile   string `yaml:"ca_file" env:"LEGION_MQTT_CA_FILE"`
	CertFile string `yaml:"cert_file" env:"LEGION_MQTT_CERT_FILE"`
	KeyFile  string `yaml:"key_file" env:"LEGION_MQTT_KEY_FILE"`

	// AvailabilityTopic, when set, receives a retained "online" birth
	// message on connect and an "offline" will on unexpected disconnect.
	AvailabilityTopic string `yaml:"availability_topic"`

	KeepAliveSec      int `yaml:"keep_alive_sec"`
	ConnectTimeoutSec int `yaml:"connect_timeout_sec"`
}

// Configured reports whether a broker has been set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// TLSConfigured reports whether client certificate auth is configured.
func (c MQTTConfig) TLSConfigured() bool {
	return c.CertFile != "" && c.KeyFile != ""
}

// ModelsConfig defines model routing settings.
type ModelsConfig struct {
	Default   string        `yaml:"default" env:"LEGION_MODEL"`
	OllamaURL string        `yaml:"ollama_url" env:"LEGION_OLLAMA_URL"`
	Available []ModelConfig `yaml:"available"`
}

// ModelConfig maps a model name to its provider.
type ModelConfig struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"` // ollama, anthropic
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key" env:"ANTHROPIC_API_KEY"`
}

// Configured reports whether an API key is present.
func (c AnthropicConfig) Configured() bool {
	return c.APIKey != ""
}

// AgentConfig tunes the conversational dispatcher.
type AgentConfig struct {
	// MaxIterations bounds LLM round-trips per user turn.
	MaxIterations int `yaml:"max_iterations"`

	// MaxHistory bounds stored messages per conversation.
	MaxHistory int `yaml:"max_history"`

	// MaxConversations bounds how many transcripts are kept in memory.
	MaxConversations int `yaml:"max_conversations"`

	// SystemPrompt replaces the built-in prompt when non-empty.
	SystemPrompt string `yaml:"system_prompt"`
}

// TelemetryConfig selects the vehicle telemetry source.
type TelemetryConfig struct {
	// URL of a JSON endpoint returning vehicle records. Empty uses the
	// built-in sample data.
	URL string `yaml:"url" env:"LEGION_TELEMETRY_URL"`
}

// Load reads configuration from a YAML file, expands ${VAR} references,
// applies LEGION_* environment overrides, fills defaults, and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied and no
// config file involved. Environment overrides still apply.
func Default() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.applyDefaults()
	return cfg, cfg.Validate()
}

func (c *Config) applyDefaults() {
	if c.Project == "" {
		c.Project = DefaultProject
	}
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.MQTT.ClientIDPrefix == "" {
		c.MQTT.ClientIDPrefix = "legion"
	}
	if c.MQTT.KeepAliveSec == 0 {
		c.MQTT.KeepAliveSec = 30
	}
	if c.MQTT.ConnectTimeoutSec == 0 {
		c.MQTT.ConnectTimeoutSec = 30
	}
	if c.Models.Default == "" {
		c.Models.Default = "qwen3:4b"
	}
	if c.Models.OllamaURL == "" {
		c.Models.OllamaURL = "http://localhost:11434"
	}
	for i := range c.Models.Available {
		if c.Models.Available[i].Provider == "" {
			c.Models.Available[i].Provider = "ollama"
		}
	}
	if c.Agent.MaxIterations == 0 {
		c.Agent.MaxIterations = 8
	}
	if c.Agent.MaxHistory == 0 {
		c.Agent.MaxHistory = 100
	}
	if c.Agent.MaxConversations == 0 {
		c.Agent.MaxConversations = 256
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
}

// Validate checks the configuration for values that would fail at
// runtime. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Project) == "" {
		errs = append(errs, errors.New("project must not be empty"))
	}
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}
	if c.MQTT.Configured() {
		u, err := url.Parse(c.MQTT.Broker)
		if err != nil {
			errs = append(errs, fmt.Errorf("mqtt.broker: %w", err))
		} else {
			switch u.Scheme {
			case "mqtt", "tcp", "mqtts", "ssl", "tls", "ws", "wss":
			default:
				errs = append(errs, fmt.Errorf("mqtt.broker: unsupported scheme %q", u.Scheme))
			}
		}
		if (c.MQTT.CertFile == "") != (c.MQTT.KeyFile == "") {
			errs = append(errs, errors.New("mqtt.cert_file and mqtt.key_file must be set together"))
		}
	}
	for _, m := range c.Models.Available {
		switch m.Provider {
		case "ollama", "anthropic":
		default:
			errs = append(errs, fmt.Errorf("models.available %q: unknown provider %q", m.Name, m.Provider))
		}
	}
	if c.Telemetry.URL != "" {
		if u, err := url.Parse(c.Telemetry.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			errs = append(errs, fmt.Errorf("telemetry.url %q must be an http(s) URL", c.Telemetry.URL))
		}
	}
	if c.Agent.MaxIterations < 0 {
		errs = append(errs, errors.New("agent.max_iterations must be positive"))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("unknown log_format %q (valid: text, json)", c.LogFormat))
	}

	return errors.Join(errs...)
}
