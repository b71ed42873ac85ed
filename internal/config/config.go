// Package config loads the sillage YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order:
// ./config.yaml, ~/.config/sillage/config.yaml, /etc/sillage/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "sillage", "config.yaml"))
	}

	return append(paths, "/etc/sillage/config.yaml")
}

// FindConfig returns explicit if it exists, otherwise the first file in
// DefaultSearchPaths that exists.
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

// Config holds all sillage configuration.
type Config struct {
	Listen     ListenConfig     `yaml:"listen"`
	Database   DatabaseConfig   `yaml:"database"`
	Models     ModelsConfig     `yaml:"models"`
	Ollama     OllamaConfig     `yaml:"ollama"`
	Anthropic  AnthropicConfig  `yaml:"anthropic"`
	OpenAI     OpenAIConfig     `yaml:"openai"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	Agent      AgentConfig      `yaml:"agent"`
	Tools      ToolsConfig      `yaml:"tools"`
	Recommend  RecommendConfig  `yaml:"recommend"`
	Expert     ExpertConfig     `yaml:"expert"`
	Auth       AuthConfig       `yaml:"auth"`
	Health     HealthConfig     `yaml:"health"`
	LogLevel   string           `yaml:"log_level"`
	LogFormat  string           `yaml:"log_format"` // text or json

	// Pricing maps model names to token prices for the usage ledger.
	// Models without an entry are recorded at zero cost.
	Pricing map[string]PricingEntry `yaml:"pricing"`
}

// ListenConfig defines the API server bind settings.
type ListenConfig struct {
	Address string `yaml:"address"` // empty = all interfaces
	Port    int    `yaml:"port"`
}

// DatabaseConfig selects the SQLite file and driver. Driver "sqlite3" is
// mattn/go-sqlite3 (cgo); "sqlite" is the pure-Go modernc driver.
type DatabaseConfig struct {
	Path   string `yaml:"path"`
	Driver string `yaml:"driver"`
	// KeepCheckpoints is how many checkpoints are retained per thread.
	// The newest one always survives.
	KeepCheckpoints int `yaml:"keep_checkpoints"`
}

// ModelsConfig defines model routing.
type ModelsConfig struct {
	Default   string        `yaml:"default"`
	Available []ModelConfig `yaml:"available"`
}

// ModelConfig maps a model name to the provider that serves it.
type ModelConfig struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"` // openai, anthropic, ollama
}

// OllamaConfig points at a local Ollama server.
type OllamaConfig struct {
	URL string `yaml:"url"`
}

// AnthropicConfig holds Anthropic API credentials.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// OpenAIConfig holds settings for any OpenAI-compatible endpoint.
type OpenAIConfig struct {
	APIKey      string   `yaml:"api_key"`
	BaseURL     string   `yaml:"base_url"`
	Temperature *float64 `yaml:"temperature"`
}

// EmbeddingsConfig enables semantic search over profile documents.
type EmbeddingsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"` // defaults to ollama.url
}

// Retrieval modes for AgentConfig.Retrieval.
const (
	RetrievalPerTurn   = "per_turn"
	RetrievalPerThread = "per_thread"
)

// AgentConfig tunes the orchestration loop.
type AgentConfig struct {
	Name          string `yaml:"name"`
	Description   string `yaml:"description"`
	MaxToolRounds int    `yaml:"max_tool_rounds"`
	Retrieval     string `yaml:"retrieval"`
	// InlineHistory renders prior turns into the system prompt instead
	// of sending them as separate messages.
	InlineHistory bool `yaml:"inline_history"`
}

// ToolsConfig bounds tool execution.
type ToolsConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// RecommendConfig points at the fragrance recommendation service.
type RecommendConfig struct {
	BaseURL string        `yaml:"base_url"`
	ItemURL string        `yaml:"item_url"` // e.g. https://example.com/fragrances/{id}
	Timeout time.Duration `yaml:"timeout"`
}

// ExpertConfig selects the model behind the fallback question tool.
type ExpertConfig struct {
	Model string `yaml:"model"`
}

// AuthConfig enables bearer token authentication on the API. When
// JWTSecret is empty all requests are accepted and the user id comes
// from the request body.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// HealthConfig controls dependency probing while serving.
type HealthConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

// PricingEntry is a model's price in USD per million tokens.
type PricingEntry struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// Load reads path, expands ${ENV} references, applies defaults and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is found.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Models.Default == "" {
		c.Models.Default = "gpt-4o-mini"
	}
	if len(c.Models.Available) == 0 {
		c.Models.Available = []ModelConfig{{Name: c.Models.Default, Provider: "openai"}}
	}
	if c.Listen.Port == 0 {
		c.Listen.Port = 8088
	}
	if c.Database.Path == "" {
		c.Database.Path = "sillage.db"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite3"
	}
	if c.Database.KeepCheckpoints == 0 {
		c.Database.KeepCheckpoints = 20
	}
	if c.Ollama.URL == "" {
		c.Ollama.URL = "http://localhost:11434"
	}
	if c.OpenAI.BaseURL == "" {
		c.OpenAI.BaseURL = "https://api.openai.com/v1"
	}
	if c.Embeddings.BaseURL == "" {
		c.Embeddings.BaseURL = c.Ollama.URL
	}
	if c.Embeddings.Model == "" {
		c.Embeddings.Model = "nomic-embed-text"
	}
	if c.Agent.Name == "" {
		c.Agent.Name = "concierge"
	}
	if c.Agent.Description == "" {
		c.Agent.Description = "Fragrance concierge with profile-aware recommendations."
	}
	if c.Agent.MaxToolRounds == 0 {
		c.Agent.MaxToolRounds = 8
	}
	if c.Agent.Retrieval == "" {
		c.Agent.Retrieval = RetrievalPerTurn
	}
	if c.Tools.Timeout == 0 {
		c.Tools.Timeout = 30 * time.Second
	}
	if c.Recommend.Timeout == 0 {
		c.Recommend.Timeout = 20 * time.Second
	}
	if c.Expert.Model == "" {
		c.Expert.Model = c.Models.Default
	}
	if c.Health.PollInterval == 0 {
		c.Health.PollInterval = time.Minute
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
}

// Validate reports the first configuration error found.
func (c *Config) Validate() error {
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range", c.Listen.Port)
	}
	switch c.Database.Driver {
	case "sqlite3", "sqlite":
	default:
		return fmt.Errorf("database.driver %q: want sqlite3 or sqlite", c.Database.Driver)
	}
	if c.Models.Default == "" {
		return fmt.Errorf("models.default is required")
	}
	for _, m := range c.Models.Available {
		switch m.Provider {
		case "openai", "anthropic", "ollama":
		default:
			return fmt.Errorf("model %q: unknown provider %q", m.Name, m.Provider)
		}
	}
	if c.Agent.MaxToolRounds < 1 {
		return fmt.Errorf("agent.max_tool_rounds must be at least 1")
	}
	switch c.Agent.Retrieval {
	case RetrievalPerTurn, RetrievalPerThread:
	default:
		return fmt.Errorf("agent.retrieval %q: want %s or %s", c.Agent.Retrieval, RetrievalPerTurn, RetrievalPerThread)
	}
	for model, p := range c.Pricing {
		if p.InputPerMillion < 0 || p.OutputPerMillion < 0 {
			return fmt.Errorf("pricing for %q must not be negative", model)
		}
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format %q: want text or json", c.LogFormat)
	}
	return nil
}

// ListenAddr returns the host:port the API server binds.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Listen.Address, c.Listen.Port)
}
