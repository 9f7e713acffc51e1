package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/arqam66/chatbot-openai/internal/handlers"
	"github.com/arqam66/chatbot-openai/internal/services"
	"gopkg.in/yaml.v3"
)

const defaultSystemPrompt = "You are a helpful AI assistant. Respond concisely and accurately to user queries. " +
	"Format your responses using Markdown when appropriate."

type llmConfig interface {
	llm(systemPrompt string, logger *slog.Logger) (handlers.LLM, error)
}

// BaseLLMConfig contains the common fields for all LLM configurations.
type BaseLLMConfig struct {
	Provider   string                 `yaml:"provider"`
	Model      string                 `yaml:"model"`
	Parameters services.LLMParameters `yaml:"parameters"`
}

type config struct {
	Port         string      `yaml:"port"`
	LogLevel     string      `yaml:"logLevel"`
	SystemPrompt string      `yaml:"systemPrompt"`
	LLM          llmConfig   `yaml:"llm"`
	Relay        relayConfig `yaml:"relay"`
	Views        viewsConfig `yaml:"views"`
	Voice        voiceConfig `yaml:"voice"`
}

type relayConfig struct {
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerMinute int           `yaml:"requestsPerMinute"`
}

type viewsConfig struct {
	IdleTimeout time.Duration `yaml:"idleTimeout"`
}

type voiceConfig struct {
	Mode   string            `yaml:"mode"`
	Remote remoteVoiceConfig `yaml:"remote"`
}

type remoteVoiceConfig struct {
	URL      string `yaml:"url"`
	APIKey   string `yaml:"apiKey"`
	Language string `yaml:"language"`
	Format   string `yaml:"format"`
}

type openAIConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	BaseURL       string `yaml:"baseURL"`
}

type ollamaConfig struct {
	BaseLLMConfig `yaml:",inline"`
	Host          string `yaml:"host"`
}

type anthropicConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	Endpoint      string `yaml:"endpoint"`
	MaxTokens     int    `yaml:"maxTokens"`
}

type openRouterConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	Endpoint      string `yaml:"endpoint"`
}

type arkConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	AccessKey     string `yaml:"accessKey"`
	SecretKey     string `yaml:"secretKey"`
	BaseURL       string `yaml:"baseURL"`
	Region        string `yaml:"region"`
}

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Port         string         `yaml:"port"`
		LogLevel     string         `yaml:"logLevel"`
		SystemPrompt string         `yaml:"systemPrompt"`
		LLM          map[string]any `yaml:"llm"`
		Relay        relayConfig    `yaml:"relay"`
		Views        viewsConfig    `yaml:"views"`
		Voice        voiceConfig    `yaml:"voice"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	c.Port = rawConfig.Port
	c.LogLevel = rawConfig.LogLevel
	c.SystemPrompt = rawConfig.SystemPrompt
	c.Relay = rawConfig.Relay
	c.Views = rawConfig.Views
	c.Voice = rawConfig.Voice

	llmProvider, ok := rawConfig.LLM["provider"].(string)
	if !ok {
		return fmt.Errorf("llm provider is required")
	}

	llmRawYAML, err := yaml.Marshal(rawConfig.LLM)
	if err != nil {
		return err
	}

	var llm llmConfig
	switch llmProvider {
	case "openai":
		llm = &openAIConfig{}
	case "ollama":
		llm = &ollamaConfig{}
	case "anthropic":
		llm = &anthropicConfig{}
	case "openrouter":
		llm = &openRouterConfig{}
	case "ark":
		llm = &arkConfig{}
	default:
		return fmt.Errorf("unknown llm provider: %s", llmProvider)
	}

	if err := yaml.Unmarshal(llmRawYAML, llm); err != nil {
		return err
	}

	c.LLM = llm

	return nil
}

// applyDefaults fills the optional settings.
func (c *config) applyDefaults() {
	if c.Port == "" {
		c.Port = "8080"
	}
	if c.SystemPrompt == "" {
		c.SystemPrompt = defaultSystemPrompt
	}
	if c.Relay.Timeout == 0 {
		c.Relay.Timeout = handlers.DefaultRelayTimeout
	}
	if c.Views.IdleTimeout == 0 {
		c.Views.IdleTimeout = handlers.DefaultViewIdleTimeout
	}
	if c.Voice.Mode == "" {
		c.Voice.Mode = string(handlers.VoiceModeBrowser)
	}
	if c.Voice.Remote.Language == "" {
		c.Voice.Remote.Language = "en-US"
	}
	if c.Voice.Remote.Format == "" {
		c.Voice.Remote.Format = "webm"
	}
}

func (c config) logLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// handlersConfig translates the relay and voice blocks into the HTTP layer configuration.
func (c config) handlersConfig(logger *slog.Logger) (handlers.Config, error) {
	mode := handlers.VoiceMode(c.Voice.Mode)
	if !mode.Valid() {
		return handlers.Config{}, fmt.Errorf("unknown voice mode: %s", c.Voice.Mode)
	}

	cfg := handlers.Config{
		RelayTimeout:      c.Relay.Timeout,
		RequestsPerMinute: c.Relay.RequestsPerMinute,
		ViewIdleTimeout:   c.Views.IdleTimeout,
		VoiceMode:         mode,
	}

	if mode == handlers.VoiceModeRemote {
		r := c.Voice.Remote
		if r.URL == "" {
			return handlers.Config{}, fmt.Errorf("voice.remote.url is required for remote voice mode")
		}
		apiKey := envOr(r.APIKey, "ASR_API_KEY")
		cfg.VoiceEngine = services.NewRemoteASR(r.URL, apiKey, r.Language, r.Format, logger)
	}

	return cfg, nil
}

func envOr(value, key string) string {
	if value != "" {
		return value
	}
	return os.Getenv(key)
}

func (o openAIConfig) llm(systemPrompt string, logger *slog.Logger) (handlers.LLM, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	// OpenAI-compatible local servers accept an empty key.
	apiKey := envOr(o.APIKey, "OPENAI_API_KEY")
	return services.NewOpenAI(apiKey, o.BaseURL, o.Model, systemPrompt, o.Parameters, logger), nil
}

func (o ollamaConfig) llm(systemPrompt string, logger *slog.Logger) (handlers.LLM, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	host := envOr(o.Host, "OLLAMA_HOST")
	if host == "" {
		host = "http://localhost:11434"
	}
	return services.NewOllama(host, o.Model, systemPrompt, o.Parameters, logger)
}

func (a anthropicConfig) llm(systemPrompt string, logger *slog.Logger) (handlers.LLM, error) {
	if a.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if a.MaxTokens == 0 && a.Parameters.MaxTokens == nil {
		return nil, fmt.Errorf("maxTokens is required")
	}

	apiKey := envOr(a.APIKey, "ANTHROPIC_API_KEY")
	return services.NewAnthropic(apiKey, a.Endpoint, a.Model, systemPrompt, a.MaxTokens, a.Parameters, logger), nil
}

func (o openRouterConfig) llm(systemPrompt string, logger *slog.Logger) (handlers.LLM, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	apiKey := envOr(o.APIKey, "OPENROUTER_API_KEY")
	return services.NewOpenRouter(apiKey, o.Endpoint, o.Model, systemPrompt, o.Parameters, logger), nil
}

func (a arkConfig) llm(systemPrompt string, logger *slog.Logger) (handlers.LLM, error) {
	if a.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	return services.NewArk(context.Background(), services.ArkConfig{
		APIKey:    envOr(a.APIKey, "ARK_API_KEY"),
		AccessKey: envOr(a.AccessKey, "ARK_ACCESS_KEY"),
		SecretKey: envOr(a.SecretKey, "ARK_SECRET_KEY"),
		BaseURL:   a.BaseURL,
		Region:    a.Region,
		Model:     a.Model,
	}, systemPrompt, a.Parameters, logger)
}
