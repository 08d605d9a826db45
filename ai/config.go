package ai

import (
	"errors"
	"time"

	"github.com/saleschat/aiservice/internal/profile"
)

// Config represents AI configuration.
type Config struct {
	LLM       LLMConfig
	Embedding EmbeddingConfig
	Chat      ChatConfig
}

// LLMConfig represents LLM configuration.
type LLMConfig struct {
	Provider    string // openai, deepseek, zai, siliconflow, dashscope, openrouter, ollama
	Model       string
	APIKey      string
	BaseURL     string
	MaxTokens   int           // default: 2048
	Temperature float32       // default: 0.7
	Timeout     time.Duration // whole-call deadline, streaming included
	TokenGap    time.Duration // max silence between stream chunks before abort
}

// EmbeddingConfig represents vector embedding configuration.
type EmbeddingConfig struct {
	Model      string
	APIKey     string
	BaseURL    string
	Dimensions int
	Timeout    time.Duration
}

// ChatConfig carries the retrieval and conversation knobs shared by the
// chat pipeline.
type ChatConfig struct {
	TopK            int     // retrieval candidates per query
	MinScore        float64 // similarity threshold, results below are dropped
	MaxContextBytes int     // cap on assembled knowledge context
	HistoryTurns    int     // conversation scratch ring size
	HistoryTTL      time.Duration
	OrderTaxRate    float64
}

// NewConfigFromProfile creates AI config from profile.
func NewConfigFromProfile(p *profile.Profile) *Config {
	return &Config{
		LLM: LLMConfig{
			Provider:    p.LLMProvider,
			Model:       p.LLMModel,
			APIKey:      p.LLMProviderKey,
			BaseURL:     p.LLMBaseURL,
			MaxTokens:   2048,
			Temperature: 0.7,
			Timeout:     time.Duration(p.LLMTimeout) * time.Second,
			TokenGap:    15 * time.Second,
		},
		Embedding: EmbeddingConfig{
			Model:      p.EmbeddingModel,
			APIKey:     p.LLMProviderKey,
			BaseURL:    p.LLMBaseURL,
			Dimensions: p.VectorSize,
			Timeout:    time.Duration(p.EmbeddingTimeout) * time.Second,
		},
		Chat: ChatConfig{
			TopK:            5,
			MinScore:        0.7,
			MaxContextBytes: 8 * 1024,
			HistoryTurns:    20,
			HistoryTTL:      2 * time.Hour,
			OrderTaxRate:    p.OrderTaxRate,
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.LLM.Provider == "" {
		return errors.New("LLM provider is required")
	}
	if c.LLM.Provider != "ollama" && c.LLM.APIKey == "" {
		return errors.New("LLM API key is required")
	}
	if c.LLM.Model == "" {
		return errors.New("LLM model is required")
	}
	if c.Embedding.Model == "" {
		return errors.New("embedding model is required")
	}
	if c.Embedding.Dimensions <= 0 {
		return errors.New("embedding dimensions must be positive")
	}
	return nil
}
