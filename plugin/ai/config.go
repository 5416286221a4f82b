package ai

import (
	"errors"

	"github.com/hrygo/sessioncache/internal/profile"
	"github.com/hrygo/sessioncache/plugin/ai/session"
)

// Config represents AI configuration.
type Config struct {
	Enabled bool

	LLM     LLMConfig
	Summary SummaryConfig
	Session session.Config
}

// LLMConfig represents LLM configuration.
type LLMConfig struct {
	Provider    string // deepseek, openai, ollama
	Model       string // gpt-4o
	APIKey      string
	BaseURL     string
	MaxTokens   int     // default: 2048
	Temperature float32 // default: 0.7
	MaxRetries  int     // default: timeout.MaxRetries
}

// SummaryConfig represents the compaction summarizer configuration.
type SummaryConfig struct {
	Model       string  // defaults to LLM.Model
	MaxTokens   int     // default: 512
	Temperature float32 // default: 0.2
	RPS         float64 // summarizer calls per second across all sessions
	Burst       int
}

// NewConfigFromProfile creates AI config from profile.
func NewConfigFromProfile(p *profile.Profile) *Config {
	cfg := &Config{
		Enabled: p.IsAIEnabled(),
	}

	// Session configuration
	cfg.Session = session.Config{
		TTL:                      p.SessionTTL,
		ThresholdFraction:        p.ThresholdFraction,
		KeepRecentPairs:          p.KeepRecentPairs,
		HardCeilingMultiplier:    p.HardCeilingMultiplier,
		SummarizeTimeout:         p.SummarizeTimeout,
		PersistTimeout:           p.PersistTimeout,
		SweepInterval:            p.SweepInterval,
		DefaultModel:             p.DefaultModel,
		MaxConcurrentCompactions: p.MaxConcurrentCompactions,
	}

	// LLM configuration
	cfg.LLM = LLMConfig{
		Provider:    p.AILLMProvider,
		Model:       p.AILLMModel,
		APIKey:      p.AILLMAPIKey,
		BaseURL:     p.AILLMBaseURL,
		MaxTokens:   2048,
		Temperature: 0.7,
	}

	// Summarizer configuration
	cfg.Summary = SummaryConfig{
		Model:       p.AISummaryModel,
		MaxTokens:   512,
		Temperature: 0.2,
		RPS:         p.AISummaryRPS,
		Burst:       1,
	}
	if cfg.Summary.Model == "" {
		cfg.Summary.Model = cfg.LLM.Model
	}

	return cfg
}

// SummaryLLMConfig returns the LLM configuration used for summaries: the chat
// endpoint with the summary model and sampling settings.
func (c *Config) SummaryLLMConfig() *LLMConfig {
	llm := c.LLM
	llm.Model = c.Summary.Model
	llm.MaxTokens = c.Summary.MaxTokens
	llm.Temperature = c.Summary.Temperature
	return &llm
}

// Validate validates the configuration. Session settings are always checked;
// LLM settings only when AI is enabled.
func (c *Config) Validate() error {
	if err := c.Session.Validate(); err != nil {
		return err
	}

	if !c.Enabled {
		return nil
	}

	if c.LLM.Provider == "" {
		return errors.New("LLM provider is required")
	}

	if c.LLM.Provider != "ollama" && c.LLM.APIKey == "" {
		return errors.New("LLM API key is required")
	}

	if c.LLM.Model == "" {
		return errors.New("LLM model is required")
	}

	if c.Summary.RPS < 0 {
		return errors.New("summary rate must not be negative")
	}

	return nil
}
