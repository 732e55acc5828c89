package ai

import (
	"context"
	"fmt"
	"strings"
)

// TextGenerator generates text from a system prompt and user prompt.
// Extraction uses it with providers that are asked to answer in JSON.
type TextGenerator interface {
	GenerateText(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// GeneratorConfig selects and configures a TextGenerator provider.
type GeneratorConfig struct {
	Provider string
	BaseURL  string
	APIKey   string
	Model    string
	// JSONOutput asks the provider to constrain the answer to a JSON object.
	JSONOutput bool
}

// NewTextGenerator builds the generator named by cfg.Provider.
func NewTextGenerator(cfg GeneratorConfig) (TextGenerator, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "openai-compat", "openai":
		if strings.TrimSpace(cfg.BaseURL) == "" {
			return nil, fmt.Errorf("openai-compat base url required")
		}
		g := NewOpenAICompatGenerator(cfg.BaseURL, cfg.APIKey, cfg.Model)
		g.jsonOutput = cfg.JSONOutput
		return g, nil
	case "ollama":
		g := NewOllamaGenerator(NewOllamaClient(cfg.BaseURL), cfg.Model)
		g.jsonOutput = cfg.JSONOutput
		return g, nil
	case "gemini":
		client, err := NewGeminiClient(cfg.APIKey)
		if err != nil {
			return nil, err
		}
		if base := strings.TrimSpace(cfg.BaseURL); base != "" {
			client.baseURL = strings.TrimRight(base, "/")
		}
		g := NewGeminiGenerator(client, cfg.Model)
		g.jsonOutput = cfg.JSONOutput
		return g, nil
	default:
		return nil, fmt.Errorf("unknown generation provider %q", cfg.Provider)
	}
}
