// Package provider holds the chat completion backends used for grading and
// coaching.
package provider

import (
	"fmt"
	"net/http"

	"github.com/pavelanni/examdesk/internal/llm"
	"github.com/pavelanni/examdesk/internal/model"
)

// New builds the provider described by cfg. An empty provider kind yields
// nil, meaning AI grading is off.
func New(cfg model.LLMConfig, client *http.Client) (llm.Provider, error) {
	switch cfg.Provider {
	case "":
		return nil, nil
	case model.ProviderOpenAI:
		return NewOpenAI(cfg.APIKey, cfg.BaseURL, cfg.Model), nil
	case model.ProviderAzure:
		return NewAzure(cfg.APIKey, cfg.BaseURL, cfg.Deployment, cfg.APIVersion), nil
	case model.ProviderLMStudio:
		return NewLMStudio(cfg.BaseURL, cfg.Model), nil
	case model.ProviderOllama:
		return NewOllama(cfg.BaseURL, cfg.Model), nil
	case model.ProviderClaude:
		return NewClaude(cfg.APIKey, cfg.BaseURL, cfg.Model, client), nil
	case model.ProviderGemini:
		return NewGemini(cfg.APIKey, cfg.Model), nil
	default:
		return nil, fmt.Errorf("unknown LLM provider %q", cfg.Provider)
	}
}

// Kinds lists the supported provider kinds.
func Kinds() []model.ProviderKind {
	return []model.ProviderKind{
		model.ProviderClaude,
		model.ProviderOpenAI,
		model.ProviderAzure,
		model.ProviderOllama,
		model.ProviderLMStudio,
		model.ProviderGemini,
	}
}
