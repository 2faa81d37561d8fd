package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/pavelanni/examdesk/internal/llm"
)

const (
	defaultOpenAIURL     = "https://api.openai.com/v1"
	defaultOpenAIModel   = "gpt-4o-mini"
	defaultLMStudioURL   = "http://127.0.0.1:1234/v1"
	defaultLMStudioModel = "local-model"
	defaultOllamaURL     = "http://localhost:11434/v1"
	defaultOllamaModel   = "llama3.2"
	defaultAzureVersion  = "2024-10-21"
)

// OpenAICompatible talks to any backend that speaks the OpenAI chat
// completions API: OpenAI itself, Azure OpenAI, LM Studio and Ollama.
type OpenAICompatible struct {
	name     string
	api      *openai.Client
	model    string
	baseURL  string
	validate func(ctx context.Context, p *OpenAICompatible) llm.Validation
}

// NewOpenAI creates a provider for the hosted OpenAI API.
func NewOpenAI(apiKey, baseURL, model string) *OpenAICompatible {
	baseURL = orDefault(baseURL, defaultOpenAIURL)
	config := openai.DefaultConfig(apiKey)
	config.BaseURL = baseURL
	return &OpenAICompatible{
		name:    "OpenAI",
		api:     openai.NewClientWithConfig(config),
		model:   orDefault(model, defaultOpenAIModel),
		baseURL: baseURL,
		validate: func(_ context.Context, _ *OpenAICompatible) llm.Validation {
			if strings.TrimSpace(apiKey) == "" {
				return llm.Validation{Valid: false, Error: "API key is required"}
			}
			return llm.Validation{Valid: true}
		},
	}
}

// NewAzure creates a provider for an Azure OpenAI deployment. Requests go
// to {baseURL}/openai/deployments/{deployment}/chat/completions.
func NewAzure(apiKey, baseURL, deployment, apiVersion string) *OpenAICompatible {
	config := openai.DefaultAzureConfig(apiKey, strings.TrimRight(baseURL, "/"))
	config.APIVersion = orDefault(apiVersion, defaultAzureVersion)
	config.AzureModelMapperFunc = func(string) string { return deployment }
	return &OpenAICompatible{
		name:    "Azure OpenAI",
		api:     openai.NewClientWithConfig(config),
		model:   deployment,
		baseURL: baseURL,
		validate: func(_ context.Context, _ *OpenAICompatible) llm.Validation {
			switch {
			case strings.TrimSpace(apiKey) == "":
				return llm.Validation{Valid: false, Error: "API key is required"}
			case strings.TrimSpace(baseURL) == "":
				return llm.Validation{Valid: false, Error: "Base URL is required"}
			case strings.TrimSpace(deployment) == "":
				return llm.Validation{Valid: false, Error: "Deployment name is required"}
			}
			return llm.Validation{Valid: true}
		},
	}
}

// NewLMStudio creates a provider for a local LM Studio server. No key is
// needed; validation checks that the server answers.
func NewLMStudio(baseURL, model string) *OpenAICompatible {
	baseURL = orDefault(baseURL, defaultLMStudioURL)
	config := openai.DefaultConfig("lm-studio")
	config.BaseURL = baseURL
	return &OpenAICompatible{
		name:    "LM Studio",
		api:     openai.NewClientWithConfig(config),
		model:   orDefault(model, defaultLMStudioModel),
		baseURL: baseURL,
		validate: func(ctx context.Context, p *OpenAICompatible) llm.Validation {
			if _, err := p.api.ListModels(ctx); err != nil {
				return llm.Validation{Valid: false, Error: fmt.Sprintf("Cannot reach LM Studio at %s: %v", p.baseURL, err)}
			}
			return llm.Validation{Valid: true}
		},
	}
}

// NewOllama creates a provider for a local Ollama server through its
// OpenAI-compatible endpoint. Validation checks the model is pulled.
func NewOllama(baseURL, model string) *OpenAICompatible {
	baseURL = orDefault(baseURL, defaultOllamaURL)
	config := openai.DefaultConfig("ollama")
	config.BaseURL = baseURL
	return &OpenAICompatible{
		name:    "Ollama",
		api:     openai.NewClientWithConfig(config),
		model:   orDefault(model, defaultOllamaModel),
		baseURL: baseURL,
		validate: func(ctx context.Context, p *OpenAICompatible) llm.Validation {
			list, err := p.api.ListModels(ctx)
			if err != nil {
				return llm.Validation{Valid: false, Error: fmt.Sprintf("Cannot reach Ollama at %s: %v", p.baseURL, err)}
			}
			for _, m := range list.Models {
				if m.ID == p.model || m.ID == p.model+":latest" || strings.TrimSuffix(m.ID, ":latest") == p.model {
					return llm.Validation{Valid: true}
				}
			}
			return llm.Validation{Valid: false, Error: fmt.Sprintf("Model %q not found. Run: ollama pull %s", p.model, p.model)}
		},
	}
}

// Name returns a display name.
func (p *OpenAICompatible) Name() string {
	return p.name
}

// Model returns the model or deployment requests are sent to.
func (p *OpenAICompatible) Model() string {
	return p.model
}

// Send issues a chat completion and returns the first choice's text.
func (p *OpenAICompatible) Send(ctx context.Context, messages []llm.Message, opts llm.Options) (string, error) {
	chatMsgs := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		chatMsgs = append(chatMsgs, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	resp, err := p.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       p.model,
		Messages:    chatMsgs,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
	})
	if err != nil {
		return "", fmt.Errorf("%s API call: %w", p.name, err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New(p.name + " returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// ValidateConfig checks the configuration without sending a completion.
func (p *OpenAICompatible) ValidateConfig(ctx context.Context) llm.Validation {
	return p.validate(ctx, p)
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return strings.TrimRight(v, "/")
}
