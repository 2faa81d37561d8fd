package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/pavelanni/examdesk/internal/llm"
)

const defaultGeminiModel = "gemini-1.5-flash"

// Gemini calls Google's Generative Language API. The client is created on
// first use.
type Gemini struct {
	apiKey string
	model  string

	mu     sync.Mutex
	client *genai.Client
}

// NewGemini creates a Gemini provider.
func NewGemini(apiKey, model string) *Gemini {
	return &Gemini{apiKey: apiKey, model: orDefault(model, defaultGeminiModel)}
}

// Name returns a display name.
func (g *Gemini) Name() string {
	return "Gemini"
}

func (g *Gemini) genClient(ctx context.Context) (*genai.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client != nil {
		return g.client, nil
	}
	if strings.TrimSpace(g.apiKey) == "" {
		return nil, errors.New("gemini API key is not set")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(g.apiKey))
	if err != nil {
		return nil, fmt.Errorf("initialize Gemini client: %w", err)
	}
	g.client = client
	return client, nil
}

// Send generates a single reply. System messages become the system
// instruction; the remaining turns are joined into one prompt.
func (g *Gemini) Send(ctx context.Context, messages []llm.Message, opts llm.Options) (string, error) {
	client, err := g.genClient(ctx)
	if err != nil {
		return "", err
	}

	m := client.GenerativeModel(g.model)
	m.SetTemperature(opts.Temperature)
	if opts.MaxTokens > 0 {
		m.SetMaxOutputTokens(int32(opts.MaxTokens))
	}

	var prompt []string
	for _, msg := range messages {
		if msg.Role == llm.RoleSystem {
			m.SystemInstruction = genai.NewUserContent(genai.Text(msg.Content))
			continue
		}
		prompt = append(prompt, msg.Content)
	}

	resp, err := m.GenerateContent(ctx, genai.Text(strings.Join(prompt, "\n\n")))
	if err != nil {
		return "", fmt.Errorf("Gemini API call: %w", err)
	}
	return responseText(resp), nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			sb.WriteString(string(txt))
		}
	}
	return sb.String()
}

// ValidateConfig requires an API key and checks the model is known.
func (g *Gemini) ValidateConfig(ctx context.Context) llm.Validation {
	if strings.TrimSpace(g.apiKey) == "" {
		return llm.Validation{Valid: false, Error: "API key is required"}
	}
	client, err := g.genClient(ctx)
	if err != nil {
		return llm.Validation{Valid: false, Error: err.Error()}
	}
	if _, err := client.GenerativeModel(g.model).Info(ctx); err != nil {
		return llm.Validation{Valid: false, Error: fmt.Sprintf("Model %q unavailable: %v", g.model, err)}
	}
	return llm.Validation{Valid: true}
}

// Close releases the underlying client.
func (g *Gemini) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client == nil {
		return nil
	}
	err := g.client.Close()
	g.client = nil
	return err
}
