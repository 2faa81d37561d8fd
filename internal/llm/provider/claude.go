package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/pavelanni/examdesk/internal/llm"
)

const (
	defaultClaudeURL       = "https://api.anthropic.com"
	defaultClaudeModel     = "claude-sonnet-4-20250514"
	defaultClaudeMaxTokens = 1024
	anthropicVersion       = "2023-06-01"
)

// Claude calls the Anthropic Messages API.
type Claude struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

// NewClaude creates a Claude provider. client may be nil.
func NewClaude(apiKey, baseURL, model string, client *http.Client) *Claude {
	if client == nil {
		client = http.DefaultClient
	}
	return &Claude{
		apiKey:  apiKey,
		model:   orDefault(model, defaultClaudeModel),
		baseURL: orDefault(baseURL, defaultClaudeURL),
		client:  client,
	}
}

type claudeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeRequest struct {
	Model       string          `json:"model"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature float32         `json:"temperature"`
	System      string          `json:"system,omitempty"`
	Messages    []claudeMessage `json:"messages"`
}

type claudeResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// Name returns a display name.
func (c *Claude) Name() string {
	return "Claude"
}

// Send posts the conversation to /v1/messages. A system message is moved to
// the request's system field.
func (c *Claude) Send(ctx context.Context, messages []llm.Message, opts llm.Options) (string, error) {
	req := claudeRequest{
		Model:       c.model,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = defaultClaudeMaxTokens
	}
	for _, m := range messages {
		if m.Role == llm.RoleSystem {
			req.System = m.Content
			continue
		}
		req.Messages = append(req.Messages, claudeMessage{Role: m.Role, Content: m.Content})
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal Claude request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build Claude request: %w", err)
	}
	httpReq.Header.Set("content-type", "application/json")
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	httpReq.Header.Set("x-api-key", c.apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("Claude API call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		detail := strings.TrimSpace(string(errBody))
		if detail == "" {
			detail = resp.Status
		}
		return "", fmt.Errorf("Claude API error %d: %s", resp.StatusCode, detail)
	}

	var out claudeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode Claude response: %w", err)
	}
	for _, block := range out.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", nil
}

// ValidateConfig requires an API key.
func (c *Claude) ValidateConfig(context.Context) llm.Validation {
	if strings.TrimSpace(c.apiKey) == "" {
		return llm.Validation{Valid: false, Error: "API key is required"}
	}
	return llm.Validation{Valid: true}
}
