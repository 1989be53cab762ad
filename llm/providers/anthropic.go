// Package providers implements the LLM provider adapters the completion
// client routes through. Each adapter registers itself by name; importing
// the package for side effects makes every adapter available.
package providers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/lawyerfactory/lawyerfactory/llm"
)

const (
	anthropicVersion = "2023-06-01"

	// anthropicMaxTokensDefault applies when the endpoint sets no budget;
	// the Anthropic API rejects requests without max_tokens.
	anthropicMaxTokensDefault = 4096
)

func init() {
	llm.RegisterProvider(&AnthropicProvider{})
}

// AnthropicProvider adapts requests to the Anthropic messages API.
type AnthropicProvider struct{}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) BuildURL(baseURL string) string {
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	return strings.TrimSuffix(baseURL, "/") + "/v1/messages"
}

func (p *AnthropicProvider) SetHeaders(req *http.Request) {
	if apiKey := os.Getenv("ANTHROPIC_API_KEY"); apiKey != "" {
		req.Header.Set("x-api-key", apiKey)
	}
	req.Header.Set("anthropic-version", anthropicVersion)
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	Temperature *float64           `json:"temperature,omitempty"`
}

// BuildRequestBody implements llm.Provider. The messages API takes the
// system prompt as a top-level field, so it is split out of the messages.
func (p *AnthropicProvider) BuildRequestBody(model string, messages []llm.Message, temperature *float64, maxTokens int) ([]byte, error) {
	system, rest := splitSystemPrompt(messages)
	if maxTokens <= 0 {
		maxTokens = anthropicMaxTokensDefault
	}
	return json.Marshal(anthropicRequest{
		Model:       model,
		MaxTokens:   maxTokens,
		Messages:    rest,
		System:      system,
		Temperature: temperature,
	})
}

// splitSystemPrompt separates the system message from the conversation.
// With more than one system message the last wins.
func splitSystemPrompt(messages []llm.Message) (string, []anthropicMessage) {
	var system string
	rest := make([]anthropicMessage, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == "system" {
			system = msg.Content
			continue
		}
		rest = append(rest, anthropicMessage{Role: msg.Role, Content: msg.Content})
	}
	return system, rest
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// ParseResponse implements llm.Provider, concatenating the text blocks of
// the reply.
func (p *AnthropicProvider) ParseResponse(body []byte, _ string) (*llm.Response, error) {
	var resp anthropicResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse anthropic response: %w", err)
	}

	var content strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	return &llm.Response{
		Content: content.String(),
		Model:   resp.Model,
		Usage: llm.TokenUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
		FinishReason: resp.StopReason,
	}, nil
}
