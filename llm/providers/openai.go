package providers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/lawyerfactory/lawyerfactory/llm"
)

func init() {
	llm.RegisterProvider(&OpenAIProvider{})
	llm.RegisterProvider(&OllamaProvider{})
}

// chatCompletions carries the request and response format shared by the
// hosted OpenAI API and the OpenAI-compatible local runtimes (Ollama, vLLM).
// Providers embed it and differ only in endpoint defaults and auth.
type chatCompletions struct{}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// BuildRequestBody implements llm.Provider. A nil temperature and a zero
// max_tokens leave the runtime defaults in place.
func (chatCompletions) BuildRequestBody(model string, messages []llm.Message, temperature *float64, maxTokens int) ([]byte, error) {
	req := chatRequest{
		Model:       model,
		Messages:    make([]chatMessage, len(messages)),
		Temperature: temperature,
	}
	for i, msg := range messages {
		req.Messages[i] = chatMessage{Role: msg.Role, Content: msg.Content}
	}
	if maxTokens > 0 {
		req.MaxTokens = &maxTokens
	}
	return json.Marshal(req)
}

// ParseResponse implements llm.Provider.
func (chatCompletions) ParseResponse(body []byte, _ string) (*llm.Response, error) {
	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse chat completion response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}
	return &llm.Response{
		Content: resp.Choices[0].Message.Content,
		Model:   resp.Model,
		Usage: llm.TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		FinishReason: resp.Choices[0].FinishReason,
	}, nil
}

// chatCompletionsURL resolves the endpoint, tolerating configured URLs that
// already include the chat/completions path.
func chatCompletionsURL(baseURL, fallback string) string {
	if baseURL == "" {
		baseURL = fallback
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	if strings.HasSuffix(baseURL, "/chat/completions") {
		return baseURL
	}
	return baseURL + "/chat/completions"
}

// OpenAIProvider targets the hosted OpenAI API, or OpenRouter when the
// referer headers are configured.
type OpenAIProvider struct {
	chatCompletions
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) BuildURL(baseURL string) string {
	return chatCompletionsURL(baseURL, "https://api.openai.com/v1")
}

func (p *OpenAIProvider) SetHeaders(req *http.Request) {
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	if siteURL := os.Getenv("OPENROUTER_SITE_URL"); siteURL != "" {
		req.Header.Set("HTTP-Referer", siteURL)
	}
	if siteName := os.Getenv("OPENROUTER_SITE_NAME"); siteName != "" {
		req.Header.Set("X-Title", siteName)
	}
}

// OllamaProvider targets a local OpenAI-compatible runtime. The bearer token
// is optional; a bare Ollama install needs none.
type OllamaProvider struct {
	chatCompletions
}

func (p *OllamaProvider) Name() string { return "ollama" }

func (p *OllamaProvider) BuildURL(baseURL string) string {
	return chatCompletionsURL(baseURL, "http://localhost:11434/v1")
}

func (p *OllamaProvider) SetHeaders(req *http.Request) {
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
}
