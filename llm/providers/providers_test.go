package providers

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lawyerfactory/lawyerfactory/llm"
)

func TestProvidersRegistered(t *testing.T) {
	for _, name := range []string{"anthropic", "ollama", "openai"} {
		assert.NotNil(t, llm.GetProvider(name), name)
	}
}

func TestBuildURLDefaults(t *testing.T) {
	tests := []struct {
		name     string
		provider llm.Provider
		baseURL  string
		want     string
	}{
		{"openai default", &OpenAIProvider{}, "", "https://api.openai.com/v1/chat/completions"},
		{"ollama default", &OllamaProvider{}, "", "http://localhost:11434/v1/chat/completions"},
		{"trailing slash trimmed", &OllamaProvider{}, "http://gpu-box:8000/v1/", "http://gpu-box:8000/v1/chat/completions"},
		{"full path kept", &OpenAIProvider{}, "https://proxy.local/v1/chat/completions", "https://proxy.local/v1/chat/completions"},
		{"anthropic default", &AnthropicProvider{}, "", "https://api.anthropic.com/v1/messages"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.provider.BuildURL(tt.baseURL))
		})
	}
}

func TestChatCompletionsRequestShape(t *testing.T) {
	p := &OllamaProvider{}
	body, err := p.BuildRequestBody("qwen2.5:32b", []llm.Message{
		{Role: "system", Content: "be terse"},
		{Role: "user", Content: "draft the complaint"},
	}, nil, 0)
	require.NoError(t, err)

	var req map[string]any
	require.NoError(t, json.Unmarshal(body, &req))
	assert.Equal(t, "qwen2.5:32b", req["model"])
	assert.Len(t, req["messages"], 2, "system message stays inline")
	assert.NotContains(t, req, "temperature", "nil temperature omitted")
	assert.NotContains(t, req, "max_tokens", "zero budget omitted")

	temp := 0.2
	body, err = p.BuildRequestBody("qwen2.5:32b", []llm.Message{{Role: "user", Content: "hi"}}, &temp, 512)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(body, &req))
	assert.Equal(t, 0.2, req["temperature"])
	assert.Equal(t, float64(512), req["max_tokens"])
}

func TestAnthropicRequestShape(t *testing.T) {
	p := &AnthropicProvider{}
	body, err := p.BuildRequestBody("claude-sonnet", []llm.Message{
		{Role: "system", Content: "be terse"},
		{Role: "user", Content: "draft the complaint"},
	}, nil, 0)
	require.NoError(t, err)

	var req map[string]any
	require.NoError(t, json.Unmarshal(body, &req))
	assert.Equal(t, "be terse", req["system"], "system prompt lifted to top level")
	assert.Len(t, req["messages"], 1)
	assert.Equal(t, float64(anthropicMaxTokensDefault), req["max_tokens"], "budget always set")
}

func TestChatCompletionsParseResponse(t *testing.T) {
	p := &OpenAIProvider{}
	resp, err := p.ParseResponse([]byte(`{
		"model": "gpt-4o",
		"choices": [{"message": {"content": "done"}, "finish_reason": "stop"}],
		"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
	}`), "gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, "done", resp.Content)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, 15, resp.Usage.TotalTokens)

	_, err = p.ParseResponse([]byte(`{"choices": []}`), "gpt-4o")
	assert.Error(t, err, "empty choices rejected")
}

func TestAnthropicParseResponse(t *testing.T) {
	p := &AnthropicProvider{}
	resp, err := p.ParseResponse([]byte(`{
		"model": "claude-sonnet",
		"stop_reason": "end_turn",
		"content": [
			{"type": "text", "text": "part one "},
			{"type": "tool_use"},
			{"type": "text", "text": "part two"}
		],
		"usage": {"input_tokens": 7, "output_tokens": 3}
	}`), "claude-sonnet")
	require.NoError(t, err)
	assert.Equal(t, "part one part two", resp.Content, "text blocks concatenated")
	assert.Equal(t, "end_turn", resp.FinishReason)
	assert.Equal(t, 10, resp.Usage.TotalTokens)
}
