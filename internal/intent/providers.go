package intent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicProvider reviews plans using the Anthropic Messages API,
// adapted from the pack's anthropic-sdk-go usage.
type AnthropicProvider struct {
	client *anthropic.Client
	model  string
}

func NewAnthropicProvider(apiKey, model string) *AnthropicProvider {
	if model == "" {
		model = "claude-3-5-sonnet-latest"
	}
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicProvider{client: client, model: model}
}

func (p *AnthropicProvider) Review(ctx context.Context, prompt string) (*Response, error) {
	msg, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.F(p.model),
		MaxTokens: anthropic.F(int64(1024)),
		Messages: anthropic.F([]anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic intent review failed: %w", err)
	}
	if len(msg.Content) == 0 {
		return nil, fmt.Errorf("anthropic intent review: empty response")
	}
	var resp Response
	if err := json.Unmarshal([]byte(msg.Content[0].Text), &resp); err != nil {
		return nil, fmt.Errorf("anthropic intent review: unparseable response: %w", err)
	}
	return &resp, nil
}

// OpenAIProvider reviews plans using the OpenAI chat completions API,
// adapted from the teacher's pkg/ai/openai.go request/parse shape.
type OpenAIProvider struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

func NewOpenAIProvider(apiKey, model string) *OpenAIProvider {
	if model == "" {
		model = "gpt-4"
	}
	return &OpenAIProvider{
		apiKey:     apiKey,
		baseURL:    "https://api.openai.com/v1",
		model:      model,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

func (p *OpenAIProvider) Review(ctx context.Context, prompt string) (*Response, error) {
	payload := map[string]interface{}{
		"model": p.model,
		"messages": []map[string]string{
			{"role": "system", "content": "You are a security-focused action-plan reviewer. Respond only with JSON."},
			{"role": "user", "content": prompt},
		},
		"temperature": 0.0,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai intent review request failed: %w", err)
	}
	defer resp.Body.Close()

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("openai intent review: malformed response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return nil, fmt.Errorf("openai intent review: no choices returned")
	}

	var out Response
	if err := json.Unmarshal([]byte(decoded.Choices[0].Message.Content), &out); err != nil {
		return nil, fmt.Errorf("openai intent review: unparseable content: %w", err)
	}
	return &out, nil
}

// OllamaProvider talks to a local Ollama server. No repo in the retrieval
// pack carries an Ollama SDK (none exists in the ecosystem as a widely
// adopted library), so this adapter is bare net/http — the one intent
// provider built on the standard library, by necessity rather than choice.
type OllamaProvider struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

func NewOllamaProvider(baseURL, model string) *OllamaProvider {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "llama3"
	}
	return &OllamaProvider{baseURL: baseURL, model: model, httpClient: &http.Client{Timeout: 60 * time.Second}}
}

func (p *OllamaProvider) Review(ctx context.Context, prompt string) (*Response, error) {
	payload := map[string]interface{}{
		"model":  p.model,
		"prompt": prompt,
		"stream": false,
		"format": "json",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama intent review request failed: %w", err)
	}
	defer resp.Body.Close()

	var decoded struct {
		Response string `json:"response"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("ollama intent review: malformed response: %w", err)
	}

	var out Response
	if err := json.Unmarshal([]byte(decoded.Response), &out); err != nil {
		return nil, fmt.Errorf("ollama intent review: unparseable content: %w", err)
	}
	return &out, nil
}
