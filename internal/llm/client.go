package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const httpTimeout = 45 * time.Second

// httpClient is the process-wide transport; a package var so tests can
// swap it without touching callers.
var httpClient = &http.Client{Timeout: httpTimeout}

// Request is one chat-completion call. JSONMode forces the provider to
// return a JSON object (used by gate/task/value). EnableWebSearch is
// consulta-only — a provider-specific tool flag the HTTP client passes
// through when supported and silently ignores otherwise; whether the
// tool actually gets used is the model's call.
type Request struct {
	SystemPrompt    string
	UserPrompt      string
	JSONMode        bool
	EnableWebSearch bool
}

// Client is the single LLM generation collaborator shared by the gate,
// task, value, and consulta call sites. Implementations must never block the
// caller past ctx's deadline and must be safe for concurrent use.
type Client interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// HTTPClient implements Client against a DeepSeek-compatible chat
// completions endpoint; the four prompt kinds share this one transport.
type HTTPClient struct {
	baseURL string
	apiKey  string
	model   string
}

// NewHTTPClient builds a Client against baseURL (a full
// "https://.../chat/completions" endpoint) using apiKey for bearer auth.
func NewHTTPClient(baseURL, apiKey string) *HTTPClient {
	return &HTTPClient{baseURL: baseURL, apiKey: apiKey, model: "deepseek-chat"}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type toolFunction struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type tool struct {
	Type     string       `json:"type"`
	Function toolFunction `json:"function"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
	Tools          []tool          `json:"tools,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

var webSearchTool = tool{
	Type: "function",
	Function: toolFunction{
		Name:        "web_search",
		Description: "Search the web for up-to-date information relevant to the user's question.",
	},
}

// Complete sends one system+user turn and returns the raw message content.
// It never returns ("", nil) — a transport or decode failure always comes
// back as a non-nil error so callers can apply their deterministic
// fallback.
func (c *HTTPClient) Complete(ctx context.Context, req Request) (string, error) {
	body := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: req.SystemPrompt},
			{Role: "user", Content: req.UserPrompt},
		},
	}
	if req.JSONMode {
		body.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	if req.EnableWebSearch {
		body.Tools = []tool{webSearchTool}
	}

	reqBody, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("llm: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(reqBody))
	if err != nil {
		return "", fmt.Errorf("llm: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("llm: http call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("llm: unexpected status %d", resp.StatusCode)
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("llm: decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("llm: empty choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

// SetHTTPClientForTest overrides the package-wide transport. Only call
// from tests (e.g. to point at an httptest.Server with a custom
// RoundTripper, or to shrink the timeout).
func SetHTTPClientForTest(c *http.Client) {
	httpClient = c
}
