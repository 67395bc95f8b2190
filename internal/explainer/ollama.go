package explainer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	defaultOllamaBaseURL = "http://localhost:11434"
	defaultOllamaModel   = "llama3.2:1b"
	defaultTemperature   = 0.3
)

// LLMClient is the chat interface the reasoning loop drives. Satisfied by
// OllamaClient and by fakes in tests.
type LLMClient interface {
	Chat(ctx context.Context, messages []ChatMessage, tools []Tool) (*ChatMessage, error)
}

// OllamaClient talks to an Ollama-compatible /api/chat endpoint with tool
// calling. All inference happens locally; financial data never leaves the
// host.
type OllamaClient struct {
	baseURL     string
	model       string
	temperature float64
	client      *http.Client
}

// OllamaOption configures an OllamaClient.
type OllamaOption func(*OllamaClient)

// WithBaseURL sets the inference server URL.
func WithBaseURL(url string) OllamaOption {
	return func(c *OllamaClient) { c.baseURL = url }
}

// WithModel sets the model name.
func WithModel(model string) OllamaOption {
	return func(c *OllamaClient) { c.model = model }
}

// WithTemperature sets the sampling temperature. Low values keep the
// narrative factual.
func WithTemperature(temperature float64) OllamaOption {
	return func(c *OllamaClient) { c.temperature = temperature }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(timeout time.Duration) OllamaOption {
	return func(c *OllamaClient) { c.client.Timeout = timeout }
}

// NewOllamaClient creates a chat client against a local Ollama server.
// Defaults to localhost:11434 with llama3.2:1b at temperature 0.3.
func NewOllamaClient(opts ...OllamaOption) *OllamaClient {
	c := &OllamaClient{
		baseURL:     defaultOllamaBaseURL,
		model:       defaultOllamaModel,
		temperature: defaultTemperature,
		client:      &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ChatMessage is one turn of an Ollama chat conversation.
type ChatMessage struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	ToolCalls []ToolCallInfo `json:"tool_calls,omitempty"`
}

// ToolCallInfo is a model-issued tool invocation.
type ToolCallInfo struct {
	Function FunctionCall `json:"function"`
}

// FunctionCall names the requested tool and carries its JSON arguments.
type FunctionCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Tool describes one callable function to the model.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

type ToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  ToolParameters `json:"parameters"`
}

type ToolParameters struct {
	Type       string                  `json:"type"`
	Properties map[string]ToolProperty `json:"properties"`
	Required   []string                `json:"required"`
}

type ToolProperty struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

// chatRequest is the Ollama /api/chat request body.
type chatRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
	Tools    []Tool        `json:"tools,omitempty"`
	Stream   bool          `json:"stream"`
	Options  chatOptions   `json:"options"`
}

type chatOptions struct {
	Temperature float64 `json:"temperature"`
}

// chatResponse is the Ollama /api/chat response body.
type chatResponse struct {
	Message ChatMessage `json:"message"`
}

// Chat sends the conversation and returns the model's next message, which
// may carry tool calls instead of content.
func (c *OllamaClient) Chat(ctx context.Context, messages []ChatMessage, tools []Tool) (*ChatMessage, error) {
	reqBody := chatRequest{
		Model:    c.model,
		Messages: messages,
		Tools:    tools,
		Stream:   false,
		Options:  chatOptions{Temperature: c.temperature},
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("chat request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read chat response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("chat error (%d): %s", resp.StatusCode, string(respBody))
	}

	var chatResp chatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return nil, fmt.Errorf("failed to decode chat response: %w", err)
	}
	return &chatResp.Message, nil
}
