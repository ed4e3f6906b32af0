package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/joss/geocommander/internal/domain"
)

// OpenAIClient speaks the OpenAI-compatible chat-completions API. It
// serves the openai, ollama, dashscope, siliconflow, deepseek and custom
// provider kinds, which differ only in base URL and key.
type OpenAIClient struct {
	cfg    *domain.ProviderConfig
	client HTTPClient
}

func NewOpenAIClient(cfg *domain.ProviderConfig) *OpenAIClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return NewOpenAIClientWithClient(cfg, &http.Client{Timeout: timeout})
}

func NewOpenAIClientWithClient(cfg *domain.ProviderConfig, client HTTPClient) *OpenAIClient {
	return &OpenAIClient{cfg: cfg, client: client}
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openaiRequest struct {
	Model          string          `json:"model"`
	Messages       []openaiMessage `json:"messages"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens"`
	Tools          []OpenAITool    `json:"tools,omitempty"`
	ToolChoice     string          `json:"tool_choice,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type openaiResponse struct {
	Choices []struct {
		Message struct {
			Content   *string          `json:"content"`
			ToolCalls []openaiToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

func (o *OpenAIClient) endpoint() string {
	return strings.TrimRight(o.cfg.BaseURL, "/") + "/chat/completions"
}

func (o *OpenAIClient) temperature(opts ChatOptions) float64 {
	if opts.Temperature > 0 {
		return opts.Temperature
	}
	return o.cfg.Temperature
}

func (o *OpenAIClient) maxTokens(opts ChatOptions) int {
	if opts.MaxTokens > 0 {
		return opts.MaxTokens
	}
	return o.cfg.MaxTokens
}

func toOpenAIMessages(msgs []domain.Turn) []openaiMessage {
	out := make([]openaiMessage, 0, len(msgs))
	for _, m := range msgs {
		msg := openaiMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			call := openaiToolCall{ID: tc.ID, Type: "function"}
			call.Function.Name = tc.Name
			call.Function.Arguments = tc.Arguments
			msg.ToolCalls = append(msg.ToolCalls, call)
		}
		out = append(out, msg)
	}
	return out
}

func (o *OpenAIClient) post(ctx context.Context, reqBody openaiRequest) ([]byte, error) {
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", o.endpoint(), bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+o.cfg.APIKey)

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("LLM API error %d: %s", resp.StatusCode, string(body))
	}

	return body, nil
}

// Chat sends a plain conversation and returns the reply text.
func (o *OpenAIClient) Chat(ctx context.Context, msgs []domain.Turn, opts ChatOptions) (string, error) {
	req := openaiRequest{
		Model:       o.cfg.Model,
		Messages:    toOpenAIMessages(msgs),
		Temperature: o.temperature(opts),
		MaxTokens:   o.maxTokens(opts),
	}
	if opts.JSONOutput {
		req.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	body, err := o.post(ctx, req)
	if err != nil {
		return "", err
	}

	var parsed openaiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("empty choices in response")
	}

	content := parsed.Choices[0].Message.Content
	if content == nil {
		return "", nil
	}
	return *content, nil
}

// ChatWithTools sends a conversation with native function-calling.
func (o *OpenAIClient) ChatWithTools(ctx context.Context, msgs []domain.Turn, tools []OpenAITool, opts ChatOptions) (*ChatResult, error) {
	req := openaiRequest{
		Model:       o.cfg.Model,
		Messages:    toOpenAIMessages(msgs),
		Temperature: o.temperature(opts),
		MaxTokens:   o.maxTokens(opts),
	}
	if len(tools) > 0 {
		req.Tools = tools
		choice := opts.ToolChoice
		if choice == "" {
			choice = ToolChoiceAuto
		}
		req.ToolChoice = string(choice)
	}

	body, err := o.post(ctx, req)
	if err != nil {
		return nil, err
	}

	var parsed openaiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("empty choices in response")
	}

	choice := parsed.Choices[0]
	result := &ChatResult{
		FinishReason: choice.FinishReason,
		Raw:          body,
	}
	if result.FinishReason == "" {
		result.FinishReason = "stop"
	}
	if choice.Message.Content != nil {
		result.Content = *choice.Message.Content
	}
	for _, tc := range choice.Message.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, domain.ToolCallRequest{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}

	return result, nil
}

var _ Client = (*OpenAIClient)(nil)
