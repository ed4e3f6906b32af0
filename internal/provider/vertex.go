package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/joss/geocommander/internal/domain"
)

// VertexClient speaks the Vertex AI generateContent API. Conversations
// arrive in the chat-completions convention and are transcoded: system
// turns become systemInstruction, assistant tool calls become
// functionCall parts, tool results become functionResponse parts.
type VertexClient struct {
	cfg    *domain.ProviderConfig
	auth   *ServiceAccountAuth
	client HTTPClient

	// endpoint overrides the computed URL. Tests point it at a fake.
	endpoint string
}

func NewVertexClient(cfg *domain.ProviderConfig) (*VertexClient, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return NewVertexClientWithClient(cfg, &http.Client{Timeout: timeout})
}

func NewVertexClientWithClient(cfg *domain.ProviderConfig, client HTTPClient) (*VertexClient, error) {
	auth, err := NewServiceAccountAuth(cfg)
	if err != nil {
		return nil, err
	}
	auth.client = client
	return &VertexClient{cfg: cfg, auth: auth, client: client}, nil
}

type vertexPart struct {
	Text             string              `json:"text,omitempty"`
	FunctionCall     *vertexFunctionCall `json:"functionCall,omitempty"`
	FunctionResponse *vertexFunctionResp `json:"functionResponse,omitempty"`
}

type vertexFunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type vertexFunctionResp struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type vertexContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []vertexPart `json:"parts"`
}

type vertexGenerationConfig struct {
	Temperature      float64 `json:"temperature"`
	MaxOutputTokens  int     `json:"maxOutputTokens"`
	ResponseMimeType string  `json:"responseMimeType,omitempty"`
}

type vertexToolWrapper struct {
	FunctionDeclarations []FunctionDeclaration `json:"functionDeclarations"`
}

type vertexToolConfig struct {
	FunctionCallingConfig struct {
		Mode string `json:"mode"`
	} `json:"functionCallingConfig"`
}

type vertexRequest struct {
	Contents          []vertexContent        `json:"contents"`
	SystemInstruction *vertexContent         `json:"systemInstruction,omitempty"`
	GenerationConfig  vertexGenerationConfig `json:"generationConfig"`
	Tools             []vertexToolWrapper    `json:"tools,omitempty"`
	ToolConfig        *vertexToolConfig      `json:"toolConfig,omitempty"`
}

type vertexResponse struct {
	Candidates []struct {
		Content struct {
			Parts []vertexPart `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
}

func (v *VertexClient) url() string {
	if v.endpoint != "" {
		return v.endpoint
	}
	project := v.cfg.ProjectID
	if project == "" {
		project = v.auth.ProjectID()
	}
	location := v.cfg.Location
	return fmt.Sprintf(
		"https://%s-aiplatform.googleapis.com/v1/projects/%s/locations/%s/publishers/google/models/%s:generateContent",
		location, project, location, v.cfg.Model,
	)
}

// transcode maps chat-completions turns onto Vertex contents.
func transcode(msgs []domain.Turn) ([]vertexContent, *vertexContent) {
	var contents []vertexContent
	var system *vertexContent

	for _, m := range msgs {
		switch m.Role {
		case domain.RoleSystem:
			system = &vertexContent{Parts: []vertexPart{{Text: m.Content}}}
		case domain.RoleUser:
			contents = append(contents, vertexContent{
				Role:  "user",
				Parts: []vertexPart{{Text: m.Content}},
			})
		case domain.RoleAssistant:
			var parts []vertexPart
			if m.Content != "" {
				parts = append(parts, vertexPart{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				parts = append(parts, vertexPart{
					FunctionCall: &vertexFunctionCall{
						Name: tc.Name,
						Args: tc.ParsedArguments(),
					},
				})
			}
			contents = append(contents, vertexContent{Role: "model", Parts: parts})
		case domain.RoleTool:
			contents = append(contents, vertexContent{
				Role: "function",
				Parts: []vertexPart{{
					FunctionResponse: &vertexFunctionResp{
						Name:     m.ToolCallID,
						Response: map[string]any{"result": m.Content},
					},
				}},
			})
		}
	}

	return contents, system
}

func (v *VertexClient) send(ctx context.Context, req vertexRequest) (*vertexResponse, []byte, error) {
	token, err := v.auth.Token(ctx)
	if err != nil {
		return nil, nil, err
	}

	jsonBody, err := json.Marshal(req)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", v.url(), bytes.NewReader(jsonBody))
	if err != nil {
		return nil, nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := v.client.Do(httpReq)
	if err != nil {
		return nil, nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("Vertex AI error %d: %s", resp.StatusCode, string(body))
	}

	var parsed vertexResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, nil, fmt.Errorf("unmarshal response: %w", err)
	}

	return &parsed, body, nil
}

func (v *VertexClient) generationConfig(opts ChatOptions) vertexGenerationConfig {
	cfg := vertexGenerationConfig{
		Temperature:     v.cfg.Temperature,
		MaxOutputTokens: v.cfg.MaxTokens,
	}
	if opts.Temperature > 0 {
		cfg.Temperature = opts.Temperature
	}
	if opts.MaxTokens > 0 {
		cfg.MaxOutputTokens = opts.MaxTokens
	}
	if opts.JSONOutput {
		cfg.ResponseMimeType = "application/json"
	}
	return cfg
}

// Chat sends a plain conversation and returns the first text part.
func (v *VertexClient) Chat(ctx context.Context, msgs []domain.Turn, opts ChatOptions) (string, error) {
	contents, system := transcode(msgs)

	req := vertexRequest{
		Contents:          contents,
		SystemInstruction: system,
		GenerationConfig:  v.generationConfig(opts),
	}

	parsed, _, err := v.send(ctx, req)
	if err != nil {
		return "", err
	}

	if len(parsed.Candidates) > 0 {
		for _, part := range parsed.Candidates[0].Content.Parts {
			if part.Text != "" {
				return part.Text, nil
			}
		}
	}
	return "", fmt.Errorf("no response from Vertex AI")
}

// ChatWithTools sends a conversation with function declarations and
// normalizes the reply to the chat-completions shape. Call ids are
// synthesized positionally; any functionCall part forces the finish
// reason to "tool_calls".
func (v *VertexClient) ChatWithTools(ctx context.Context, msgs []domain.Turn, tools []OpenAITool, opts ChatOptions) (*ChatResult, error) {
	contents, system := transcode(msgs)

	req := vertexRequest{
		Contents:          contents,
		SystemInstruction: system,
		GenerationConfig:  v.generationConfig(opts),
	}

	if len(tools) > 0 {
		decls := make([]FunctionDeclaration, 0, len(tools))
		for _, t := range tools {
			if t.Type != "function" {
				continue
			}
			decls = append(decls, FunctionDeclaration{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				Parameters:  t.Function.Parameters,
			})
		}
		req.Tools = []vertexToolWrapper{{FunctionDeclarations: decls}}

		switch opts.ToolChoice {
		case ToolChoiceRequired:
			tc := &vertexToolConfig{}
			tc.FunctionCallingConfig.Mode = "ANY"
			req.ToolConfig = tc
		case ToolChoiceNone:
			tc := &vertexToolConfig{}
			tc.FunctionCallingConfig.Mode = "NONE"
			req.ToolConfig = tc
		}
	}

	parsed, body, err := v.send(ctx, req)
	if err != nil {
		return nil, err
	}

	if len(parsed.Candidates) == 0 {
		return &ChatResult{FinishReason: "stop", Raw: body}, nil
	}

	candidate := parsed.Candidates[0]
	result := &ChatResult{
		FinishReason: candidate.FinishReason,
		Raw:          body,
	}
	if result.FinishReason == "" {
		result.FinishReason = "STOP"
	}

	for i, part := range candidate.Content.Parts {
		if part.Text != "" {
			result.Content += part.Text
		}
		if part.FunctionCall != nil {
			args, _ := json.Marshal(part.FunctionCall.Args)
			result.ToolCalls = append(result.ToolCalls, domain.ToolCallRequest{
				ID:        fmt.Sprintf("call_%d", i),
				Name:      part.FunctionCall.Name,
				Arguments: string(args),
			})
		}
	}

	if len(result.ToolCalls) > 0 {
		result.FinishReason = "tool_calls"
	}

	return result, nil
}

var _ Client = (*VertexClient)(nil)
