// Package provider adapts model backends to one client interface. All
// backends except Vertex AI speak the OpenAI chat-completions convention;
// Vertex AI gets a transcoding adapter with JWT-bearer auth.
package provider

import (
	"context"
	"encoding/json"

	"github.com/joss/geocommander/internal/domain"
)

// ToolChoice steers the backend's function-calling behavior.
type ToolChoice string

const (
	ToolChoiceAuto     ToolChoice = "auto"
	ToolChoiceNone     ToolChoice = "none"
	ToolChoiceRequired ToolChoice = "required"
)

// ChatOptions are per-request overrides. Zero values fall back to the
// provider config defaults.
type ChatOptions struct {
	Temperature float64
	MaxTokens   int
	JSONOutput  bool
	ToolChoice  ToolChoice
}

// ChatResult is a function-calling response normalized to the
// chat-completions shape regardless of backend.
type ChatResult struct {
	Content      string
	ToolCalls    []domain.ToolCallRequest
	FinishReason string
	Raw          json.RawMessage
}

// OpenAIFunction is a function definition in the chat-completions tools
// convention.
type OpenAIFunction struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Parameters  domain.JSONSchema `json:"parameters"`
}

// OpenAITool wraps a function definition for the tools array.
type OpenAITool struct {
	Type     string         `json:"type"`
	Function OpenAIFunction `json:"function"`
}

// FunctionDeclaration is the Gemini-native tool definition shape.
type FunctionDeclaration struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Parameters  domain.JSONSchema `json:"parameters"`
}

// Client is one configured model backend.
type Client interface {
	// Chat sends a plain conversation and returns the reply text.
	Chat(ctx context.Context, msgs []domain.Turn, opts ChatOptions) (string, error)

	// ChatWithTools sends a conversation with native function-calling
	// enabled. Tools are given in the chat-completions convention and
	// transcoded per backend.
	ChatWithTools(ctx context.Context, msgs []domain.Turn, tools []OpenAITool, opts ChatOptions) (*ChatResult, error)
}
