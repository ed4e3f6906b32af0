package domain

import "encoding/json"

// ToolCallStatus is the lifecycle state of a single tool call.
type ToolCallStatus string

const (
	ToolCallPending ToolCallStatus = "pending"
	ToolCallSuccess ToolCallStatus = "success"
	ToolCallError   ToolCallStatus = "error"
)

// ToolCallRequest is a model-proposed tool invocation. Arguments arrive
// as a JSON-encoded string in the chat-completions convention and are
// parsed lazily.
type ToolCallRequest struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ParsedArguments decodes the argument string into a map. Malformed
// arguments degrade to an empty map rather than failing the turn.
func (r ToolCallRequest) ParsedArguments() map[string]any {
	if r.Arguments == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(r.Arguments), &args); err != nil {
		return map[string]any{}
	}
	return args
}

// ToolCallResult is the terminal record of one executed call. Once the
// status is success or error the record is never mutated.
type ToolCallResult struct {
	Status       ToolCallStatus `json:"status"`
	Payload      map[string]any `json:"payload,omitempty"`
	ErrorMessage string         `json:"error,omitempty"`
}
