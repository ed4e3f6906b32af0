package domain

// Mode selects how the assistant interprets user input.
type Mode string

const (
	// ModeCommand parses input strictly as map operations, statelessly.
	ModeCommand Mode = "command"
	// ModeConversation allows free-form chat with rolling history.
	ModeConversation Mode = "conversation"
)

// Role tags a conversation turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Turn is one entry in the conversation sent to a model backend. An
// assistant turn may carry the tool calls it proposed; a tool turn
// carries the result keyed by ToolCallID.
type Turn struct {
	Role       Role              `json:"role"`
	Content    string            `json:"content"`
	ToolCalls  []ToolCallRequest `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
}

// ToolInvocation is the resolved action relayed to visualization
// clients: the final action name plus its arguments, after the
// tool-provider had a chance to resolve indirect references.
type ToolInvocation struct {
	Action    string         `json:"action"`
	Arguments map[string]any `json:"arguments"`
}

// ChatReply is the single unified shape every orchestration path
// returns to the transport layer.
type ChatReply struct {
	Message  string          `json:"message"`
	ToolCall *ToolInvocation `json:"tool_call,omitempty"`
	Thinking string          `json:"thinking,omitempty"`
	Raw      string          `json:"llm_raw,omitempty"`
}
