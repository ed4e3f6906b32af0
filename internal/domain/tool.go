// Package domain holds the core types shared across the bridge:
// tool definitions, tool calls, conversation turns and provider configs.
package domain

// JSONSchema is a declarative parameter schema as delivered by the
// tool-provider (JSON Schema object form).
type JSONSchema map[string]any

// Tool is a callable capability discovered from the tool-provider.
// Immutable once fetched; owned by the tool registry.
type Tool struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	InputSchema JSONSchema `json:"inputSchema"`
}

// ResourceInfo describes a resource exposed by the tool-provider,
// e.g. a gazetteer or an enum table.
type ResourceInfo struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// PromptInfo describes a server-authored prompt template.
type PromptInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}
