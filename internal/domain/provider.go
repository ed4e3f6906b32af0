package domain

import "time"

// ProviderKind is the closed set of supported model backends. All kinds
// except KindVertex speak the OpenAI-compatible chat-completions
// convention; KindVertex speaks the Vertex AI generateContent
// convention with JWT-bearer auth.
type ProviderKind string

const (
	KindOpenAI      ProviderKind = "openai"
	KindOllama      ProviderKind = "ollama"
	KindDashScope   ProviderKind = "dashscope"
	KindSiliconFlow ProviderKind = "siliconflow"
	KindDeepSeek    ProviderKind = "deepseek"
	KindVertex      ProviderKind = "vertex_ai"
	KindCustom      ProviderKind = "custom"
)

// ProviderConfig holds one backend's connection settings. Configs are
// replaced wholesale on update, never mutated while in use.
type ProviderConfig struct {
	Name    string
	Kind    ProviderKind
	APIKey  string
	BaseURL string
	Model   string
	Enabled bool

	Timeout     time.Duration
	MaxTokens   int
	Temperature float64

	// Vertex AI credentials: either a service-account bundle (file path
	// or inline JSON) or an explicit email + private key + project.
	ServiceAccountJSON string
	ClientEmail        string
	PrivateKey         string
	ProjectID          string
	Location           string
}

// Clone returns a copy so callers can derive an updated config without
// touching the one currently in use.
func (c *ProviderConfig) Clone() *ProviderConfig {
	dup := *c
	return &dup
}
