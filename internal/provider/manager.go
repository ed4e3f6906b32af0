package provider

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/joss/geocommander/internal/domain"
	"github.com/joss/geocommander/internal/logging"
)

var log = logging.New("provider")

// Preset base URLs and default models per backend kind.
var presets = map[domain.ProviderKind]struct {
	baseURL      string
	defaultModel string
}{
	domain.KindOpenAI:      {"https://api.openai.com/v1", "gpt-4o-mini"},
	domain.KindOllama:      {"http://localhost:11434/v1", "qwen2.5:7b"},
	domain.KindDashScope:   {"https://dashscope.aliyuncs.com/compatible-mode/v1", "qwen-plus"},
	domain.KindSiliconFlow: {"https://api.siliconflow.cn/v1", "Qwen/Qwen2.5-7B-Instruct"},
	domain.KindDeepSeek:    {"https://api.deepseek.com/v1", "deepseek-chat"},
	domain.KindVertex:      {"", "gemini-2.5-flash-lite"},
}

// activationPriority orders default provider selection, most preferred
// first.
var activationPriority = []string{
	"custom", "vertex_ai", "dashscope", "siliconflow", "deepseek", "openai", "ollama",
}

const (
	defaultTimeout     = 30 * time.Second
	defaultMaxTokens   = 1024
	defaultTemperature = 0.7
)

// ProviderStatus is the list-view projection of one provider.
type ProviderStatus struct {
	Name    string `json:"name"`
	Kind    string `json:"type"`
	Model   string `json:"model"`
	Enabled bool   `json:"enabled"`
	Active  bool   `json:"active"`
}

// Manager holds the provider set loaded from the environment and tracks
// which one is active.
type Manager struct {
	mu        sync.RWMutex
	providers map[string]*domain.ProviderConfig
	order     []string
	active    string
}

// NewManager loads provider configs from the process environment.
func NewManager() *Manager {
	return NewManagerWithLookup(os.Getenv)
}

// NewManagerWithLookup loads provider configs through the given env
// lookup. Tests inject a map-backed lookup.
func NewManagerWithLookup(getenv func(string) string) *Manager {
	m := &Manager{providers: make(map[string]*domain.ProviderConfig)}
	m.loadFromEnv(getenv)
	return m
}

func newConfig(name string, kind domain.ProviderKind, apiKey, baseURL, model string) *domain.ProviderConfig {
	return &domain.ProviderConfig{
		Name:        name,
		Kind:        kind,
		APIKey:      apiKey,
		BaseURL:     baseURL,
		Model:       model,
		Enabled:     true,
		Timeout:     defaultTimeout,
		MaxTokens:   defaultMaxTokens,
		Temperature: defaultTemperature,
	}
}

func envOr(getenv func(string) string, key, fallback string) string {
	if v := getenv(key); v != "" {
		return v
	}
	return fallback
}

func (m *Manager) loadFromEnv(getenv func(string) string) {
	// Ollama is always registered: local, keyless.
	m.add(newConfig("ollama", domain.KindOllama, "ollama",
		envOr(getenv, "OLLAMA_BASE_URL", presets[domain.KindOllama].baseURL),
		envOr(getenv, "OLLAMA_MODEL", presets[domain.KindOllama].defaultModel)))

	if key := getenv("DASHSCOPE_API_KEY"); key != "" {
		m.add(newConfig("dashscope", domain.KindDashScope, key,
			presets[domain.KindDashScope].baseURL,
			envOr(getenv, "DASHSCOPE_MODEL", presets[domain.KindDashScope].defaultModel)))
	}

	if key := getenv("SILICONFLOW_API_KEY"); key != "" {
		m.add(newConfig("siliconflow", domain.KindSiliconFlow, key,
			presets[domain.KindSiliconFlow].baseURL,
			envOr(getenv, "SILICONFLOW_MODEL", presets[domain.KindSiliconFlow].defaultModel)))
	}

	if key := getenv("DEEPSEEK_API_KEY"); key != "" {
		m.add(newConfig("deepseek", domain.KindDeepSeek, key,
			presets[domain.KindDeepSeek].baseURL,
			envOr(getenv, "DEEPSEEK_MODEL", presets[domain.KindDeepSeek].defaultModel)))
	}

	if key := getenv("OPENAI_API_KEY"); key != "" {
		m.add(newConfig("openai", domain.KindOpenAI, key,
			envOr(getenv, "OPENAI_BASE_URL", presets[domain.KindOpenAI].baseURL),
			envOr(getenv, "OPENAI_MODEL", presets[domain.KindOpenAI].defaultModel)))
	}

	// Vertex accepts either a credentials bundle or email + key.
	saJSON := getenv("GOOGLE_APPLICATION_CREDENTIALS")
	email := getenv("VERTEX_CLIENT_EMAIL")
	privateKey := getenv("VERTEX_PRIVATE_KEY")
	if saJSON != "" || (email != "" && privateKey != "") {
		cfg := newConfig("vertex_ai", domain.KindVertex, "", "",
			envOr(getenv, "VERTEX_MODEL", presets[domain.KindVertex].defaultModel))
		cfg.ServiceAccountJSON = saJSON
		cfg.ClientEmail = email
		cfg.PrivateKey = privateKey
		cfg.ProjectID = getenv("VERTEX_PROJECT_ID")
		cfg.Location = envOr(getenv, "VERTEX_LOCATION", "us-central1")
		m.add(cfg)
	}

	// Custom OpenAI-compatible endpoint: all three variables required.
	customKey := getenv("LLM_API_KEY")
	customURL := getenv("LLM_BASE_URL")
	customModel := getenv("LLM_MODEL")
	if customKey != "" && customURL != "" && customModel != "" {
		m.add(newConfig("custom", domain.KindCustom, customKey, customURL, customModel))
	}

	for _, name := range activationPriority {
		if cfg, ok := m.providers[name]; ok && cfg.Enabled {
			m.active = name
			break
		}
	}

	log.Info("providers_loaded", map[string]interface{}{
		"count":  len(m.providers),
		"active": m.active,
	})
}

func (m *Manager) add(cfg *domain.ProviderConfig) {
	if _, exists := m.providers[cfg.Name]; !exists {
		m.order = append(m.order, cfg.Name)
	}
	m.providers[cfg.Name] = cfg
}

// Active returns the active provider config, or nil when none.
func (m *Manager) Active() *domain.ProviderConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.active == "" {
		return nil
	}
	return m.providers[m.active]
}

// ActiveName returns the active provider name, empty when none.
func (m *Manager) ActiveName() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// SetActive switches the active provider.
func (m *Manager) SetActive(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.providers[name]; !ok {
		return fmt.Errorf("provider %q not found", name)
	}
	m.active = name
	log.Info("provider_selected", map[string]interface{}{"name": name})
	return nil
}

// SetModel replaces a provider's model id. The config is cloned so
// in-flight requests keep the config they started with.
func (m *Manager) SetModel(name, model string) error {
	if model == "" {
		return fmt.Errorf("model must not be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.providers[name]
	if !ok {
		return fmt.Errorf("provider %q not found", name)
	}
	next := cfg.Clone()
	next.Model = model
	m.providers[name] = next
	log.Info("model_selected", map[string]interface{}{"name": name, "model": model})
	return nil
}

// List projects all providers in registration order.
func (m *Manager) List() []ProviderStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ProviderStatus, 0, len(m.order))
	for _, name := range m.order {
		cfg := m.providers[name]
		out = append(out, ProviderStatus{
			Name:    cfg.Name,
			Kind:    string(cfg.Kind),
			Model:   cfg.Model,
			Enabled: cfg.Enabled,
			Active:  name == m.active,
		})
	}
	return out
}

// NewClient builds a model client for a config.
func NewClient(cfg *domain.ProviderConfig) (Client, error) {
	switch cfg.Kind {
	case domain.KindVertex:
		return NewVertexClient(cfg)
	case domain.KindOpenAI, domain.KindOllama, domain.KindDashScope,
		domain.KindSiliconFlow, domain.KindDeepSeek, domain.KindCustom:
		return NewOpenAIClient(cfg), nil
	default:
		return nil, fmt.Errorf("unknown provider kind: %s", cfg.Kind)
	}
}

// ActiveClient builds a client for the active provider.
func (m *Manager) ActiveClient() (Client, error) {
	cfg := m.Active()
	if cfg == nil {
		return nil, fmt.Errorf("no active provider")
	}
	return NewClient(cfg)
}
