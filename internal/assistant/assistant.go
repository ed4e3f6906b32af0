// Package assistant orchestrates chat turns: it takes user input, drives
// the model through native function calling or a structured-text
// fallback, executes tool calls through the bridge, and always returns a
// well-formed reply.
package assistant

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/joss/geocommander/internal/bridge"
	"github.com/joss/geocommander/internal/domain"
	"github.com/joss/geocommander/internal/logging"
	"github.com/joss/geocommander/internal/provider"
)

var log = logging.New("assistant")

// User-facing notices. The visualization frontend displays them verbatim.
const (
	msgNotEnabled   = "⚠️ AI 服务未启用。请检查后端配置或联系管理员。"
	msgUnavailable  = "⚠️ AI 服务暂时不可用，请稍后再试。"
	msgDefaultDone  = "好的，已执行操作。"
	msgParseTrouble = "抱歉，我遇到了一点问题。"
)

const (
	commandTemperature      = 0.3
	conversationTemperature = 0.7
	replyMaxTokens          = 1024
	defaultMaxHistory       = 10
)

// gemini-style prefix some backends prepend to tool names
const defaultAPIPrefix = "default_api."

// Assistant handles chat turns for one session.
type Assistant struct {
	registry *bridge.Registry
	manager  *provider.Manager

	useLLM             bool
	useFunctionCalling bool
	maxHistory         int

	mu      sync.Mutex
	client  provider.Client
	history []domain.Turn
}

// Option tweaks assistant construction.
type Option func(*Assistant)

// WithoutFunctionCalling forces the structured-text path for every turn.
func WithoutFunctionCalling() Option {
	return func(a *Assistant) { a.useFunctionCalling = false }
}

// WithMaxHistory bounds conversation history to n rounds.
func WithMaxHistory(n int) Option {
	return func(a *Assistant) {
		if n > 0 {
			a.maxHistory = n
		}
	}
}

// WithClient injects a model client, bypassing the manager. Tests use
// this.
func WithClient(c provider.Client) Option {
	return func(a *Assistant) { a.client = c }
}

// New creates an assistant. When useLLM is false every turn returns the
// not-enabled notice.
func New(registry *bridge.Registry, manager *provider.Manager, useLLM bool, opts ...Option) *Assistant {
	a := &Assistant{
		registry:           registry,
		manager:            manager,
		useLLM:             useLLM,
		useFunctionCalling: true,
		maxHistory:         defaultMaxHistory,
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.useLLM && a.client == nil && a.manager != nil {
		client, err := a.manager.ActiveClient()
		if err != nil {
			log.Warn("no_provider_available", nil, err)
			a.useLLM = false
		} else {
			a.client = client
		}
	}

	return a
}

// RefreshClient rebuilds the model client after a provider or model
// switch and drops bridge caches.
func (a *Assistant) RefreshClient() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.manager != nil {
		client, err := a.manager.ActiveClient()
		if err != nil {
			log.Warn("refresh_client_failed", nil, err)
		} else {
			a.client = client
		}
	}
	if a.registry != nil {
		a.registry.ClearCache()
	}
}

// History returns a copy of the stored conversation turns.
func (a *Assistant) History() []domain.Turn {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]domain.Turn, len(a.history))
	copy(out, a.history)
	return out
}

// ClearHistory empties the conversation memory.
func (a *Assistant) ClearHistory() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.history = nil
}

// currentClient snapshots the active model client. A turn keeps its
// snapshot even if RefreshClient swaps the client mid-flight.
func (a *Assistant) currentClient() provider.Client {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.client
}

func (a *Assistant) providerInfo() (name, model string) {
	if a.manager == nil {
		return "", ""
	}
	cfg := a.manager.Active()
	if cfg == nil {
		return "", ""
	}
	return cfg.Name, cfg.Model
}

// Chat handles one user turn. It never returns an error: every failure
// path degrades to a reply the frontend can display.
//
// Strategy, in order: native function calling (skipped for thinking
// requests), then the structured-text JSON path.
func (a *Assistant) Chat(ctx context.Context, input string, mode domain.Mode, thinking bool) domain.ChatReply {
	client := a.currentClient()
	if !a.useLLM || client == nil {
		return domain.ChatReply{Message: msgNotEnabled}
	}

	providerName, model := a.providerInfo()
	start := time.Now()

	if a.useFunctionCalling && a.registry != nil && !thinking {
		if reply, ok := a.chatWithFunctionCalling(ctx, client, input, mode); ok {
			logging.ChatEvent(string(mode), providerName, model, "", time.Since(start), nil)
			return reply
		}
		log.Warn("function_calling_fallback", map[string]interface{}{"mode": string(mode)}, nil)
	}

	systemPrompt := a.systemPrompt(ctx, mode, thinking)
	reply, err := a.chatStructured(ctx, client, input, systemPrompt, mode)
	if err != nil {
		logging.ChatEvent(string(mode), providerName, model, "", time.Since(start), err)
		return domain.ChatReply{Message: msgUnavailable}
	}

	logging.ChatEvent(string(mode), providerName, model, "", time.Since(start), nil)
	return reply
}

func temperatureFor(mode domain.Mode) float64 {
	if mode == domain.ModeCommand {
		return commandTemperature
	}
	return conversationTemperature
}

// recentHistory returns at most 2×maxHistory stored turns, newest kept.
func (a *Assistant) recentHistory() []domain.Turn {
	a.mu.Lock()
	defer a.mu.Unlock()

	limit := a.maxHistory * 2
	if len(a.history) <= limit {
		out := make([]domain.Turn, len(a.history))
		copy(out, a.history)
		return out
	}
	out := make([]domain.Turn, limit)
	copy(out, a.history[len(a.history)-limit:])
	return out
}

// remember appends one exchange and evicts the oldest turns beyond the
// bound. Only conversation mode calls this.
func (a *Assistant) remember(user, assistantTurn domain.Turn) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.history = append(a.history, user, assistantTurn)
	if limit := a.maxHistory * 2; len(a.history) > limit {
		a.history = a.history[len(a.history)-limit:]
	}
}

// chatWithFunctionCalling runs the native tool-calling path. ok=false
// means the caller should fall back to the structured-text path.
func (a *Assistant) chatWithFunctionCalling(ctx context.Context, client provider.Client, input string, mode domain.Mode) (domain.ChatReply, bool) {
	tools := a.registry.OpenAITools(ctx)
	if len(tools) == 0 {
		log.Warn("no_tools_for_function_calling", nil, nil)
		return domain.ChatReply{}, false
	}

	msgs := []domain.Turn{{Role: domain.RoleSystem, Content: functionCallingPrompt(mode)}}
	if mode == domain.ModeConversation {
		msgs = append(msgs, a.recentHistory()...)
	}
	msgs = append(msgs, domain.Turn{Role: domain.RoleUser, Content: input})

	result, err := client.ChatWithTools(ctx, msgs, tools, provider.ChatOptions{
		Temperature: temperatureFor(mode),
		MaxTokens:   replyMaxTokens,
		ToolChoice:  provider.ToolChoiceAuto,
	})
	if err != nil {
		log.Warn("function_calling_failed", nil, err)
		return domain.ChatReply{}, false
	}

	reply := domain.ChatReply{
		Message: result.Content,
		Raw:     string(result.Raw),
	}

	if len(result.ToolCalls) > 0 {
		// Only the first proposed call is executed.
		tc := result.ToolCalls[0]
		name := strings.TrimPrefix(tc.Name, defaultAPIPrefix)
		args := tc.ParsedArguments()

		execResult := a.registry.Execute(ctx, name, args)

		if errText, _ := execResult["error"].(string); errText != "" {
			message, _ := execResult["message"].(string)
			if message == "" {
				message = "操作失败: " + errText
			}
			return domain.ChatReply{Message: message, Raw: reply.Raw}, true
		}

		// Prefer the resolved action from the tool result: the server may
		// turn an indirect call (fly_to_location) into a concrete one
		// (fly_to + coordinates).
		invocation := &domain.ToolInvocation{Action: name, Arguments: args}
		if action, _ := execResult["action"].(string); action != "" {
			invocation.Action = action
		}
		if resolved, ok := execResult["arguments"].(map[string]any); ok {
			invocation.Arguments = resolved
		}
		reply.ToolCall = invocation
	}

	if reply.Message == "" {
		reply.Message = msgDefaultDone
	}

	if mode == domain.ModeConversation {
		a.remember(
			domain.Turn{Role: domain.RoleUser, Content: input},
			domain.Turn{Role: domain.RoleAssistant, Content: result.Content, ToolCalls: result.ToolCalls},
		)
	}

	return reply, true
}

// structuredReply is the JSON contract of the structured-text path.
type structuredReply struct {
	Message  string                 `json:"message"`
	ToolCall *domain.ToolInvocation `json:"tool_call"`
	Thinking string                 `json:"thinking"`
}

// chatStructured runs the prompt-engineering path: strict-JSON chat
// parsed into {message, tool_call, thinking}. An error means transport
// failure; malformed JSON degrades to the raw text.
func (a *Assistant) chatStructured(ctx context.Context, client provider.Client, input, systemPrompt string, mode domain.Mode) (domain.ChatReply, error) {
	msgs := []domain.Turn{{Role: domain.RoleSystem, Content: systemPrompt}}
	if mode == domain.ModeConversation {
		msgs = append(msgs, a.recentHistory()...)
	}
	msgs = append(msgs, domain.Turn{Role: domain.RoleUser, Content: input})

	response, err := client.Chat(ctx, msgs, provider.ChatOptions{
		Temperature: temperatureFor(mode),
		MaxTokens:   replyMaxTokens,
		JSONOutput:  true,
	})
	if err != nil {
		log.Error("llm_chat_failed", map[string]interface{}{"mode": string(mode)}, err)
		return domain.ChatReply{}, err
	}

	var parsed structuredReply
	if err := json.Unmarshal([]byte(response), &parsed); err != nil {
		log.Warn("json_parse_failed", nil, err)
		message := response
		if message == "" {
			message = msgParseTrouble
		}
		return domain.ChatReply{Message: message, Raw: response}, nil
	}

	if mode == domain.ModeConversation {
		a.remember(
			domain.Turn{Role: domain.RoleUser, Content: input},
			domain.Turn{Role: domain.RoleAssistant, Content: parsed.Message},
		)
	}

	return domain.ChatReply{
		Message:  parsed.Message,
		ToolCall: parsed.ToolCall,
		Thinking: parsed.Thinking,
		Raw:      response,
	}, nil
}
