// Package bridge connects the language model to the MCP tool server: it
// converts tool definitions into model-native function-calling formats,
// executes tool calls, and caches tool, resource, and prompt lookups.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/joss/geocommander/internal/domain"
	"github.com/joss/geocommander/internal/logging"
	"github.com/joss/geocommander/internal/provider"
)

var log = logging.New("bridge")

// Session is the MCP surface the registry needs. *mcp.Client satisfies it.
type Session interface {
	Connected() bool
	ListTools(ctx context.Context) ([]domain.Tool, error)
	CallTool(ctx context.Context, name string, args map[string]any) (string, error)
	ListResources(ctx context.Context) ([]domain.ResourceInfo, error)
	ReadResource(ctx context.Context, uri string) (string, error)
	ListPrompts(ctx context.Context) ([]domain.PromptInfo, error)
	GetPrompt(ctx context.Context, name string, args map[string]string) (string, error)
}

// Well-known resource URIs served by the geo tool server.
const (
	ResourceLocations   = "geo://locations"
	ResourceBasemaps    = "geo://basemaps"
	ResourceWeather     = "geo://weather"
	ResourceTimePresets = "geo://time-presets"
)

// excludedPatterns matches tools that depend on server-side preset data.
// In function-calling mode the model should use the base tools (fly_to,
// add_marker, ...) and supply coordinates itself.
var excludedPatterns = []string{
	"fly_to_location",
	"add_marker_at_location",
	"*_by_name",
}

// Registry mediates between model clients and one MCP session.
type Registry struct {
	session Session

	mu        sync.Mutex
	toolCache []provider.OpenAITool
	resources map[string]any
	prompts   map[string]string
}

// NewRegistry creates a registry over an established MCP session.
func NewRegistry(session Session) *Registry {
	return &Registry{
		session:   session,
		resources: make(map[string]any),
		prompts:   make(map[string]string),
	}
}

// Connected reports whether the underlying MCP session is live.
func (r *Registry) Connected() bool {
	return r.session != nil && r.session.Connected()
}

// ClearCache drops cached tools, resources, and prompts. Must be called
// whenever the MCP session is re-established.
func (r *Registry) ClearCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.toolCache = nil
	r.resources = make(map[string]any)
	r.prompts = make(map[string]string)
	log.Info("cache_cleared", nil)
}

// excluded reports whether a tool is withheld from function-calling mode.
func excluded(name string) bool {
	for _, pattern := range excludedPatterns {
		if ok, _ := doublestar.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

// Tools returns the raw MCP tool definitions. Lookup failures degrade to
// an empty list.
func (r *Registry) Tools(ctx context.Context) []domain.Tool {
	if !r.Connected() {
		log.Warn("mcp_not_connected", nil, nil)
		return nil
	}

	tools, err := r.session.ListTools(ctx)
	if err != nil {
		log.Warn("list_tools_failed", nil, err)
		return nil
	}
	return tools
}

// OpenAITools returns tool definitions in OpenAI function-calling format,
// with preset-dependent tools filtered out. The result is cached until
// ClearCache.
func (r *Registry) OpenAITools(ctx context.Context) []provider.OpenAITool {
	r.mu.Lock()
	if r.toolCache != nil {
		cached := r.toolCache
		r.mu.Unlock()
		return cached
	}
	r.mu.Unlock()

	// List outside the lock so resource and prompt lookups are not
	// blocked on MCP round-trip latency.
	var out []provider.OpenAITool
	for _, t := range r.Tools(ctx) {
		if excluded(t.Name) {
			continue
		}
		out = append(out, provider.OpenAITool{
			Type: "function",
			Function: provider.OpenAIFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}

	r.mu.Lock()
	r.toolCache = out
	r.mu.Unlock()
	log.Info("tools_loaded", map[string]interface{}{"count": len(out)})
	return out
}

// GeminiDeclarations returns tool definitions as Gemini function
// declarations. No exclusion is applied.
func (r *Registry) GeminiDeclarations(ctx context.Context) []provider.FunctionDeclaration {
	var out []provider.FunctionDeclaration
	for _, t := range r.Tools(ctx) {
		out = append(out, provider.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.InputSchema,
		})
	}
	return out
}

// ToolsDescription renders a tool list for splicing into system prompts.
func (r *Registry) ToolsDescription(ctx context.Context) string {
	tools := r.Tools(ctx)
	if len(tools) == 0 {
		return "No tools available."
	}

	lines := make([]string, 0, len(tools))
	for _, t := range tools {
		lines = append(lines, fmt.Sprintf("- %s: %s", t.Name, t.Description))
	}
	return strings.Join(lines, "\n")
}

// Execute runs a tool and never returns an error: failures come back as
// {"success": false, "error": ...}. Tool output that parses as a JSON
// object is returned as-is; anything else is wrapped as {"result": text}.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) map[string]any {
	if !r.Connected() {
		return map[string]any{"success": false, "error": "MCP not connected"}
	}

	start := time.Now()
	text, err := r.session.CallTool(ctx, name, args)
	if err != nil {
		logging.ToolCallEvent(name, "", false, time.Since(start), err)
		return map[string]any{"success": false, "error": err.Error()}
	}
	logging.ToolCallEvent(name, "", true, time.Since(start), nil)

	var parsed map[string]any
	if err := json.Unmarshal([]byte(text), &parsed); err == nil {
		return parsed
	}
	return map[string]any{"result": text}
}

// ProcessCalls executes model-issued tool calls in order and records the
// outcome of each.
func (r *Registry) ProcessCalls(ctx context.Context, calls []domain.ToolCallRequest) []domain.ToolCallResult {
	results := make([]domain.ToolCallResult, 0, len(calls))

	for _, tc := range calls {
		result := r.Execute(ctx, tc.Name, tc.ParsedArguments())

		out := domain.ToolCallResult{Payload: result}
		if failed(result) {
			out.Status = domain.ToolCallError
			out.ErrorMessage = errorMessage(result)
		} else {
			out.Status = domain.ToolCallSuccess
		}
		results = append(results, out)
	}

	return results
}

// failed reports whether a tool result payload describes a failure.
func failed(result map[string]any) bool {
	if ok, present := result["success"].(bool); present && !ok {
		return true
	}
	_, hasErr := result["error"]
	return hasErr
}

func errorMessage(result map[string]any) string {
	if msg, ok := result["error"].(string); ok && msg != "" {
		return msg
	}
	return "Unknown error"
}

// Resource reads an MCP resource. JSON content is parsed and cached;
// non-JSON content is returned raw and uncached.
func (r *Registry) Resource(ctx context.Context, uri string) (any, error) {
	r.mu.Lock()
	if cached, ok := r.resources[uri]; ok {
		r.mu.Unlock()
		return cached, nil
	}
	r.mu.Unlock()

	if !r.Connected() {
		return nil, fmt.Errorf("MCP not connected")
	}

	text, err := r.session.ReadResource(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("read resource %s: %w", uri, err)
	}

	var data any
	if err := json.Unmarshal([]byte(text), &data); err != nil {
		return text, nil
	}

	r.mu.Lock()
	r.resources[uri] = data
	r.mu.Unlock()
	return data, nil
}

// resourceMap reads a resource expected to be a JSON object. Missing or
// malformed resources degrade to an empty map.
func (r *Registry) resourceMap(ctx context.Context, uri string) map[string]any {
	data, err := r.Resource(ctx, uri)
	if err != nil {
		log.Warn("resource_failed", map[string]interface{}{"uri": uri}, err)
		return map[string]any{}
	}
	if m, ok := data.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

// Locations returns the named location catalog.
func (r *Registry) Locations(ctx context.Context) map[string]any {
	return r.resourceMap(ctx, ResourceLocations)
}

// Basemaps returns the basemap catalog.
func (r *Registry) Basemaps(ctx context.Context) map[string]any {
	return r.resourceMap(ctx, ResourceBasemaps)
}

// WeatherTypes returns the weather effect catalog.
func (r *Registry) WeatherTypes(ctx context.Context) map[string]any {
	return r.resourceMap(ctx, ResourceWeather)
}

// TimePresets returns the time-of-day preset catalog.
func (r *Registry) TimePresets(ctx context.Context) map[string]any {
	return r.resourceMap(ctx, ResourceTimePresets)
}

// Resources lists the resources advertised by the server.
func (r *Registry) Resources(ctx context.Context) ([]domain.ResourceInfo, error) {
	if !r.Connected() {
		return nil, fmt.Errorf("MCP not connected")
	}
	return r.session.ListResources(ctx)
}

// Prompts lists the prompt templates advertised by the server.
func (r *Registry) Prompts(ctx context.Context) ([]domain.PromptInfo, error) {
	if !r.Connected() {
		return nil, fmt.Errorf("MCP not connected")
	}
	return r.session.ListPrompts(ctx)
}

// FetchPrompt renders a prompt template, cached per name until ClearCache.
func (r *Registry) FetchPrompt(ctx context.Context, name string, args map[string]string) (string, error) {
	r.mu.Lock()
	if cached, ok := r.prompts[name]; ok {
		r.mu.Unlock()
		return cached, nil
	}
	r.mu.Unlock()

	if !r.Connected() {
		return "", fmt.Errorf("MCP not connected")
	}

	text, err := r.session.GetPrompt(ctx, name, args)
	if err != nil {
		return "", fmt.Errorf("get prompt %s: %w", name, err)
	}

	r.mu.Lock()
	r.prompts[name] = text
	r.mu.Unlock()
	return text, nil
}
