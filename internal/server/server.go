// Package server is the HTTP face of the bridge: REST endpoints for
// tools, providers and chat, plus a server-sent-events push channel that
// relays resolved map actions to visualization clients.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/joss/geocommander/internal/bridge"
	"github.com/joss/geocommander/internal/domain"
	"github.com/joss/geocommander/internal/logging"
	"github.com/joss/geocommander/internal/provider"
	"github.com/joss/geocommander/internal/store"
)

var log = logging.New("server")

const serverVersion = "2.0.0"

// ChatAssistant is the orchestration surface the server drives.
// *assistant.Assistant satisfies it.
type ChatAssistant interface {
	Chat(ctx context.Context, input string, mode domain.Mode, thinking bool) domain.ChatReply
	RefreshClient()
}

// Server wires the bridge registry, provider manager and assistant
// behind an HTTP API.
type Server struct {
	registry  *bridge.Registry
	manager   *provider.Manager
	assistant ChatAssistant
	logs      *store.ChatStore
	hub       *Hub
	mux       *http.ServeMux
	addr      string
}

func New(addr string, registry *bridge.Registry, manager *provider.Manager, chat ChatAssistant, logs *store.ChatStore) *Server {
	s := &Server{
		registry:  registry,
		manager:   manager,
		assistant: chat,
		logs:      logs,
		hub:       NewHub(),
		mux:       http.NewServeMux(),
		addr:      addr,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("GET /", s.handleStatus)
	s.mux.HandleFunc("GET /tools", s.handleTools)
	s.mux.HandleFunc("GET /locations", s.handleLocations)

	s.mux.HandleFunc("GET /mcp/status", s.handleMCPStatus)
	s.mux.HandleFunc("GET /mcp/tools", s.handleTools)
	s.mux.HandleFunc("GET /mcp/resources", s.handleMCPResources)
	s.mux.HandleFunc("GET /mcp/prompts", s.handleMCPPrompts)
	s.mux.HandleFunc("POST /mcp/call", s.handleMCPCall)

	s.mux.HandleFunc("GET /model", s.handleModel)
	s.mux.HandleFunc("GET /providers", s.handleProviders)
	s.mux.HandleFunc("POST /providers/select", s.handleSelectProvider)

	s.mux.HandleFunc("POST /chat", s.handleChat)
	s.mux.HandleFunc("POST /command", s.handleCommand)
	s.mux.HandleFunc("POST /execute", s.handleExecute)
	s.mux.HandleFunc("GET /events", s.handleEvents)

	s.mux.HandleFunc("GET /logs", s.handleLogs)
	s.mux.HandleFunc("GET /logs/sessions", s.handleLogSessions)
	s.mux.HandleFunc("GET /logs/sessions/{id}", s.handleSessionMessages)
	s.mux.HandleFunc("DELETE /logs", s.handleClearLogs)
	s.mux.HandleFunc("DELETE /logs/sessions/{id}", s.handleDeleteSession)
}

// Hub exposes the push hub, e.g. for broadcasting from outside the
// request path.
func (s *Server) Hub() *Hub {
	return s.hub
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) activeProvider() *domain.ProviderConfig {
	if s.manager == nil {
		return nil
	}
	return s.manager.Active()
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	llm := map[string]any{"enabled": false, "provider": nil}
	if cfg := s.activeProvider(); cfg != nil {
		llm = map[string]any{
			"enabled":  true,
			"provider": cfg.Name,
			"model":    cfg.Model,
			"type":     string(cfg.Kind),
		}
	}

	connected := s.registry != nil && s.registry.Connected()
	toolNames := []string{}
	locationCount := 0
	if connected {
		for _, t := range s.registry.Tools(r.Context()) {
			toolNames = append(toolNames, t.Name)
		}
		locationCount = len(s.registry.Locations(r.Context()))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"name":             "GeoCommander Server",
		"version":          serverVersion,
		"status":           "running",
		"mcp":              map[string]any{"connected": connected, "tools": toolNames},
		"llm":              llm,
		"locations_count":  locationCount,
		"function_calling": true,
	})
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil || !s.registry.Connected() {
		writeJSON(w, http.StatusOK, map[string]any{"tools": []any{}, "error": "MCP not connected"})
		return
	}

	tools := []map[string]any{}
	for _, t := range s.registry.Tools(r.Context()) {
		tools = append(tools, map[string]any{
			"name":        t.Name,
			"description": t.Description,
			"parameters":  t.InputSchema,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": tools})
}

func (s *Server) handleLocations(w http.ResponseWriter, r *http.Request) {
	locations := map[string]any{}
	if s.registry != nil {
		locations = s.registry.Locations(r.Context())
	}
	writeJSON(w, http.StatusOK, map[string]any{"locations": locations})
}

func (s *Server) handleMCPStatus(w http.ResponseWriter, r *http.Request) {
	connected := s.registry != nil && s.registry.Connected()
	toolNames := []string{}
	if connected {
		for _, t := range s.registry.Tools(r.Context()) {
			toolNames = append(toolNames, t.Name)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"connected":   connected,
		"tools_count": len(toolNames),
		"tools":       toolNames,
	})
}

func (s *Server) handleMCPResources(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil || !s.registry.Connected() {
		writeJSON(w, http.StatusOK, map[string]any{"resources": []any{}, "error": "MCP not connected"})
		return
	}

	resources, err := s.registry.Resources(r.Context())
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"resources": []any{}, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"resources": resources})
}

func (s *Server) handleMCPPrompts(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil || !s.registry.Connected() {
		writeJSON(w, http.StatusOK, map[string]any{"prompts": []any{}, "error": "MCP not connected"})
		return
	}

	prompts, err := s.registry.Prompts(r.Context())
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"prompts": []any{}, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"prompts": prompts})
}

type mcpCallRequest struct {
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
	Broadcast *bool          `json:"broadcast"`
}

func (s *Server) handleMCPCall(w http.ResponseWriter, r *http.Request) {
	var req mcpCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": err.Error()})
		return
	}

	if s.registry == nil || !s.registry.Connected() {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": "MCP not connected"})
		return
	}

	result := s.registry.Execute(r.Context(), req.Tool, req.Arguments)

	broadcast := req.Broadcast == nil || *req.Broadcast
	if action, _ := result["action"].(string); broadcast && action != "" {
		args, _ := result["arguments"].(map[string]any)
		notified, err := s.hub.BroadcastAction(action, args)
		if err == nil {
			result["broadcasted"] = true
			result["clients"] = notified
		}
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleModel(w http.ResponseWriter, r *http.Request) {
	cfg := s.activeProvider()
	if cfg == nil {
		writeJSON(w, http.StatusOK, map[string]any{"model": nil, "provider": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"model":    cfg.Model,
		"provider": cfg.Name,
		"type":     string(cfg.Kind),
	})
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	if s.manager == nil {
		writeJSON(w, http.StatusOK, map[string]any{"providers": []any{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": s.manager.List()})
}

func (s *Server) handleSelectProvider(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Provider string `json:"provider"`
		Model    string `json:"model"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": err.Error()})
		return
	}

	if s.manager == nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": "no provider manager"})
		return
	}

	if req.Provider != "" {
		if err := s.manager.SetActive(req.Provider); err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": err.Error()})
			return
		}
		log.Info("provider_switched", map[string]interface{}{"provider": req.Provider})
	}
	if req.Model != "" && req.Provider != "" {
		if err := s.manager.SetModel(req.Provider, req.Model); err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": err.Error()})
			return
		}
	}

	if s.assistant != nil {
		s.assistant.RefreshClient()
	}

	active := s.manager.Active()
	resp := map[string]any{"success": true, "active_provider": nil, "model": nil}
	if active != nil {
		resp["active_provider"] = active.Name
		resp["model"] = active.Model
	}
	writeJSON(w, http.StatusOK, resp)
}

type chatRequest struct {
	Message      string `json:"message"`
	SystemPrompt string `json:"system_prompt"`
}

// handleChat is a plain LLM round-trip for connectivity checks, no tool
// calling involved.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": err.Error()})
		return
	}

	if s.manager == nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": "No LLM provider available"})
		return
	}
	client, err := s.manager.ActiveClient()
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": "No LLM provider available"})
		return
	}

	msgs := []domain.Turn{}
	if req.SystemPrompt != "" {
		msgs = append(msgs, domain.Turn{Role: domain.RoleSystem, Content: req.SystemPrompt})
	}
	msgs = append(msgs, domain.Turn{Role: domain.RoleUser, Content: req.Message})

	response, err := client.Chat(r.Context(), msgs, provider.ChatOptions{})
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": err.Error()})
		return
	}

	cfg := s.activeProvider()
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"provider": cfg.Name,
		"model":    cfg.Model,
		"response": response,
	})
}

type commandRequest struct {
	Text      string `json:"text"`
	Mode      string `json:"mode"`
	Thinking  bool   `json:"thinking"`
	SessionID string `json:"session_id"`
}

// handleCommand runs one assistant turn: natural language in, chat reply
// plus an optional resolved map action out. Actions are also pushed to
// connected visualization clients.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	if s.assistant == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "assistant not configured"})
		return
	}

	mode := domain.Mode(req.Mode)
	if mode != domain.ModeCommand {
		mode = domain.ModeConversation
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = store.NewSessionID()
	}

	providerName, model := "", ""
	if cfg := s.activeProvider(); cfg != nil {
		providerName, model = cfg.Name, cfg.Model
	}

	s.logChat(r.Context(), store.ChatLog{
		SessionID: sessionID,
		Direction: store.DirectionIn,
		Role:      string(domain.RoleUser),
		Message:   req.Text,
		Mode:      string(mode),
	})

	reply := s.assistant.Chat(r.Context(), req.Text, mode, req.Thinking)

	outLog := store.ChatLog{
		SessionID:   sessionID,
		Direction:   store.DirectionOut,
		Role:        string(domain.RoleAssistant),
		Message:     reply.Message,
		Thinking:    reply.Thinking,
		LLMProvider: providerName,
		LLMModel:    model,
		Mode:        string(mode),
	}
	if reply.ToolCall != nil {
		outLog.ToolAction = reply.ToolCall.Action
		outLog.ToolArguments = reply.ToolCall.Arguments
	}
	s.logChat(r.Context(), outLog)

	resp := map[string]any{
		"type":       "chat_response",
		"message":    reply.Message,
		"session_id": sessionID,
		"timestamp":  time.Now().Format(time.RFC3339),
	}
	if reply.Thinking != "" {
		resp["thinking"] = reply.Thinking
	}
	if reply.Raw != "" {
		resp["llm_raw"] = reply.Raw
	}
	var toolCall map[string]any
	if reply.ToolCall != nil {
		toolCall = map[string]any{
			"action":    reply.ToolCall.Action,
			"arguments": reply.ToolCall.Arguments,
		}
		resp["tool_call"] = toolCall
		// push the action so connected globes move even though the reply
		// travels back over HTTP
		s.hub.BroadcastAction(reply.ToolCall.Action, reply.ToolCall.Arguments)
	}
	s.hub.BroadcastChatResponse(reply.Message, toolCall, reply.Thinking)

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) logChat(ctx context.Context, entry ChatLogEntry) {
	if s.logs == nil {
		return
	}
	s.logs.Append(ctx, entry)
}

// ChatLogEntry aliases the store record for callers of logChat.
type ChatLogEntry = store.ChatLog

type executeRequest struct {
	Action    string         `json:"action"`
	Arguments map[string]any `json:"arguments"`
}

// handleExecute lets the tool-provider push an action straight to the
// visualization clients over HTTP.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": err.Error()})
		return
	}

	notified, err := s.hub.BroadcastAction(req.Action, req.Arguments)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"success": false,
			"error":   "No connected clients",
			"message": "没有已连接的客户端，请确保可视化前端已打开并连接",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":          true,
		"action":           req.Action,
		"arguments":        req.Arguments,
		"clients_notified": notified,
		"message":          fmt.Sprintf("动作已发送到 %d 个客户端", notified),
	})
}

// handleEvents is the SSE push channel for visualization clients.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	events, cancel := s.hub.Subscribe()
	defer cancel()

	welcome := Event{Type: "system", Payload: map[string]any{
		"content":   "已连接到 GeoCommander MCP Server。您可以使用自然语言控制地图，例如：'飞到上海外滩'。",
		"timestamp": time.Now().Format(time.RFC3339),
	}}
	writeSSE(w, welcome)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-events:
			writeSSE(w, event)
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		writeJSON(w, http.StatusOK, map[string]any{"logs": []any{}})
		return
	}

	limit := 0
	fmt.Sscanf(r.URL.Query().Get("limit"), "%d", &limit)

	logs, err := s.logs.RecentLogs(r.Context(), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

func (s *Server) handleLogSessions(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		writeJSON(w, http.StatusOK, map[string]any{"sessions": []any{}})
		return
	}

	sessions, err := s.logs.Sessions(r.Context(), 20)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleSessionMessages(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		writeJSON(w, http.StatusOK, map[string]any{"messages": []any{}})
		return
	}

	messages, err := s.logs.SessionMessages(r.Context(), r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (s *Server) handleClearLogs(w http.ResponseWriter, r *http.Request) {
	if s.logs != nil {
		if err := s.logs.ClearLogs(r.Context()); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if s.logs != nil {
		if err := s.logs.DeleteSession(r.Context(), r.PathValue("id")); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// CORS allows browser clients on any origin.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// RequestID tags every request context with a correlation id.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = logging.NewRequestID()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(logging.WithRequestID(r.Context(), id)))
	})
}

// Handler returns the fully wrapped route handler.
func (s *Server) Handler() http.Handler {
	return CORS(RequestID(s.mux))
}

// Serve runs the server until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info("listening", map[string]interface{}{"addr": s.addr})
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
