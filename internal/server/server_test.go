package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joss/geocommander/internal/bridge"
	"github.com/joss/geocommander/internal/domain"
	"github.com/joss/geocommander/internal/provider"
	"github.com/joss/geocommander/internal/store"
)

type fakeSession struct {
	connected   bool
	tools       []domain.Tool
	callResults map[string]string
}

func (f *fakeSession) Connected() bool { return f.connected }

func (f *fakeSession) ListTools(context.Context) ([]domain.Tool, error) { return f.tools, nil }

func (f *fakeSession) CallTool(_ context.Context, name string, _ map[string]any) (string, error) {
	if result, ok := f.callResults[name]; ok {
		return result, nil
	}
	return `{"success": true}`, nil
}

func (f *fakeSession) ListResources(context.Context) ([]domain.ResourceInfo, error) {
	return []domain.ResourceInfo{{URI: "geo://locations", Name: "locations"}}, nil
}

func (f *fakeSession) ReadResource(_ context.Context, uri string) (string, error) {
	if uri == "geo://locations" {
		return `{"北京": {"longitude": 116.4074, "latitude": 39.9042}}`, nil
	}
	return "", errors.New("unknown resource")
}

func (f *fakeSession) ListPrompts(context.Context) ([]domain.PromptInfo, error) {
	return []domain.PromptInfo{{Name: "geo_assistant"}}, nil
}

func (f *fakeSession) GetPrompt(context.Context, string, map[string]string) (string, error) {
	return "", errors.New("no prompts")
}

type fakeAssistant struct {
	reply     domain.ChatReply
	lastInput string
	lastMode  domain.Mode
	thinking  bool
	refreshed int
}

func (f *fakeAssistant) Chat(_ context.Context, input string, mode domain.Mode, thinking bool) domain.ChatReply {
	f.lastInput = input
	f.lastMode = mode
	f.thinking = thinking
	return f.reply
}

func (f *fakeAssistant) RefreshClient() { f.refreshed++ }

type serverFixture struct {
	server    *Server
	session   *fakeSession
	assistant *fakeAssistant
	logs      *store.ChatStore
}

func newFixture(t *testing.T) *serverFixture {
	t.Helper()

	session := &fakeSession{
		connected: true,
		tools: []domain.Tool{
			{Name: "fly_to", Description: "飞行到指定经纬度"},
			{Name: "zoom_in", Description: "放大地图"},
		},
	}
	chat := &fakeAssistant{reply: domain.ChatReply{Message: "好的"}}

	logs, err := store.Open(filepath.Join(t.TempDir(), "chat_logs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { logs.Close() })

	manager := provider.NewManagerWithLookup(func(string) string { return "" })

	return &serverFixture{
		server:    New("127.0.0.1:0", bridge.NewRegistry(session), manager, chat, logs),
		session:   session,
		assistant: chat,
		logs:      logs,
	}
}

func (f *serverFixture) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var reqBody *bytes.Buffer
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reqBody = bytes.NewBuffer(data)
	} else {
		reqBody = &bytes.Buffer{}
	}

	req := httptest.NewRequest(method, path, reqBody)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec, decoded
}

func TestStatusEndpoint(t *testing.T) {
	f := newFixture(t)

	rec, body := f.do(t, http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "GeoCommander Server", body["name"])
	assert.Equal(t, "running", body["status"])
	assert.Equal(t, true, body["function_calling"])

	mcp, ok := body["mcp"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, mcp["connected"])
	assert.Len(t, mcp["tools"], 2)

	llm, ok := body["llm"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, llm["enabled"]) // ollama is always registered
	assert.Equal(t, "ollama", llm["provider"])

	assert.Equal(t, float64(1), body["locations_count"])
}

func TestStatusRequestIDHeader(t *testing.T) {
	f := newFixture(t)
	rec, _ := f.do(t, http.MethodGet, "/", nil)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestToolsEndpoint(t *testing.T) {
	f := newFixture(t)

	_, body := f.do(t, http.MethodGet, "/tools", nil)
	tools, ok := body["tools"].([]any)
	require.True(t, ok)
	require.Len(t, tools, 2)

	first := tools[0].(map[string]any)
	assert.Equal(t, "fly_to", first["name"])
	assert.Equal(t, "飞行到指定经纬度", first["description"])
}

func TestToolsNotConnected(t *testing.T) {
	f := newFixture(t)
	f.session.connected = false

	_, body := f.do(t, http.MethodGet, "/tools", nil)
	assert.Equal(t, "MCP not connected", body["error"])
	assert.Empty(t, body["tools"])
}

func TestLocationsEndpoint(t *testing.T) {
	f := newFixture(t)

	_, body := f.do(t, http.MethodGet, "/locations", nil)
	locations, ok := body["locations"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, locations, "北京")
}

func TestMCPStatusEndpoint(t *testing.T) {
	f := newFixture(t)

	_, body := f.do(t, http.MethodGet, "/mcp/status", nil)
	assert.Equal(t, true, body["connected"])
	assert.Equal(t, float64(2), body["tools_count"])
}

func TestMCPResourcesEndpoint(t *testing.T) {
	f := newFixture(t)

	_, body := f.do(t, http.MethodGet, "/mcp/resources", nil)
	resources, ok := body["resources"].([]any)
	require.True(t, ok)
	require.Len(t, resources, 1)
}

func TestMCPCallNotConnected(t *testing.T) {
	f := newFixture(t)
	f.session.connected = false

	_, body := f.do(t, http.MethodPost, "/mcp/call", map[string]any{"tool": "fly_to"})
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "MCP not connected", body["error"])
}

func TestMCPCallBroadcast(t *testing.T) {
	f := newFixture(t)
	f.session.callResults = map[string]string{
		"fly_to_location": `{"success": true, "action": "fly_to", "arguments": {"longitude": 116.4074, "latitude": 39.9042}}`,
	}

	events, cancel := f.server.Hub().Subscribe()
	defer cancel()

	_, body := f.do(t, http.MethodPost, "/mcp/call", map[string]any{
		"tool":      "fly_to_location",
		"arguments": map[string]any{"name": "北京"},
	})

	assert.Equal(t, true, body["success"])
	assert.Equal(t, true, body["broadcasted"])
	assert.Equal(t, float64(1), body["clients"])

	event := <-events
	assert.Equal(t, "action", event.Type)
}

func TestProvidersEndpoint(t *testing.T) {
	f := newFixture(t)

	_, body := f.do(t, http.MethodGet, "/providers", nil)
	providers, ok := body["providers"].([]any)
	require.True(t, ok)
	require.NotEmpty(t, providers)
}

func TestSelectProvider(t *testing.T) {
	f := newFixture(t)

	_, body := f.do(t, http.MethodPost, "/providers/select", map[string]any{
		"provider": "ollama",
		"model":    "llama3",
	})

	assert.Equal(t, true, body["success"])
	assert.Equal(t, "ollama", body["active_provider"])
	assert.Equal(t, "llama3", body["model"])
	assert.Equal(t, 1, f.assistant.refreshed)
}

func TestSelectUnknownProvider(t *testing.T) {
	f := newFixture(t)

	_, body := f.do(t, http.MethodPost, "/providers/select", map[string]any{"provider": "mystery"})
	assert.Equal(t, false, body["success"])
	assert.Zero(t, f.assistant.refreshed)
}

func TestModelEndpoint(t *testing.T) {
	f := newFixture(t)

	_, body := f.do(t, http.MethodGet, "/model", nil)
	assert.Equal(t, "ollama", body["provider"])
	assert.NotEmpty(t, body["model"])
}

func TestCommandEndpoint(t *testing.T) {
	f := newFixture(t)
	f.assistant.reply = domain.ChatReply{
		Message: "好的，正在前往北京。",
		ToolCall: &domain.ToolInvocation{
			Action:    "fly_to",
			Arguments: map[string]any{"longitude": 116.4074, "latitude": 39.9042},
		},
	}

	events, cancel := f.server.Hub().Subscribe()
	defer cancel()

	_, body := f.do(t, http.MethodPost, "/command", map[string]any{
		"text": "前往北京",
		"mode": "command",
	})

	assert.Equal(t, "chat_response", body["type"])
	assert.Equal(t, "好的，正在前往北京。", body["message"])
	assert.NotEmpty(t, body["session_id"])

	toolCall, ok := body["tool_call"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "fly_to", toolCall["action"])

	assert.Equal(t, domain.ModeCommand, f.assistant.lastMode)
	assert.Equal(t, "前往北京", f.assistant.lastInput)

	// action pushed to connected clients
	event := <-events
	assert.Equal(t, "action", event.Type)

	// both directions persisted
	logs, err := f.logs.RecentLogs(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "fly_to", logs[0].ToolAction)
	assert.Equal(t, "前往北京", logs[1].Message)
}

func TestCommandDefaultsToConversation(t *testing.T) {
	f := newFixture(t)

	f.do(t, http.MethodPost, "/command", map[string]any{"text": "你好"})
	assert.Equal(t, domain.ModeConversation, f.assistant.lastMode)
}

func TestCommandKeepsSessionID(t *testing.T) {
	f := newFixture(t)

	_, body := f.do(t, http.MethodPost, "/command", map[string]any{
		"text":       "你好",
		"session_id": "sess-42",
	})
	assert.Equal(t, "sess-42", body["session_id"])
}

func TestExecuteNoClients(t *testing.T) {
	f := newFixture(t)

	_, body := f.do(t, http.MethodPost, "/execute", map[string]any{"action": "zoom_in"})
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "No connected clients", body["error"])
}

func TestExecuteBroadcast(t *testing.T) {
	f := newFixture(t)

	events, cancel := f.server.Hub().Subscribe()
	defer cancel()

	_, body := f.do(t, http.MethodPost, "/execute", map[string]any{
		"action":    "fly_to",
		"arguments": map[string]any{"longitude": 121.4737},
	})

	assert.Equal(t, true, body["success"])
	assert.Equal(t, float64(1), body["clients_notified"])
	assert.Contains(t, body["message"], "1 个客户端")

	event := <-events
	assert.Equal(t, "action", event.Type)
}

func TestLogsEndpoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.logs.Append(ctx, store.ChatLog{SessionID: "s1", Direction: store.DirectionIn, Role: "user", Message: "你好", Mode: "conversation"})
	f.logs.Append(ctx, store.ChatLog{SessionID: "s1", Direction: store.DirectionOut, Role: "assistant", Message: "你好！", Mode: "conversation"})

	_, body := f.do(t, http.MethodGet, "/logs", nil)
	logs, ok := body["logs"].([]any)
	require.True(t, ok)
	assert.Len(t, logs, 2)

	_, body = f.do(t, http.MethodGet, "/logs/sessions", nil)
	sessions, ok := body["sessions"].([]any)
	require.True(t, ok)
	require.Len(t, sessions, 1)
	assert.Equal(t, "conversation", sessions[0].(map[string]any)["mode"])

	_, body = f.do(t, http.MethodGet, "/logs/sessions/s1", nil)
	messages, ok := body["messages"].([]any)
	require.True(t, ok)
	assert.Len(t, messages, 2)

	rec, body := f.do(t, http.MethodDelete, "/logs/sessions/s1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["success"])

	_, body = f.do(t, http.MethodGet, "/logs", nil)
	assert.Empty(t, body["logs"])
}

func TestClearLogs(t *testing.T) {
	f := newFixture(t)
	f.logs.Append(context.Background(), store.ChatLog{SessionID: "x", Direction: store.DirectionIn, Role: "user", Message: "嗨"})

	_, body := f.do(t, http.MethodDelete, "/logs", nil)
	assert.Equal(t, true, body["success"])

	logs, err := f.logs.RecentLogs(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodOptions, "/command", nil)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestEventsStream(t *testing.T) {
	f := newFixture(t)

	ts := httptest.NewServer(f.server.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: system", strings.TrimSpace(line))

	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, "data: "))

	var welcome map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &welcome))
	assert.Equal(t, "system", welcome["type"])
	assert.Contains(t, welcome["content"], "GeoCommander")
}
