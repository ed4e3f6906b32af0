package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRPCErrorImplementsError(t *testing.T) {
	err := &RPCError{
		Code:    -32600,
		Message: "Invalid Request",
	}

	msg := err.Error()
	if msg != "RPC error -32600: Invalid Request" {
		t.Errorf("Error() = %q, want %q", msg, "RPC error -32600: Invalid Request")
	}
}

func TestRequestMarshal(t *testing.T) {
	req := &Request{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "tools/list",
		Params:  map[string]any{"key": "value"},
	}

	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}

	var parsed map[string]any
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}

	if parsed["jsonrpc"] != "2.0" {
		t.Errorf("jsonrpc = %v, want 2.0", parsed["jsonrpc"])
	}
	if parsed["method"] != "tools/list" {
		t.Errorf("method = %v, want tools/list", parsed["method"])
	}
}

func TestNotificationOmitsID(t *testing.T) {
	data, err := json.Marshal(&Notification{JSONRPC: "2.0", Method: "notifications/initialized"})
	require.NoError(t, err)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal(data, &parsed))

	_, hasID := parsed["id"]
	assert.False(t, hasID, "notification must not carry an id")
}

func TestResponseUnmarshal(t *testing.T) {
	tests := []struct {
		name      string
		json      string
		wantID    int64
		wantError bool
	}{
		{
			name:      "success response",
			json:      `{"jsonrpc":"2.0","id":1,"result":{"tools":[]}}`,
			wantID:    1,
			wantError: false,
		},
		{
			name:      "error response",
			json:      `{"jsonrpc":"2.0","id":2,"error":{"code":-32600,"message":"Invalid"}}`,
			wantID:    2,
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp Response
			if err := json.Unmarshal([]byte(tt.json), &resp); err != nil {
				t.Fatalf("Unmarshal error: %v", err)
			}

			if resp.ID != tt.wantID {
				t.Errorf("ID = %d, want %d", resp.ID, tt.wantID)
			}
			if (resp.Error != nil) != tt.wantError {
				t.Errorf("hasError = %v, want %v", resp.Error != nil, tt.wantError)
			}
		})
	}
}

// startFake wires a Client to an in-memory fake server without spawning
// a process.
func startFake(t *testing.T, handle func(req Request) any) *Client {
	t.Helper()

	clientIn, serverOut := io.Pipe() // server writes -> client reads
	serverIn, clientOut := io.Pipe() // client writes -> server reads

	c := &Client{
		stdin:   clientOut,
		stdout:  clientIn,
		scanner: bufio.NewScanner(clientIn),
	}
	c.connected.Store(true)
	go c.readResponses()

	go func() {
		scanner := bufio.NewScanner(serverIn)
		enc := json.NewEncoder(serverOut)
		for scanner.Scan() {
			var req Request
			if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
				continue
			}
			if req.ID == 0 {
				continue // notification
			}
			result := handle(req)
			if rpcErr, ok := result.(*RPCError); ok {
				enc.Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "error": rpcErr})
				continue
			}
			raw, _ := json.Marshal(result)
			enc.Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": json.RawMessage(raw)})
		}
	}()

	t.Cleanup(func() {
		clientOut.Close()
		serverOut.Close()
	})
	return c
}

func TestCallToolConcatenatesText(t *testing.T) {
	c := startFake(t, func(req Request) any {
		require.Equal(t, "tools/call", req.Method)
		return map[string]any{
			"content": []map[string]any{
				{"type": "text", "text": `{"success": true, `},
				{"type": "image", "data": "ignored"},
				{"type": "text", "text": `"action": "fly_to_location"}`},
			},
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	out, err := c.CallTool(ctx, "fly_to", map[string]any{"location": "北京"})
	require.NoError(t, err)
	assert.Equal(t, `{"success": true, "action": "fly_to_location"}`, out)
}

func TestCallToolIsError(t *testing.T) {
	c := startFake(t, func(req Request) any {
		return map[string]any{
			"content": []map[string]any{{"type": "text", "text": "unknown location"}},
			"isError": true,
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	out, err := c.CallTool(ctx, "fly_to", nil)
	assert.Error(t, err)
	assert.Equal(t, "unknown location", out)
}

func TestCallToolRPCError(t *testing.T) {
	c := startFake(t, func(req Request) any {
		return &RPCError{Code: -32601, Message: "Method not found"}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := c.CallTool(ctx, "nope", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Method not found")
}

func TestLoadTools(t *testing.T) {
	c := startFake(t, func(req Request) any {
		require.Equal(t, "tools/list", req.Method)
		return map[string]any{
			"tools": []map[string]any{
				{
					"name":        "fly_to",
					"description": "Fly the camera to a location",
					"inputSchema": map[string]any{"type": "object"},
				},
				{
					"name":        "add_marker",
					"description": "Drop a marker",
					"inputSchema": map[string]any{"type": "object"},
				},
			},
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, c.loadTools(ctx))

	tools, err := c.ListTools(ctx)
	require.NoError(t, err)
	require.Len(t, tools, 2)
	assert.Equal(t, "fly_to", tools[0].Name)
	assert.Equal(t, "Drop a marker", tools[1].Description)
}

func TestReadResource(t *testing.T) {
	c := startFake(t, func(req Request) any {
		require.Equal(t, "resources/read", req.Method)
		return map[string]any{
			"contents": []map[string]any{
				{"uri": "geo://locations", "text": `{"北京": [116.4074, 39.9042]}`},
			},
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	text, err := c.ReadResource(ctx, "geo://locations")
	require.NoError(t, err)
	assert.Contains(t, text, "116.4074")
}

func TestGetPromptJoinsMessages(t *testing.T) {
	c := startFake(t, func(req Request) any {
		require.Equal(t, "prompts/get", req.Method)
		return map[string]any{
			"messages": []map[string]any{
				{"role": "user", "content": map[string]any{"type": "text", "text": "first part"}},
				{"role": "user", "content": map[string]any{"type": "text", "text": "second part"}},
			},
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	prompt, err := c.GetPrompt(ctx, "geo_assistant", nil)
	require.NoError(t, err)
	assert.Equal(t, "first part\n\nsecond part", prompt)
}

func TestSendContextCancelled(t *testing.T) {
	c := startFake(t, func(req Request) any {
		time.Sleep(time.Second)
		return map[string]any{}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.CallTool(ctx, "slow", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNotConnected(t *testing.T) {
	c := &Client{}

	_, err := c.ListTools(context.Background())
	assert.Error(t, err)

	_, err = c.CallTool(context.Background(), "fly_to", nil)
	assert.Error(t, err)

	_, err = c.ReadResource(context.Background(), "geo://locations")
	assert.Error(t, err)
}
