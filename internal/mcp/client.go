// Package mcp implements a Model Context Protocol client speaking JSON-RPC 2.0
// over the stdio of a spawned tool server.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/joss/geocommander/internal/domain"
	"github.com/joss/geocommander/internal/logging"
)

const protocolVersion = "2024-11-05"

var log = logging.New("mcp")

// Client connects to a single MCP tool server over stdio.
type Client struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	scanner *bufio.Scanner

	requestID atomic.Int64
	pending   sync.Map // map[int64]chan *Response
	connected atomic.Bool

	tools   []domain.Tool
	toolsMu sync.RWMutex

	writeMu sync.Mutex
}

// Message types for JSON-RPC 2.0
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// NewClient spawns the tool server and performs the initialize handshake.
// The server inherits the current environment plus MCP_GEO_MODE=instruction,
// so tool calls return map instructions instead of acting server-side.
func NewClient(ctx context.Context, command string, args ...string) (*Client, error) {
	cmd := exec.Command(command, args...)
	cmd.Env = append(os.Environ(), "MCP_GEO_MODE=instruction")

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start server: %w", err)
	}

	c := &Client{
		cmd:     cmd,
		stdin:   stdin,
		stdout:  stdout,
		scanner: bufio.NewScanner(stdout),
	}
	c.scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	go c.readResponses()

	if err := c.initialize(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("initialize: %w", err)
	}
	c.connected.Store(true)

	// Tools load fails soft: a connected session with zero tools is usable.
	if err := c.loadTools(ctx); err != nil {
		log.Warn("load_tools_failed", nil, err)
	}

	return c, nil
}

// Connected reports whether the handshake completed and the session is live.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

func (c *Client) readResponses() {
	for c.scanner.Scan() {
		line := c.scanner.Text()
		if line == "" {
			continue
		}

		var resp Response
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			continue
		}

		if ch, ok := c.pending.LoadAndDelete(resp.ID); ok {
			ch.(chan *Response) <- &resp
		}
	}
	c.connected.Store(false)
}

func (c *Client) send(ctx context.Context, method string, params any) (*Response, error) {
	req := &Request{
		JSONRPC: "2.0",
		ID:      c.requestID.Add(1),
		Method:  method,
		Params:  params,
	}

	ch := make(chan *Response, 1)
	c.pending.Store(req.ID, ch)

	data, err := json.Marshal(req)
	if err != nil {
		c.pending.Delete(req.ID)
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.writeMu.Lock()
	_, err = c.stdin.Write(append(data, '\n'))
	c.writeMu.Unlock()
	if err != nil {
		c.pending.Delete(req.ID)
		return nil, fmt.Errorf("write request: %w", err)
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp, nil
	case <-ctx.Done():
		c.pending.Delete(req.ID)
		return nil, ctx.Err()
	}
}

func (c *Client) notify(method string) {
	data, _ := json.Marshal(&Notification{JSONRPC: "2.0", Method: method})
	c.writeMu.Lock()
	c.stdin.Write(append(data, '\n'))
	c.writeMu.Unlock()
}

func (c *Client) initialize(ctx context.Context) error {
	_, err := c.send(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "geocommander",
			"version": "1.0.0",
		},
	})
	if err != nil {
		return err
	}

	c.notify("notifications/initialized")
	return nil
}

func (c *Client) loadTools(ctx context.Context) error {
	resp, err := c.send(ctx, "tools/list", nil)
	if err != nil {
		return err
	}

	var result struct {
		Tools []struct {
			Name        string            `json:"name"`
			Description string            `json:"description"`
			InputSchema domain.JSONSchema `json:"inputSchema"`
		} `json:"tools"`
	}

	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return fmt.Errorf("unmarshal tools: %w", err)
	}

	tools := make([]domain.Tool, 0, len(result.Tools))
	for _, t := range result.Tools {
		tools = append(tools, domain.Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}

	c.toolsMu.Lock()
	c.tools = tools
	c.toolsMu.Unlock()

	log.Info("tools_loaded", map[string]interface{}{"count": len(tools)})
	return nil
}

// ListTools returns the tools advertised by the server.
func (c *Client) ListTools(ctx context.Context) ([]domain.Tool, error) {
	if !c.Connected() {
		return nil, fmt.Errorf("not connected")
	}

	c.toolsMu.RLock()
	defer c.toolsMu.RUnlock()
	return c.tools, nil
}

// ReloadTools refreshes the cached tool list from the server.
func (c *Client) ReloadTools(ctx context.Context) error {
	if !c.Connected() {
		return fmt.Errorf("not connected")
	}
	return c.loadTools(ctx)
}

// CallTool invokes a tool and returns the concatenated text content.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	if !c.Connected() {
		return "", fmt.Errorf("not connected")
	}
	if args == nil {
		args = map[string]any{}
	}

	resp, err := c.send(ctx, "tools/call", map[string]any{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return "", err
	}

	var result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}

	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return "", fmt.Errorf("unmarshal result: %w", err)
	}

	var output string
	for _, part := range result.Content {
		if part.Type == "text" {
			output += part.Text
		}
	}

	if result.IsError {
		return output, fmt.Errorf("tool error: %s", output)
	}

	return output, nil
}

// ListResources returns the resources advertised by the server.
func (c *Client) ListResources(ctx context.Context) ([]domain.ResourceInfo, error) {
	if !c.Connected() {
		return nil, fmt.Errorf("not connected")
	}

	resp, err := c.send(ctx, "resources/list", nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		Resources []domain.ResourceInfo `json:"resources"`
	}

	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("unmarshal resources: %w", err)
	}

	return result.Resources, nil
}

// ReadResource returns the text of the first content block of a resource.
func (c *Client) ReadResource(ctx context.Context, uri string) (string, error) {
	if !c.Connected() {
		return "", fmt.Errorf("not connected")
	}

	resp, err := c.send(ctx, "resources/read", map[string]any{"uri": uri})
	if err != nil {
		return "", err
	}

	var result struct {
		Contents []struct {
			URI  string `json:"uri"`
			Text string `json:"text"`
		} `json:"contents"`
	}

	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return "", fmt.Errorf("unmarshal contents: %w", err)
	}

	if len(result.Contents) == 0 {
		return "", fmt.Errorf("resource %s has no content", uri)
	}

	return result.Contents[0].Text, nil
}

// ListPrompts returns the prompt templates advertised by the server.
func (c *Client) ListPrompts(ctx context.Context) ([]domain.PromptInfo, error) {
	if !c.Connected() {
		return nil, fmt.Errorf("not connected")
	}

	resp, err := c.send(ctx, "prompts/list", nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		Prompts []domain.PromptInfo `json:"prompts"`
	}

	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("unmarshal prompts: %w", err)
	}

	return result.Prompts, nil
}

// GetPrompt renders a prompt template. Multi-message prompts are joined
// with a blank line between message texts.
func (c *Client) GetPrompt(ctx context.Context, name string, args map[string]string) (string, error) {
	if !c.Connected() {
		return "", fmt.Errorf("not connected")
	}
	if args == nil {
		args = map[string]string{}
	}

	resp, err := c.send(ctx, "prompts/get", map[string]any{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return "", err
	}

	var result struct {
		Messages []struct {
			Role    string `json:"role"`
			Content struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"messages"`
	}

	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return "", fmt.Errorf("unmarshal prompt: %w", err)
	}

	if len(result.Messages) == 0 {
		return "", fmt.Errorf("prompt %s has no messages", name)
	}

	parts := make([]string, 0, len(result.Messages))
	for _, m := range result.Messages {
		if m.Content.Text != "" {
			parts = append(parts, m.Content.Text)
		}
	}

	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "\n\n"
		}
		out += p
	}
	return out, nil
}

// Close shuts down the session and kills the server process.
func (c *Client) Close() error {
	c.connected.Store(false)
	c.stdin.Close()
	if c.cmd != nil && c.cmd.Process != nil {
		return c.cmd.Process.Kill()
	}
	return nil
}
