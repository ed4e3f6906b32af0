package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/joss/geocommander/internal/domain"
	"github.com/joss/geocommander/internal/provider"
	"github.com/joss/geocommander/internal/render"
	"github.com/joss/geocommander/internal/store"
)

const defaultBridgeURL = "http://localhost:8765"

var httpClient = &http.Client{Timeout: 60 * time.Second}

func bridgeURL(cmd *cobra.Command) string {
	addr, _ := cmd.Flags().GetString("addr")
	if addr == "" {
		addr = os.Getenv("GEO_BRIDGE_URL")
	}
	if addr == "" {
		addr = defaultBridgeURL
	}
	return addr
}

func getJSON(cmd *cobra.Command, path string, out any) error {
	resp, err := httpClient.Get(bridgeURL(cmd) + path)
	if err != nil {
		return fmt.Errorf("bridge unreachable: %w", err)
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(out)
}

func postJSON(cmd *cobra.Command, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := httpClient.Post(bridgeURL(cmd)+path, "application/json", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("bridge unreachable: %w", err)
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(out)
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show bridge status",
		RunE: func(cmd *cobra.Command, args []string) error {
			var status map[string]any
			if err := getJSON(cmd, "/", &status); err != nil {
				return err
			}
			fmt.Print(render.New(pretty).Status(status))
			return nil
		},
	}
}

func toolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List available map tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			var body struct {
				Tools []struct {
					Name        string `json:"name"`
					Description string `json:"description"`
				} `json:"tools"`
				Error string `json:"error"`
			}
			if err := getJSON(cmd, "/tools", &body); err != nil {
				return err
			}
			if body.Error != "" {
				return fmt.Errorf("%s", body.Error)
			}

			tools := make([]domain.Tool, 0, len(body.Tools))
			for _, t := range body.Tools {
				tools = append(tools, domain.Tool{Name: t.Name, Description: t.Description})
			}
			fmt.Print(render.New(pretty).Tools(tools))
			return nil
		},
	}
}

func callCmd() *cobra.Command {
	var argsJSON string
	var noBroadcast bool

	cmd := &cobra.Command{
		Use:   "call <tool>",
		Short: "Invoke a map tool through the bridge",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			arguments := map[string]any{}
			if argsJSON != "" {
				if err := json.Unmarshal([]byte(argsJSON), &arguments); err != nil {
					return fmt.Errorf("parse --args: %w", err)
				}
			}

			var result map[string]any
			err := postJSON(cmd, "/mcp/call", map[string]any{
				"tool":      args[0],
				"arguments": arguments,
				"broadcast": !noBroadcast,
			}, &result)
			if err != nil {
				return err
			}

			fmt.Print(render.New(pretty).CallResult(result))
			return nil
		},
	}

	cmd.Flags().StringVar(&argsJSON, "args", "", "Tool arguments as JSON")
	cmd.Flags().BoolVar(&noBroadcast, "no-broadcast", false, "Do not push the result to connected clients")
	return cmd
}

func providersCmd() *cobra.Command {
	var selectName string
	var model string

	cmd := &cobra.Command{
		Use:   "providers",
		Short: "List or switch LLM providers",
		RunE: func(cmd *cobra.Command, args []string) error {
			if selectName != "" {
				var result map[string]any
				err := postJSON(cmd, "/providers/select",
					map[string]any{"provider": selectName, "model": model}, &result)
				if err != nil {
					return err
				}
				if ok, _ := result["success"].(bool); !ok {
					return fmt.Errorf("%v", result["error"])
				}
				fmt.Printf("Active: %v (%v)\n", result["active_provider"], result["model"])
				return nil
			}

			var body struct {
				Providers []provider.ProviderStatus `json:"providers"`
			}
			if err := getJSON(cmd, "/providers", &body); err != nil {
				return err
			}
			fmt.Print(render.New(pretty).Providers(body.Providers))
			return nil
		},
	}

	cmd.Flags().StringVar(&selectName, "select", "", "Switch to this provider")
	cmd.Flags().StringVar(&model, "model", "", "Model to use with --select")
	return cmd
}

func commandCmd() *cobra.Command {
	var mode string
	var thinking bool
	var sessionID string

	cmd := &cobra.Command{
		Use:   "command <text>",
		Short: "Send a natural language map command",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := args[0]
			for _, a := range args[1:] {
				text += " " + a
			}

			var body struct {
				Message  string `json:"message"`
				Thinking string `json:"thinking"`
				ToolCall *struct {
					Action    string         `json:"action"`
					Arguments map[string]any `json:"arguments"`
				} `json:"tool_call"`
			}
			err := postJSON(cmd, "/command", map[string]any{
				"text":       text,
				"mode":       mode,
				"thinking":   thinking,
				"session_id": sessionID,
			}, &body)
			if err != nil {
				return err
			}

			reply := domain.ChatReply{Message: body.Message, Thinking: body.Thinking}
			if body.ToolCall != nil {
				reply.ToolCall = &domain.ToolInvocation{
					Action:    body.ToolCall.Action,
					Arguments: body.ToolCall.Arguments,
				}
			}
			fmt.Print(render.New(pretty).ChatReply(reply))
			return nil
		},
	}

	cmd.Flags().StringVar(&mode, "mode", "command", "Chat mode: command or conversation")
	cmd.Flags().BoolVar(&thinking, "thinking", false, "Request the model's reasoning")
	cmd.Flags().StringVar(&sessionID, "session", "", "Session id for grouped history")
	return cmd
}

func sessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List recorded chat sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			var body struct {
				Sessions []store.SessionSummary `json:"sessions"`
			}
			if err := getJSON(cmd, "/logs/sessions", &body); err != nil {
				return err
			}
			fmt.Print(render.New(pretty).Sessions(body.Sessions))
			return nil
		},
	}
}
