// Package render provides output formatting for the terminal.
package render

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/fatih/color"

	"github.com/joss/geocommander/internal/domain"
	"github.com/joss/geocommander/internal/provider"
	"github.com/joss/geocommander/internal/store"
)

// Renderer handles output formatting.
type Renderer struct {
	pretty bool
}

// New creates a new renderer. pretty enables color and layout; plain
// output is line-oriented for scripts.
func New(pretty bool) *Renderer {
	return &Renderer{pretty: pretty}
}

// Status formats the bridge status summary.
func (r *Renderer) Status(status map[string]any) string {
	var sb strings.Builder

	if r.pretty {
		sb.WriteString(color.CyanString("GeoCommander Bridge\n"))
		sb.WriteString(strings.Repeat("─", 60) + "\n")
	}

	mcp, _ := status["mcp"].(map[string]any)
	llm, _ := status["llm"].(map[string]any)

	connected, _ := mcp["connected"].(bool)
	sb.WriteString("  MCP:       " + r.mark(connected))
	if tools, ok := mcp["tools"].([]any); ok && connected {
		fmt.Fprintf(&sb, "  (%d tools)", len(tools))
	}
	sb.WriteString("\n")

	enabled, _ := llm["enabled"].(bool)
	sb.WriteString("  LLM:       " + r.mark(enabled))
	if enabled {
		fmt.Fprintf(&sb, "  %v / %v", llm["provider"], llm["model"])
	}
	sb.WriteString("\n")

	if count, ok := status["locations_count"].(float64); ok {
		fmt.Fprintf(&sb, "  Locations: %d\n", int(count))
	}

	return sb.String()
}

func (r *Renderer) mark(ok bool) string {
	if !r.pretty {
		if ok {
			return "up"
		}
		return "down"
	}
	if ok {
		return color.GreenString("✓")
	}
	return color.RedString("✗")
}

// Tools formats the tool list.
func (r *Renderer) Tools(tools []domain.Tool) string {
	if len(tools) == 0 {
		return "No tools available"
	}

	var sb strings.Builder

	if r.pretty {
		sb.WriteString(color.CyanString("Map Tools\n"))
		sb.WriteString(strings.Repeat("─", 60) + "\n")
	}

	for _, t := range tools {
		if r.pretty {
			fmt.Fprintf(&sb, "  %s  %s\n", color.YellowString("%-24s", t.Name), t.Description)
		} else {
			fmt.Fprintf(&sb, "%s\t%s\n", t.Name, t.Description)
		}
	}

	return sb.String()
}

// Providers formats the provider roster.
func (r *Renderer) Providers(providers []provider.ProviderStatus) string {
	if len(providers) == 0 {
		return "No providers configured"
	}

	var sb strings.Builder

	if r.pretty {
		sb.WriteString(color.CyanString("LLM Providers\n"))
		sb.WriteString(strings.Repeat("─", 60) + "\n")
	}

	for _, p := range providers {
		marker := " "
		if p.Active {
			marker = color.GreenString("●")
			if !r.pretty {
				marker = "*"
			}
		}
		fmt.Fprintf(&sb, "  %s %-14s %-14s %s\n", marker, p.Name, p.Kind, p.Model)
	}

	return sb.String()
}

// CallResult formats a tool invocation result. Map keys are sorted so
// the output is stable.
func (r *Renderer) CallResult(result map[string]any) string {
	var sb strings.Builder

	if success, ok := result["success"].(bool); ok {
		if success {
			sb.WriteString(r.mark(true) + " success\n")
		} else {
			sb.WriteString(r.mark(false) + " failed\n")
		}
	}

	keys := make([]string, 0, len(result))
	for k := range result {
		if k == "success" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		value := result[k]
		if nested, ok := value.(map[string]any); ok {
			data, _ := json.Marshal(nested)
			value = string(data)
		}
		fmt.Fprintf(&sb, "  %-12s %v\n", k+":", value)
	}

	return sb.String()
}

// ChatReply formats one assistant reply.
func (r *Renderer) ChatReply(reply domain.ChatReply) string {
	var sb strings.Builder

	sb.WriteString(reply.Message + "\n")

	if reply.Thinking != "" {
		if r.pretty {
			sb.WriteString(color.HiBlackString("思考: "+reply.Thinking) + "\n")
		} else {
			sb.WriteString("thinking: " + reply.Thinking + "\n")
		}
	}

	if reply.ToolCall != nil {
		args, _ := json.Marshal(reply.ToolCall.Arguments)
		if r.pretty {
			fmt.Fprintf(&sb, "%s %s(%s)\n", color.GreenString("→"), color.YellowString(reply.ToolCall.Action), args)
		} else {
			fmt.Fprintf(&sb, "-> %s(%s)\n", reply.ToolCall.Action, args)
		}
	}

	return sb.String()
}

// Sessions formats the chat history session listing.
func (r *Renderer) Sessions(sessions []store.SessionSummary) string {
	if len(sessions) == 0 {
		return "No sessions recorded"
	}

	var sb strings.Builder

	if r.pretty {
		sb.WriteString(color.CyanString("Chat Sessions\n"))
		sb.WriteString(strings.Repeat("─", 60) + "\n")
	}

	for _, s := range sessions {
		fmt.Fprintf(&sb, "  %-28s %-12s %3d msgs  %s\n",
			s.SessionID, s.Mode, s.MessageCount, s.Title)
	}

	return sb.String()
}
