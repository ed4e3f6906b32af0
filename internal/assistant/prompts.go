package assistant

import (
	"context"
	"embed"
	"strings"

	"github.com/joss/geocommander/internal/domain"
)

//go:embed prompts/*.md
var promptFS embed.FS

// Prompt names published by the MCP tool server.
var mcpPromptNames = map[promptKey]string{
	promptConversation:    "geo_assistant",
	promptCommand:         "command_parser",
	promptCommandThinking: "command_parser_thinking",
}

type promptKey string

const (
	promptConversation    promptKey = "conversation"
	promptCommand         promptKey = "command"
	promptCommandThinking promptKey = "command_thinking"
)

func keyFor(mode domain.Mode, thinking bool) promptKey {
	if mode == domain.ModeCommand {
		if thinking {
			return promptCommandThinking
		}
		return promptCommand
	}
	return promptConversation
}

func embedded(name string) string {
	data, err := promptFS.ReadFile("prompts/" + name + ".md")
	if err != nil {
		return ""
	}
	return strings.TrimRight(string(data), "\n")
}

func fallbackPrompt(key promptKey) string {
	switch key {
	case promptCommand:
		return embedded("command")
	case promptCommandThinking:
		return embedded("command_thinking")
	default:
		return embedded("conversation")
	}
}

// functionCallingPrompt is the lean system prompt for the native
// function-calling path.
func functionCallingPrompt(mode domain.Mode) string {
	if mode == domain.ModeCommand {
		return embedded("fc_command")
	}
	return embedded("fc_conversation")
}

// Colloquial aliases spliced into fallback prompts so the model maps
// everyday phrasing onto tool names.
var toolAliases = []struct {
	tool    string
	aliases string
}{
	{"zoom_in", "放大、拉近视角"},
	{"zoom_out", "缩小、拉远视角"},
	{"set_pitch", "俯视、调整俯仰角、鸟瞰"},
	{"fly_to", "飞到、导航到"},
	{"fly_to_location", "飞往地点"},
	{"reset_view", "重置视角、回到初始位置"},
	{"switch_basemap", "切换底图"},
	{"set_weather", "设置天气、下雨、下雪、起雾"},
	{"clear_weather", "停止天气、晴天"},
	{"add_marker", "添加标记"},
	{"clear_markers", "清除标记"},
}

const toolSectionHeader = "## 可用的地图操作工具"

// spliceTools replaces the tool section of a fallback prompt with the
// live tool list from the MCP server, annotated with aliases. Prompts
// without the section are returned unchanged.
func spliceTools(base, toolsDesc string) string {
	if toolsDesc == "" {
		return base
	}

	var b strings.Builder
	b.WriteString(toolsDesc)
	b.WriteString("\n\n常用指令映射（中文 → 工具）：")
	for _, a := range toolAliases {
		b.WriteString("\n- ")
		b.WriteString(a.aliases)
		b.WriteString(" → ")
		b.WriteString(a.tool)
	}

	start := strings.Index(base, toolSectionHeader)
	if start < 0 {
		return base
	}

	sectionStart := start + len(toolSectionHeader)
	rest := base[sectionStart:]
	end := strings.Index(rest, "\n## ")
	if end < 0 {
		return base[:sectionStart] + "\n" + b.String()
	}
	return base[:sectionStart] + "\n" + b.String() + rest[end:]
}

// systemPrompt resolves the system prompt for a turn: the MCP-served
// prompt when available, else the embedded fallback with the live tool
// list spliced in.
func (a *Assistant) systemPrompt(ctx context.Context, mode domain.Mode, thinking bool) string {
	key := keyFor(mode, thinking)

	if a.registry != nil && a.registry.Connected() {
		if text, err := a.registry.FetchPrompt(ctx, mcpPromptNames[key], nil); err == nil && text != "" {
			return text
		}
		log.Info("mcp_prompt_fallback", map[string]interface{}{"key": string(key)})
	}

	base := fallbackPrompt(key)
	if a.registry != nil && a.registry.Connected() {
		return spliceTools(base, a.registry.ToolsDescription(ctx))
	}
	return base
}
