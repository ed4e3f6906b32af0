// Package config provides centralized configuration management.
// Keeps os.Getenv calls out of the rest of the codebase.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// BridgeEnv holds all bridge environment variables.
type BridgeEnv struct {
	// Host is the HTTP listen host (GEO_HOST)
	Host string

	// Port is the HTTP listen port (GEO_PORT)
	Port int

	// MCPCommand is the command line launching the tool server (MCP_SERVER_COMMAND)
	MCPCommand string

	// DBPath is the chat log database path (CHAT_DB_PATH)
	DBPath string

	// UseLLM enables the language-model assistant (USE_LLM)
	UseLLM bool

	// MaxHistory is the number of conversation rounds kept per session (MAX_HISTORY)
	MaxHistory int
}

var (
	env     *BridgeEnv
	envOnce sync.Once
)

// Env returns the singleton environment configuration.
// Thread-safe, loads once on first call.
func Env() *BridgeEnv {
	envOnce.Do(func() {
		env = &BridgeEnv{
			Host:       getEnvDefault("GEO_HOST", "0.0.0.0"),
			Port:       getEnvInt("GEO_PORT", 8765),
			MCPCommand: getEnvDefault("MCP_SERVER_COMMAND", "mcp-geo-tools"),
			DBPath:     getEnvDefault("CHAT_DB_PATH", defaultDBPath()),
			UseLLM:     strings.EqualFold(os.Getenv("USE_LLM"), "true"),
			MaxHistory: getEnvInt("MAX_HISTORY", 10),
		}
	})
	return env
}

// ResetEnv resets the cached environment (for testing).
func ResetEnv() {
	envOnce = sync.Once{}
	env = nil
}

// Addr returns the host:port listen address.
func (e *BridgeEnv) Addr() string {
	return e.Host + ":" + strconv.Itoa(e.Port)
}

// MCPArgv splits the MCP command line into argv form.
func (e *BridgeEnv) MCPArgv() []string {
	return strings.Fields(e.MCPCommand)
}

func defaultDBPath() string {
	dir, err := os.Getwd()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "chat_logs.db")
}

func getEnvDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
