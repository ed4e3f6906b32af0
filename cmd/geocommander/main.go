// Package main provides the GeoCommander bridge CLI entrypoint.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/joss/geocommander/internal/assistant"
	"github.com/joss/geocommander/internal/bridge"
	"github.com/joss/geocommander/internal/config"
	"github.com/joss/geocommander/internal/logging"
	"github.com/joss/geocommander/internal/mcp"
	"github.com/joss/geocommander/internal/provider"
	"github.com/joss/geocommander/internal/render"
	"github.com/joss/geocommander/internal/server"
	"github.com/joss/geocommander/internal/store"
)

var (
	version = "2.0.0"
	pretty  = true
	log     = logging.New("cli")
)

func main() {
	pretty = term.IsTerminal(int(os.Stdout.Fd()))

	rootCmd := &cobra.Command{
		Use:   "geocommander",
		Short: "GeoCommander - natural language map control over MCP",
		Long: `GeoCommander bridges a conversational LLM to geospatial map tools
exposed over MCP, and relays resolved actions to connected
visualization clients.

Usage modes:
  geocommander            Start the bridge server (default)
  geocommander <command>  Query or control a running bridge

Use 'geocommander status' against a running bridge to check health.`,
		Version: version,
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}

	rootCmd.PersistentFlags().BoolVar(&pretty, "pretty", pretty, "Pretty print output")
	rootCmd.PersistentFlags().String("addr", "", "Bridge address for client commands (default http://localhost:8765)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(toolsCmd())
	rootCmd.AddCommand(callCmd())
	rootCmd.AddCommand(providersCmd())
	rootCmd.AddCommand(commandCmd())
	rootCmd.AddCommand(sessionsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the bridge server",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	env := config.Env()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	renderer := render.New(pretty)

	argv := env.MCPArgv()
	var registry *bridge.Registry
	if len(argv) > 0 {
		client, err := mcp.NewClient(ctx, argv[0], argv[1:]...)
		if err != nil {
			log.Warn("mcp_connect_failed", map[string]interface{}{"command": env.MCPCommand}, err)
			fmt.Fprintf(os.Stderr, "MCP connection failed, running in fallback mode: %v\n", err)
		} else {
			defer client.Close()
			registry = bridge.NewRegistry(client)
		}
	}

	manager := provider.NewManager()

	chat := assistant.New(registry, manager, env.UseLLM,
		assistant.WithMaxHistory(env.MaxHistory))

	logs, err := store.Open(env.DBPath)
	if err != nil {
		log.Warn("chat_log_unavailable", map[string]interface{}{"path": env.DBPath}, err)
		logs = nil
	} else {
		defer logs.Close()
	}

	srv := server.New(env.Addr(), registry, manager, chat, logs)

	if registry != nil && registry.Connected() {
		tools := registry.Tools(ctx)
		fmt.Println(renderer.Tools(tools))
	}
	fmt.Printf("GeoCommander Bridge v%s listening on %s\n", version, env.Addr())

	if err := srv.Serve(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
