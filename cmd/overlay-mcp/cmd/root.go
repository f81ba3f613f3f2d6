// Package cmd provides the CLI commands for the overlay proxy.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/overlay-mcp/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "overlay-mcp",
	Short: "overlay-mcp - Authenticating proxy for SSE MCP servers",
	Long: `overlay-mcp is an authenticating overlay proxy for Model Context
Protocol (MCP) servers speaking the HTTP+SSE transport.

It terminates the client-facing SSE session, authorizes each tool call,
and relays frames to an upstream MCP server. With a Redis cluster store
configured, a session opened on one node can be continued from any other.

Quick start:
  1. Create a config file: overlay-mcp.yaml
  2. Run: overlay-mcp start

Configuration:
  Config is loaded from overlay-mcp.yaml in the current directory,
  $HOME/.overlay-mcp/, or /etc/overlay-mcp/.

  Environment variables can override config values with the OVERLAY_MCP_ prefix.
  Example: OVERLAY_MCP_SERVER_HTTP_ADDR=:9090

Commands:
  start       Start the proxy server
  hash-key    Generate a hash for an API key
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./overlay-mcp.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
