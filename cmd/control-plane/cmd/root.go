// Package cmd provides the CLI commands for the control plane.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mcpgateway/control-plane/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "control-plane",
	Short: "MCP gateway control plane",
	Long: `The control plane distributes governance policy to MCP gateways and
enforces per-tool constraints.

It runs three cooperating services in one process:

1. Bundle server: builds a policy bundle from the authority's state and
   serves it to gateways with ETag-based conditional downloads. Rebuilds
   are driven by the authority's event stream plus a periodic reconcile.

2. Constraint evaluator: a synchronous decision endpoint consulted by
   gateway enforcement hooks on every governed tool call.

3. Replay worker (optional): replays approved-but-deferred tool calls
   against backend MCP servers and records the outcome.

Configuration:
  Config is loaded from control-plane.yaml in the current directory,
  $HOME/.control-plane/, or /etc/control-plane/.

  Environment variables can override config values with the CONTROL_PLANE_ prefix.
  Example: CONTROL_PLANE_AUTHORITY_URL=http://authority:12000

Commands:
  serve       Start the control plane services
  config      Print the effective configuration
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
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./control-plane.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
