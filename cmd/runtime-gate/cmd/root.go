// Package cmd provides the CLI commands for Runtime Gate.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/runtimegate/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "runtime-gate",
	Short: "Runtime Gate - Lambda Runtime API authorization proxy",
	Long: `Runtime Gate sits between a Lambda function runtime and the Lambda
Runtime API. Every invocation must carry a bearer token signed by a key in the
configured JWKS; anything else is answered with an error before the function
code sees it.

Quick start (inside a Lambda layer):
  1. Ship runtime-gate under /opt/extensions
  2. Set AWS_LAMBDA_EXEC_WRAPPER so the runtime talks to 127.0.0.1:9009
  3. Set JWKS_URI and JWT_ISSUER

Configuration:
  Config is loaded from runtime-gate.yaml in the current directory,
  $HOME/.runtime-gate/, or /etc/runtime-gate/.

  Environment variables can override config values with the RUNTIME_GATE_ prefix.
  Example: RUNTIME_GATE_AUTH_AUDIENCE=orders-api

Commands:
  start         Start the gate (default when run as an extension)
  check-config  Validate the configuration and print the effective values
  version       Print version information`,
	// Lambda starts extensions without arguments.
	RunE: runStart,
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
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./runtime-gate.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
