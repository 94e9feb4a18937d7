package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Sentinel-Gate/runtimegate/internal/adapter/outbound/cel"
	"github.com/Sentinel-Gate/runtimegate/internal/config"
)

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate the configuration and print the effective values",
	Long: `Load the configuration the same way start does, validate it, compile the
claims condition, and print the effective settings as YAML.

Run it in CI against the function's environment to catch a bad gate
configuration before it reaches a cold start.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return checkConfig(cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(checkConfigCmd)
}

func checkConfig(w io.Writer) error {
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if devMode {
		cfg.DevMode = true
	}
	cfg.SetDevDefaults()

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	if _, err := resolveDurations(cfg); err != nil {
		return err
	}
	if cfg.Auth.Condition != "" {
		if _, err := cel.NewClaimsCondition(cfg.Auth.Condition); err != nil {
			return fmt.Errorf("invalid auth.condition: %w", err)
		}
	}

	if file := config.ConfigFileUsed(); file != "" {
		fmt.Fprintf(w, "# config file: %s\n", file)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	fmt.Fprintln(w, "# configuration OK")
	return nil
}
