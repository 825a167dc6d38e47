package sage

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kagent-dev/sage/internal/config"
)

const redacted = "********"

// NewConfigCmd creates the config command
func NewConfigCmd(global *GlobalConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage sage configuration",
		Long: `Write a default configuration file, print the effective configuration
or list the keys that can be overridden by flags and SAGE_* variables.

Examples:
  sage config init
  sage config init ./deploy/sage.yaml --force
  sage config show --max-iterations 5
  sage config keys`,
	}

	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigShowCmd(global))
	cmd.AddCommand(newConfigKeysCmd())
	return cmd
}

func newConfigInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := DefaultConfigFile
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists, use --force to overwrite", path)
			}
			if err := config.SaveConfig(config.DefaultConfig(), path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration written to %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	return cmd
}

func newConfigShowCmd(global *GlobalConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := global.LoadConfig()
			if err != nil {
				return err
			}
			return WriteRedacted(cmd.OutOrStdout(), cfg)
		},
	}
}

func newConfigKeysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keys",
		Short: "List keys that flags and environment variables can override",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			for _, key := range config.Keys() {
				fmt.Fprintf(cmd.OutOrStdout(), "%-36s %s\n", key, EnvName(key))
			}
		},
	}
}

// EnvName returns the environment variable overriding key.
func EnvName(key string) string {
	return "SAGE_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// WriteRedacted writes cfg as YAML with resolved secrets masked.
func WriteRedacted(w io.Writer, cfg *config.Config) error {
	c := *cfg
	mask := func(s *string) {
		if *s != "" {
			*s = redacted
		}
	}
	mask(&c.Oracle.APIKey)
	c.Oracle.Fallbacks = append([]config.FallbackConfig(nil), cfg.Oracle.Fallbacks...)
	for i := range c.Oracle.Fallbacks {
		mask(&c.Oracle.Fallbacks[i].APIKey)
	}
	mask(&c.Tools.TavilyAPIKey)
	if c.Cache.DSNEnv != "" {
		mask(&c.Cache.DSN)
	}
	mask(&c.Events.NATSURL)

	data, err := yaml.Marshal(&c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	_, err = w.Write(data)
	return err
}
