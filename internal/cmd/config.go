package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/iolink/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View or create the iolink configuration",
	Long: `View or create the iolink configuration.

Without arguments, displays the effective configuration: defaults, then the
config file, then IOLINK_* environment variables.`,
	RunE: runConfigShow,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runConfigShow,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default config file",
	Long:  `Create a default config file at ~/.config/iolink/config.yaml with all available options.`,
	RunE:  runConfigInit,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the config file path",
	RunE:  runConfigPath,
}

var configInitForce bool

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)

	configInitCmd.Flags().BoolVarP(&configInitForce, "force", "f", false, "overwrite an existing config file")
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	out := cmd.OutOrStdout()
	if used := viper.ConfigFileUsed(); used != "" {
		fmt.Fprintf(out, "# Config file: %s\n", used)
	} else {
		fmt.Fprintln(out, "# Config file: (none - using defaults)")
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode configuration: %w", err)
	}
	_, err = out.Write(data)
	return err
}

const configHeader = `# iolink configuration
#
# lock.grant_cap       consecutive callback grants before a parked caller
#                      is served (0 disables the cap)
# lock.debug           per-domain trace flags, e.g. {cdvd: [acquire, drain]}
# rpc.max_attempts     send-busy retries before giving up (0 retries forever)
# rpc.stall_warning_ms warn when a call waits this long for its completion
#
`

func runConfigInit(cmd *cobra.Command, args []string) error {
	configFile := config.ConfigFile()

	if _, err := os.Stat(configFile); err == nil && !configInitForce {
		return fmt.Errorf("config file already exists at %s\nUse --force to overwrite it", configFile)
	}

	if err := os.MkdirAll(filepath.Dir(configFile), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(config.Default())
	if err != nil {
		return fmt.Errorf("failed to encode configuration: %w", err)
	}
	if err := os.WriteFile(configFile, append([]byte(configHeader), data...), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Created config file at %s\n", configFile)
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	if used := viper.ConfigFileUsed(); used != "" {
		fmt.Fprintf(out, "Active config: %s\n", used)
	} else {
		fmt.Fprintf(out, "Default path: %s (not created)\n", config.ConfigFile())
	}

	fmt.Fprintln(out, "\nSearch paths:")
	fmt.Fprintf(out, "  1. %s\n", config.ConfigFile())
	fmt.Fprintln(out, "  2. ./config.yaml (current directory)")
	fmt.Fprintln(out, "\nEnvironment variables: IOLINK_* (e.g., IOLINK_LOCK_GRANT_CAP)")

	return nil
}
