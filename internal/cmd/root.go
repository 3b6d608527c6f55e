package cmd

import (
	"context"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/iolink/internal/config"
	"github.com/Iron-Ham/iolink/internal/iolink"
	"github.com/Iron-Ham/iolink/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "iolink",
	Short: "Subsystem locks and firmware RPC for a two-processor console",
	Long: `iolink runs the I/O substrate against an in-process firmware simulator:
per-subsystem reentrant locks shared by callers and interrupt-context
callbacks, a blocking RPC bridge with send-busy backoff, and a DMA
transfer gate.

Use the subcommands to inspect the locks, make single calls, stress the
substrate or watch it live.`,
	SilenceUsage: true,
}

// Execute runs the root command. Cancelling ctx interrupts blocked lock
// acquires and ends stress runs and the monitor.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/iolink/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "override logging.level")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("IOLINK")
	// e.g. IOLINK_LOCK_GRANT_CAP for lock.grant_cap
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}

// newLogger builds the logger described by cfg. quiet drops stderr output,
// which the monitor needs while it owns the terminal.
func newLogger(cfg *config.Config, quiet bool) (*logging.Logger, error) {
	lc := cfg.Logging
	if !lc.Enabled || (quiet && lc.Dir == "") {
		return logging.NopLogger(), nil
	}
	return logging.NewLoggerWithRotation(lc.Dir, lc.Level, logging.RotationConfig{
		MaxSizeMB:  lc.MaxSizeMB,
		MaxBackups: lc.MaxBackups,
	})
}

// startSystem loads the configuration and starts a simulated system. The
// returned cleanup closes the system and then the logger.
func startSystem(quiet bool) (*iolink.System, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	logger, err := newLogger(cfg, quiet)
	if err != nil {
		return nil, nil, err
	}
	sys, err := iolink.Start(cfg, iolink.WithLogger(logger))
	if err != nil {
		_ = logger.Close()
		return nil, nil, err
	}
	if path := viper.ConfigFileUsed(); path != "" {
		if err := sys.WatchConfig(path); err != nil {
			logger.Warn("config watch unavailable", "path", path, "error", err.Error())
		}
	}
	return sys, func() {
		sys.Close()
		_ = logger.Close()
	}, nil
}
