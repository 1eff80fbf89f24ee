package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/spin-stack/corevisor/internal/config"
	"github.com/spin-stack/corevisor/internal/logging"
	"github.com/spin-stack/corevisor/internal/paths"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	ConfigPath string
	LogLevel   string
	LogFormat  string
}

var (
	flags globalFlags
	cfg   *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "corevisor",
	Short: "Supervisor for the proxy engine process",
	Long: `corevisor launches the proxy engine, keeps it alive across crashes
and network changes, and cleans up after it on shutdown.`,
	PersistentPreRunE: loadConfig,
	SilenceUsage:      true,
	SilenceErrors:     true,
}

func init() {
	registerGlobalFlags(rootCmd.PersistentFlags())
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(versionCmd)
}

func registerGlobalFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&flags.ConfigPath, "config", "c", "", "config file (default $"+config.ConfigEnvVar+" or the user config dir)")
	fs.StringVar(&flags.LogLevel, "log-level", "", "override the configured log level")
	fs.StringVar(&flags.LogFormat, "log-format", "", "override the configured log format (text or json)")
}

// Execute runs the root command, cancelling its context on SIGINT or SIGTERM.
func Execute(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return rootCmd.ExecuteContext(ctx)
}

func loadConfig(cmd *cobra.Command, _ []string) error {
	if cmd.Name() == versionCmd.Name() {
		return nil
	}

	var err error
	if flags.ConfigPath != "" {
		cfg, err = config.LoadFrom(flags.ConfigPath)
	} else {
		cfg, err = config.Get()
	}
	if err != nil {
		return err
	}

	if flags.LogLevel != "" {
		cfg.Log.Level = flags.LogLevel
	}
	if flags.LogFormat != "" {
		cfg.Log.Format = flags.LogFormat
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := os.MkdirAll(cfg.Paths.StateDir, 0750); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	return logging.Setup(cfg.Log, paths.SupervisorLog(cfg.Paths))
}
