package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/spin-stack/corevisor/internal/engine/check"
	"github.com/spin-stack/corevisor/internal/paths"
)

var checkCmd = &cobra.Command{
	Use:   "check [profile]",
	Short: "Run the engine self-test against a profile",
	Long: `Run the engine in test mode against the runtime profile (or the given
file) and report whether it accepts it. Nothing is started.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCheck,
}

func runCheck(cmd *cobra.Command, args []string) error {
	profilePath := cfg.Paths.RuntimeConfig
	if len(args) == 1 {
		profilePath = args[0]
	}

	binary := paths.EngineBinary(cfg.Paths)
	if binary == "" {
		return errors.New("no engine binary found; set paths.engine_binary")
	}

	gate := &check.Gate{Binary: binary, Timeout: cfg.Timeouts.GetProfileCheck()}
	if err := gate.Run(cmd.Context(), profilePath, paths.CheckDir(cfg.Paths)); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", profilePath)
	return nil
}
