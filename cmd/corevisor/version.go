package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/spin-stack/corevisor/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "corevisor", version.Info())
	},
}
