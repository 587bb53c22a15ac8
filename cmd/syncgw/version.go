package main

import (
	"fmt"
	"strings"

	"github.com/aretw0/syncgw"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of syncgw",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "syncgw version %s\n", strings.TrimSpace(syncgw.Version))
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
