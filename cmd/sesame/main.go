package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// rootCmd runs the server when no subcommand is given.
var rootCmd = &cobra.Command{
	Use:           "sesame",
	Short:         "Bot session backend",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

func main() {
	rootCmd.AddCommand(serveCmd, legacyCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
