// Package main provides farmctl, the administration command of the build farm.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "farmctl",
	Short:         "Build farm control command",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("database-url", "", "Database URL (default $DATABASE_URL)")
	rootCmd.PersistentFlags().Duration("timeout", defaultTimeout, "Deadline for each command")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
