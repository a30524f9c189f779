package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/narvanalabs/buildfarm/internal/store/postgres"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		down, _ := cmd.Flags().GetBool("down")
		if down {
			if err := postgres.MigrateDown(st.DB()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema dropped")
			return nil
		}
		if err := postgres.Migrate(st.DB()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
		return nil
	},
}

func init() {
	migrateCmd.Flags().Bool("down", false, "Roll back every migration")
	rootCmd.AddCommand(migrateCmd)
}
