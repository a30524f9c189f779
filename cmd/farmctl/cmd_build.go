package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/narvanalabs/buildfarm/internal/models"
	"github.com/narvanalabs/buildfarm/internal/store"
)

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Commands to inspect and abort builds",
}

var buildListCmd = &cobra.Command{
	Use:   "ls",
	Short: "List builds, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		ctx, cancel := commandContext(cmd)
		defer cancel()

		var builds []*models.Build
		if cmd.Flags().Changed("request") {
			requestID, _ := cmd.Flags().GetInt64("request")
			builds, err = st.Builds().ListByRequest(ctx, requestID)
		} else {
			limit, _ := cmd.Flags().GetInt("limit")
			builds, err = st.Builds().List(ctx, store.Page{Limit: limit})
		}
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		for _, b := range builds {
			worker := "-"
			if b.WorkerID != nil {
				worker = fmt.Sprint(*b.WorkerID)
			}
			fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\t%s\t%s\n",
				b.ID, b.RequestID, b.State, b.ProjectName, b.ConfigName, worker,
				b.CreatedAt.Format("2006-01-02T15:04:05"))
		}
		return w.Flush()
	},
}

var buildAbortCmd = &cobra.Command{
	Use:   "abort <id>...",
	Short: "Abort builds; the scheduler then aborts the rest of each request",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := parseIDs(args)
		if err != nil {
			return err
		}

		st, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		ctx, cancel := commandContext(cmd)
		defer cancel()
		for _, id := range ids {
			aborted, err := st.Builds().Transition(ctx, id, models.StateAborted)
			if err != nil {
				return fmt.Errorf("build %d: %w", id, err)
			}
			if !aborted {
				state, err := st.Builds().State(ctx, id)
				if err != nil {
					return fmt.Errorf("build %d: %w", id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d: already %s\n", id, state)
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d: aborted\n", id)
		}
		return nil
	},
}

func init() {
	buildListCmd.Flags().Int64P("request", "r", 0, "Only builds of this request")
	buildListCmd.Flags().IntP("limit", "n", 25, "Number of builds to list")
	buildCmd.AddCommand(buildListCmd, buildAbortCmd)
	rootCmd.AddCommand(buildCmd)
}
