package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/narvanalabs/buildfarm/internal/models"
	"github.com/narvanalabs/buildfarm/internal/store"
)

var requestCmd = &cobra.Command{
	Use:   "request",
	Short: "Commands to submit and abort requests",
}

var requestSubmitCmd = &cobra.Command{
	Use:   "submit <project> <source-branch> [target-branch]",
	Short: "Submit a build request, or an integration request when a target branch is given",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := &models.Request{SourceBranch: args[1]}
		if len(args) == 3 {
			req.Integration = true
			req.TargetBranch = args[2]
		}
		if err := req.Validate(); err != nil {
			return err
		}

		st, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		ctx, cancel := commandContext(cmd)
		defer cancel()
		project, err := st.Projects().GetByName(ctx, args[0])
		if err != nil {
			return fmt.Errorf("project %s: %w", args[0], err)
		}
		req.ProjectID = project.ID
		if err := st.Requests().Create(ctx, req); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), req.ID)
		return nil
	},
}

var requestAbortCmd = &cobra.Command{
	Use:   "abort <id>...",
	Short: "Abort requests and their open builds",
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
			aborted, err := store.AbortRequest(ctx, st, id)
			if err != nil {
				return fmt.Errorf("request %d: %w", id, err)
			}
			if aborted {
				fmt.Fprintf(cmd.OutOrStdout(), "%d: aborted\n", id)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%d: already finished\n", id)
			}
		}
		return nil
	},
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, arg := range args {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid id %q", arg)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func init() {
	requestCmd.AddCommand(requestSubmitCmd, requestAbortCmd)
	rootCmd.AddCommand(requestCmd)
}
