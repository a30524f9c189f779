package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/narvanalabs/buildfarm/internal/projects"
)

var projectsCmd = &cobra.Command{
	Use:   "projects",
	Short: "Commands to inspect and load projects",
}

var projectsLoadCmd = &cobra.Command{
	Use:   "load <file>",
	Short: "Create or update projects from a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		defs, err := projects.Load(args[0])
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
		if err := projects.Sync(ctx, st, defs, cliLogger().Logger); err != nil {
			return err
		}
		for _, p := range defs {
			fmt.Fprintf(cmd.OutOrStdout(), "%d: %s (%d configs)\n", p.ID, p.Name, len(p.Configs))
		}
		return nil
	},
}

var projectsListCmd = &cobra.Command{
	Use:   "ls",
	Short: "List projects",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		ctx, cancel := commandContext(cmd)
		defer cancel()
		list, err := st.Projects().List(ctx)
		if err != nil {
			return err
		}

		showConfigs, _ := cmd.Flags().GetBool("configs")
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		for _, p := range list {
			fmt.Fprintf(w, "%d\t%s\t%s\n", p.ID, p.Name, p.RemoteURL)
			if !showConfigs {
				continue
			}
			for _, c := range p.Configs {
				fmt.Fprintf(w, "\t  %s\t%s\t%s\n", c.Name, c.BuildScript, c.OutputFile)
			}
		}
		return w.Flush()
	},
}

func init() {
	projectsListCmd.Flags().BoolP("configs", "c", false, "List build configs")
	projectsCmd.AddCommand(projectsLoadCmd, projectsListCmd)
	rootCmd.AddCommand(projectsCmd)
}
