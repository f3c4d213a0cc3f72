package main

import (
	"fmt"
	"slices"
	"text/tabwriter"

	"github.com/caffeineduck/luabox/executor"
	"github.com/spf13/cobra"
)

func newLibsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "libs",
		Short: "List the standard libraries and which are enabled",
		Long: `List the standard libraries scripts can be given.

Select them with --libs using names, "all" or "safe". run, repl and
hello default to all; serve defaults to safe, which leaves out io, os,
debug and channel together with dofile, loadfile and file-based require.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			names, _ := cmd.Flags().GetStringSlice("libs")
			enabled, err := executor.ParseLibs(names)
			if err != nil {
				return err
			}
			if len(enabled) == 0 {
				enabled = executor.AllLibs()
			}
			safe := executor.SafeLibs()

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "LIBRARY\tSAFE\tENABLED")
			for _, lib := range executor.AllLibs() {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", lib,
					yesNo(slices.Contains(safe, lib)),
					yesNo(slices.Contains(enabled, lib)))
			}
			return tw.Flush()
		},
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
