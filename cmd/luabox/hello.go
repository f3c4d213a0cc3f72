package main

import (
	"github.com/caffeineduck/luabox/executor"
	"github.com/spf13/cobra"
)

func newHelloCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hello",
		Short: "Run the built-in sample program",
		Long:  "Create an interpreter, open the standard libraries, run\n\n  " + sampleProgram + "\n\nand release the interpreter.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			exec, err := buildExecutor(cmd, executor.AllLibs())
			if err != nil {
				return err
			}
			defer exec.Close()
			return runChunk(cmd, exec, sampleProgram, "hello", nil)
		},
	}
}
