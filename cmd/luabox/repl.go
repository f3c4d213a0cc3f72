package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/caffeineduck/luabox/executor"
	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
	lua "github.com/yuin/gopher-lua"
)

func newReplCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repl",
		Short: "Interactive REPL with persistent state",
		Long: `Start an interactive REPL (Read-Eval-Print Loop) session.

Features:
  - Command history (up/down arrows)
  - Line editing (left/right, backspace, delete)
  - History search (Ctrl+R)
  - Multi-line input (end line with \)
  - Expressions print their value (1 + 1 prints 2)

Type 'exit' or 'quit' to end the session, or press Ctrl+D.`,
		Args: cobra.NoArgs,
		RunE: runRepl,
	}
	cmd.Flags().String("history", "", "History file path (default: ~/.luabox_history)")
	addExecutorFlags(cmd)
	addSessionFlags(cmd)
	return cmd
}

func runRepl(cmd *cobra.Command, args []string) error {
	historyFile, _ := cmd.Flags().GetString("history")
	if historyFile == "" {
		home, _ := os.UserHomeDir()
		historyFile = filepath.Join(home, ".luabox_history")
	}

	exec, err := buildExecutor(cmd, executor.AllLibs())
	if err != nil {
		return err
	}
	defer exec.Close()

	env, err := buildRunOptions(cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	session, err := exec.NewSession(env.opts...)
	if err != nil {
		return fmt.Errorf("starting session: %w", err)
	}
	defer session.Close()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            "> ",
		HistoryFile:       historyFile,
		HistoryLimit:      1000,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
		Stdout:            cmd.OutOrStdout(),
		Stderr:            cmd.ErrOrStderr(),
	})
	if err != nil {
		return fmt.Errorf("initializing readline: %w", err)
	}
	defer rl.Close()

	out := rl.Stdout()
	session.SetOutput(out)
	fmt.Fprintf(rl.Stderr(), "luabox %s REPL (type 'exit' to quit, Ctrl+D to exit)\n", lua.LuaVersion)

	var multiLine strings.Builder
	inMultiLine := false

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				if inMultiLine {
					multiLine.Reset()
					inMultiLine = false
					rl.SetPrompt("> ")
				}
				continue
			}
			if errors.Is(err, io.EOF) {
				fmt.Fprintln(out)
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		}

		if strings.HasSuffix(line, "\\") {
			multiLine.WriteString(strings.TrimSuffix(line, "\\"))
			multiLine.WriteString("\n")
			inMultiLine = true
			rl.SetPrompt(">> ")
			continue
		}

		if inMultiLine {
			multiLine.WriteString(line)
			line = multiLine.String()
			multiLine.Reset()
			inMultiLine = false
			rl.SetPrompt("> ")
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return nil
		}

		evalLine(cmd, session, line, out, rl.Stderr())
	}
}

// evalLine runs line in session, first as an expression so its value is
// shown, falling back to running it as a statement.
func evalLine(cmd *cobra.Command, session *executor.Session, line string, out, errOut io.Writer) {
	code := line
	if expr, ok := executor.AsExpression(line); ok {
		code = expr
	}

	result := session.Run(cmd.Context(), code)
	if result.Output != "" && !strings.HasSuffix(result.Output, "\n") {
		fmt.Fprintln(out)
	}
	if len(result.Values) > 0 {
		fmt.Fprintln(out, strings.Join(result.Values, "\t"))
	}
	if result.Error != nil {
		fmt.Fprintf(errOut, "Error: %v\n", result.Error)
	}
}
