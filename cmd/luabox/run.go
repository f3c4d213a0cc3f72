package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/caffeineduck/luabox/executor"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [file]",
		Short: "Run a Lua script (stateless execution)",
		Long: `Execute Lua code in a fresh interpreter state.

Code can be provided via:
  - File argument: luabox run script.lua
  - Inline flag: luabox run -c 'print(1+1)'
  - Stdin: echo 'print(1+1)' | luabox run

With --watch the file is run again every time it changes.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runRun,
	}
	addRunFlags(cmd)
	return cmd
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("code", "c", "", "Code to execute")
	cmd.Flags().BoolP("watch", "w", false, "Re-run the file whenever it changes")
	addExecutorFlags(cmd)
	addSessionFlags(cmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	code, _ := cmd.Flags().GetString("code")
	watch, _ := cmd.Flags().GetBool("watch")

	if watch {
		if len(args) == 0 {
			return errors.New("--watch requires a file argument")
		}
		return watchFile(cmd, args[0])
	}

	source, name, err := readSource(cmd, code, args)
	if err != nil {
		return err
	}
	if name == "" {
		source, name = sampleProgram, "hello"
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

	return runChunk(cmd, exec, source, name, env.opts)
}

// readSource picks code from the flag, the file argument or piped stdin, in
// that order. An interactive or empty stdin yields no source and an empty
// name. A file or flag always yields a name, even when its code is empty.
func readSource(cmd *cobra.Command, code string, args []string) (string, string, error) {
	switch {
	case code != "":
		return code, "code", nil
	case len(args) > 0:
		data, err := os.ReadFile(args[0])
		if err != nil {
			return "", "", err
		}
		return stripShebang(string(data)), filepath.Base(args[0]), nil
	}

	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); ok {
		stat, err := f.Stat()
		if err != nil || stat.Mode()&os.ModeCharDevice != 0 {
			return "", "", nil
		}
	}
	data, err := io.ReadAll(in)
	if err != nil {
		return "", "", err
	}
	if len(data) == 0 {
		return "", "", nil
	}
	return stripShebang(string(data)), "stdin", nil
}

// stripShebang blanks a leading #! line, keeping line numbers intact.
func stripShebang(source string) string {
	if !strings.HasPrefix(source, "#!") {
		return source
	}
	if i := strings.IndexByte(source, '\n'); i >= 0 {
		return source[i:]
	}
	return ""
}

func runChunk(cmd *cobra.Command, exec *executor.Executor, source, name string, opts []executor.Option) error {
	opts = append(opts[:len(opts):len(opts)], executor.WithChunkName(name))
	result := exec.Run(cmd.Context(), source, opts...)

	fmt.Fprint(cmd.OutOrStdout(), result.Output)

	logger.Debug("run complete",
		zap.String("chunk", name),
		zap.Duration("duration", result.Duration),
		zap.Error(result.Error))
	return result.Error
}
