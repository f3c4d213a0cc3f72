package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caffeineduck/luabox/executor"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const watchDebounce = 100 * time.Millisecond

func watchFile(cmd *cobra.Command, path string) error {
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

	name := filepath.Base(path)
	run := func() {
		data, err := os.ReadFile(path)
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "Error: %v\n", err)
			return
		}
		if err := runChunk(cmd, exec, stripShebang(string(data)), name, env.opts); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "Error: %v\n", err)
		}
	}

	return watchLoop(cmd.Context(), path, run)
}

// watchLoop calls run once, then again after each burst of changes to path,
// until ctx is done. The parent directory is watched because editors often
// replace files by renaming over them.
func watchLoop(ctx context.Context, path string, run func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	target := filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}

	run()

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
				debounce = time.After(watchDebounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("watch error", zap.Error(err))
		case <-debounce:
			debounce = nil
			logger.Debug("file changed", zap.String("path", path))
			run()
		}
	}
}
