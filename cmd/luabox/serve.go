package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/caffeineduck/luabox/executor"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP server for code execution",
		Long: `Start an HTTP server that provides REST endpoints for code execution.

Endpoints:
  POST   /execute              Execute code (stateless)
  POST   /sessions             Create session, returns {"session_id":"..."}
  POST   /sessions/{id}/exec   Execute in session (state persists)
  DELETE /sessions/{id}        Close session
  GET    /health               Health check

Idle sessions are closed after --session-ttl.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
	cmd.Flags().IntP("port", "p", 8080, "Port to listen on")
	cmd.Flags().Duration("session-ttl", 15*time.Minute, "Close sessions idle for this long")
	cmd.Flags().Int("max-sessions", 100, "Max open sessions (0 = unlimited)")
	addExecutorFlags(cmd)
	addSessionFlags(cmd)
	return cmd
}

// newServeExecutor builds the server's executor. Remote code gets the safe
// libraries unless --libs or the config asks for more.
func newServeExecutor(cmd *cobra.Command) (*executor.Executor, error) {
	return buildExecutor(cmd, executor.SafeLibs())
}

func runServe(cmd *cobra.Command, args []string) error {
	port, _ := cmd.Flags().GetInt("port")
	ttl, _ := cmd.Flags().GetDuration("session-ttl")
	maxSessions, _ := cmd.Flags().GetInt("max-sessions")

	exec, err := newServeExecutor(cmd)
	if err != nil {
		return err
	}
	defer exec.Close()

	env, err := buildRunOptions(cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	sessions := newSessionManager(ttl, maxSessions)
	defer sessions.closeAll()

	timeout, _ := cmd.Flags().GetDuration("timeout")
	srv := newServer(exec, sessions, env.opts, timeout, logger)
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(cmd.Context())
	g.Go(func() error {
		logger.Info("server listening", zap.String("addr", httpSrv.Addr))
		fmt.Fprintf(cmd.ErrOrStderr(), "luabox server listening on %s\n", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		sessions.run(ctx, sessions.sweepInterval())
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Info("shutting down")
		return httpSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
