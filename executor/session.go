package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

var (
	ErrSessionClosed = errors.New("session closed")
	ErrSessionBusy   = errors.New("session busy")
)

// Session keeps one interpreter state alive so globals persist across Run
// calls. Runs are serialised; a Run that finds another in progress fails
// with ErrSessionBusy instead of queueing.
type Session struct {
	exec *Executor
	cfg  runConfig
	L    *lua.LState
	out  *outputBuffer
	hook *exitHook

	mu      sync.Mutex
	running bool
	closed  bool
}

// NewSession starts a session. Options are the same as for Run; the timeout
// applies to each Run call separately.
func (e *Executor) NewSession(opts ...Option) (*Session, error) {
	cfg := defaultRunConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	if e.isClosed() {
		return nil, ErrClosed
	}

	out := newOutputBuffer(e.cfg.maxOutput)
	hook := &exitHook{}
	L, err := e.newState(e.runRegistry(cfg), out, hook)
	if err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}

	e.logger.Debug("session started")
	return &Session{exec: e, cfg: cfg, L: L, out: out, hook: hook}, nil
}

func (s *Session) Run(ctx context.Context, code string) Result {
	start := time.Now()

	if err := s.acquire(); err != nil {
		return Result{Error: err}
	}
	defer s.release()

	if s.cfg.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.timeout)
		defer cancel()
	}

	proto, err := s.exec.compile(code, s.cfg.chunkName)
	if err != nil {
		return Result{Error: fmt.Errorf("compile: %w", err), Duration: time.Since(start)}
	}

	ctx, disarm := s.hook.arm(ctx)
	defer disarm()
	s.L.SetContext(ctx)
	values, err := callProto(s.L, proto)
	s.L.RemoveContext()

	output, overflowed := s.out.take()
	result := Result{
		Output:   output,
		Values:   values,
		Duration: time.Since(start),
		Error:    s.exec.runError(ctx, err, overflowed, s.cfg.timeout),
	}

	s.exec.logger.Debug("session run finished",
		zap.Duration("duration", result.Duration),
		zap.Error(result.Error))
	return result
}

// SetOutput mirrors everything the session prints to w as it is written,
// in addition to collecting it into Result.Output.
func (s *Session) SetOutput(w io.Writer) {
	s.out.setTee(w)
}

func (s *Session) acquire() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return ErrSessionClosed
	case s.running:
		return ErrSessionBusy
	}
	s.running = true
	return nil
}

// release ends a run, closing the state if Close was called meanwhile.
func (s *Session) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	if s.closed {
		s.L.Close()
	}
}

// Close releases the session's state. A Run in progress finishes first and
// releases the state itself.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if !s.running {
		s.L.Close()
	}
	return nil
}
