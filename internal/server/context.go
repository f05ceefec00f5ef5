package server

import (
	"context"
	"sync"

	"github.com/teemow/handovermail/internal/runlock"
	"github.com/teemow/handovermail/internal/runner"
)

// RunService is the dispatch surface the HTTP API exposes.
// *runner.Service implements it.
type RunService interface {
	Run(ctx context.Context, target, owner string) (runner.Result, error)
	Status(ctx context.Context, target string) (runlock.State, error)
	ForceRelease(ctx context.Context, target string) error
	Targets() []string
}

// ServerContext holds the run service and the shutdown state of the server.
type ServerContext struct {
	ctx      context.Context
	cancel   context.CancelFunc
	runs     RunService
	mu       sync.RWMutex
	shutdown bool
}

// NewServerContext creates a new server context
func NewServerContext(ctx context.Context, runs RunService) *ServerContext {
	shutdownCtx, cancel := context.WithCancel(ctx)
	return &ServerContext{
		ctx:    shutdownCtx,
		cancel: cancel,
		runs:   runs,
	}
}

// Context returns the server context
func (sc *ServerContext) Context() context.Context {
	return sc.ctx
}

// Runs returns the run service.
func (sc *ServerContext) Runs() RunService {
	return sc.runs
}

// IsShutdown returns whether the server has been shutdown
func (sc *ServerContext) IsShutdown() bool {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.shutdown
}

// Shutdown marks the server as shutting down and cancels its context.
func (sc *ServerContext) Shutdown() {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if sc.shutdown {
		return
	}
	sc.shutdown = true
	sc.cancel()
}
