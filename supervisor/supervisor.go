package supervisor

import (
	"context"
	"errors"
	"os/signal"
	"sync"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/devinshteyn2/pgcopydb/logger"
	"github.com/devinshteyn2/pgcopydb/workdir"
)

// Exit codes of the command-line tool.
const (
	ExitQuit          = 0
	ExitInternalError = 12
	ExitBadArgs       = 13
	ExitConnection    = 14
)

// Service is one supervised pipeline component. Run must honor ctx
// cancellation at its safe points: between batches, between statements.
type Service struct {
	Name string
	Run  func(ctx context.Context) error
}

// Supervisor runs services as supervised goroutines, translating signals
// into cooperative shutdown and aggregating exit status. The unexpected
// death of any component tears the whole pipeline down.
type Supervisor struct {
	paths *workdir.Paths

	// Synchronization (always last)
	mu   sync.Mutex
	errs []error
}

func New(paths *workdir.Paths) *Supervisor {
	return &Supervisor{paths: paths}
}

// Run executes every service and returns the aggregated exit code; the pid
// file guards against concurrent runs on the same work directory.
func (s *Supervisor) Run(ctx context.Context, services ...Service) int {
	if err := s.paths.AcquirePidFile(); err != nil {
		logger.Error("cannot start", "error", err)
		return ExitInternalError
	}
	defer func() {
		if err := s.paths.ReleasePidFile(); err != nil {
			logger.Warn("release pid file", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for _, svc := range services {
		wg.Add(1)
		go func(svc Service) {
			defer wg.Done()

			logger.Debug("starting service", "service", svc.Name)

			if err := svc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("service failed", "service", svc.Name, "error", err)
				s.record(err)
				// one failed component shuts the pipeline down
				cancel()
				return
			}

			logger.Debug("service finished", "service", svc.Name)
		}(svc)
	}

	wg.Wait()

	return s.exitCode()
}

func (s *Supervisor) record(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
}

// exitCode aggregates per-service outcomes; internal errors trump clean
// quits, connection errors surface on their own code.
func (s *Supervisor) exitCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	code := ExitQuit
	for _, err := range s.errs {
		c := ClassifyError(err)
		if c > code {
			code = c
		}
	}

	return code
}

// ClassifyError maps an error to the exit code it deserves.
func ClassifyError(err error) int {
	if err == nil || errors.Is(err, context.Canceled) {
		return ExitQuit
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return ExitConnection
	}

	return ExitInternalError
}
