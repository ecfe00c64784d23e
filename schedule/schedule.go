package schedule

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// ScanStarter starts a bounded BLE scan
type ScanStarter interface {
	StartScan(ctx context.Context) error
}

// Scanner triggers background scans on a cron schedule so cached data stays
// warm between client requests
type Scanner struct {
	cron    *cron.Cron
	expr    string
	scanner ScanStarter
	logger  *zap.Logger
}

// New registers expr (e.g. "@every 1m" or "*/5 * * * *")
func New(ctx context.Context, expr string, scanner ScanStarter, logger *zap.Logger) (*Scanner, error) {
	s := &Scanner{
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		expr:    expr,
		scanner: scanner,
		logger:  logger,
	}

	if _, err := s.cron.AddFunc(expr, func() { s.run(ctx) }); err != nil {
		return nil, fmt.Errorf("invalid background scan schedule %q: %w", expr, err)
	}
	return s, nil
}

// Start runs the scheduler in its own goroutine
func (s *Scanner) Start() {
	s.logger.Info("background scans scheduled", zap.String("schedule", s.expr))
	s.cron.Start()
}

// Stop stops the scheduler and waits for a running job to finish
func (s *Scanner) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scanner) run(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if err := s.scanner.StartScan(ctx); err != nil {
		s.logger.Warn("background scan failed", zap.Error(err))
	}
}
