package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/forgemarket/api/internal/repositories"
	"github.com/forgemarket/api/internal/services"
)

const (
	defaultSweepInterval = time.Minute
	defaultSweepBatch    = 100
)

// DeadlineSweeperDeps bundles collaborators required to construct the sweeper.
type DeadlineSweeperDeps struct {
	Timeouts      repositories.TimeoutRepository
	Consultations services.ConsultationService
	Logger        *zap.Logger

	Interval  time.Duration
	BatchSize int
	Clock     func() time.Time
}

// DeadlineSweeper periodically finds expired, unhandled deadlines and runs the
// timeout handling for each. Handling is idempotent: a timeout processed by a
// concurrent request simply reports a conflict here and is skipped.
type DeadlineSweeper struct {
	timeouts      repositories.TimeoutRepository
	consultations services.ConsultationService
	logger        *zap.Logger
	interval      time.Duration
	batchSize     int
	clock         func() time.Time
}

// NewDeadlineSweeper wires dependencies into a sweeper ready to Run.
func NewDeadlineSweeper(deps DeadlineSweeperDeps) (*DeadlineSweeper, error) {
	if deps.Timeouts == nil {
		return nil, errors.New("deadline sweeper: timeout repository is required")
	}
	if deps.Consultations == nil {
		return nil, errors.New("deadline sweeper: consultation service is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := deps.Interval
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	batch := deps.BatchSize
	if batch <= 0 {
		batch = defaultSweepBatch
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	return &DeadlineSweeper{
		timeouts:      deps.Timeouts,
		consultations: deps.Consultations,
		logger:        logger,
		interval:      interval,
		batchSize:     batch,
		clock:         clock,
	}, nil
}

// Run sweeps on the configured interval until the context is cancelled.
func (s *DeadlineSweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.SweepOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("deadline sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// SweepOnce processes a single batch of expired deadlines and reports how many
// were handled.
func (s *DeadlineSweeper) SweepOnce(ctx context.Context) (int, error) {
	now := s.clock().UTC()
	expired, err := s.timeouts.ListOpenExpired(ctx, now, s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list expired deadlines: %w", err)
	}

	handled := 0
	for _, timeout := range expired {
		if ctx.Err() != nil {
			return handled, ctx.Err()
		}
		result, err := s.consultations.HandleTimeout(ctx, timeout.OrderID, timeout.Type)
		switch {
		case err == nil:
			handled++
			s.logger.Info("deadline handled",
				zap.String("orderId", timeout.OrderID),
				zap.String("type", string(timeout.Type)),
				zap.String("action", result.Timeout.ActionTaken),
			)
		case errors.Is(err, services.ErrConflict), errors.Is(err, services.ErrNotAllowed):
			// Another worker or an inline request got there first.
			s.logger.Debug("deadline already handled",
				zap.String("orderId", timeout.OrderID),
				zap.String("type", string(timeout.Type)),
				zap.Error(err),
			)
		default:
			s.logger.Error("deadline handling failed",
				zap.String("orderId", timeout.OrderID),
				zap.String("type", string(timeout.Type)),
				zap.Error(err),
			)
		}
	}
	return handled, nil
}
