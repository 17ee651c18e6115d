package arbiter

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SweepResult summarises one retention-sweeper cycle (§4.7, expanded by
// §3.1 of the full spec).
type SweepResult struct {
	RowsDeleted int64
	Cutoff      time.Time
	Duration    time.Duration
}

// Sweeper periodically deletes lease rows older than the configured
// retention horizon. retentionPeriod >> linger is assumed, so any row it
// deletes is guaranteed to be finished or long expired (§4.7).
type Sweeper struct {
	arbiter *Arbiter
}

// NewSweeper builds a Sweeper bound to a (now-bootstrapped) Arbiter.
func NewSweeper(a *Arbiter) *Sweeper {
	return &Sweeper{arbiter: a}
}

// Start schedules sweep cycles at the Arbiter's configured
// RetentionSweepPeriod (default 4h) using the StatementExecutor's
// scheduler, and returns a function that stops the schedule.
func (s *Sweeper) Start(ctx context.Context) (stop func()) {
	return s.arbiter.executor.Schedule(ctx, s.arbiter.cfg.RetentionSweepPeriod, func(taskCtx context.Context) {
		result, err := s.sweepOnce(taskCtx)
		if err != nil {
			s.arbiter.logger.Warnf("arbiter: retention sweep failed: %v", err)
			return
		}
		s.arbiter.logger.Infof("arbiter: retention sweep deleted %d rows older than %s in %s",
			result.RowsDeleted, result.Cutoff.Format(time.RFC3339), result.Duration)
	})
}

// sweepOnce runs a single DELETE cycle and reports what it did.
func (s *Sweeper) sweepOnce(ctx context.Context) (SweepResult, error) {
	start := s.arbiter.clock.Now()
	var affected int64

	err := s.arbiter.executor.Query(ctx, func(conn *sql.Conn) error {
		res, execErr := conn.ExecContext(ctx, s.arbiter.q.sweepDelete, s.arbiter.cfg.RetentionMillis)
		if execErr != nil {
			return execErr
		}
		affected, execErr = res.RowsAffected()
		return execErr
	})
	if err != nil {
		return SweepResult{}, fmt.Errorf("arbiter: sweep delete: %w", err)
	}
	s.arbiter.stats.recordSwept(affected)

	cutoff := start.Add(-time.Duration(s.arbiter.cfg.RetentionMillis) * time.Millisecond)
	return SweepResult{
		RowsDeleted: affected,
		Cutoff:      cutoff,
		Duration:    s.arbiter.clock.Now().Sub(start),
	}, nil
}
