package arbiter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Arbiter is the multi-active lease arbiter: the public surface named in
// §6 of the spec. It holds no mutable in-process state relevant to
// arbitration — every decision is made from a store read plus a
// conditional store write, so instances are safe for any number of
// concurrent callers.
type Arbiter struct {
	executor StatementExecutor
	logger   Logger
	clock    Clock
	cfg      Config
	q        queries
	stats    statsCounters
}

// NewArbiter validates cfg, fills in defaults, and returns a ready-to-use
// Arbiter. Bootstrap must be called once before the first TryAcquireLease
// call (or the caller must otherwise guarantee the schema already exists).
func NewArbiter(executor StatementExecutor, logger Logger, clock Clock, cfg Config) (*Arbiter, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if executor == nil {
		return nil, fmt.Errorf("arbiter: statement executor is required")
	}
	if logger == nil {
		logger = noopLogger{}
	}
	if clock == nil {
		clock = SystemClock
	}
	return &Arbiter{
		executor: executor,
		logger:   logger,
		clock:    clock,
		cfg:      cfg,
		q:        buildQueries(cfg.LeaseTable, cfg.ConstantsTable),
	}, nil
}

// Bootstrap creates the two tables if absent and upserts the constants row
// with this Arbiter's (epsilon, linger), per §4.8. It is safe to call from
// every participant at startup: concurrent upserts converge.
func (a *Arbiter) Bootstrap(ctx context.Context) error {
	return a.executor.Query(ctx, func(conn *sql.Conn) error {
		if _, err := conn.ExecContext(ctx, a.q.createLeaseTable); err != nil {
			return fmt.Errorf("arbiter: create lease table: %w", err)
		}
		if _, err := conn.ExecContext(ctx, a.q.createConstantsTable); err != nil {
			return fmt.Errorf("arbiter: create constants table: %w", err)
		}
		if _, err := conn.ExecContext(ctx, a.q.upsertConstants, a.cfg.EpsilonMillis, a.cfg.LingerMillis); err != nil {
			return fmt.Errorf("arbiter: upsert constants: %w", err)
		}
		return nil
	})
}

// TryAcquireLease runs the decision state machine of §4.4. adoptConsensusID
// controls whether the returned params carry the laundered DB event time
// in place of the caller's (§4.4's consensus event-time rule).
func (a *Arbiter) TryAcquireLease(ctx context.Context, params LeaseParams, adoptConsensusID bool) (LeaseAttemptStatus, error) {
	if err := params.Key.validate(a.cfg.MaxFlowGroupLen, a.cfg.MaxFlowNameLen, a.cfg.MaxJobNameLen); err != nil {
		return nil, err
	}
	a.stats.recordAttempt()
	status, err := a.tryAcquireLease(ctx, params, adoptConsensusID)
	if err == nil {
		a.stats.recordOutcome(status)
	}
	return status, err
}

func (a *Arbiter) tryAcquireLease(ctx context.Context, params LeaseParams, adoptConsensusID bool) (LeaseAttemptStatus, error) {
	row, err := a.runInfoQuery(ctx, params)
	if err != nil {
		return nil, err
	}

	if !row.present {
		return a.claimInsertIfAbsent(ctx, params, adoptConsensusID)
	}

	// Step 3: reminder staleness / constraint-violation handling.
	if params.IsReminder {
		if params.EventTimeMillis < row.eventTsMillis {
			return NoLongerLeasing{}, nil
		}
		if params.EventTimeMillis > row.eventTsMillis {
			a.logger.Warnf("arbiter: reminder event time %d is newer than stored event time %d for %s; time-laundering monotonicity should prevent this",
				params.EventTimeMillis, row.eventTsMillis, params.Key)
			// Proceed as equal: fall through using the stored event time.
		}
	}

	switch row.validity {
	case leaseValid:
		if row.withinEpsilon {
			// CASE 2: same event, another holder.
			return LeasedToAnother{
				ConsensusParams: a.consensusParams(params, row.eventTsMillis, adoptConsensusID),
				MinLingerMillis: (row.leaseTsMillis + row.lingerMillis) - row.currentTsMillis,
			}, nil
		}
		// CASE 3: distinct newer event, another holder of the older one.
		return LeasedToAnother{
			ConsensusParams: a.consensusParams(params, row.currentTsMillis, adoptConsensusID),
			MinLingerMillis: (row.leaseTsMillis + row.lingerMillis) - row.currentTsMillis,
		}, nil

	case leaseExpired:
		// CASE 4.
		if row.withinEpsilon && !params.IsReminder {
			a.logger.Warnf("arbiter: lease for %s expired within the same trigger event (epsilon=%d, linger=%d); expected epsilon << linger to prevent this",
				params.Key, a.cfg.EpsilonMillis, a.cfg.LingerMillis)
		}
		return a.claimUpdateIfMatchAll(ctx, params, row, adoptConsensusID)

	case leaseFinished:
		if row.withinEpsilon {
			// CASE 5.
			return NoLongerLeasing{}, nil
		}
		// CASE 6.
		return a.claimUpdateIfFinished(ctx, params, row, adoptConsensusID)

	default:
		return nil, fmt.Errorf("arbiter: unreachable validity_status %d", row.validity)
	}
}

// consensusParams applies the consensus event-time rule: when
// adoptConsensusID is true the returned params carry consensusEventMillis
// instead of the caller's own event time. Per the open question in §9,
// this rewrite happens identically whether or not the call originated
// from a reminder — mirroring the upstream TODO rather than resolving it.
//
// TODO: check whether reminder event before replacing flowExecutionId
func (a *Arbiter) consensusParams(params LeaseParams, consensusEventMillis int64, adopt bool) LeaseParams {
	if !adopt {
		return params
	}
	params.EventTimeMillis = consensusEventMillis
	return params
}

// claimInsertIfAbsent attempts INSERT-IF-ABSENT with bounded exponential
// backoff (§4.6), retrying only on transient store errors. A duplicate-key
// violation is absorbed and treated as zero rows affected.
func (a *Arbiter) claimInsertIfAbsent(ctx context.Context, params LeaseParams, adoptConsensusID bool) (LeaseAttemptStatus, error) {
	policy := newBackoffPolicy()
	var affected int64
	var lastErr error

	for {
		err := a.executor.Query(ctx, func(conn *sql.Conn) error {
			res, execErr := conn.ExecContext(ctx, a.q.insertIfAbsent,
				params.Key.FlowGroup, params.Key.FlowName, params.Key.JobName, params.Key.ActionType)
			if execErr != nil {
				return execErr
			}
			affected, execErr = res.RowsAffected()
			return execErr
		})

		if err == nil {
			break
		}
		if isDuplicateKey(err) {
			affected = 0
			break
		}
		if !isTransient(err) {
			return nil, fmt.Errorf("arbiter: insert-if-absent: %w", err)
		}

		lastErr = err
		delay, ok := policy.next()
		if !ok {
			return nil, fmt.Errorf("%w after %d retries: %w", ErrRetriesExhausted, policy.attemptsUsed(), lastErr)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	reselected, err := a.runReselect(ctx, params.Key)
	if err != nil {
		return nil, err
	}
	return a.finishClaim(params, reselected, affected == 1, adoptConsensusID)
}

// claimUpdateIfMatchAll attempts UPDATE-IF-MATCH-ALL against the snapshot
// read by the info query (CASE 4).
func (a *Arbiter) claimUpdateIfMatchAll(ctx context.Context, params LeaseParams, row infoRow, adoptConsensusID bool) (LeaseAttemptStatus, error) {
	var affected int64
	err := a.executor.Query(ctx, func(conn *sql.Conn) error {
		res, execErr := conn.ExecContext(ctx, a.q.updateIfMatchAll,
			params.Key.FlowGroup, params.Key.FlowName, params.Key.JobName, params.Key.ActionType,
			row.eventTsMillis, row.leaseTsMillis)
		if execErr != nil {
			return execErr
		}
		affected, execErr = res.RowsAffected()
		return execErr
	})
	if err != nil {
		return nil, fmt.Errorf("arbiter: update-if-match-all: %w", err)
	}

	reselected, err := a.runReselect(ctx, params.Key)
	if err != nil {
		return nil, err
	}
	return a.finishClaim(params, reselected, affected == 1, adoptConsensusID)
}

// claimUpdateIfFinished attempts UPDATE-IF-FINISHED against the snapshot
// read by the info query (CASE 6).
func (a *Arbiter) claimUpdateIfFinished(ctx context.Context, params LeaseParams, row infoRow, adoptConsensusID bool) (LeaseAttemptStatus, error) {
	var affected int64
	err := a.executor.Query(ctx, func(conn *sql.Conn) error {
		res, execErr := conn.ExecContext(ctx, a.q.updateIfFinished,
			params.Key.FlowGroup, params.Key.FlowName, params.Key.JobName, params.Key.ActionType,
			row.eventTsMillis)
		if execErr != nil {
			return execErr
		}
		affected, execErr = res.RowsAffected()
		return execErr
	})
	if err != nil {
		return nil, fmt.Errorf("arbiter: update-if-finished: %w", err)
	}

	reselected, err := a.runReselect(ctx, params.Key)
	if err != nil {
		return nil, err
	}
	return a.finishClaim(params, reselected, affected == 1, adoptConsensusID)
}

// finishClaim implements §4.3: the mandatory re-select after any claim
// attempt. If lease_ts comes back NULL the event was completed out from
// under the caller; otherwise the outcome hinges on whether the claim
// statement reported a row affected.
func (a *Arbiter) finishClaim(params LeaseParams, row reselectRow, won bool, adoptConsensusID bool) (LeaseAttemptStatus, error) {
	if !row.leaseTsValid {
		return NoLongerLeasing{}, nil
	}
	consensus := a.consensusParams(params, row.eventTsMillis, adoptConsensusID)
	if won {
		return Obtained{
			ConsensusParams:        consensus,
			EventTimestampMillis:   row.eventTsMillis,
			LeaseAcquisitionMillis: row.leaseTsMillis,
			MinLingerMillis:        row.lingerMillis,
		}, nil
	}
	return LeasedToAnother{
		ConsensusParams: consensus,
		MinLingerMillis: row.lingerMillis,
	}, nil
}

// RecordLeaseSuccess implements §4.5: a single conditional update clearing
// lease_acquisition_timestamp only if the row still matches the snapshot
// the caller held when it obtained the lease. Returns false (non-fatal)
// if the lease had already expired and been reclaimed or swept; returns
// an error when the store statement fails or for the fatal ">1 row"
// structural violation. The CAS
// predicate keys on EventTimestampMillis, the store's own laundered value
// at acquisition, never on ConsensusParams.EventTimeMillis — the latter
// only carries the caller's adopted value when adoptConsensusID was set
// and would otherwise match 0 rows.
func (a *Arbiter) RecordLeaseSuccess(ctx context.Context, obtained Obtained) (bool, error) {
	var affected int64
	err := a.executor.Query(ctx, func(conn *sql.Conn) error {
		res, execErr := conn.ExecContext(ctx, a.q.recordLeaseSucces,
			obtained.ConsensusParams.Key.FlowGroup, obtained.ConsensusParams.Key.FlowName,
			obtained.ConsensusParams.Key.JobName, obtained.ConsensusParams.Key.ActionType,
			obtained.EventTimestampMillis, obtained.LeaseAcquisitionMillis)
		if execErr != nil {
			return execErr
		}
		affected, execErr = res.RowsAffected()
		return execErr
	})
	if err != nil {
		return false, fmt.Errorf("arbiter: record lease success: %w", err)
	}
	switch affected {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, fmt.Errorf("%w: %d rows for %s", ErrCompletionFanOut, affected, obtained.ConsensusParams.Key)
	}
}

// ExistsSimilarLeaseWithinConsolidationPeriod reports whether the row for
// params.Key currently consolidates with params (i.e. the info query's
// within-epsilon predicate holds), regardless of lease validity. Per
// invariant 5 (§8), this holds for at least epsilon after a laundered
// Obtained event time.
func (a *Arbiter) ExistsSimilarLeaseWithinConsolidationPeriod(ctx context.Context, params LeaseParams) (bool, error) {
	if err := params.Key.validate(a.cfg.MaxFlowGroupLen, a.cfg.MaxFlowNameLen, a.cfg.MaxJobNameLen); err != nil {
		return false, err
	}
	row, err := a.runInfoQuery(ctx, params)
	if err != nil {
		return false, err
	}
	if !row.present {
		return false, nil
	}
	return row.withinEpsilon, nil
}

func (a *Arbiter) runInfoQuery(ctx context.Context, params LeaseParams) (infoRow, error) {
	var row infoRow
	row.present = true

	var eventTs, leaseTs, currentTs float64
	var leaseTsValid, withinEpsilon bool
	var validity int
	var linger int64

	query := a.q.infoLive
	args := []interface{}{params.Key.FlowGroup, params.Key.FlowName, params.Key.JobName, params.Key.ActionType}
	if params.IsReminder {
		query = a.q.infoReminder
		args = append(args, params.EventTimeMillis)
	}

	err := a.executor.Query(ctx, func(conn *sql.Conn) error {
		scanErr := conn.QueryRowContext(ctx, query, args...).Scan(
			&eventTs, &leaseTsValid, &leaseTs, &withinEpsilon, &validity, &currentTs, &linger)
		return scanErr
	})
	if errors.Is(err, sql.ErrNoRows) {
		return infoRow{present: false}, nil
	}
	if err != nil {
		return infoRow{}, fmt.Errorf("arbiter: info query: %w", err)
	}

	row.eventTsMillis = int64(eventTs)
	row.leaseTsValid = leaseTsValid
	row.leaseTsMillis = int64(leaseTs)
	row.withinEpsilon = withinEpsilon
	row.validity = leaseValidity(validity)
	row.currentTsMillis = int64(currentTs)
	row.lingerMillis = linger
	return row, nil
}

func (a *Arbiter) runReselect(ctx context.Context, key ActionKey) (reselectRow, error) {
	var eventTs sql.NullFloat64
	var leaseTs float64
	var leaseTsValid bool
	var linger int64

	err := a.executor.Query(ctx, func(conn *sql.Conn) error {
		return conn.QueryRowContext(ctx, a.q.reselect, key.FlowGroup, key.FlowName, key.JobName, key.ActionType).
			Scan(&eventTs, &leaseTsValid, &leaseTs, &linger)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return reselectRow{}, fmt.Errorf("%w: %s", ErrRowDisappeared, key)
		}
		return reselectRow{}, fmt.Errorf("arbiter: re-select: %w", err)
	}
	if !eventTs.Valid {
		return reselectRow{}, fmt.Errorf("%w: %s", ErrEventTimestampNil, key)
	}
	return reselectRow{
		eventTsMillis: int64(eventTs.Float64),
		leaseTsValid:  leaseTsValid,
		leaseTsMillis: int64(leaseTs),
		lingerMillis:  linger,
	}, nil
}
