package arbiter_test

import (
	"context"
	"database/sql"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowarb/leasearbiter/internal/arbiter"
)

func newTestArbiter(t *testing.T) (*arbiter.Arbiter, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := arbiter.Config{
		LeaseTable:     "action_event_lease",
		ConstantsTable: "action_event_lease_constants",
		EpsilonMillis:  10,
		LingerMillis:   1000,
		RetentionMillis: 10_000_000,
	}
	a, err := arbiter.NewArbiter(arbiter.NewStatementExecutor(db), nil, nil, cfg)
	require.NoError(t, err)
	return a, mock, db
}

func quoted(s string) string { return regexp.QuoteMeta(s) }

func testKey() arbiter.ActionKey {
	return arbiter.ActionKey{FlowGroup: "fg", FlowName: "fn", JobName: "jn", ActionType: arbiter.ActionLaunch}
}

// S1 — no row present: INSERT-IF-ABSENT wins, reselect confirms Obtained.
func TestTryAcquireLease_NoRowPresent_ObtainsLease(t *testing.T) {
	a, mock, _ := newTestArbiter(t)
	ctx := context.Background()
	key := testKey()

	mock.ExpectQuery(quoted("FROM action_event_lease l CROSS JOIN action_event_lease_constants c")).
		WithArgs(key.FlowGroup, key.FlowName, key.JobName, key.ActionType).
		WillReturnError(sql.ErrNoRows)

	mock.ExpectExec(quoted("INSERT INTO action_event_lease")).
		WithArgs(key.FlowGroup, key.FlowName, key.JobName, key.ActionType).
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectQuery(quoted("FROM action_event_lease l CROSS JOIN action_event_lease_constants c")).
		WithArgs(key.FlowGroup, key.FlowName, key.JobName, key.ActionType).
		WillReturnRows(sqlmock.NewRows([]string{"event_ts", "lease_valid", "lease_ts", "linger"}).
			AddRow(float64(1000), true, float64(1000), int64(1000)))

	status, err := a.TryAcquireLease(ctx, arbiter.LeaseParams{Key: key, EventTimeMillis: 1000}, true)
	require.NoError(t, err)
	obtained, ok := status.(arbiter.Obtained)
	require.True(t, ok, "expected Obtained, got %T", status)
	assert.Equal(t, int64(1000), obtained.LeaseAcquisitionMillis)
	assert.Equal(t, int64(1000), obtained.MinLingerMillis)
	assert.Equal(t, int64(1000), obtained.ConsensusParams.EventTimeMillis)
	assert.Equal(t, int64(1000), obtained.EventTimestampMillis)

	require.NoError(t, mock.ExpectationsWereMet())
}

// S2 — stale reminder: event time older than stored event time returns
// NoLongerLeasing without touching the claim statements.
func TestTryAcquireLease_StaleReminder_ReturnsNoLongerLeasing(t *testing.T) {
	a, mock, _ := newTestArbiter(t)
	ctx := context.Background()
	key := testKey()

	mock.ExpectQuery(quoted("FROM action_event_lease l CROSS JOIN action_event_lease_constants c")).
		WithArgs(key.FlowGroup, key.FlowName, key.JobName, key.ActionType, int64(1000)).
		WillReturnRows(sqlmock.NewRows([]string{"event_ts", "lease_valid", "lease_ts", "within_epsilon", "validity", "current_ts", "linger"}).
			AddRow(float64(1005), false, float64(0), false, int64(3), float64(1006), int64(1000)))

	status, err := a.TryAcquireLease(ctx, arbiter.LeaseParams{Key: key, EventTimeMillis: 1000, IsReminder: true}, true)
	require.NoError(t, err)
	_, ok := status.(arbiter.NoLongerLeasing)
	assert.True(t, ok, "expected NoLongerLeasing, got %T", status)

	require.NoError(t, mock.ExpectationsWereMet())
}

// S3 — expired lease: UPDATE-IF-MATCH-ALL wins, reselect confirms Obtained.
func TestTryAcquireLease_ExpiredLease_TakenOver(t *testing.T) {
	a, mock, _ := newTestArbiter(t)
	ctx := context.Background()
	key := testKey()

	mock.ExpectQuery(quoted("FROM action_event_lease l CROSS JOIN action_event_lease_constants c")).
		WithArgs(key.FlowGroup, key.FlowName, key.JobName, key.ActionType).
		WillReturnRows(sqlmock.NewRows([]string{"event_ts", "lease_valid", "lease_ts", "within_epsilon", "validity", "current_ts", "linger"}).
			AddRow(float64(2000), true, float64(2000), false, int64(2), float64(3100), int64(1000)))

	mock.ExpectExec(quoted("UPDATE action_event_lease")).
		WithArgs(key.FlowGroup, key.FlowName, key.JobName, key.ActionType, int64(2000), int64(2000)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectQuery(quoted("FROM action_event_lease l CROSS JOIN action_event_lease_constants c")).
		WithArgs(key.FlowGroup, key.FlowName, key.JobName, key.ActionType).
		WillReturnRows(sqlmock.NewRows([]string{"event_ts", "lease_valid", "lease_ts", "linger"}).
			AddRow(float64(3100), true, float64(3100), int64(1000)))

	status, err := a.TryAcquireLease(ctx, arbiter.LeaseParams{Key: key, EventTimeMillis: 2000}, true)
	require.NoError(t, err)
	obtained, ok := status.(arbiter.Obtained)
	require.True(t, ok, "expected Obtained, got %T", status)
	assert.Equal(t, int64(3100), obtained.LeaseAcquisitionMillis)
	assert.Equal(t, int64(3100), obtained.EventTimestampMillis)

	require.NoError(t, mock.ExpectationsWereMet())
}

// S4 — same event, valid lease: LeasedToAnother with consensus event time
// equal to the stored event time and a linger-derived wait hint.
func TestTryAcquireLease_ValidLeaseWithinEpsilon_LeasedToAnother(t *testing.T) {
	a, mock, _ := newTestArbiter(t)
	ctx := context.Background()
	key := testKey()

	mock.ExpectQuery(quoted("FROM action_event_lease l CROSS JOIN action_event_lease_constants c")).
		WithArgs(key.FlowGroup, key.FlowName, key.JobName, key.ActionType).
		WillReturnRows(sqlmock.NewRows([]string{"event_ts", "lease_valid", "lease_ts", "within_epsilon", "validity", "current_ts", "linger"}).
			AddRow(float64(4000), true, float64(4000), true, int64(1), float64(4002), int64(1000)))

	status, err := a.TryAcquireLease(ctx, arbiter.LeaseParams{Key: key, EventTimeMillis: 4000}, true)
	require.NoError(t, err)
	leased, ok := status.(arbiter.LeasedToAnother)
	require.True(t, ok, "expected LeasedToAnother, got %T", status)
	assert.Equal(t, int64(4000), leased.ConsensusParams.EventTimeMillis)
	assert.Equal(t, int64(998), leased.MinLingerMillis)

	require.NoError(t, mock.ExpectationsWereMet())
}

// S5 — distinct event, valid lease: LeasedToAnother with consensus event
// time set to the store's current time, not the stored (older) event time.
func TestTryAcquireLease_ValidLeaseOutsideEpsilon_LeasedToAnother(t *testing.T) {
	a, mock, _ := newTestArbiter(t)
	ctx := context.Background()
	key := testKey()

	mock.ExpectQuery(quoted("FROM action_event_lease l CROSS JOIN action_event_lease_constants c")).
		WithArgs(key.FlowGroup, key.FlowName, key.JobName, key.ActionType).
		WillReturnRows(sqlmock.NewRows([]string{"event_ts", "lease_valid", "lease_ts", "within_epsilon", "validity", "current_ts", "linger"}).
			AddRow(float64(5000), true, float64(5000), false, int64(1), float64(5500), int64(1000)))

	status, err := a.TryAcquireLease(ctx, arbiter.LeaseParams{Key: key, EventTimeMillis: 5500}, true)
	require.NoError(t, err)
	leased, ok := status.(arbiter.LeasedToAnother)
	require.True(t, ok, "expected LeasedToAnother, got %T", status)
	assert.Equal(t, int64(5500), leased.ConsensusParams.EventTimeMillis)
	assert.Equal(t, int64(500), leased.MinLingerMillis)

	require.NoError(t, mock.ExpectationsWereMet())
}

// CASE 5 — finished lease, within epsilon: NoLongerLeasing, no claim issued.
func TestTryAcquireLease_FinishedWithinEpsilon_NoLongerLeasing(t *testing.T) {
	a, mock, _ := newTestArbiter(t)
	ctx := context.Background()
	key := testKey()

	mock.ExpectQuery(quoted("FROM action_event_lease l CROSS JOIN action_event_lease_constants c")).
		WithArgs(key.FlowGroup, key.FlowName, key.JobName, key.ActionType).
		WillReturnRows(sqlmock.NewRows([]string{"event_ts", "lease_valid", "lease_ts", "within_epsilon", "validity", "current_ts", "linger"}).
			AddRow(float64(6000), false, float64(0), true, int64(3), float64(6005), int64(1000)))

	status, err := a.TryAcquireLease(ctx, arbiter.LeaseParams{Key: key, EventTimeMillis: 6000}, true)
	require.NoError(t, err)
	_, ok := status.(arbiter.NoLongerLeasing)
	assert.True(t, ok, "expected NoLongerLeasing, got %T", status)

	require.NoError(t, mock.ExpectationsWereMet())
}

// CASE 6 — finished lease, outside epsilon: UPDATE-IF-FINISHED reopens it.
func TestTryAcquireLease_FinishedOutsideEpsilon_Reopened(t *testing.T) {
	a, mock, _ := newTestArbiter(t)
	ctx := context.Background()
	key := testKey()

	mock.ExpectQuery(quoted("FROM action_event_lease l CROSS JOIN action_event_lease_constants c")).
		WithArgs(key.FlowGroup, key.FlowName, key.JobName, key.ActionType).
		WillReturnRows(sqlmock.NewRows([]string{"event_ts", "lease_valid", "lease_ts", "within_epsilon", "validity", "current_ts", "linger"}).
			AddRow(float64(7000), false, float64(0), false, int64(3), float64(8500), int64(1000)))

	mock.ExpectExec(quoted("UPDATE action_event_lease")).
		WithArgs(key.FlowGroup, key.FlowName, key.JobName, key.ActionType, int64(7000)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectQuery(quoted("FROM action_event_lease l CROSS JOIN action_event_lease_constants c")).
		WithArgs(key.FlowGroup, key.FlowName, key.JobName, key.ActionType).
		WillReturnRows(sqlmock.NewRows([]string{"event_ts", "lease_valid", "lease_ts", "linger"}).
			AddRow(float64(8500), true, float64(8500), int64(1000)))

	status, err := a.TryAcquireLease(ctx, arbiter.LeaseParams{Key: key, EventTimeMillis: 8500}, true)
	require.NoError(t, err)
	obtained, ok := status.(arbiter.Obtained)
	require.True(t, ok, "expected Obtained, got %T", status)
	assert.Equal(t, int64(8500), obtained.LeaseAcquisitionMillis)
	assert.Equal(t, int64(8500), obtained.EventTimestampMillis)

	require.NoError(t, mock.ExpectationsWereMet())
}

// A raced INSERT-IF-ABSENT: another participant created the row first, and
// the reselect reveals they won the claim.
func TestTryAcquireLease_RacedInsert_LeasedToAnother(t *testing.T) {
	a, mock, _ := newTestArbiter(t)
	ctx := context.Background()
	key := testKey()

	mock.ExpectQuery(quoted("FROM action_event_lease l CROSS JOIN action_event_lease_constants c")).
		WithArgs(key.FlowGroup, key.FlowName, key.JobName, key.ActionType).
		WillReturnError(sql.ErrNoRows)

	mock.ExpectExec(quoted("INSERT INTO action_event_lease")).
		WithArgs(key.FlowGroup, key.FlowName, key.JobName, key.ActionType).
		WillReturnResult(sqlmock.NewResult(0, 0))

	mock.ExpectQuery(quoted("FROM action_event_lease l CROSS JOIN action_event_lease_constants c")).
		WithArgs(key.FlowGroup, key.FlowName, key.JobName, key.ActionType).
		WillReturnRows(sqlmock.NewRows([]string{"event_ts", "lease_valid", "lease_ts", "linger"}).
			AddRow(float64(1000), true, float64(1000), int64(1000)))

	status, err := a.TryAcquireLease(ctx, arbiter.LeaseParams{Key: key, EventTimeMillis: 1000}, true)
	require.NoError(t, err)
	_, ok := status.(arbiter.LeasedToAnother)
	assert.True(t, ok, "expected LeasedToAnother, got %T", status)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordLeaseSuccess_SuccessThenIdempotentFalse(t *testing.T) {
	a, mock, _ := newTestArbiter(t)
	ctx := context.Background()
	key := testKey()

	obtained := arbiter.Obtained{
		ConsensusParams:        arbiter.LeaseParams{Key: key, EventTimeMillis: 1000},
		EventTimestampMillis:   1000,
		LeaseAcquisitionMillis: 1000,
	}

	mock.ExpectExec(quoted("UPDATE action_event_lease")).
		WithArgs(key.FlowGroup, key.FlowName, key.JobName, key.ActionType, int64(1000), int64(1000)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := a.RecordLeaseSuccess(ctx, obtained)
	require.NoError(t, err)
	assert.True(t, ok)

	// Second call: the row no longer matches (lease already cleared), so
	// zero rows are affected and the call is a no-op, not an error.
	mock.ExpectExec(quoted("UPDATE action_event_lease")).
		WithArgs(key.FlowGroup, key.FlowName, key.JobName, key.ActionType, int64(1000), int64(1000)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err = a.RecordLeaseSuccess(ctx, obtained)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, mock.ExpectationsWereMet())
}

// TestRecordLeaseSuccess_KeysOnLaunderedEventTimestamp guards against
// binding ConsensusParams.EventTimeMillis into the completion CAS: when
// adoptConsensusID is false that field still carries the caller's original
// wall-clock event time, which diverges from the store's own laundered
// event_timestamp captured in EventTimestampMillis at acquisition.
func TestRecordLeaseSuccess_KeysOnLaunderedEventTimestamp(t *testing.T) {
	a, mock, _ := newTestArbiter(t)
	ctx := context.Background()
	key := testKey()

	obtained := arbiter.Obtained{
		ConsensusParams:        arbiter.LeaseParams{Key: key, EventTimeMillis: 999}, // caller's own, not adopted
		EventTimestampMillis:   1000,                                               // store's laundered value
		LeaseAcquisitionMillis: 1000,
	}

	mock.ExpectExec(quoted("UPDATE action_event_lease")).
		WithArgs(key.FlowGroup, key.FlowName, key.JobName, key.ActionType, int64(1000), int64(1000)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := a.RecordLeaseSuccess(ctx, obtained)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordLeaseSuccess_MultipleRowsIsFatal(t *testing.T) {
	a, mock, _ := newTestArbiter(t)
	ctx := context.Background()
	key := testKey()

	obtained := arbiter.Obtained{
		ConsensusParams:        arbiter.LeaseParams{Key: key, EventTimeMillis: 1000},
		EventTimestampMillis:   1000,
		LeaseAcquisitionMillis: 1000,
	}

	mock.ExpectExec(quoted("UPDATE action_event_lease")).
		WithArgs(key.FlowGroup, key.FlowName, key.JobName, key.ActionType, int64(1000), int64(1000)).
		WillReturnResult(sqlmock.NewResult(0, 2))

	_, err := a.RecordLeaseSuccess(ctx, obtained)
	assert.Error(t, err)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExistsSimilarLeaseWithinConsolidationPeriod(t *testing.T) {
	a, mock, _ := newTestArbiter(t)
	ctx := context.Background()
	key := testKey()

	mock.ExpectQuery(quoted("FROM action_event_lease l CROSS JOIN action_event_lease_constants c")).
		WithArgs(key.FlowGroup, key.FlowName, key.JobName, key.ActionType).
		WillReturnRows(sqlmock.NewRows([]string{"event_ts", "lease_valid", "lease_ts", "within_epsilon", "validity", "current_ts", "linger"}).
			AddRow(float64(1000), false, float64(0), true, int64(3), float64(1005), int64(1000)))

	exists, err := a.ExistsSimilarLeaseWithinConsolidationPeriod(ctx, arbiter.LeaseParams{Key: key, EventTimeMillis: 1000})
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExistsSimilarLeaseWithinConsolidationPeriod_NoRow(t *testing.T) {
	a, mock, _ := newTestArbiter(t)
	ctx := context.Background()
	key := testKey()

	mock.ExpectQuery(quoted("FROM action_event_lease l CROSS JOIN action_event_lease_constants c")).
		WithArgs(key.FlowGroup, key.FlowName, key.JobName, key.ActionType).
		WillReturnError(sql.ErrNoRows)

	exists, err := a.ExistsSimilarLeaseWithinConsolidationPeriod(ctx, arbiter.LeaseParams{Key: key, EventTimeMillis: 1000})
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTryAcquireLease_InvalidActionKeyRejectedBeforeAnyQuery(t *testing.T) {
	a, _, _ := newTestArbiter(t)
	ctx := context.Background()

	badKey := arbiter.ActionKey{FlowGroup: "", FlowName: "fn", JobName: "jn", ActionType: arbiter.ActionLaunch}
	_, err := a.TryAcquireLease(ctx, arbiter.LeaseParams{Key: badKey, EventTimeMillis: 1000}, true)
	assert.ErrorIs(t, err, arbiter.ErrInvalidActionKey)
}

func TestBootstrap_CreatesTablesAndUpsertsConstants(t *testing.T) {
	a, mock, _ := newTestArbiter(t)
	ctx := context.Background()

	mock.ExpectExec(quoted("CREATE TABLE IF NOT EXISTS action_event_lease")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(quoted("CREATE TABLE IF NOT EXISTS action_event_lease_constants")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(quoted("INSERT INTO action_event_lease_constants")).
		WithArgs(int64(10), int64(1000)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, a.Bootstrap(ctx))
	require.NoError(t, mock.ExpectationsWereMet())
}
