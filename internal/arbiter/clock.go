package arbiter

import "time"

// Clock is the §6 Clock/TZ collaborator: the arbiter never reads the wall
// clock directly, it asks this interface, so tests can freeze time and so
// the only shared mutable state is a single immutable UTC location, not a
// thread-local calendar.
type Clock interface {
	Now() time.Time
}

// systemClock is the production Clock, always normalised to UTC.
type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock is the default Clock used when none is supplied to NewArbiter.
var SystemClock Clock = systemClock{}

// MillisToTime converts a milliseconds-since-epoch value (as returned on
// Obtained/LeasedToAnother) to a UTC time.Time, for callers that want to log
// or display a lease timestamp rather than carry the raw integer further.
// Sub-millisecond precision is never required by the protocol.
func MillisToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// TimeToMillis truncates a time.Time to milliseconds-since-epoch, UTC — the
// form LeaseParams.EventTimeMillis expects. This is the only direction in
// which a participant-supplied wall clock crosses into the store: every
// write instead uses the store's own CURRENT_TIMESTAMP, per the
// time-laundering discipline (§3).
func TimeToMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}
