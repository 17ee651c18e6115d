package arbiter

import (
	"context"
	"errors"
	"net"

	"github.com/lib/pq"
)

var (
	// ErrInvalidActionKey is returned when an ActionKey fails its bound or
	// enumeration checks before any statement is issued.
	ErrInvalidActionKey = errors.New("arbiter: invalid action key")

	// ErrRowDisappeared is a fatal invariant violation: a claim statement
	// reported a row affected, but the mandatory re-select found nothing.
	ErrRowDisappeared = errors.New("arbiter: row disappeared between claim and re-select")

	// ErrEventTimestampNil is a fatal invariant violation: event_timestamp
	// is documented as always non-null, yet the re-select returned NULL.
	ErrEventTimestampNil = errors.New("arbiter: event_timestamp is NULL on re-select")

	// ErrCompletionFanOut is a fatal invariant violation: more than one row
	// matched the completion predicate, which can only happen if the
	// primary key uniqueness constraint itself has been violated.
	ErrCompletionFanOut = errors.New("arbiter: completion update affected more than one row")

	// ErrRetriesExhausted wraps the last transient error once the bounded
	// backoff policy (§4.6) has used up all its attempts.
	ErrRetriesExhausted = errors.New("arbiter: exhausted retries on insert-if-absent")
)

// isTransient classifies a store error as transient per §7's Go rendition:
// pq error classes 08 (connection exception), 40 (transaction rollback),
// 53 (insufficient resources), 57 (operator intervention); a context
// deadline; or a network error that reports itself as a timeout.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "40", "53", "57":
			return true
		default:
			return false
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// isDuplicateKey reports whether err is a unique_violation (pq code 23505)
// on the lease table's primary key — the expected outcome of a racing
// INSERT-IF-ABSENT, absorbed by the decision state machine rather than
// surfaced as an error.
func isDuplicateKey(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
