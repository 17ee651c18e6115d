package arbiter

import "sync/atomic"

// Stats is a snapshot of the process-local counters an Arbiter accumulates
// over its lifetime (§3.1 of the full spec). These are diagnostic only —
// nothing in the arbitration protocol reads them back.
type Stats struct {
	ClaimAttempts int64
	ClaimObtained int64
	ClaimLost     int64
	ClaimFinished int64
	SweptRows     int64
}

// statsCounters holds the live atomic counters backing Stats.
type statsCounters struct {
	claimAttempts int64
	claimObtained int64
	claimLost     int64
	claimFinished int64
	sweptRows     int64
}

func (c *statsCounters) recordAttempt() { atomic.AddInt64(&c.claimAttempts, 1) }

func (c *statsCounters) recordOutcome(status LeaseAttemptStatus) {
	switch status.(type) {
	case Obtained:
		atomic.AddInt64(&c.claimObtained, 1)
	case LeasedToAnother:
		atomic.AddInt64(&c.claimLost, 1)
	case NoLongerLeasing:
		atomic.AddInt64(&c.claimFinished, 1)
	}
}

func (c *statsCounters) recordSwept(n int64) { atomic.AddInt64(&c.sweptRows, n) }

func (c *statsCounters) snapshot() Stats {
	return Stats{
		ClaimAttempts: atomic.LoadInt64(&c.claimAttempts),
		ClaimObtained: atomic.LoadInt64(&c.claimObtained),
		ClaimLost:     atomic.LoadInt64(&c.claimLost),
		ClaimFinished: atomic.LoadInt64(&c.claimFinished),
		SweptRows:     atomic.LoadInt64(&c.sweptRows),
	}
}

// Stats returns a point-in-time snapshot of this Arbiter's counters.
func (a *Arbiter) Stats() Stats {
	return a.stats.snapshot()
}
