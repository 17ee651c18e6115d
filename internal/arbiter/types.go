// Package arbiter implements the multi-active lease arbitration protocol:
// several stateless peers compete for the exclusive right to act on a named
// action event, using a relational store as the source of truth.
package arbiter

import "fmt"

// ActionType is the closed enumeration of verbs an ActionKey may carry. A
// LAUNCH and a KILL for the same flow are distinct leases and may coexist.
type ActionType string

const (
	ActionLaunch ActionType = "LAUNCH"
	ActionKill   ActionType = "KILL"
	ActionResume ActionType = "RESUME"
)

func (a ActionType) valid() bool {
	switch a {
	case ActionLaunch, ActionKill, ActionResume:
		return true
	default:
		return false
	}
}

// ActionKey identifies the unit of work subject to arbitration.
type ActionKey struct {
	FlowGroup  string
	FlowName   string
	JobName    string
	ActionType ActionType
}

func (k ActionKey) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", k.FlowGroup, k.FlowName, k.JobName, k.ActionType)
}

// validate checks bounded lengths against the configured maxima and rejects
// an ActionType outside the closed enumeration. It does not touch the store.
func (k ActionKey) validate(maxFlowGroup, maxFlowName, maxJobName int) error {
	if len(k.FlowGroup) == 0 || len(k.FlowGroup) > maxFlowGroup {
		return fmt.Errorf("%w: flow group length %d exceeds bound %d", ErrInvalidActionKey, len(k.FlowGroup), maxFlowGroup)
	}
	if len(k.FlowName) == 0 || len(k.FlowName) > maxFlowName {
		return fmt.Errorf("%w: flow name length %d exceeds bound %d", ErrInvalidActionKey, len(k.FlowName), maxFlowName)
	}
	if len(k.JobName) == 0 || len(k.JobName) > maxJobName {
		return fmt.Errorf("%w: job name length %d exceeds bound %d", ErrInvalidActionKey, len(k.JobName), maxJobName)
	}
	if !k.ActionType.valid() {
		return fmt.Errorf("%w: unknown action type %q", ErrInvalidActionKey, k.ActionType)
	}
	return nil
}

// LeaseParams is the caller-supplied (or, after a claim, laundered) view of
// one arbitration attempt. Reminders carry the event time of the original
// trigger, not the current wall clock.
type LeaseParams struct {
	Key             ActionKey
	EventTimeMillis int64
	IsReminder      bool
}

// LeaseAttemptStatus is a closed sum type with three variants: Obtained,
// LeasedToAnother, NoLongerLeasing. The marker method is unexported so no
// package outside arbiter can introduce a fourth variant.
type LeaseAttemptStatus interface {
	isLeaseAttemptStatus()
}

// Obtained means the caller now holds the lease.
type Obtained struct {
	ConsensusParams LeaseParams
	// EventTimestampMillis is the store's own laundered event_timestamp at
	// the moment of acquisition. Unlike ConsensusParams.EventTimeMillis,
	// this is always set — it does not depend on adoptConsensusID — because
	// RecordLeaseSuccess must key its CAS predicate on the value actually
	// persisted, not on whichever event time the caller asked to adopt.
	EventTimestampMillis   int64
	LeaseAcquisitionMillis int64
	MinLingerMillis        int64
}

func (Obtained) isLeaseAttemptStatus() {}

// LeasedToAnother means a different participant currently holds the lease.
// MinLingerMillis hints how long before a retry is worth attempting.
type LeasedToAnother struct {
	ConsensusParams LeaseParams
	MinLingerMillis int64
}

func (LeasedToAnother) isLeaseAttemptStatus() {}

// NoLongerLeasing means the event has already been completed; no further
// action is required from the caller.
type NoLongerLeasing struct{}

func (NoLongerLeasing) isLeaseAttemptStatus() {}

// leaseValidity mirrors the three-way validity_status column produced by
// the info query (§4.1 of the spec): valid, expired, or finished.
type leaseValidity int

const (
	leaseValid    leaseValidity = 1
	leaseExpired  leaseValidity = 2
	leaseFinished leaseValidity = 3
)

// infoRow is the DTO produced by the info query: the six fields the
// decision state machine needs, plus a row-present flag and a flag telling
// whether lease_ts was non-NULL.
type infoRow struct {
	present         bool
	eventTsMillis   int64
	leaseTsMillis   int64 // meaningless when leaseTsValid is false
	leaseTsValid    bool
	withinEpsilon   bool
	validity        leaseValidity
	currentTsMillis int64
	lingerMillis    int64
}

// reselectRow is the DTO produced by the mandatory re-select after a claim
// attempt: the now-current (event_ts, lease_ts, linger) triple.
type reselectRow struct {
	eventTsMillis int64
	leaseTsValid  bool
	leaseTsMillis int64
	lingerMillis  int64
}
