package clustercore

import (
	"errors"
)

var (
	// ErrKeyNotExists is returned when a lookup misses, either in the coordinator or the trigger store.
	ErrKeyNotExists = errors.New("key does not exist")

	// ErrCoordinatorUnavailable wraps network or backend failures reaching the coordinator or the
	// relational store.  Callers retry on their own next tick.
	ErrCoordinatorUnavailable = errors.New("coordinator unavailable")

	// ErrLockAcquisitionFailed is returned when a named lock could not be obtained within the wait budget.
	ErrLockAcquisitionFailed = errors.New("lock acquisition failed")

	// ErrLeaseExpiredOrRevoked is returned when a lease holder observes that it no longer holds the lease.
	ErrLeaseExpiredOrRevoked = errors.New("lease expired or revoked")

	// ErrInvariantViolation is reported for states which should be impossible, such as an online node
	// that never completed its join.  It is logged, and is not fatal.
	ErrInvariantViolation = errors.New("invariant violation")
)
