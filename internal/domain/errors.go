package domain

import "errors"

var (
	ErrNotFound = errors.New("not found")

	// ErrTransientGateway marks network-level failures that are safe to retry
	// with backoff. A cycle that exhausts its retries is skipped and logged.
	ErrTransientGateway = errors.New("transient gateway error")

	// ErrOrderRejected means the exchange explicitly refused the order. The
	// position reverts to its prior stable state and the cycle reports failure.
	ErrOrderRejected = errors.New("order rejected by exchange")

	// ErrAmbiguousOutcome means a submission timed out with no fill
	// confirmation. The caller must reconcile against the exchange before
	// taking any further position-changing action.
	ErrAmbiguousOutcome = errors.New("ambiguous order outcome")

	// ErrQuantityBelowMinimum means computed sizing fell under the exchange
	// minimum lot. Undersizing is an error, never silently rounded up.
	ErrQuantityBelowMinimum = errors.New("order quantity below exchange minimum")

	// ErrPositionParked means the position is in closed_error and automated
	// trading is suspended until an operator reconciles it.
	ErrPositionParked = errors.New("position requires manual reconciliation")
)
