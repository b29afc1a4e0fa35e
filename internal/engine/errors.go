package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/you/crossarb/internal/exchange"
	"github.com/you/crossarb/internal/risk"
	"github.com/you/crossarb/internal/types"
)

// Reason is the terminal reason code attached to an aborted cycle.
type Reason string

const (
	ReasonNone           Reason = ""
	ReasonValidation     Reason = "validation_rejected"
	ReasonVenue          Reason = "venue_error"
	ReasonAmbiguous      Reason = "ambiguous_state"
	ReasonTimeout        Reason = "timeout"
	ReasonSlippage       Reason = "slippage_exceeded"
	ReasonIncompatible   Reason = "incompatible_asset"
	ReasonCircuitBreaker Reason = "circuit_breaker"
	ReasonCancelled      Reason = "cancelled"
	ReasonPanic          Reason = "internal_panic"
)

// ErrCycleInProgress rejects a second cycle for a route that already has one
// in flight. The caller is rejected, never queued.
var ErrCycleInProgress = errors.New("cycle already in progress for this route")

// VenueError wraps a failed venue call whose outcome is known: the operation
// did not execute.
type VenueError struct {
	Venue types.Venue
	Op    string
	Err   error
}

func (e *VenueError) Error() string {
	return fmt.Sprintf("%s %s failed: %v", e.Venue, e.Op, e.Err)
}
func (e *VenueError) Unwrap() error { return e.Err }

// AmbiguousStateError marks a trade-creating call whose outcome is unknown
// after a failure. Never auto-retried: retrying a withdraw or sell that may
// have executed risks moving funds twice. The cycle aborts for manual
// reconciliation.
type AmbiguousStateError struct {
	Venue types.Venue
	Op    string
	Err   error
}

func (e *AmbiguousStateError) Error() string {
	return fmt.Sprintf("%s %s outcome unknown, manual reconciliation required: %v", e.Venue, e.Op, e.Err)
}
func (e *AmbiguousStateError) Unwrap() error { return e.Err }

// TimeoutError means a leg deadline elapsed without the expected observation.
// Funds in transit are not assumed lost.
type TimeoutError struct {
	Leg     Leg
	Elapsed time.Duration
	Note    string
}

func (e *TimeoutError) Error() string {
	if e.Note != "" {
		return fmt.Sprintf("%s leg timed out after %s (%s)", e.Leg, e.Elapsed, e.Note)
	}
	return fmt.Sprintf("%s leg timed out after %s", e.Leg, e.Elapsed)
}

func reasonFor(err error) Reason {
	var (
		rejErr   *risk.RejectionError
		slipErr  *risk.SlippageError
		ambErr   *AmbiguousStateError
		toErr    *TimeoutError
		venueErr *VenueError
	)
	switch {
	case err == nil:
		return ReasonNone
	case errors.Is(err, risk.ErrCircuitOpen):
		return ReasonCircuitBreaker
	case errors.As(err, &slipErr):
		return ReasonSlippage
	case errors.As(err, &rejErr):
		return ReasonValidation
	case errors.Is(err, exchange.ErrUnsupportedAsset):
		return ReasonIncompatible
	case errors.As(err, &ambErr):
		return ReasonAmbiguous
	case errors.As(err, &toErr):
		return ReasonTimeout
	case errors.Is(err, context.Canceled):
		return ReasonCancelled
	case errors.As(err, &venueErr):
		return ReasonVenue
	default:
		return ReasonVenue
	}
}
