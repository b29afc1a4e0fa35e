package exchange

import (
	"context"
	"errors"
	"fmt"

	"github.com/you/crossarb/internal/types"
)

// Client is the authenticated capability surface of one trading venue. The
// engine only ever talks to venues through this interface; the signed REST
// plumbing lives in the per-venue subpackages.
//
// Quantity is always in the base asset, for both order sides.
type Client interface {
	Name() types.Venue
	GetBalance(ctx context.Context, asset string) (float64, error)
	BestBidAsk(ctx context.Context, asset string) (bid, ask float64, err error)
	PlaceMarketOrder(ctx context.Context, side types.Side, asset string, quantity float64) (*types.Fill, error)
	GetDepositAddress(ctx context.Context, asset, network string) (address, memo string, err error)
	Withdraw(ctx context.Context, asset, network, address, memo string, amount float64) (withdrawalID string, err error)
	GetWithdrawalStatus(ctx context.Context, withdrawalID string) (types.WithdrawalStatus, error)
	GetTradingRules(ctx context.Context, asset string) (*types.TradingRules, error)
}

// ErrUnsupportedAsset means the venue cannot deposit or withdraw the asset on
// the requested network at all. Not retryable.
var ErrUnsupportedAsset = errors.New("asset or network not supported by venue")

// APIError is a definitive rejection from a venue: the request reached the
// API and was refused, so the operation certainly did not execute. Transport
// failures are returned as plain errors instead, because their outcome is
// unknown.
type APIError struct {
	Venue  types.Venue
	Op     string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: http %d: %s", e.Venue, e.Op, e.Status, e.Body)
}

// OrderVerifyError means the venue accepted an order but reading the fill
// back failed. The order may well have executed, so this must never be
// treated as a rejection: it deliberately does not unwrap to APIError even
// when the read-back failed with one.
type OrderVerifyError struct {
	Venue   types.Venue
	OrderID string
	Err     error
}

func (e *OrderVerifyError) Error() string {
	return fmt.Sprintf("%s order %s accepted but verification failed: %v", e.Venue, e.OrderID, e.Err)
}
