package precision

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/you/crossarb/internal/exchange"
	"github.com/you/crossarb/internal/types"
)

// ErrBelowMinimum means the quantity, after rounding down to the venue's
// step size, no longer clears the venue's minimum tradable amount.
var ErrBelowMinimum = errors.New("quantity below venue minimum")

// Adapter rounds raw quantities to what a venue will actually accept.
// Rounding is always down: rounding up could order more than the balance
// covers. Trading rules are fetched once per (venue, asset) and cached for
// the process lifetime.
type Adapter struct {
	mu      sync.Mutex
	clients map[types.Venue]exchange.Client
	rules   map[string]*types.TradingRules
}

func NewAdapter(clients map[types.Venue]exchange.Client) *Adapter {
	return &Adapter{
		clients: clients,
		rules:   make(map[string]*types.TradingRules),
	}
}

// Rules returns the cached trading rules for a (venue, asset), fetching them
// on first use.
func (a *Adapter) Rules(ctx context.Context, venue types.Venue, asset string) (*types.TradingRules, error) {
	key := string(venue) + "|" + asset
	a.mu.Lock()
	if r, ok := a.rules[key]; ok {
		a.mu.Unlock()
		return r, nil
	}
	a.mu.Unlock()

	cl, ok := a.clients[venue]
	if !ok {
		return nil, fmt.Errorf("no client for venue %s", venue)
	}
	r, err := cl.GetTradingRules(ctx, asset)
	if err != nil {
		return nil, fmt.Errorf("trading rules %s/%s: %w", venue, asset, err)
	}

	a.mu.Lock()
	a.rules[key] = r
	a.mu.Unlock()
	return r, nil
}

// Adjust rounds rawQty down to the venue's step size and rejects quantities
// that end up below the venue minimums. refPrice is the expected execution
// price, used for the notional floor; zero skips that check.
func (a *Adapter) Adjust(ctx context.Context, venue types.Venue, asset string, rawQty, refPrice float64) (float64, error) {
	r, err := a.Rules(ctx, venue, asset)
	if err != nil {
		return 0, err
	}
	adjusted := RoundToStep(rawQty, r.StepSize)
	if adjusted <= 0 {
		return 0, fmt.Errorf("%w: %s/%s qty %v rounds to zero", ErrBelowMinimum, venue, asset, rawQty)
	}
	if r.MinQty > 0 && adjusted < r.MinQty {
		return 0, fmt.Errorf("%w: %s/%s qty %v < min %v", ErrBelowMinimum, venue, asset, adjusted, r.MinQty)
	}
	if r.MinNotional > 0 && refPrice > 0 && adjusted*refPrice < r.MinNotional {
		return 0, fmt.Errorf("%w: %s/%s notional %v < min %v",
			ErrBelowMinimum, venue, asset, adjusted*refPrice, r.MinNotional)
	}
	return adjusted, nil
}

// RoundToStep floors qty to a multiple of step. A zero step leaves the
// quantity untouched.
func RoundToStep(qty, step float64) float64 {
	if step <= 0 {
		return qty
	}
	q := decimal.NewFromFloat(qty)
	s := decimal.NewFromFloat(step)
	out, _ := q.Div(s).Floor().Mul(s).Float64()
	return out
}
