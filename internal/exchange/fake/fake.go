// Package fake provides a scriptable venue client for tests.
package fake

import (
	"context"
	"sync"

	"github.com/you/crossarb/internal/types"
)

// Client implements exchange.Client with overridable behavior per method.
// Zero-value fields fall back to benign defaults so tests only script what
// they care about.
type Client struct {
	Venue types.Venue

	mu       sync.Mutex
	balances map[string]float64

	BalanceFn        func(ctx context.Context, asset string) (float64, error)
	BidAskFn         func(ctx context.Context, asset string) (float64, float64, error)
	PlaceOrderFn     func(ctx context.Context, side types.Side, asset string, qty float64) (*types.Fill, error)
	DepositAddressFn func(ctx context.Context, asset, network string) (string, string, error)
	WithdrawFn       func(ctx context.Context, asset, network, address, memo string, amount float64) (string, error)
	WithdrawStatusFn func(ctx context.Context, id string) (types.WithdrawalStatus, error)
	TradingRulesFn   func(ctx context.Context, asset string) (*types.TradingRules, error)

	Orders      []PlacedOrder
	Withdrawals []PlacedWithdrawal
}

type PlacedOrder struct {
	Side  types.Side
	Asset string
	Qty   float64
}

type PlacedWithdrawal struct {
	Asset   string
	Network string
	Address string
	Amount  float64
}

func New(venue types.Venue) *Client {
	return &Client{Venue: venue, balances: make(map[string]float64)}
}

func (c *Client) Name() types.Venue { return c.Venue }

// SetBalance seeds the default balance store used when BalanceFn is nil.
func (c *Client) SetBalance(asset string, amount float64) {
	c.mu.Lock()
	c.balances[asset] = amount
	c.mu.Unlock()
}

func (c *Client) GetBalance(ctx context.Context, asset string) (float64, error) {
	if c.BalanceFn != nil {
		return c.BalanceFn(ctx, asset)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balances[asset], nil
}

func (c *Client) BestBidAsk(ctx context.Context, asset string) (float64, float64, error) {
	if c.BidAskFn != nil {
		return c.BidAskFn(ctx, asset)
	}
	return 1, 1, nil
}

func (c *Client) PlaceMarketOrder(ctx context.Context, side types.Side, asset string, qty float64) (*types.Fill, error) {
	c.mu.Lock()
	c.Orders = append(c.Orders, PlacedOrder{Side: side, Asset: asset, Qty: qty})
	c.mu.Unlock()
	if c.PlaceOrderFn != nil {
		return c.PlaceOrderFn(ctx, side, asset, qty)
	}
	return &types.Fill{OrderID: "fake-1", Price: 1, Quantity: qty, QuoteQuantity: qty}, nil
}

func (c *Client) GetDepositAddress(ctx context.Context, asset, network string) (string, string, error) {
	if c.DepositAddressFn != nil {
		return c.DepositAddressFn(ctx, asset, network)
	}
	return "GDRXE2BQUC3AZNPVFSCEZ76NJ3WWL25FYFK6RGZGIEKWE4SOOHSUJUJ6", "", nil
}

func (c *Client) Withdraw(ctx context.Context, asset, network, address, memo string, amount float64) (string, error) {
	c.mu.Lock()
	c.Withdrawals = append(c.Withdrawals, PlacedWithdrawal{Asset: asset, Network: network, Address: address, Amount: amount})
	c.mu.Unlock()
	if c.WithdrawFn != nil {
		return c.WithdrawFn(ctx, asset, network, address, memo, amount)
	}
	return "wd-1", nil
}

func (c *Client) GetWithdrawalStatus(ctx context.Context, id string) (types.WithdrawalStatus, error) {
	if c.WithdrawStatusFn != nil {
		return c.WithdrawStatusFn(ctx, id)
	}
	return types.WithdrawalPending, nil
}

func (c *Client) GetTradingRules(ctx context.Context, asset string) (*types.TradingRules, error) {
	if c.TradingRulesFn != nil {
		return c.TradingRulesFn(ctx, asset)
	}
	return &types.TradingRules{StepSize: 0.0001, MinQty: 0.0001}, nil
}

func (c *Client) OrderCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Orders)
}

func (c *Client) WithdrawalCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Withdrawals)
}
