package types

import "time"

type Venue string

const (
	VenueMEXC Venue = "mexc"
	VenueGate Venue = "gate"
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// ArbitragePlan is the immutable input to one arbitrage cycle: buy Asset on
// SourceVenue, move it over Network, sell it on DestVenue, bring the quote
// currency home. Prices are the top-of-book values captured at planning time;
// the risk guard compares live prices against them.
type ArbitragePlan struct {
	Asset             string
	Network           string
	SourceVenue       Venue
	DestVenue         Venue
	InputAmountQuote  float64
	ExpectedSpreadBps float64
	MaxSlippageBps    float64
	SourceAsk         float64
	DestBid           float64
	CreatedAt         time.Time
}

// Fill is the observed outcome of a market order, verified by querying the
// order back after placement.
type Fill struct {
	OrderID       string
	Price         float64
	Quantity      float64
	QuoteQuantity float64
	Fee           float64
}

// TradingRules are the per-venue constraints for one asset: order step size
// and minimums plus the withdrawal floor and fee.
type TradingRules struct {
	StepSize    float64
	MinQty      float64
	MinNotional float64
	MinWithdraw float64
	WithdrawFee float64
}

type WithdrawalStatus string

const (
	WithdrawalPending   WithdrawalStatus = "pending"
	WithdrawalCompleted WithdrawalStatus = "completed"
	WithdrawalFailed    WithdrawalStatus = "failed"
	WithdrawalUnknown   WithdrawalStatus = "unknown"
)
