package risk

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/you/crossarb/internal/config"
	"github.com/you/crossarb/internal/exchange"
	"github.com/you/crossarb/internal/types"
	"go.uber.org/zap"
)

// ErrCircuitOpen means the session PnL floor was breached. Every further
// cycle is rejected until an operator calls Reset.
var ErrCircuitOpen = errors.New("pnl floor breached, circuit breaker open")

// RejectionError is a plan validation failure. Nothing has moved; the plan
// is always safe to retry later.
type RejectionError struct {
	Check  string
	Detail string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("plan rejected (%s): %s", e.Check, e.Detail)
}

// SlippageError reports a price that drifted beyond the plan's tolerance.
type SlippageError struct {
	PlannedPrice  float64
	ObservedPrice float64
	DriftBps      float64
	LimitBps      float64
}

func (e *SlippageError) Error() string {
	return fmt.Sprintf("slippage %.1f bps exceeds limit %.1f bps (planned %v, observed %v)",
		e.DriftBps, e.LimitBps, e.PlannedPrice, e.ObservedPrice)
}

// Guard validates plans before capital is committed and watches the running
// session PnL. One Guard is shared by every engine instance in the process;
// the circuit breaker is deliberately process-wide.
type Guard struct {
	cfg     *config.Config
	clients map[types.Venue]exchange.Client
	log     *zap.Logger

	mu         sync.Mutex
	sessionPnL float64
	tripped    bool
}

func NewGuard(cfg *config.Config, clients map[types.Venue]exchange.Client, log *zap.Logger) *Guard {
	return &Guard{cfg: cfg, clients: clients, log: log}
}

// Validate runs the pre-flight checks in order, short-circuiting on the
// first failure. Fails closed: any error rejects the plan.
func (g *Guard) Validate(ctx context.Context, plan types.ArbitragePlan) error {
	// 1. trade size bounds
	if plan.InputAmountQuote < g.cfg.Risk.MinTradeUSDT || plan.InputAmountQuote > g.cfg.Risk.MaxTradeUSDT {
		return &RejectionError{
			Check: "trade_size",
			Detail: fmt.Sprintf("input %v USDT outside [%v, %v]",
				plan.InputAmountQuote, g.cfg.Risk.MinTradeUSDT, g.cfg.Risk.MaxTradeUSDT),
		}
	}

	src, ok := g.clients[plan.SourceVenue]
	if !ok {
		return &RejectionError{Check: "venue", Detail: fmt.Sprintf("unknown source venue %s", plan.SourceVenue)}
	}
	dst, ok := g.clients[plan.DestVenue]
	if !ok {
		return &RejectionError{Check: "venue", Detail: fmt.Sprintf("unknown dest venue %s", plan.DestVenue)}
	}

	// 2. available balance incl. fee buffer
	bal, err := src.GetBalance(ctx, "USDT")
	if err != nil {
		return &RejectionError{Check: "balance", Detail: fmt.Sprintf("balance query failed: %v", err)}
	}
	need := plan.InputAmountQuote * g.cfg.Fees.BufferRatio
	if bal < need {
		return &RejectionError{
			Check:  "balance",
			Detail: fmt.Sprintf("available %v USDT < required %v (incl. fee buffer)", bal, need),
		}
	}

	// 3. projected net profit off live top-of-book
	_, srcAsk, err := src.BestBidAsk(ctx, plan.Asset)
	if err != nil {
		return &RejectionError{Check: "profit", Detail: fmt.Sprintf("source price query failed: %v", err)}
	}
	dstBid, _, err := dst.BestBidAsk(ctx, plan.Asset)
	if err != nil {
		return &RejectionError{Check: "profit", Detail: fmt.Sprintf("dest price query failed: %v", err)}
	}
	if srcAsk <= 0 || dstBid <= 0 {
		return &RejectionError{Check: "profit", Detail: "empty order book"}
	}
	qty := plan.InputAmountQuote / srcAsk
	gross := qty * dstBid
	fees := plan.InputAmountQuote*g.cfg.Fees.SourceTakerBps/10000 + gross*g.cfg.Fees.DestTakerBps/10000
	net := gross - plan.InputAmountQuote - fees
	if net < g.cfg.Risk.MinProfitUSDT {
		return &RejectionError{
			Check:  "profit",
			Detail: fmt.Sprintf("projected net %v USDT below minimum %v", net, g.cfg.Risk.MinProfitUSDT),
		}
	}

	// 4. drift between planning price and live price
	if err := g.slippage(plan.SourceAsk, srcAsk, plan.MaxSlippageBps); err != nil {
		return err
	}
	if err := g.slippage(plan.DestBid, dstBid, plan.MaxSlippageBps); err != nil {
		return err
	}

	// 5. session circuit breaker
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.tripped {
		return ErrCircuitOpen
	}
	return nil
}

// CheckMidFlight is invoked before the sell leg: if the sell price drifted
// beyond tolerance the cycle aborts rather than completing at a loss.
func (g *Guard) CheckMidFlight(ctx context.Context, plannedPrice, observedPrice, maxSlippageBps float64) error {
	g.mu.Lock()
	tripped := g.tripped
	g.mu.Unlock()
	if tripped {
		return ErrCircuitOpen
	}
	return g.slippage(plannedPrice, observedPrice, maxSlippageBps)
}

func (g *Guard) slippage(planned, observed, maxBps float64) error {
	if maxBps <= 0 {
		maxBps = g.cfg.Risk.MaxSlippageBps
	}
	if planned <= 0 || observed <= 0 {
		return &RejectionError{Check: "slippage", Detail: "missing reference price"}
	}
	drift := math.Abs(observed-planned) / planned * 10000
	if drift > maxBps {
		return &SlippageError{PlannedPrice: planned, ObservedPrice: observed, DriftBps: drift, LimitBps: maxBps}
	}
	return nil
}

// RecordPnL folds one cycle's realized result into the session total and
// trips the breaker when the total falls below the floor.
func (g *Guard) RecordPnL(delta float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sessionPnL += delta
	if g.sessionPnL < g.cfg.Risk.PnLFloorUSDT && !g.tripped {
		g.tripped = true
		g.log.Error("session pnl floor breached, halting all cycles",
			zap.Float64("session_pnl", g.sessionPnL),
			zap.Float64("floor", g.cfg.Risk.PnLFloorUSDT))
	}
}

func (g *Guard) SessionPnL() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sessionPnL
}

func (g *Guard) Tripped() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tripped
}

// Reset re-arms a tripped breaker. Manual operator action only.
func (g *Guard) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tripped = false
	g.log.Warn("circuit breaker manually reset", zap.Float64("session_pnl", g.sessionPnL))
}
