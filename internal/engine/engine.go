package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/you/crossarb/internal/config"
	"github.com/you/crossarb/internal/exchange"
	"github.com/you/crossarb/internal/ledger"
	"github.com/you/crossarb/internal/metrics"
	"github.com/you/crossarb/internal/precision"
	"github.com/you/crossarb/internal/types"
	"go.uber.org/zap"
)

type State string

const (
	StateStart           State = "start"
	StateBuying          State = "buying"
	StateWithdrawing     State = "withdrawing"
	StateAwaitingDeposit State = "awaiting_deposit"
	StateSelling         State = "selling"
	StateWithdrawingBack State = "withdrawing_back"
	StateSettled         State = "settled"
	StateAborted         State = "aborted"
)

type Leg string

const (
	LegBuy          Leg = "buy"
	LegWithdraw     Leg = "withdraw_to_dest"
	LegAwaitDeposit Leg = "wait_for_deposit"
	LegSell         Leg = "sell"
	LegWithdrawBack Leg = "withdraw_back"
)

// Cycle is the mutable run state of one in-progress arbitrage cycle. Owned
// exclusively by the goroutine driving Execute; never shared.
type Cycle struct {
	ID   string
	Plan types.ArbitragePlan

	State         State
	LastConfirmed Leg

	BoughtQty      float64
	WithdrawnQty   float64
	ExpectedNetQty float64
	NetReceivedQty float64
	SaleProceeds   float64
	WithdrawalID   string
	ReturnWithdrawalID string

	StartedAt    time.Time
	legStarted   map[Leg]time.Time
	LegDurations map[Leg]time.Duration
}

// ExecutionResult is the terminal report of one cycle.
type ExecutionResult struct {
	CycleID          string
	FinalState       State
	Reason           Reason
	PnL              float64
	LastConfirmedLeg Leg
	LegDurations     map[Leg]time.Duration
	StartedAt        time.Time
	FinishedAt       time.Time
}

// Guard is the risk surface the engine consumes.
type Guard interface {
	Validate(ctx context.Context, plan types.ArbitragePlan) error
	CheckMidFlight(ctx context.Context, plannedPrice, observedPrice, maxSlippageBps float64) error
	RecordPnL(delta float64)
	SessionPnL() float64
}

// Resolver yields validated deposit addresses.
type Resolver interface {
	Resolve(ctx context.Context, venue types.Venue, asset, network string) (address, memo string, err error)
}

// Adjuster rounds quantities to venue constraints. refPrice is the price the
// quantity will trade near, used for the minimum-notional check.
type Adjuster interface {
	Adjust(ctx context.Context, venue types.Venue, asset string, rawQty, refPrice float64) (float64, error)
	Rules(ctx context.Context, venue types.Venue, asset string) (*types.TradingRules, error)
}

// Engine drives the seven-step state machine for one arbitrage cycle:
// buy on the source venue, withdraw to the destination, wait for the
// deposit, sell, withdraw the proceeds home. Strictly sequential: no leg
// starts before its predecessor is positively confirmed by the venue.
type Engine struct {
	cfg       *config.Config
	clients   map[types.Venue]exchange.Client
	guard     Guard
	resolver  Resolver
	precision Adjuster
	ledger    ledger.Writer
	registry  *Registry
	log       *zap.Logger

	orderTimeout   time.Duration
	depositTimeout time.Duration
	depositPoll    time.Duration
	retryDelay     time.Duration
	maxRetries     int
	tolerance      float64
}

func New(cfg *config.Config, clients map[types.Venue]exchange.Client, guard Guard,
	resolver Resolver, adjuster Adjuster, lw ledger.Writer, reg *Registry, log *zap.Logger) *Engine {
	return &Engine{
		cfg:            cfg,
		clients:        clients,
		guard:          guard,
		resolver:       resolver,
		precision:      adjuster,
		ledger:         lw,
		registry:       reg,
		log:            log,
		orderTimeout:   cfg.OrderTimeout(),
		depositTimeout: cfg.DepositTimeout(),
		depositPoll:    cfg.DepositPoll(),
		retryDelay:     cfg.RetryDelay(),
		maxRetries:     cfg.Risk.MaxRetryAttempts,
		tolerance:      cfg.Risk.DepositToleranceRatio,
	}
}

// Execute runs one full cycle for the plan. A second call for the same
// (asset, source, dest) route while one is in flight returns
// ErrCycleInProgress immediately. The returned result is non-nil whenever a
// cycle actually started; err carries the abort cause, if any.
func (e *Engine) Execute(ctx context.Context, plan types.ArbitragePlan) (res *ExecutionResult, err error) {
	id := uuid.NewString()
	if err := e.registry.Acquire(plan.Asset, plan.SourceVenue, plan.DestVenue, id); err != nil {
		return nil, err
	}
	defer e.registry.Release(plan.Asset, plan.SourceVenue, plan.DestVenue)

	cyc := &Cycle{
		ID:           id,
		Plan:         plan,
		State:        StateStart,
		StartedAt:    time.Now(),
		legStarted:   make(map[Leg]time.Time),
		LegDurations: make(map[Leg]time.Duration),
	}

	defer func() {
		if r := recover(); r != nil {
			perr := fmt.Errorf("panic in cycle %s: %v", cyc.ID, r)
			e.log.Error("cycle panicked", zap.String("cycle_id", cyc.ID), zap.Any("panic", r))
			res, err = e.finish(cyc, perr), perr
		}
	}()

	e.append(ctx, cyc, ledger.EventCycleStart, "", plan.InputAmountQuote,
		fmt.Sprintf("%s %s->%s over %s, spread %.1f bps",
			plan.Asset, plan.SourceVenue, plan.DestVenue, plan.Network, plan.ExpectedSpreadBps))

	if err := e.run(ctx, cyc); err != nil {
		return e.finish(cyc, err), err
	}
	return e.finish(cyc, nil), nil
}

func (e *Engine) run(ctx context.Context, cyc *Cycle) error {
	plan := cyc.Plan
	src := e.clients[plan.SourceVenue]
	dst := e.clients[plan.DestVenue]
	if src == nil || dst == nil {
		return &VenueError{Venue: plan.SourceVenue, Op: "lookup", Err: errors.New("venue client not configured")}
	}

	// Start -> Buying: fails closed on any validation error.
	if err := e.guard.Validate(ctx, plan); err != nil {
		return err
	}
	e.transition(ctx, cyc, StateBuying)

	if err := e.buyLeg(ctx, cyc, src); err != nil {
		return err
	}
	e.transition(ctx, cyc, StateWithdrawing)

	// Destination balance baseline must predate the withdrawal, otherwise
	// the deposit delta is unobservable.
	baseline, err := e.readBalance(ctx, dst, plan.Asset)
	if err != nil {
		return &VenueError{Venue: dst.Name(), Op: "balance baseline", Err: err}
	}
	if err := e.withdrawLeg(ctx, cyc, src, dst); err != nil {
		return err
	}
	e.transition(ctx, cyc, StateAwaitingDeposit)

	if err := e.awaitDepositLeg(ctx, cyc, src, dst, baseline); err != nil {
		return err
	}

	// Mid-flight risk check before any sell is placed.
	observedBid, err := retryRead(ctx, e, func() (float64, error) {
		bid, _, err := dst.BestBidAsk(ctx, plan.Asset)
		return bid, err
	})
	if err != nil {
		return &VenueError{Venue: dst.Name(), Op: "pre-sell price", Err: err}
	}
	if err := e.guard.CheckMidFlight(ctx, plan.DestBid, observedBid, plan.MaxSlippageBps); err != nil {
		return err
	}

	// From here funds are committed forward: cancellation no longer applies.
	fwd := context.WithoutCancel(ctx)
	e.transition(fwd, cyc, StateSelling)

	if err := e.sellLeg(fwd, cyc, dst, observedBid); err != nil {
		return err
	}
	e.transition(fwd, cyc, StateWithdrawingBack)

	return e.withdrawBackLeg(fwd, cyc, dst)
}

func (e *Engine) buyLeg(ctx context.Context, cyc *Cycle, src exchange.Client) error {
	plan := cyc.Plan
	e.legStart(cyc, LegBuy)

	_, ask, err := retryRead2(ctx, e, func() (float64, float64, error) {
		return src.BestBidAsk(ctx, plan.Asset)
	})
	if err != nil {
		return &VenueError{Venue: src.Name(), Op: "source price", Err: err}
	}
	if ask <= 0 {
		return &VenueError{Venue: src.Name(), Op: "source price", Err: errors.New("empty order book")}
	}
	qty, err := e.precision.Adjust(ctx, plan.SourceVenue, plan.Asset, plan.InputAmountQuote/ask, ask)
	if err != nil {
		return err
	}

	fill, err := e.placeOrder(ctx, src, types.SideBuy, plan.Asset, qty)
	if err != nil {
		return err
	}
	if fill.Quantity <= 0 {
		return &VenueError{Venue: src.Name(), Op: "buy", Err: errors.New("order not filled")}
	}
	cyc.BoughtQty = fill.Quantity
	cyc.LastConfirmed = LegBuy
	e.legDone(cyc, LegBuy)
	e.append(ctx, cyc, ledger.EventTrade, string(plan.SourceVenue), fill.Quantity,
		fmt.Sprintf("bought %s at %v, order %s", plan.Asset, fill.Price, fill.OrderID))
	e.log.Info("buy leg confirmed",
		zap.String("cycle_id", cyc.ID),
		zap.Float64("qty", fill.Quantity),
		zap.Float64("price", fill.Price))
	return nil
}

func (e *Engine) withdrawLeg(ctx context.Context, cyc *Cycle, src, dst exchange.Client) error {
	plan := cyc.Plan
	e.legStart(cyc, LegWithdraw)

	rules, err := e.precision.Rules(ctx, plan.SourceVenue, plan.Asset)
	if err != nil {
		return &VenueError{Venue: src.Name(), Op: "withdraw rules", Err: err}
	}
	if rules.MinWithdraw > 0 && cyc.BoughtQty < rules.MinWithdraw {
		e.append(ctx, cyc, ledger.EventAlert, string(plan.SourceVenue), cyc.BoughtQty,
			fmt.Sprintf("bought qty below withdraw minimum %v, %s remains on source venue",
				rules.MinWithdraw, plan.Asset))
		return fmt.Errorf("%w: bought %v < withdraw minimum %v",
			precision.ErrBelowMinimum, cyc.BoughtQty, rules.MinWithdraw)
	}

	addr, memo, err := e.resolver.Resolve(ctx, plan.DestVenue, plan.Asset, plan.Network)
	if err != nil {
		return err
	}

	sendQty := precision.RoundToStep(cyc.BoughtQty, rules.StepSize)
	id, err := e.placeWithdrawal(ctx, src, plan.Asset, plan.Network, addr, memo, sendQty)
	if err != nil {
		return err
	}
	cyc.WithdrawalID = id
	cyc.WithdrawnQty = sendQty
	cyc.ExpectedNetQty = sendQty - rules.WithdrawFee
	cyc.LastConfirmed = LegWithdraw
	e.legDone(cyc, LegWithdraw)
	e.append(ctx, cyc, ledger.EventTransfer, string(plan.SourceVenue), sendQty,
		fmt.Sprintf("withdrawal %s accepted to %s, expecting %v net", id, ledger.Redact(addr), cyc.ExpectedNetQty))
	return nil
}

func (e *Engine) awaitDepositLeg(ctx context.Context, cyc *Cycle, src, dst exchange.Client, baseline float64) error {
	plan := cyc.Plan
	e.legStart(cyc, LegAwaitDeposit)

	required := cyc.ExpectedNetQty * (1 - e.tolerance)
	deadline := time.Now().Add(e.depositTimeout)
	tick := time.NewTicker(e.depositPoll)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			e.append(ctx, cyc, ledger.EventAlert, string(plan.DestVenue), cyc.WithdrawnQty,
				fmt.Sprintf("cycle cancelled while awaiting deposit, withdrawal %s still in transit", cyc.WithdrawalID))
			return ctx.Err()
		case <-tick.C:
		}

		bal, err := dst.GetBalance(ctx, plan.Asset)
		if err == nil {
			delta := bal - baseline
			if delta >= required {
				cyc.NetReceivedQty = delta
				cyc.LastConfirmed = LegAwaitDeposit
				e.legDone(cyc, LegAwaitDeposit)
				e.append(ctx, cyc, ledger.EventTransfer, string(plan.DestVenue), delta,
					fmt.Sprintf("deposit confirmed (required %v)", required))
				return nil
			}
		} else {
			e.log.Warn("deposit balance poll failed", zap.String("cycle_id", cyc.ID), zap.Error(err))
		}

		if time.Now().After(deadline) {
			// The funds are in transit, not lost. Ask the source venue what
			// became of the withdrawal so reconciliation starts informed.
			status, serr := retryRead(ctx, e, func() (types.WithdrawalStatus, error) {
				return src.GetWithdrawalStatus(ctx, cyc.WithdrawalID)
			})
			if serr != nil {
				status = types.WithdrawalUnknown
			}
			note := fmt.Sprintf("open liability: withdrawal %s status %s, %v %s unaccounted",
				cyc.WithdrawalID, status, cyc.WithdrawnQty, plan.Asset)
			e.append(ctx, cyc, ledger.EventAlert, string(plan.DestVenue), cyc.WithdrawnQty, note)
			return &TimeoutError{Leg: LegAwaitDeposit, Elapsed: e.depositTimeout, Note: note}
		}
	}
}

func (e *Engine) sellLeg(ctx context.Context, cyc *Cycle, dst exchange.Client, refBid float64) error {
	plan := cyc.Plan
	e.legStart(cyc, LegSell)

	// Sell what actually arrived, not what was sent: fee drift between the
	// two would otherwise over- or under-sell.
	sellQty, err := e.precision.Adjust(ctx, plan.DestVenue, plan.Asset, cyc.NetReceivedQty, refBid)
	if err != nil {
		return err
	}
	fill, err := e.placeOrder(ctx, dst, types.SideSell, plan.Asset, sellQty)
	if err != nil {
		return err
	}
	if fill.Quantity <= 0 {
		return &VenueError{Venue: dst.Name(), Op: "sell", Err: errors.New("order not filled")}
	}
	cyc.SaleProceeds = fill.QuoteQuantity - fill.Fee
	cyc.LastConfirmed = LegSell
	e.legDone(cyc, LegSell)
	e.append(ctx, cyc, ledger.EventTrade, string(plan.DestVenue), fill.Quantity,
		fmt.Sprintf("sold %s at %v for %v USDT net, order %s", plan.Asset, fill.Price, cyc.SaleProceeds, fill.OrderID))
	return nil
}

func (e *Engine) withdrawBackLeg(ctx context.Context, cyc *Cycle, dst exchange.Client) error {
	plan := cyc.Plan
	e.legStart(cyc, LegWithdrawBack)

	addr, memo, err := e.resolver.Resolve(ctx, plan.SourceVenue, "USDT", e.cfg.ReturnNetwork)
	if err != nil {
		return err
	}
	amount := precision.RoundToStep(cyc.SaleProceeds, e.cfg.Trade.ReturnStepSize)
	id, err := e.placeWithdrawal(ctx, dst, "USDT", e.cfg.ReturnNetwork, addr, memo, amount)
	if err != nil {
		return err
	}
	cyc.ReturnWithdrawalID = id
	cyc.LastConfirmed = LegWithdrawBack
	e.legDone(cyc, LegWithdrawBack)
	e.append(ctx, cyc, ledger.EventTransfer, string(plan.DestVenue), amount,
		fmt.Sprintf("return withdrawal %s accepted to %s over %s", id, ledger.Redact(addr), e.cfg.ReturnNetwork))
	return nil
}

// placeOrder submits a market order. A definitive API rejection is retried
// (the venue confirmed nothing executed); any other failure is ambiguous
// and aborts the cycle for manual reconciliation.
func (e *Engine) placeOrder(ctx context.Context, cl exchange.Client, side types.Side, asset string, qty float64) (*types.Fill, error) {
	op := string(side) + " " + asset
	var lastErr error
	for attempt := 0; attempt < e.maxRetries; attempt++ {
		octx, cancel := context.WithTimeout(ctx, e.orderTimeout)
		fill, err := cl.PlaceMarketOrder(octx, side, asset, qty)
		cancel()
		if err == nil {
			return fill, nil
		}
		var apiErr *exchange.APIError
		if !errors.As(err, &apiErr) {
			return nil, &AmbiguousStateError{Venue: cl.Name(), Op: op, Err: err}
		}
		lastErr = &VenueError{Venue: cl.Name(), Op: op, Err: err}
		e.log.Warn("order rejected, retrying",
			zap.String("op", op), zap.Int("attempt", attempt+1), zap.Error(err))
		if !sleepCtx(ctx, e.retryDelay) {
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func (e *Engine) placeWithdrawal(ctx context.Context, cl exchange.Client, asset, network, addr, memo string, amount float64) (string, error) {
	op := "withdraw " + asset
	var lastErr error
	for attempt := 0; attempt < e.maxRetries; attempt++ {
		id, err := cl.Withdraw(ctx, asset, network, addr, memo, amount)
		if err == nil {
			return id, nil
		}
		if errors.Is(err, exchange.ErrUnsupportedAsset) {
			return "", err
		}
		var apiErr *exchange.APIError
		if !errors.As(err, &apiErr) {
			return "", &AmbiguousStateError{Venue: cl.Name(), Op: op, Err: err}
		}
		lastErr = &VenueError{Venue: cl.Name(), Op: op, Err: err}
		e.log.Warn("withdrawal rejected, retrying",
			zap.String("op", op), zap.Int("attempt", attempt+1), zap.Error(err))
		if !sleepCtx(ctx, e.retryDelay) {
			return "", ctx.Err()
		}
	}
	return "", lastErr
}

func (e *Engine) readBalance(ctx context.Context, cl exchange.Client, asset string) (float64, error) {
	return retryRead(ctx, e, func() (float64, error) {
		return cl.GetBalance(ctx, asset)
	})
}

func (e *Engine) finish(cyc *Cycle, cause error) *ExecutionResult {
	var pnl float64
	if cyc.SaleProceeds > 0 {
		pnl = cyc.SaleProceeds - cyc.Plan.InputAmountQuote
		e.guard.RecordPnL(pnl)
	}

	final := StateSettled
	reason := ReasonNone
	if cause != nil {
		final = StateAborted
		reason = reasonFor(cause)
		if errors.Is(cause, precision.ErrBelowMinimum) {
			reason = ReasonValidation
		}
	}
	cyc.State = final

	bg := context.Background()
	if cause != nil {
		e.append(bg, cyc, ledger.EventAlert, "", 0,
			fmt.Sprintf("aborted (%s) after %s: %v; bought=%v withdrawn=%v received=%v proceeds=%v",
				reason, cyc.LastConfirmed, cause,
				cyc.BoughtQty, cyc.WithdrawnQty, cyc.NetReceivedQty, cyc.SaleProceeds))
	}
	e.append(bg, cyc, ledger.EventPnL, "", pnl, fmt.Sprintf("final state %s", final))

	metrics.CyclesTotal.WithLabelValues(string(final), string(reason)).Inc()
	metrics.SessionPnL.Set(e.guard.SessionPnL())
	for leg, d := range cyc.LegDurations {
		metrics.LegDuration.WithLabelValues(string(leg)).Observe(d.Seconds())
	}

	e.log.Info("cycle finished",
		zap.String("cycle_id", cyc.ID),
		zap.String("state", string(final)),
		zap.String("reason", string(reason)),
		zap.Float64("pnl_usdt", pnl),
		zap.String("last_confirmed", string(cyc.LastConfirmed)))

	return &ExecutionResult{
		CycleID:          cyc.ID,
		FinalState:       final,
		Reason:           reason,
		PnL:              pnl,
		LastConfirmedLeg: cyc.LastConfirmed,
		LegDurations:     cyc.LegDurations,
		StartedAt:        cyc.StartedAt,
		FinishedAt:       time.Now(),
	}
}

func (e *Engine) transition(ctx context.Context, cyc *Cycle, to State) {
	from := cyc.State
	cyc.State = to
	e.append(ctx, cyc, ledger.EventTransition, "", 0, fmt.Sprintf("%s -> %s", from, to))
	e.log.Debug("state transition",
		zap.String("cycle_id", cyc.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
}

func (e *Engine) append(ctx context.Context, cyc *Cycle, typ ledger.EventType, venue string, amount float64, note string) {
	ev := ledger.Event{
		Timestamp: time.Now(),
		CycleID:   cyc.ID,
		Venue:     venue,
		EventType: typ,
		Asset:     cyc.Plan.Asset,
		Amount:    amount,
		Note:      note,
	}
	if err := e.ledger.Append(ctx, ev); err != nil {
		e.log.Error("ledger append failed", zap.String("cycle_id", cyc.ID), zap.Error(err))
	}
}

func (e *Engine) legStart(cyc *Cycle, leg Leg) { cyc.legStarted[leg] = time.Now() }
func (e *Engine) legDone(cyc *Cycle, leg Leg) {
	if start, ok := cyc.legStarted[leg]; ok {
		cyc.LegDurations[leg] = time.Since(start)
	}
}

// retryRead retries an idempotent, side-effect-free read with exponential
// backoff. Trade-creating calls never go through here.
func retryRead[T any](ctx context.Context, e *Engine, fn func() (T, error)) (T, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.retryDelay
	return backoff.Retry(ctx, backoff.Operation[T](fn),
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(e.maxRetries)))
}

type pair struct{ a, b float64 }

func retryRead2(ctx context.Context, e *Engine, fn func() (float64, float64, error)) (float64, float64, error) {
	p, err := retryRead(ctx, e, func() (pair, error) {
		a, b, err := fn()
		return pair{a, b}, err
	})
	return p.a, p.b, err
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
