package engine

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/you/crossarb/internal/config"
	"github.com/you/crossarb/internal/exchange"
	"github.com/you/crossarb/internal/exchange/fake"
	"github.com/you/crossarb/internal/ledger"
	"github.com/you/crossarb/internal/precision"
	"github.com/you/crossarb/internal/risk"
	"github.com/you/crossarb/internal/types"
	"go.uber.org/zap"
)

type stubGuard struct {
	mu          sync.Mutex
	pnl         float64
	validateErr error
	midErr      error
}

func (s *stubGuard) Validate(ctx context.Context, plan types.ArbitragePlan) error {
	return s.validateErr
}
func (s *stubGuard) CheckMidFlight(ctx context.Context, planned, observed, maxBps float64) error {
	return s.midErr
}
func (s *stubGuard) RecordPnL(delta float64) {
	s.mu.Lock()
	s.pnl += delta
	s.mu.Unlock()
}
func (s *stubGuard) SessionPnL() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pnl
}

type stubResolver struct{}

func (stubResolver) Resolve(ctx context.Context, venue types.Venue, asset, network string) (string, string, error) {
	return "GDRXE2BQUC3AZNPVFSCEZ76NJ3WWL25FYFK6RGZGIEKWE4SOOHSUJUJ6", "", nil
}

type memLedger struct {
	mu     sync.Mutex
	events []ledger.Event
}

func (m *memLedger) Append(_ context.Context, ev ledger.Event) error {
	m.mu.Lock()
	m.events = append(m.events, ev)
	m.mu.Unlock()
	return nil
}

func (m *memLedger) byType(typ ledger.EventType) []ledger.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ledger.Event
	for _, ev := range m.events {
		if ev.EventType == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (m *memLedger) notes(typ ledger.EventType) []string {
	var out []string
	for _, ev := range m.byType(typ) {
		out = append(out, ev.Note)
	}
	return out
}

// happyVenues scripts a source at ask 0.100 and a destination at bid 0.101
// where the withdrawal lands instantly and the sell fills at the bid with a
// 0.2% fee.
func happyVenues() (*fake.Client, *fake.Client) {
	src := fake.New(types.VenueMEXC)
	src.BidAskFn = func(ctx context.Context, asset string) (float64, float64, error) {
		return 0.0999, 0.100, nil
	}
	src.PlaceOrderFn = func(ctx context.Context, side types.Side, asset string, qty float64) (*types.Fill, error) {
		return &types.Fill{OrderID: "buy-1", Price: 0.100, Quantity: qty, QuoteQuantity: qty * 0.100}, nil
	}

	dst := fake.New(types.VenueGate)
	dst.BidAskFn = func(ctx context.Context, asset string) (float64, float64, error) {
		return 0.101, 0.1011, nil
	}
	dst.PlaceOrderFn = func(ctx context.Context, side types.Side, asset string, qty float64) (*types.Fill, error) {
		quote := qty * 0.101
		return &types.Fill{OrderID: "sell-1", Price: 0.101, Quantity: qty, QuoteQuantity: quote, Fee: quote * 0.002}, nil
	}

	src.WithdrawFn = func(ctx context.Context, asset, network, address, memo string, amount float64) (string, error) {
		dst.SetBalance(asset, amount)
		return "wd-1", nil
	}
	return src, dst
}

func newTestEngine(src, dst *fake.Client, g Guard) (*Engine, *memLedger) {
	cfg := &config.Config{}
	cfg.ApplyDefaults()
	clients := map[types.Venue]exchange.Client{src.Venue: src, dst.Venue: dst}
	lw := &memLedger{}
	e := New(cfg, clients, g, stubResolver{}, precision.NewAdapter(clients), lw, NewRegistry(), zap.NewNop())
	e.orderTimeout = 100 * time.Millisecond
	e.depositTimeout = 300 * time.Millisecond
	e.depositPoll = 5 * time.Millisecond
	e.retryDelay = time.Millisecond
	e.maxRetries = 3
	return e, lw
}

func testPlan() types.ArbitragePlan {
	return types.ArbitragePlan{
		Asset:            "XLM",
		Network:          "XLM",
		SourceVenue:      types.VenueMEXC,
		DestVenue:        types.VenueGate,
		InputAmountQuote: 10,
		MaxSlippageBps:   100,
		SourceAsk:        0.100,
		DestBid:          0.101,
		CreatedAt:        time.Now(),
	}
}

func TestExecute_SettlesProfitably(t *testing.T) {
	src, dst := happyVenues()
	g := &stubGuard{}
	e, _ := newTestEngine(src, dst, g)

	res, err := e.Execute(context.Background(), testPlan())
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, StateSettled, res.FinalState)
	assert.Equal(t, ReasonNone, res.Reason)
	assert.Equal(t, LegWithdrawBack, res.LastConfirmedLeg)
	assert.Greater(t, res.PnL, 0.0)
	assert.InDelta(t, res.PnL, g.SessionPnL(), 1e-9)

	// one buy, one sell, both withdrawals
	assert.Equal(t, 1, src.OrderCount())
	assert.Equal(t, 1, dst.OrderCount())
	assert.Equal(t, 1, src.WithdrawalCount())
	assert.Equal(t, 1, dst.WithdrawalCount())

	// never sell more than the confirmed deposit
	assert.LessOrEqual(t, dst.Orders[0].Qty, src.Withdrawals[0].Amount)
	assert.Equal(t, types.SideSell, dst.Orders[0].Side)

	assert.Len(t, res.LegDurations, 5)
}

func TestExecute_DepositTimeoutAborts(t *testing.T) {
	src, dst := happyVenues()
	src.WithdrawFn = nil // withdrawal accepted but deposit never lands

	g := &stubGuard{}
	e, lw := newTestEngine(src, dst, g)
	e.depositTimeout = 40 * time.Millisecond

	res, err := e.Execute(context.Background(), testPlan())
	require.Error(t, err)
	var toErr *TimeoutError
	require.ErrorAs(t, err, &toErr)
	assert.Equal(t, LegAwaitDeposit, toErr.Leg)

	assert.Equal(t, StateAborted, res.FinalState)
	assert.Equal(t, ReasonTimeout, res.Reason)
	assert.Equal(t, LegWithdraw, res.LastConfirmedLeg)
	assert.Equal(t, 0, dst.OrderCount(), "no sell without a confirmed deposit")
	assert.Equal(t, 0.0, res.PnL)

	// the alert must name the stranded withdrawal so an operator can act
	alerts := lw.notes(ledger.EventAlert)
	require.NotEmpty(t, alerts)
	assert.True(t, strings.Contains(alerts[0], "open liability"), alerts[0])
	assert.True(t, strings.Contains(alerts[0], "wd-1"), alerts[0])
}

func TestExecute_PartialDepositBelowToleranceKeepsWaiting(t *testing.T) {
	src, dst := happyVenues()
	src.WithdrawFn = func(ctx context.Context, asset, network, address, memo string, amount float64) (string, error) {
		// only 90% arrives, below the 95% acceptance threshold
		dst.SetBalance(asset, amount*0.90)
		return "wd-1", nil
	}
	g := &stubGuard{}
	e, _ := newTestEngine(src, dst, g)
	e.depositTimeout = 40 * time.Millisecond

	res, err := e.Execute(context.Background(), testPlan())
	require.Error(t, err)
	assert.Equal(t, ReasonTimeout, res.Reason)
	assert.Equal(t, 0, dst.OrderCount())
}

func TestExecute_MidFlightSlippageAbortsBeforeSell(t *testing.T) {
	src, dst := happyVenues()
	g := &stubGuard{midErr: &risk.SlippageError{PlannedPrice: 0.101, ObservedPrice: 0.095, DriftBps: 594, LimitBps: 100}}
	e, _ := newTestEngine(src, dst, g)

	res, err := e.Execute(context.Background(), testPlan())
	require.Error(t, err)
	assert.Equal(t, StateAborted, res.FinalState)
	assert.Equal(t, ReasonSlippage, res.Reason)
	assert.Equal(t, LegAwaitDeposit, res.LastConfirmedLeg)
	assert.Equal(t, 0, dst.OrderCount(), "slippage abort must not place the sell")
}

func TestExecute_SingleFlightPerRoute(t *testing.T) {
	src, dst := happyVenues()
	started := make(chan struct{})
	release := make(chan struct{})
	src.PlaceOrderFn = func(ctx context.Context, side types.Side, asset string, qty float64) (*types.Fill, error) {
		close(started)
		<-release
		return &types.Fill{OrderID: "buy-1", Price: 0.100, Quantity: qty, QuoteQuantity: qty * 0.100}, nil
	}
	g := &stubGuard{}
	e, _ := newTestEngine(src, dst, g)
	e.orderTimeout = time.Second

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = e.Execute(context.Background(), testPlan())
	}()
	<-started

	id, busy := e.registry.InFlight("XLM", types.VenueMEXC, types.VenueGate)
	assert.True(t, busy)
	assert.NotEmpty(t, id, "the in-flight route records the cycle holding it")

	res, err := e.Execute(context.Background(), testPlan())
	assert.ErrorIs(t, err, ErrCycleInProgress)
	assert.Nil(t, res)

	close(release)
	<-done

	_, busy = e.registry.InFlight("XLM", types.VenueMEXC, types.VenueGate)
	assert.False(t, busy, "route must be released after the cycle finishes")
}

func TestExecute_AmbiguousWithdrawNeverRetried(t *testing.T) {
	src, dst := happyVenues()
	src.WithdrawFn = func(ctx context.Context, asset, network, address, memo string, amount float64) (string, error) {
		return "", errors.New("connection reset by peer")
	}
	g := &stubGuard{}
	e, _ := newTestEngine(src, dst, g)

	res, err := e.Execute(context.Background(), testPlan())
	require.Error(t, err)
	var amb *AmbiguousStateError
	require.ErrorAs(t, err, &amb)
	assert.Equal(t, StateAborted, res.FinalState)
	assert.Equal(t, ReasonAmbiguous, res.Reason)
	assert.Equal(t, 1, src.WithdrawalCount(), "ambiguous outcome must not be retried")
	assert.Equal(t, 0, dst.OrderCount())
}

func TestExecute_OrderVerifyFailureNeverRetried(t *testing.T) {
	src, dst := happyVenues()
	src.PlaceOrderFn = func(ctx context.Context, side types.Side, asset string, qty float64) (*types.Fill, error) {
		// the venue accepted the order but reading the fill back failed
		return nil, &exchange.OrderVerifyError{
			Venue:   types.VenueMEXC,
			OrderID: "123",
			Err:     &exchange.APIError{Venue: types.VenueMEXC, Op: "order query", Status: http.StatusInternalServerError},
		}
	}
	g := &stubGuard{}
	e, _ := newTestEngine(src, dst, g)

	res, err := e.Execute(context.Background(), testPlan())
	require.Error(t, err)
	var amb *AmbiguousStateError
	require.ErrorAs(t, err, &amb)
	assert.Equal(t, ReasonAmbiguous, res.Reason)
	assert.Equal(t, 1, src.OrderCount(), "an order that may have filled must never be re-placed")
	assert.Equal(t, 0, src.WithdrawalCount())
}

func TestExecute_EmptySourceBookAborts(t *testing.T) {
	src, dst := happyVenues()
	src.BidAskFn = func(ctx context.Context, asset string) (float64, float64, error) {
		return 0, 0, nil
	}
	g := &stubGuard{}
	e, _ := newTestEngine(src, dst, g)

	res, err := e.Execute(context.Background(), testPlan())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty order book")
	assert.Equal(t, ReasonVenue, res.Reason)
	assert.Equal(t, 0, src.OrderCount())
}

func TestExecute_StatusPollsDoNotMutateWithdrawal(t *testing.T) {
	src, dst := happyVenues()
	var sent float64
	src.WithdrawFn = func(ctx context.Context, asset, network, address, memo string, amount float64) (string, error) {
		sent = amount // deposit never lands
		return "wd-1", nil
	}
	statusCalls := 0
	src.WithdrawStatusFn = func(ctx context.Context, id string) (types.WithdrawalStatus, error) {
		statusCalls++
		if statusCalls < 3 {
			return types.WithdrawalUnknown, errors.New("gateway timeout")
		}
		return types.WithdrawalCompleted, nil
	}
	g := &stubGuard{}
	e, lw := newTestEngine(src, dst, g)
	e.depositTimeout = 40 * time.Millisecond

	res, err := e.Execute(context.Background(), testPlan())
	require.Error(t, err)
	assert.Equal(t, ReasonTimeout, res.Reason)
	assert.Equal(t, 3, statusCalls)
	assert.Equal(t, 1, src.WithdrawalCount(), "status polls must never re-submit the withdrawal")

	// repeated polling leaves the recorded withdrawal amount untouched
	alerts := lw.byType(ledger.EventAlert)
	require.NotEmpty(t, alerts)
	assert.Equal(t, sent, alerts[0].Amount)
	assert.Contains(t, alerts[0].Note, string(types.WithdrawalCompleted))
}

func TestExecute_DefinitiveBuyRejectionRetried(t *testing.T) {
	src, dst := happyVenues()
	src.PlaceOrderFn = func(ctx context.Context, side types.Side, asset string, qty float64) (*types.Fill, error) {
		return nil, &exchange.APIError{Venue: types.VenueMEXC, Op: "order", Status: http.StatusBadRequest, Body: "oversold"}
	}
	g := &stubGuard{}
	e, _ := newTestEngine(src, dst, g)

	res, err := e.Execute(context.Background(), testPlan())
	require.Error(t, err)
	var venueErr *VenueError
	require.ErrorAs(t, err, &venueErr)
	assert.Equal(t, ReasonVenue, res.Reason)
	assert.Equal(t, 3, src.OrderCount(), "definitive rejections retry up to the limit")
	assert.Equal(t, 0, src.WithdrawalCount())
}

func TestExecute_ValidationRejectionPlacesNothing(t *testing.T) {
	src, dst := happyVenues()
	g := &stubGuard{validateErr: &risk.RejectionError{Check: "profit", Detail: "spread gone"}}
	e, _ := newTestEngine(src, dst, g)

	res, err := e.Execute(context.Background(), testPlan())
	require.Error(t, err)
	assert.Equal(t, ReasonValidation, res.Reason)
	assert.Equal(t, Leg(""), res.LastConfirmedLeg)
	assert.Equal(t, 0, src.OrderCount())
	assert.Equal(t, 0, src.WithdrawalCount())
}

func TestExecute_CircuitOpenBlocksCycle(t *testing.T) {
	src, dst := happyVenues()
	g := &stubGuard{validateErr: risk.ErrCircuitOpen}
	e, _ := newTestEngine(src, dst, g)

	res, err := e.Execute(context.Background(), testPlan())
	require.Error(t, err)
	assert.Equal(t, ReasonCircuitBreaker, res.Reason)
	assert.Equal(t, 0, src.OrderCount())
}

func TestExecute_BoughtBelowWithdrawMinimum(t *testing.T) {
	src, dst := happyVenues()
	src.TradingRulesFn = func(ctx context.Context, asset string) (*types.TradingRules, error) {
		return &types.TradingRules{StepSize: 0.0001, MinQty: 0.0001, MinWithdraw: 5000}, nil
	}
	g := &stubGuard{}
	e, lw := newTestEngine(src, dst, g)

	res, err := e.Execute(context.Background(), testPlan())
	require.Error(t, err)
	assert.ErrorIs(t, err, precision.ErrBelowMinimum)
	assert.Equal(t, ReasonValidation, res.Reason)
	assert.Equal(t, LegBuy, res.LastConfirmedLeg)
	assert.Equal(t, 0, src.WithdrawalCount(), "below-minimum quantity must not be sent on-chain")
	require.NotEmpty(t, lw.notes(ledger.EventAlert))
}

func TestExecute_CancelledWhileAwaitingDeposit(t *testing.T) {
	src, dst := happyVenues()
	src.WithdrawFn = nil // deposit never lands
	g := &stubGuard{}
	e, _ := newTestEngine(src, dst, g)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	res, err := e.Execute(ctx, testPlan())
	require.Error(t, err)
	assert.Equal(t, ReasonCancelled, res.Reason)
	assert.Equal(t, 0, dst.OrderCount())
}

func TestExecute_SellProceedsWithdrawnOnReturnNetwork(t *testing.T) {
	src, dst := happyVenues()
	g := &stubGuard{}
	e, _ := newTestEngine(src, dst, g)

	_, err := e.Execute(context.Background(), testPlan())
	require.NoError(t, err)

	require.Equal(t, 1, dst.WithdrawalCount())
	back := dst.Withdrawals[0]
	assert.Equal(t, "USDT", back.Asset)
	assert.Equal(t, "BSC", back.Network)
	assert.Greater(t, back.Amount, 10.0, "proceeds of a profitable cycle exceed the input")
}
