package bot

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/you/crossarb/internal/address"
	"github.com/you/crossarb/internal/config"
	"github.com/you/crossarb/internal/detector"
	"github.com/you/crossarb/internal/engine"
	"github.com/you/crossarb/internal/exchange"
	"github.com/you/crossarb/internal/exchange/gate"
	"github.com/you/crossarb/internal/exchange/mexc"
	"github.com/you/crossarb/internal/ledger"
	"github.com/you/crossarb/internal/marketdata"
	"github.com/you/crossarb/internal/precision"
	"github.com/you/crossarb/internal/risk"
	"github.com/you/crossarb/internal/types"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Bot wires the feed, detector, risk guard and execution engine together and
// manages the process lifecycle.
type Bot struct {
	cfg *config.Config
	log *zap.Logger
}

func New(cfg *config.Config, log *zap.Logger) *Bot {
	return &Bot{cfg: cfg, log: log}
}

func (b *Bot) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		b.log.Warn("received signal, shutting down...")
		cancel()
	}()

	mexcClient, err := mexc.NewClient(b.cfg, b.log)
	if err != nil {
		return fmt.Errorf("init mexc client: %w", err)
	}
	gateClient, err := gate.NewClient(b.cfg, b.log)
	if err != nil {
		return fmt.Errorf("init gate client: %w", err)
	}
	clients := map[types.Venue]exchange.Client{
		types.VenueMEXC: mexcClient,
		types.VenueGate: gateClient,
	}

	b.logBalances(ctx, clients)

	fileLedger, err := ledger.OpenFile(b.cfg.Ledger.Path)
	if err != nil {
		return err
	}
	defer fileLedger.Close()
	var lw ledger.Writer = fileLedger
	if b.cfg.Redis.Addr != "" && b.cfg.Redis.Stream != "" {
		stream := ledger.NewStream(b.cfg)
		defer stream.Close()
		lw = ledger.Tee(fileLedger, stream)
		b.log.Info("ledger mirrored to redis stream", zap.String("stream", b.cfg.Redis.Stream))
	}

	guard := risk.NewGuard(b.cfg, clients, b.log)
	resolver := address.NewResolver(b.cfg, clients, b.log)
	adjuster := precision.NewAdapter(clients)
	registry := engine.NewRegistry()
	eng := engine.New(b.cfg, clients, guard, resolver, adjuster, lw, registry, b.log)

	// Destination book: websocket stream with REST fallback until (or in
	// case) the stream delivers.
	book := NewBookCache()
	dest := &cachedBook{cache: book, fallback: gateClient, asset: b.cfg.Asset}
	ws := gate.NewWS(b.cfg.Gate.WsURL)
	tickers, err := ws.SubscribeBookTicker(ctx, []string{b.cfg.Asset + "_USDT"})
	if err != nil {
		b.log.Warn("gate ws subscribe failed, using REST quotes only", zap.Error(err))
	} else {
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case t, ok := <-tickers:
					if !ok {
						return
					}
					book.Set(b.cfg.Asset, t.Bid, t.Ask)
				}
			}
		}()
	}

	mdCh := make(chan marketdata.Snapshot, 64)
	planCh := make(chan types.ArbitragePlan, 16)
	go marketdata.Run(ctx, b.cfg, restBook{mexcClient}, dest, mdCh, b.log)
	go detector.Run(ctx, b.cfg, mdCh, planCh, b.log)

	if b.cfg.DryRun {
		b.log.Warn("DRY-RUN: no orders or withdrawals will be sent")
		for {
			select {
			case <-ctx.Done():
				return nil
			case plan := <-planCh:
				b.log.Info("plan (dry-run)",
					zap.String("asset", plan.Asset),
					zap.Float64("input_usdt", plan.InputAmountQuote),
					zap.Float64("spread_bps", plan.ExpectedSpreadBps),
					zap.Float64("source_ask", plan.SourceAsk),
					zap.Float64("dest_bid", plan.DestBid))
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case plan := <-planCh:
			res, err := eng.Execute(ctx, plan)
			if err != nil {
				if err == engine.ErrCycleInProgress {
					b.log.Debug("plan skipped: cycle already in flight")
					continue
				}
				b.log.Error("cycle aborted", zap.Error(err))
			}
			if res != nil {
				b.log.Info("cycle result",
					zap.String("cycle_id", res.CycleID),
					zap.String("state", string(res.FinalState)),
					zap.Float64("pnl_usdt", res.PnL),
					zap.Float64("session_pnl_usdt", guard.SessionPnL()))
				if res.FinalState == engine.StateSettled {
					b.logBalances(ctx, clients)
				}
			}
		}
	}
}

func (b *Bot) logBalances(ctx context.Context, clients map[types.Venue]exchange.Client) {
	for venue, cl := range clients {
		usdt, err := cl.GetBalance(ctx, "USDT")
		if err != nil {
			b.log.Warn("balance fetch failed", zap.String("venue", string(venue)), zap.Error(err))
			continue
		}
		coin, _ := cl.GetBalance(ctx, b.cfg.Asset)
		b.log.Info("venue balances",
			zap.String("venue", string(venue)),
			zap.Float64("usdt", usdt),
			zap.Float64(b.cfg.Asset, coin))
	}
}

// restBook adapts an exchange client to the marketdata feed.
type restBook struct{ cl exchange.Client }

func (r restBook) BestBidAsk(ctx context.Context, asset string) (float64, float64, error) {
	return r.cl.BestBidAsk(ctx, asset)
}

// cachedBook prefers the websocket book and falls back to REST while the
// stream has nothing for the asset yet.
type cachedBook struct {
	cache    *BookCache
	fallback exchange.Client
	asset    string
}

func (c *cachedBook) BestBidAsk(ctx context.Context, asset string) (float64, float64, error) {
	if bid, ask, err := c.cache.BestBidAsk(asset); err == nil {
		return bid, ask, nil
	}
	return c.fallback.BestBidAsk(ctx, asset)
}

// BookCache holds the latest best bid/ask per asset from the ws stream.
type BookCache struct {
	mu   sync.RWMutex
	bids map[string]float64
	asks map[string]float64
}

func NewBookCache() *BookCache {
	return &BookCache{
		bids: make(map[string]float64, 8),
		asks: make(map[string]float64, 8),
	}
}

func (bc *BookCache) Set(asset string, bid, ask float64) {
	bc.mu.Lock()
	bc.bids[asset] = bid
	bc.asks[asset] = ask
	bc.mu.Unlock()
}

func (bc *BookCache) BestBidAsk(asset string) (float64, float64, error) {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	bid := bc.bids[asset]
	ask := bc.asks[asset]
	if bid == 0 || ask == 0 {
		return 0, 0, fmt.Errorf("empty book for %s", asset)
	}
	return bid, ask, nil
}

func (bc *BookCache) Has(asset string) bool {
	bc.mu.RLock()
	_, ok1 := bc.bids[asset]
	_, ok2 := bc.asks[asset]
	bc.mu.RUnlock()
	return ok1 && ok2
}

// NewLogger builds the production JSON logger used by the binary.
func NewLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	cfg.Encoding = "json"
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.LevelKey = "level"
	cfg.EncoderConfig.MessageKey = "msg"
	cfg.EncoderConfig.CallerKey = "caller"
	cfg.EncoderConfig.StacktraceKey = "stacktrace"
	cfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout(time.RFC3339)
	return cfg.Build()
}
