package detector

import (
	"context"
	"time"

	"github.com/you/crossarb/internal/config"
	"github.com/you/crossarb/internal/marketdata"
	"github.com/you/crossarb/internal/metrics"
	"github.com/you/crossarb/internal/types"
	"go.uber.org/zap"
)

// Run watches the snapshot stream and emits an ArbitragePlan whenever the
// fee-adjusted spread clears the configured threshold. Evaluation happens on
// its own tick so a burst of snapshots cannot flood the engine.
func Run(ctx context.Context, cfg *config.Config, in <-chan marketdata.Snapshot, out chan<- types.ArbitragePlan, log *zap.Logger) {
	t := time.NewTicker(cfg.DetectorTick())
	defer t.Stop()
	var last marketdata.Snapshot

	for {
		select {
		case <-ctx.Done():
			return
		case s := <-in:
			last = s
		case <-t.C:
			evaluate(cfg, last, out, log)
		}
	}
}

// evaluate checks one snapshot for a source-buy / dest-sell opportunity.
func evaluate(cfg *config.Config, snap marketdata.Snapshot, out chan<- types.ArbitragePlan, log *zap.Logger) {
	if snap.SourceAsk <= 0 || snap.DestBid <= 0 {
		return
	}

	grossBps := (snap.DestBid - snap.SourceAsk) / snap.SourceAsk * 10000
	netBps := grossBps - cfg.Fees.SourceTakerBps - cfg.Fees.DestTakerBps
	metrics.SpreadBps.Set(netBps)

	if netBps < cfg.Trade.MinSpreadBps {
		return
	}

	plan := types.ArbitragePlan{
		Asset:             cfg.Asset,
		Network:           cfg.Network,
		SourceVenue:       types.VenueMEXC,
		DestVenue:         types.VenueGate,
		InputAmountQuote:  cfg.Trade.InputUSDT,
		ExpectedSpreadBps: netBps,
		MaxSlippageBps:    cfg.Risk.MaxSlippageBps,
		SourceAsk:         snap.SourceAsk,
		DestBid:           snap.DestBid,
		CreatedAt:         time.Now(),
	}

	log.Info("spread detected",
		zap.Float64("gross_bps", grossBps),
		zap.Float64("net_bps", netBps),
		zap.Float64("source_ask", snap.SourceAsk),
		zap.Float64("dest_bid", snap.DestBid))
	metrics.PlansEmitted.Inc()

	select {
	case out <- plan:
	default:
		// Engine busy; the next qualifying snapshot will try again.
	}
}
