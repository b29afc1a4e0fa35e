package marketdata

import (
	"context"
	"time"

	"github.com/you/crossarb/internal/config"
	"go.uber.org/zap"
)

// Run polls both venues at the configured quote interval and pushes combined
// snapshots downstream. A venue failing one tick just skips that snapshot;
// the feed is a trigger, not a ledger.
func Run(ctx context.Context, cfg *config.Config, src, dst BookSource, out chan<- Snapshot, log *zap.Logger) {
	t := time.NewTicker(cfg.QuoteInterval())
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		srcBid, srcAsk, err := src.BestBidAsk(ctx, cfg.Asset)
		if err != nil {
			log.Debug("source quote failed", zap.Error(err))
			continue
		}
		dstBid, dstAsk, err := dst.BestBidAsk(ctx, cfg.Asset)
		if err != nil {
			log.Debug("dest quote failed", zap.Error(err))
			continue
		}

		snap := Snapshot{
			SourceBid: srcBid,
			SourceAsk: srcAsk,
			DestBid:   dstBid,
			DestAsk:   dstAsk,
			Ts:        time.Now(),
		}
		select {
		case out <- snap:
		default:
			// Drop rather than block: the detector only cares about the
			// freshest book.
		}
	}
}
