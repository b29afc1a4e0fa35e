package marketdata

import (
	"context"
	"time"
)

// Snapshot is a combined top-of-book view of both venues at a point in time.
type Snapshot struct {
	SourceBid, SourceAsk float64
	DestBid, DestAsk     float64
	Ts                   time.Time
}

// BookSource yields the current best bid/ask for an asset on one venue.
// Backed by either a REST poll or a websocket book cache.
type BookSource interface {
	BestBidAsk(ctx context.Context, asset string) (bid, ask float64, err error)
}
