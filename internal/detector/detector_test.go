package detector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/you/crossarb/internal/config"
	"github.com/you/crossarb/internal/marketdata"
	"github.com/you/crossarb/internal/types"
	"go.uber.org/zap"
)

func detectorConfig() *config.Config {
	cfg := &config.Config{}
	cfg.ApplyDefaults()
	cfg.Trade.MinSpreadBps = 60
	cfg.Fees.SourceTakerBps = 20
	cfg.Fees.DestTakerBps = 20
	return cfg
}

func runEvaluate(t *testing.T, snap marketdata.Snapshot) (types.ArbitragePlan, bool) {
	t.Helper()
	out := make(chan types.ArbitragePlan, 1)
	evaluate(detectorConfig(), snap, out, zap.NewNop())
	select {
	case plan := <-out:
		return plan, true
	default:
		return types.ArbitragePlan{}, false
	}
}

func TestEvaluate_EmitsPlanAboveThreshold(t *testing.T) {
	// gross 200 bps, net 160 after 40 bps fees
	plan, ok := runEvaluate(t, marketdata.Snapshot{SourceAsk: 0.100, DestBid: 0.102})
	require.True(t, ok)

	assert.Equal(t, types.VenueMEXC, plan.SourceVenue)
	assert.Equal(t, types.VenueGate, plan.DestVenue)
	assert.Equal(t, 0.100, plan.SourceAsk)
	assert.Equal(t, 0.102, plan.DestBid)
	assert.InDelta(t, 160, plan.ExpectedSpreadBps, 0.5)
	assert.False(t, plan.CreatedAt.IsZero())
}

func TestEvaluate_FeesEatThinSpread(t *testing.T) {
	// gross 90 bps, net 50 bps: under the 60 bps threshold
	_, ok := runEvaluate(t, marketdata.Snapshot{SourceAsk: 0.1000, DestBid: 0.1009})
	assert.False(t, ok)
}

func TestEvaluate_InvertedSpreadIgnored(t *testing.T) {
	_, ok := runEvaluate(t, marketdata.Snapshot{SourceAsk: 0.102, DestBid: 0.100})
	assert.False(t, ok)
}

func TestEvaluate_EmptyBookIgnored(t *testing.T) {
	_, ok := runEvaluate(t, marketdata.Snapshot{SourceAsk: 0, DestBid: 0.102})
	assert.False(t, ok)
	_, ok = runEvaluate(t, marketdata.Snapshot{SourceAsk: 0.100, DestBid: 0})
	assert.False(t, ok)
}

func TestEvaluate_FullEngineChannelDoesNotBlock(t *testing.T) {
	out := make(chan types.ArbitragePlan, 1)
	out <- types.ArbitragePlan{} // engine already has a plan queued

	done := make(chan struct{})
	go func() {
		evaluate(detectorConfig(), marketdata.Snapshot{SourceAsk: 0.100, DestBid: 0.102}, out, zap.NewNop())
		close(done)
	}()
	<-done
}
