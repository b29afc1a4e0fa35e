package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	SpreadBps = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "arb_spread_bps",
		Help: "Fee-adjusted spread between source ask and dest bid (bps)",
	})

	SessionPnL = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "arb_session_pnl_usdt",
		Help: "Running realized session PnL in USDT",
	})

	CyclesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "arb_cycles_total",
		Help: "Finished arbitrage cycles by terminal state and reason",
	}, []string{"state", "reason"})

	PlansEmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "arb_plans_emitted_total",
		Help: "Arbitrage plans emitted by the detector",
	})

	VenueErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "arb_venue_errors_total",
		Help: "Number of venue API failures",
	})

	LegDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "arb_leg_duration_seconds",
		Help:    "Wall time per cycle leg",
		Buckets: prometheus.ExponentialBuckets(0.1, 3, 10),
	}, []string{"leg"})
)

func init() {
	prometheus.MustRegister(
		SpreadBps,
		SessionPnL,
		CyclesTotal,
		PlansEmitted,
		VenueErrors,
		LegDuration,
	)
}
