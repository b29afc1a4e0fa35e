package config

import (
	"os"
	"time"

	"github.com/you/crossarb/internal/types"
	"gopkg.in/yaml.v3"
)

// FallbackAddress is a statically configured deposit address used when the
// live API lookup fails. Never trusted across cycles.
type FallbackAddress struct {
	Venue   types.Venue `yaml:"venue"`
	Asset   string      `yaml:"asset"`
	Network string      `yaml:"network"`
	Address string      `yaml:"address"`
	Memo    string      `yaml:"memo"`
}

type Config struct {
	Asset         string `yaml:"asset"`
	Network       string `yaml:"network"`
	ReturnNetwork string `yaml:"return_network"`
	DryRun        bool   `yaml:"dry_run"`

	MEXC struct {
		ApiKey    string `yaml:"api_key"`
		ApiSecret string `yaml:"api_secret"`
		RestURL   string `yaml:"rest_url"`
	} `yaml:"mexc"`

	Gate struct {
		ApiKey    string `yaml:"api_key"`
		ApiSecret string `yaml:"api_secret"`
		RestURL   string `yaml:"rest_url"`
		WsURL     string `yaml:"ws_url"`
	} `yaml:"gate"`

	Risk struct {
		MinTradeUSDT          float64 `yaml:"min_trade_usdt"`
		MaxTradeUSDT          float64 `yaml:"max_trade_usdt"`
		MaxSlippageBps        float64 `yaml:"max_slippage_bps"`
		MinProfitUSDT         float64 `yaml:"min_profit_usdt"`
		PnLFloorUSDT          float64 `yaml:"pnl_floor_usdt"`
		DepositToleranceRatio float64 `yaml:"deposit_tolerance_ratio"`
		OrderTimeoutSec       int     `yaml:"order_timeout_sec"`
		DepositTimeoutSec     int     `yaml:"deposit_timeout_sec"`
		MaxRetryAttempts      int     `yaml:"max_retry_attempts"`
	} `yaml:"risk"`

	Fees struct {
		SourceTakerBps float64 `yaml:"source_taker_bps"`
		DestTakerBps   float64 `yaml:"dest_taker_bps"`
		BufferRatio    float64 `yaml:"buffer_ratio"`
	} `yaml:"fees"`

	Trade struct {
		InputUSDT      float64 `yaml:"input_usdt"`
		MinSpreadBps   float64 `yaml:"min_spread_bps"`
		ReturnStepSize float64 `yaml:"return_step_size"`
	} `yaml:"trade"`

	Timings struct {
		QuoteIntervalMs int `yaml:"quote_interval_ms"`
		DetectorTickMs  int `yaml:"detector_tick_ms"`
		DepositPollMs   int `yaml:"deposit_poll_ms"`
		RetryDelayMs    int `yaml:"retry_delay_ms"`
	} `yaml:"timings"`

	Fallback []FallbackAddress `yaml:"fallback_addresses"`

	Ledger struct {
		Path string `yaml:"path"`
	} `yaml:"ledger"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		Stream   string `yaml:"stream"`
	} `yaml:"redis"`

	Metrics struct {
		ListenAddr string `yaml:"listen_addr"`
	} `yaml:"metrics"`
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	c.ApplyDefaults()
	return &c, nil
}

// ApplyDefaults fills every zero field with the operational defaults carried
// over from the production deployment.
func (c *Config) ApplyDefaults() {
	if c.Asset == "" {
		c.Asset = "XLM"
	}
	if c.Network == "" {
		c.Network = "XLM"
	}
	if c.ReturnNetwork == "" {
		c.ReturnNetwork = "BSC"
	}
	if c.MEXC.RestURL == "" {
		c.MEXC.RestURL = "https://api.mexc.com"
	}
	if c.Gate.RestURL == "" {
		c.Gate.RestURL = "https://api.gateio.ws"
	}
	if c.Gate.WsURL == "" {
		c.Gate.WsURL = "wss://api.gateio.ws/ws/v4/"
	}
	if c.Risk.MinTradeUSDT == 0 {
		c.Risk.MinTradeUSDT = 5
	}
	if c.Risk.MaxTradeUSDT == 0 {
		c.Risk.MaxTradeUSDT = 1000
	}
	if c.Risk.MaxSlippageBps == 0 {
		c.Risk.MaxSlippageBps = 100
	}
	if c.Risk.PnLFloorUSDT == 0 {
		c.Risk.PnLFloorUSDT = -50
	}
	if c.Risk.DepositToleranceRatio == 0 {
		c.Risk.DepositToleranceRatio = 0.05
	}
	if c.Risk.OrderTimeoutSec == 0 {
		c.Risk.OrderTimeoutSec = 30
	}
	if c.Risk.DepositTimeoutSec == 0 {
		c.Risk.DepositTimeoutSec = 600
	}
	if c.Risk.MaxRetryAttempts == 0 {
		c.Risk.MaxRetryAttempts = 3
	}
	if c.Fees.SourceTakerBps == 0 {
		c.Fees.SourceTakerBps = 20
	}
	if c.Fees.DestTakerBps == 0 {
		c.Fees.DestTakerBps = 20
	}
	if c.Fees.BufferRatio == 0 {
		c.Fees.BufferRatio = 1.002
	}
	if c.Trade.InputUSDT == 0 {
		c.Trade.InputUSDT = 5
	}
	if c.Trade.MinSpreadBps == 0 {
		c.Trade.MinSpreadBps = 60
	}
	if c.Trade.ReturnStepSize == 0 {
		c.Trade.ReturnStepSize = 0.01
	}
	if c.Timings.QuoteIntervalMs == 0 {
		c.Timings.QuoteIntervalMs = 1000
	}
	if c.Timings.DetectorTickMs == 0 {
		c.Timings.DetectorTickMs = 500
	}
	if c.Timings.DepositPollMs == 0 {
		c.Timings.DepositPollMs = 15000
	}
	if c.Timings.RetryDelayMs == 0 {
		c.Timings.RetryDelayMs = 2000
	}
	if c.Ledger.Path == "" {
		c.Ledger.Path = "arbitrage_ledger.log"
	}
}

func (c *Config) QuoteInterval() time.Duration {
	return time.Duration(c.Timings.QuoteIntervalMs) * time.Millisecond
}
func (c *Config) DetectorTick() time.Duration {
	return time.Duration(c.Timings.DetectorTickMs) * time.Millisecond
}
func (c *Config) DepositPoll() time.Duration {
	return time.Duration(c.Timings.DepositPollMs) * time.Millisecond
}
func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.Timings.RetryDelayMs) * time.Millisecond
}
func (c *Config) OrderTimeout() time.Duration {
	return time.Duration(c.Risk.OrderTimeoutSec) * time.Second
}
func (c *Config) DepositTimeout() time.Duration {
	return time.Duration(c.Risk.DepositTimeoutSec) * time.Second
}

// FallbackFor returns the configured static address for a route, if any.
func (c *Config) FallbackFor(venue types.Venue, asset, network string) (FallbackAddress, bool) {
	for _, f := range c.Fallback {
		if f.Venue == venue && f.Asset == asset && f.Network == network {
			return f, true
		}
	}
	return FallbackAddress{}, false
}
