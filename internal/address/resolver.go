package address

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/you/crossarb/internal/config"
	"github.com/you/crossarb/internal/exchange"
	"github.com/you/crossarb/internal/types"
	"go.uber.org/zap"
)

type cacheEntry struct {
	address    string
	memo       string
	apiSourced bool
	fetchedAt  time.Time
}

// Resolver obtains the deposit address of a venue for an (asset, network)
// route. Live API lookup wins; a statically configured fallback covers API
// outages. An API-sourced entry is trusted for the process lifetime, a
// fallback-sourced entry is re-attempted on every call so a recovered API
// takes over on the next cycle.
type Resolver struct {
	mu      sync.Mutex
	clients map[types.Venue]exchange.Client
	cfg     *config.Config
	cache   map[string]cacheEntry
	log     *zap.Logger
}

func NewResolver(cfg *config.Config, clients map[types.Venue]exchange.Client, log *zap.Logger) *Resolver {
	return &Resolver{
		clients: clients,
		cfg:     cfg,
		cache:   make(map[string]cacheEntry),
		log:     log,
	}
}

// Resolve returns the deposit address and memo for the route. It fails
// definitively when neither the API nor the fallback config knows the
// network: the engine must never guess where to send funds.
func (r *Resolver) Resolve(ctx context.Context, venue types.Venue, asset, network string) (string, string, error) {
	key := string(venue) + "|" + asset + "|" + network

	r.mu.Lock()
	if e, ok := r.cache[key]; ok && e.apiSourced {
		r.mu.Unlock()
		return e.address, e.memo, nil
	}
	r.mu.Unlock()

	cl, ok := r.clients[venue]
	if !ok {
		return "", "", fmt.Errorf("no client for venue %s", venue)
	}

	addr, memo, err := cl.GetDepositAddress(ctx, asset, network)
	if err == nil {
		if verr := ValidateFormat(addr, asset, network); verr != nil {
			return "", "", fmt.Errorf("api deposit address for %s/%s/%s: %w", venue, asset, network, verr)
		}
		r.store(key, addr, memo, true)
		return addr, memo, nil
	}
	r.log.Warn("deposit address lookup failed, trying fallback",
		zap.String("venue", string(venue)),
		zap.String("asset", asset),
		zap.String("network", network),
		zap.Error(err))

	fb, ok := r.cfg.FallbackFor(venue, asset, network)
	if !ok {
		return "", "", fmt.Errorf("no deposit address for %s/%s on %s: api failed (%w) and no fallback configured", venue, asset, network, err)
	}
	if verr := ValidateFormat(fb.Address, asset, network); verr != nil {
		return "", "", fmt.Errorf("fallback address for %s/%s/%s: %w", venue, asset, network, verr)
	}
	r.store(key, fb.Address, fb.Memo, false)
	return fb.Address, fb.Memo, nil
}

func (r *Resolver) store(key, addr, memo string, apiSourced bool) {
	r.mu.Lock()
	r.cache[key] = cacheEntry{address: addr, memo: memo, apiSourced: apiSourced, fetchedAt: time.Now()}
	r.mu.Unlock()
}

// ValidateFormat applies per-network sanity checks before an address is ever
// handed to a withdrawal call.
func ValidateFormat(addr, asset, network string) error {
	if len(addr) < 20 {
		return fmt.Errorf("address too short (%d chars)", len(addr))
	}
	lower := strings.ToLower(addr)
	for _, bad := range []string{"test", "fake", "invalid", "example", "placeholder", "0x0000000000000000"} {
		if strings.Contains(lower, bad) {
			return fmt.Errorf("address matches dangerous pattern %q", bad)
		}
	}
	switch {
	case isEVMNetwork(network):
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("not a valid hex address for network %s", network)
		}
	case asset == "XLM" || strings.EqualFold(network, "XLM"):
		if !strings.HasPrefix(addr, "G") || len(addr) != 56 {
			return fmt.Errorf("not a valid stellar address")
		}
	}
	return nil
}

func isEVMNetwork(network string) bool {
	switch strings.ToUpper(network) {
	case "BSC", "BEP20", "BEP20(BSC)", "ETH", "ERC20", "ARBITRUM", "ARB", "POLYGON", "MATIC", "OPTIMISM", "BASE":
		return true
	}
	return false
}
