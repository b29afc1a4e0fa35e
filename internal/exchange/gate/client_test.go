package gate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/you/crossarb/internal/config"
	"github.com/you/crossarb/internal/exchange"
	"github.com/you/crossarb/internal/types"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	cfg := &config.Config{}
	cfg.ApplyDefaults()
	cfg.Gate.RestURL = srv.URL
	cl, err := NewClient(cfg, zap.NewNop())
	require.NoError(t, err)
	return cl
}

func TestPlaceMarketOrder_VerifyFailureIsNotARejection(t *testing.T) {
	posts := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v4/spot/orders", func(w http.ResponseWriter, r *http.Request) {
		posts++
		fmt.Fprint(w, `{"id":"42"}`)
	})
	mux.HandleFunc("/api/v4/spot/orders/42", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"label":"SERVER_ERROR"}`, http.StatusInternalServerError)
	})
	cl := newTestClient(t, mux)

	_, err := cl.PlaceMarketOrder(context.Background(), types.SideSell, "XLM", 100)
	require.Error(t, err)

	var verifyErr *exchange.OrderVerifyError
	require.ErrorAs(t, err, &verifyErr)
	assert.Equal(t, "42", verifyErr.OrderID)

	var apiErr *exchange.APIError
	assert.False(t, errors.As(err, &apiErr))
	assert.Equal(t, 1, posts, "the order must be placed exactly once")
}

func TestPlaceMarketOrder_UsesVenueReportedFee(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v4/spot/orders", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"42"}`)
	})
	mux.HandleFunc("/api/v4/spot/orders/42", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"closed","filled_total":"10.1","avg_deal_price":"0.101","fee":"0.0123"}`)
	})
	cl := newTestClient(t, mux)

	fill, err := cl.PlaceMarketOrder(context.Background(), types.SideSell, "XLM", 100)
	require.NoError(t, err)
	assert.Equal(t, 0.0123, fill.Fee)
	assert.Equal(t, 10.1, fill.QuoteQuantity)
	assert.InDelta(t, 100, fill.Quantity, 1e-9)
}

func TestPlaceMarketOrder_FeeFallsBackToConfiguredRate(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v4/spot/orders", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"42"}`)
	})
	mux.HandleFunc("/api/v4/spot/orders/42", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"closed","filled_total":"10","avg_deal_price":"0.1"}`)
	})
	cl := newTestClient(t, mux)

	fill, err := cl.PlaceMarketOrder(context.Background(), types.SideSell, "XLM", 100)
	require.NoError(t, err)
	// 20 bps of 10 USDT
	assert.InDelta(t, 0.02, fill.Fee, 1e-9)
}

func TestWithdraw_EmptyIDIsAmbiguousNotRejection(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v4/withdrawals", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{}`)
	})
	cl := newTestClient(t, mux)

	_, err := cl.Withdraw(context.Background(), "XLM", "XLM", "GADDR", "", 100)
	require.Error(t, err)
	var apiErr *exchange.APIError
	assert.False(t, errors.As(err, &apiErr))
}
