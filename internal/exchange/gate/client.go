package gate

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/you/crossarb/internal/config"
	"github.com/you/crossarb/internal/exchange"
	"github.com/you/crossarb/internal/metrics"
	"github.com/you/crossarb/internal/types"
	"go.uber.org/zap"
)

// Client is the signed Gate v4 REST client. Gate signs the method, path,
// query, SHA512 of the body and a unix timestamp with HMAC-SHA512.
type Client struct {
	cfg  *config.Config
	log  *zap.Logger
	http *http.Client
}

func NewClient(cfg *config.Config, log *zap.Logger) (*Client, error) {
	return &Client{cfg: cfg, log: log, http: &http.Client{Timeout: 6 * time.Second}}, nil
}

func (c *Client) Name() types.Venue { return types.VenueGate }

func pair(asset string) string { return strings.ToUpper(asset) + "_USDT" }

func (c *Client) BestBidAsk(ctx context.Context, asset string) (bid, ask float64, err error) {
	body, err := c.request(ctx, http.MethodGet, "/api/v4/spot/tickers",
		url.Values{"currency_pair": {pair(asset)}}, nil, false)
	if err != nil {
		return 0, 0, err
	}
	var tickers []struct {
		HighestBid string `json:"highest_bid"`
		LowestAsk  string `json:"lowest_ask"`
	}
	if err := json.Unmarshal(body, &tickers); err != nil {
		return 0, 0, err
	}
	if len(tickers) == 0 {
		return 0, 0, fmt.Errorf("gate: no ticker for %s", pair(asset))
	}
	bid, _ = strconv.ParseFloat(tickers[0].HighestBid, 64)
	ask, _ = strconv.ParseFloat(tickers[0].LowestAsk, 64)
	return bid, ask, nil
}

func (c *Client) GetBalance(ctx context.Context, asset string) (float64, error) {
	body, err := c.request(ctx, http.MethodGet, "/api/v4/spot/accounts",
		url.Values{"currency": {strings.ToUpper(asset)}}, nil, true)
	if err != nil {
		return 0, err
	}
	var accounts []struct {
		Currency  string `json:"currency"`
		Available string `json:"available"`
	}
	if err := json.Unmarshal(body, &accounts); err != nil {
		return 0, err
	}
	for _, a := range accounts {
		if strings.EqualFold(a.Currency, asset) {
			v, _ := strconv.ParseFloat(a.Available, 64)
			return v, nil
		}
	}
	return 0, nil
}

func (c *Client) PlaceMarketOrder(ctx context.Context, side types.Side, asset string, quantity float64) (*types.Fill, error) {
	// Gate market buys are priced in quote currency; convert the base
	// quantity through the current ask. Sells take the base amount directly.
	amount := quantity
	if side == types.SideBuy {
		_, ask, err := c.BestBidAsk(ctx, asset)
		if err != nil {
			return nil, err
		}
		amount = quantity * ask
	}

	order := map[string]string{
		"currency_pair": pair(asset),
		"side":          strings.ToLower(string(side)),
		"type":          "market",
		"account":       "spot",
		"time_in_force": "ioc",
		"amount":        strconv.FormatFloat(amount, 'f', -1, 64),
	}
	payload, _ := json.Marshal(order)
	body, err := c.request(ctx, http.MethodPost, "/api/v4/spot/orders", url.Values{}, payload, true)
	if err != nil {
		return nil, err
	}
	// From here on the venue has accepted the order: any failure is a
	// verification failure, never a rejection.
	var placed struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &placed); err != nil {
		return nil, &exchange.OrderVerifyError{Venue: types.VenueGate, Err: err}
	}
	if placed.ID == "" {
		return nil, &exchange.OrderVerifyError{Venue: types.VenueGate, Err: fmt.Errorf("no order id in response %q", body)}
	}

	// Verify by querying the order back.
	obody, err := c.request(ctx, http.MethodGet, "/api/v4/spot/orders/"+placed.ID,
		url.Values{"currency_pair": {pair(asset)}}, nil, true)
	if err != nil {
		return nil, &exchange.OrderVerifyError{Venue: types.VenueGate, OrderID: placed.ID, Err: err}
	}
	var ord struct {
		Status       string `json:"status"`
		Amount       string `json:"amount"`
		Left         string `json:"left"`
		FilledTotal  string `json:"filled_total"`
		AvgDealPrice string `json:"avg_deal_price"`
		Fee          string `json:"fee"`
	}
	if err := json.Unmarshal(obody, &ord); err != nil {
		return nil, &exchange.OrderVerifyError{Venue: types.VenueGate, OrderID: placed.ID, Err: err}
	}

	filledTotal, _ := strconv.ParseFloat(ord.FilledTotal, 64)
	avgPrice, _ := strconv.ParseFloat(ord.AvgDealPrice, 64)
	var filledQty float64
	if avgPrice > 0 {
		filledQty = filledTotal / avgPrice
	}
	// Prefer the fee the venue reports; fall back to the configured taker
	// rate when the field is absent.
	fee, _ := strconv.ParseFloat(ord.Fee, 64)
	if fee <= 0 {
		fee = filledTotal * c.cfg.Fees.DestTakerBps / 10000
	}
	fill := &types.Fill{
		OrderID:       placed.ID,
		Price:         avgPrice,
		Quantity:      filledQty,
		QuoteQuantity: filledTotal,
		Fee:           fee,
	}
	c.log.Info("gate order verified",
		zap.String("order_id", placed.ID),
		zap.String("status", ord.Status),
		zap.Float64("filled_qty", filledQty),
		zap.Float64("avg_price", avgPrice))
	return fill, nil
}

func (c *Client) GetDepositAddress(ctx context.Context, asset, network string) (string, string, error) {
	body, err := c.request(ctx, http.MethodGet, "/api/v4/wallet/deposit_address",
		url.Values{"currency": {strings.ToUpper(asset)}}, nil, true)
	if err != nil {
		return "", "", err
	}
	var res struct {
		Address             string `json:"address"`
		MultichainAddresses []struct {
			Chain        string `json:"chain"`
			Address      string `json:"address"`
			PaymentID    string `json:"payment_id"`
			ObtainFailed int    `json:"obtain_failed"`
		} `json:"multichain_addresses"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return "", "", err
	}
	for _, m := range res.MultichainAddresses {
		if strings.EqualFold(m.Chain, network) && m.ObtainFailed == 0 && m.Address != "" {
			return m.Address, m.PaymentID, nil
		}
	}
	if network == "" && res.Address != "" {
		return res.Address, "", nil
	}
	return "", "", fmt.Errorf("%w: gate has no %s deposit address on %s", exchange.ErrUnsupportedAsset, asset, network)
}

func (c *Client) Withdraw(ctx context.Context, asset, network, address, memo string, amount float64) (string, error) {
	w := map[string]string{
		"currency": strings.ToUpper(asset),
		"chain":    network,
		"address":  address,
		"amount":   strconv.FormatFloat(amount, 'f', -1, 64),
	}
	if memo != "" {
		w["memo"] = memo
	}
	payload, _ := json.Marshal(w)
	body, err := c.request(ctx, http.MethodPost, "/api/v4/withdrawals", url.Values{}, payload, true)
	if err != nil {
		return "", err
	}
	var res struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return "", err
	}
	if res.ID == "" {
		// A 2xx with no id may still have queued the withdrawal; plain
		// error so the caller treats it as ambiguous, not as a rejection.
		return "", fmt.Errorf("gate withdraw: no id in response %q", body)
	}
	return res.ID, nil
}

func (c *Client) GetWithdrawalStatus(ctx context.Context, withdrawalID string) (types.WithdrawalStatus, error) {
	body, err := c.request(ctx, http.MethodGet, "/api/v4/withdrawals", url.Values{"limit": {"50"}}, nil, true)
	if err != nil {
		return types.WithdrawalUnknown, err
	}
	var records []struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &records); err != nil {
		return types.WithdrawalUnknown, err
	}
	for _, r := range records {
		if r.ID != withdrawalID {
			continue
		}
		switch strings.ToUpper(r.Status) {
		case "DONE":
			return types.WithdrawalCompleted, nil
		case "CANCEL", "FAIL", "INVALID":
			return types.WithdrawalFailed, nil
		default:
			return types.WithdrawalPending, nil
		}
	}
	return types.WithdrawalUnknown, nil
}

func (c *Client) GetTradingRules(ctx context.Context, asset string) (*types.TradingRules, error) {
	rules := &types.TradingRules{}

	body, err := c.request(ctx, http.MethodGet, "/api/v4/spot/currency_pairs/"+pair(asset), url.Values{}, nil, false)
	if err != nil {
		return nil, err
	}
	var p struct {
		AmountPrecision int    `json:"amount_precision"`
		MinBaseAmount   string `json:"min_base_amount"`
		MinQuoteAmount  string `json:"min_quote_amount"`
	}
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, err
	}
	rules.StepSize = math.Pow10(-p.AmountPrecision)
	rules.MinQty, _ = strconv.ParseFloat(p.MinBaseAmount, 64)
	rules.MinNotional, _ = strconv.ParseFloat(p.MinQuoteAmount, 64)

	wbody, err := c.request(ctx, http.MethodGet, "/api/v4/wallet/withdraw_status",
		url.Values{"currency": {strings.ToUpper(asset)}}, nil, true)
	if err != nil {
		return nil, err
	}
	var ws []struct {
		Currency           string `json:"currency"`
		WithdrawFix        string `json:"withdraw_fix"`
		WithdrawAmountMini string `json:"withdraw_amount_mini"`
	}
	if err := json.Unmarshal(wbody, &ws); err != nil {
		return nil, err
	}
	for _, w := range ws {
		if strings.EqualFold(w.Currency, asset) {
			rules.WithdrawFee, _ = strconv.ParseFloat(w.WithdrawFix, 64)
			rules.MinWithdraw, _ = strconv.ParseFloat(w.WithdrawAmountMini, 64)
		}
	}
	return rules, nil
}

func (c *Client) request(ctx context.Context, method, path string, query url.Values, payload []byte, signed bool) ([]byte, error) {
	endpoint := c.cfg.Gate.RestURL + path
	rawQuery := query.Encode()
	if rawQuery != "" {
		endpoint += "?" + rawQuery
	}
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if signed {
		ts := strconv.FormatInt(time.Now().Unix(), 10)
		bodyHash := sha512.Sum512(payload)
		msg := strings.Join([]string{method, path, rawQuery, hex.EncodeToString(bodyHash[:]), ts}, "\n")
		mac := hmac.New(sha512.New, []byte(c.cfg.Gate.ApiSecret))
		mac.Write([]byte(msg))
		req.Header.Set("KEY", c.cfg.Gate.ApiKey)
		req.Header.Set("Timestamp", ts)
		req.Header.Set("SIGN", hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.VenueErrors.Inc()
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.VenueErrors.Inc()
		return nil, &exchange.APIError{Venue: types.VenueGate, Op: method + " " + path, Status: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}
