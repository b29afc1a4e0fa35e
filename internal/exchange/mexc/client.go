package mexc

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
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

// Client is the signed MEXC spot REST client. Query parameters are
// HMAC-SHA256 signed; trade results are always verified by querying the
// order back instead of trusting the placement response.
type Client struct {
	cfg  *config.Config
	log  *zap.Logger
	http *http.Client
}

func NewClient(cfg *config.Config, log *zap.Logger) (*Client, error) {
	return &Client{cfg: cfg, log: log, http: &http.Client{Timeout: 6 * time.Second}}, nil
}

func (c *Client) Name() types.Venue { return types.VenueMEXC }

func symbol(asset string) string { return strings.ToUpper(asset) + "USDT" }

type bookTickerResp struct {
	Symbol   string `json:"symbol"`
	BidPrice string `json:"bidPrice"`
	AskPrice string `json:"askPrice"`
}

func (c *Client) BestBidAsk(ctx context.Context, asset string) (bid, ask float64, err error) {
	body, err := c.get(ctx, "/api/v3/ticker/bookTicker", url.Values{"symbol": {symbol(asset)}}, false)
	if err != nil {
		return 0, 0, err
	}
	var br bookTickerResp
	if err := json.Unmarshal(body, &br); err != nil {
		return 0, 0, err
	}
	bid, _ = strconv.ParseFloat(br.BidPrice, 64)
	ask, _ = strconv.ParseFloat(br.AskPrice, 64)
	return bid, ask, nil
}

func (c *Client) GetBalance(ctx context.Context, asset string) (float64, error) {
	body, err := c.get(ctx, "/api/v3/account", url.Values{}, true)
	if err != nil {
		return 0, err
	}
	var acc struct {
		Balances []struct {
			Asset string `json:"asset"`
			Free  string `json:"free"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(body, &acc); err != nil {
		return 0, err
	}
	for _, b := range acc.Balances {
		if strings.EqualFold(b.Asset, asset) {
			v, _ := strconv.ParseFloat(b.Free, 64)
			return v, nil
		}
	}
	return 0, nil
}

func (c *Client) PlaceMarketOrder(ctx context.Context, side types.Side, asset string, quantity float64) (*types.Fill, error) {
	sym := symbol(asset)
	params := url.Values{}
	params.Set("symbol", sym)
	params.Set("side", string(side))
	params.Set("type", "MARKET")
	params.Set("quantity", trim(quantity))

	body, err := c.post(ctx, "/api/v3/order", params)
	if err != nil {
		return nil, err
	}
	// From here on the venue has accepted the order: any failure is a
	// verification failure, never a rejection.
	var placed struct {
		OrderID json.Number `json:"orderId"`
	}
	if err := json.Unmarshal(body, &placed); err != nil {
		return nil, &exchange.OrderVerifyError{Venue: types.VenueMEXC, Err: err}
	}
	orderID := placed.OrderID.String()
	if orderID == "" {
		return nil, &exchange.OrderVerifyError{Venue: types.VenueMEXC, Err: fmt.Errorf("no order id in response %q", body)}
	}

	// Verify the fill by querying the order back.
	q := url.Values{}
	q.Set("symbol", sym)
	q.Set("orderId", orderID)
	obody, err := c.get(ctx, "/api/v3/order", q, true)
	if err != nil {
		return nil, &exchange.OrderVerifyError{Venue: types.VenueMEXC, OrderID: orderID, Err: err}
	}
	var ord struct {
		Status              string `json:"status"`
		ExecutedQty         string `json:"executedQty"`
		CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	}
	if err := json.Unmarshal(obody, &ord); err != nil {
		return nil, &exchange.OrderVerifyError{Venue: types.VenueMEXC, OrderID: orderID, Err: err}
	}
	execQty, _ := strconv.ParseFloat(ord.ExecutedQty, 64)
	cummQuote, _ := strconv.ParseFloat(ord.CummulativeQuoteQty, 64)

	fill := &types.Fill{OrderID: orderID, Quantity: execQty, QuoteQuantity: cummQuote}
	if execQty > 0 {
		fill.Price = cummQuote / execQty
		fill.Fee = cummQuote * c.cfg.Fees.SourceTakerBps / 10000
	}
	c.log.Info("mexc order verified",
		zap.String("order_id", orderID),
		zap.String("status", ord.Status),
		zap.Float64("executed_qty", execQty),
		zap.Float64("avg_price", fill.Price))
	return fill, nil
}

func (c *Client) GetDepositAddress(ctx context.Context, asset, network string) (string, string, error) {
	q := url.Values{"coin": {strings.ToUpper(asset)}}
	if network != "" {
		q.Set("network", network)
	}
	body, err := c.get(ctx, "/api/v3/capital/deposit/address", q, true)
	if err != nil {
		return "", "", err
	}
	var addrs []struct {
		Coin    string `json:"coin"`
		Network string `json:"network"`
		Address string `json:"address"`
		Memo    string `json:"memo"`
	}
	if err := json.Unmarshal(body, &addrs); err != nil {
		return "", "", err
	}
	for _, a := range addrs {
		if network == "" || strings.EqualFold(a.Network, network) {
			if a.Address != "" {
				return a.Address, a.Memo, nil
			}
		}
	}
	return "", "", fmt.Errorf("%w: mexc has no %s deposit address on %s", exchange.ErrUnsupportedAsset, asset, network)
}

func (c *Client) Withdraw(ctx context.Context, asset, network, address, memo string, amount float64) (string, error) {
	params := url.Values{}
	params.Set("coin", strings.ToUpper(asset))
	params.Set("address", address)
	params.Set("amount", trim(amount))
	if network != "" {
		// The documented parameter name really is camel-cased this way.
		params.Set("netWork", network)
	}
	if memo != "" {
		params.Set("memo", memo)
	}
	body, err := c.post(ctx, "/api/v3/capital/withdraw", params)
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
		// A 200 with no id may still have queued the withdrawal; plain
		// error so the caller treats it as ambiguous, not as a rejection.
		return "", fmt.Errorf("mexc withdraw: no id in response %q", body)
	}
	return res.ID, nil
}

func (c *Client) GetWithdrawalStatus(ctx context.Context, withdrawalID string) (types.WithdrawalStatus, error) {
	body, err := c.get(ctx, "/api/v3/capital/withdraw/history", url.Values{"limit": {"50"}}, true)
	if err != nil {
		return types.WithdrawalUnknown, err
	}
	var records []struct {
		ID     string `json:"id"`
		Status int    `json:"status"`
	}
	if err := json.Unmarshal(body, &records); err != nil {
		return types.WithdrawalUnknown, err
	}
	for _, r := range records {
		if r.ID != withdrawalID {
			continue
		}
		switch r.Status {
		case 7:
			return types.WithdrawalCompleted, nil
		case 8, 9:
			return types.WithdrawalFailed, nil
		default:
			return types.WithdrawalPending, nil
		}
	}
	return types.WithdrawalUnknown, nil
}

func (c *Client) GetTradingRules(ctx context.Context, asset string) (*types.TradingRules, error) {
	rules := &types.TradingRules{}

	body, err := c.get(ctx, "/api/v3/exchangeInfo", url.Values{"symbol": {symbol(asset)}}, false)
	if err != nil {
		return nil, err
	}
	var info struct {
		Symbols []struct {
			Symbol  string `json:"symbol"`
			Filters []struct {
				FilterType  string `json:"filterType"`
				StepSize    string `json:"stepSize"`
				MinQty      string `json:"minQty"`
				MinNotional string `json:"minNotional"`
			} `json:"filters"`
			BaseSizePrecision string `json:"baseSizePrecision"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, err
	}
	for _, s := range info.Symbols {
		if s.Symbol != symbol(asset) {
			continue
		}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "LOT_SIZE":
				rules.StepSize, _ = strconv.ParseFloat(f.StepSize, 64)
				rules.MinQty, _ = strconv.ParseFloat(f.MinQty, 64)
			case "NOTIONAL", "MIN_NOTIONAL":
				rules.MinNotional, _ = strconv.ParseFloat(f.MinNotional, 64)
			}
		}
		if rules.StepSize == 0 && s.BaseSizePrecision != "" {
			rules.StepSize, _ = strconv.ParseFloat(s.BaseSizePrecision, 64)
		}
	}

	cbody, err := c.get(ctx, "/api/v3/capital/config/getall", url.Values{}, true)
	if err != nil {
		return nil, err
	}
	var coins []struct {
		Coin        string `json:"coin"`
		NetworkList []struct {
			Network     string `json:"network"`
			WithdrawMin string `json:"withdrawMin"`
			WithdrawFee string `json:"withdrawFee"`
		} `json:"networkList"`
	}
	if err := json.Unmarshal(cbody, &coins); err != nil {
		return nil, err
	}
	for _, coin := range coins {
		if !strings.EqualFold(coin.Coin, asset) || len(coin.NetworkList) == 0 {
			continue
		}
		n := coin.NetworkList[0]
		rules.MinWithdraw, _ = strconv.ParseFloat(n.WithdrawMin, 64)
		rules.WithdrawFee, _ = strconv.ParseFloat(n.WithdrawFee, 64)
	}
	return rules, nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values, signed bool) ([]byte, error) {
	if signed {
		c.signParams(params)
	}
	endpoint := c.cfg.MEXC.RestURL + path
	if enc := params.Encode(); enc != "" {
		endpoint += "?" + enc
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if signed {
		req.Header.Set("X-MEXC-APIKEY", c.cfg.MEXC.ApiKey)
	}
	return c.do(req, path)
}

func (c *Client) post(ctx context.Context, path string, params url.Values) ([]byte, error) {
	c.signParams(params)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.MEXC.RestURL+path, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MEXC-APIKEY", c.cfg.MEXC.ApiKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req, path)
}

func (c *Client) do(req *http.Request, op string) ([]byte, error) {
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
	if resp.StatusCode != http.StatusOK {
		metrics.VenueErrors.Inc()
		return nil, &exchange.APIError{Venue: types.VenueMEXC, Op: op, Status: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

func (c *Client) signParams(params url.Values) {
	params.Set("timestamp", fmt.Sprintf("%d", time.Now().UnixMilli()))
	params.Set("recvWindow", "5000")
	mac := hmac.New(sha256.New, []byte(c.cfg.MEXC.ApiSecret))
	mac.Write([]byte(params.Encode()))
	params.Set("signature", hex.EncodeToString(mac.Sum(nil)))
}

func trim(v float64) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.8f", v), "0"), ".")
}
