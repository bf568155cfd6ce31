// REST CLIENT FOR PHEMEX USDT-M PERPETUALS (HEDGED POSITIONS)
// RESTY ONLY. RETRIES ARE OWNED BY exchange.RetryPolicy
package connectors

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"martingaleexecutor/src/exchange"
	"martingaleexecutor/src/model"
)

const defaultPhemexBaseURL = "https://testnet-api.phemex.com"

var _ exchange.Client = (*PhemexClient)(nil)

// -----------------------------
// API RESPONSE WRAPPER
// -----------------------------
type APIResponse struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// -----------------------------
// STRUCTURES
// -----------------------------
type GAccountPositions struct {
	Account struct {
		UserID           int64  `json:"userID"`
		AccountID        int64  `json:"accountId"`
		Currency         string `json:"currency"`
		AccountBalanceRv string `json:"accountBalanceRv"`
	} `json:"account"`

	Positions []GPosition `json:"positions"`
}

type GPosition struct {
	AccountID        int64  `json:"accountID"`
	Symbol           string `json:"symbol"`
	Currency         string `json:"currency"`
	Side             string `json:"side"`
	PosSide          string `json:"posSide"`
	SizeRq           string `json:"sizeRq"`
	AvgEntryPriceRp  string `json:"avgEntryPriceRp"`
	PositionMarginRv string `json:"positionMarginRv"`
	MarkPriceRp      string `json:"markPriceRp"`
}

// GOrder is an order row as returned by the order query, active list, history and push endpoints.
type GOrder struct {
	OrderID        string `json:"orderID"`
	ClOrdID        string `json:"clOrdID"`
	Symbol         string `json:"symbol"`
	Side           string `json:"side"`
	PosSide        string `json:"posSide"`
	OrdType        string `json:"ordType"`
	PriceRp        string `json:"priceRp"`
	OrderQtyRq     string `json:"orderQtyRq"`
	CumQtyRq       string `json:"cumQtyRq"`
	CumValueRv     string `json:"cumValueRv"`
	AvgPriceRp     string `json:"avgPriceRp"`
	OrdStatus      string `json:"ordStatus"`
	TransactTimeNs int64  `json:"transactTimeNs"`
}

type gOrderRows struct {
	Rows []GOrder `json:"rows"`
}

type gProduct struct {
	Symbol      string `json:"symbol"`
	Status      string `json:"status"`
	TickSize    string `json:"tickSize"`
	QtyStepSize string `json:"qtyStepSize"`
	MinQtyRq    string `json:"minOrderQtyRq"`
}

// -----------------------------
// AUTHENTICATED CLIENT
// -----------------------------

// PhemexClient implements exchange.Client against the Phemex hedged USDT-M API.
// Quantities are in base units, so the contract value is always one.
type PhemexClient struct {
	apiKey    string
	apiSecret string
	baseURL   string
	accountID string
	http      *resty.Client

	mu          sync.Mutex
	instruments map[string]model.Instrument
}

func isRetryableResp(r *resty.Response, err error) bool {
	if err != nil {
		return true
	}

	if r == nil {
		return false
	}

	code := r.StatusCode()

	if code >= 500 && code <= 599 {
		return true
	}
	if code == 429 {
		return true
	}
	if code == 408 {
		return true
	}
	return false
}

// NewPhemexClient builds a signed client. accountID is stamped on every returned order
// and position, since a key pair only ever sees its own account.
func NewPhemexClient(apiKey, apiSecret, accountID string, config Config) *PhemexClient {
	baseURL := config.PhemexBaseURL
	if baseURL == "" {
		baseURL = defaultPhemexBaseURL
		logger.WithField("baseURL", baseURL).Warn("No base URL provided, using default")
	}
	timeout := config.PhemexTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(config.PhemexHTTPRetries).
		AddRetryCondition(isRetryableResp)

	return &PhemexClient{
		apiKey:      apiKey,
		apiSecret:   apiSecret,
		baseURL:     baseURL,
		accountID:   accountID,
		http:        httpClient,
		instruments: map[string]model.Instrument{},
	}
}

func signRequest(path, query, body string, expiry int64, secret string) string {
	base := path
	if query != "" {
		base += query
	}
	base += fmt.Sprintf("%d", expiry)
	if body != "" {
		base += body
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(base))
	return hex.EncodeToString(mac.Sum(nil))
}

// doRequest signs and executes a private call. Transport failures and 5xx/429/408 become
// TransientNetworkError, other HTTP errors and non-zero codes go through phemexError.
func (c *PhemexClient) doRequest(ctx context.Context, op, method, path, query string, body []byte) (*APIResponse, error) {
	expiry := time.Now().Add(1 * time.Minute).Unix()

	// resty re-encodes the query sorted by key; sign exactly what goes on the wire.
	if query != "" {
		if vals, err := url.ParseQuery(query); err == nil {
			query = vals.Encode()
		}
	}

	sig := signRequest(path, query, string(body), expiry, c.apiSecret)

	req := c.http.R().
		SetContext(ctx).
		SetHeader("x-phemex-access-token", c.apiKey).
		SetHeader("x-phemex-request-expiry", fmt.Sprintf("%d", expiry)).
		SetHeader("x-phemex-request-signature", sig)

	if query != "" {
		req = req.SetQueryString(query)
	}
	if body != nil {
		req = req.SetBody(body).SetHeader("Content-Type", "application/json")
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &exchange.TransientNetworkError{Op: op, Err: err}
	}

	raw := resp.Body()

	if resp.StatusCode() != http.StatusOK {
		httpErr := fmt.Errorf("HTTP %d: %s", resp.StatusCode(), string(raw))
		if isRetryableResp(resp, nil) {
			return nil, &exchange.TransientNetworkError{Op: op, Err: httpErr}
		}
		return nil, &exchange.ExchangeRejectError{Op: op, Code: int64(resp.StatusCode()), Msg: httpErr.Error()}
	}

	var apiResp APIResponse
	if err := json.Unmarshal(raw, &apiResp); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", op, err)
	}
	if apiResp.Code != 0 {
		return &apiResp, phemexError(op, apiResp.Code, apiResp.Msg)
	}

	return &apiResp, nil
}

// -----------------------------
// ACCOUNT & POSITION METHODS
// -----------------------------
func (c *PhemexClient) GetPositionsUSDT(ctx context.Context) (*GAccountPositions, error) {
	resp, err := c.doRequest(ctx, "GetPosition", http.MethodGet, "/g-accounts/positions", "currency=USDT", nil)
	if err != nil {
		return nil, err
	}

	var parsed GAccountPositions
	return &parsed, json.Unmarshal(resp.Data, &parsed)
}

func (c *PhemexClient) GetPosition(ctx context.Context, symbol string, direction model.Direction) (exchange.Position, error) {
	out := exchange.Position{Symbol: symbol, Direction: direction, AccountID: c.accountID}

	positions, err := c.GetPositionsUSDT(ctx)
	if err != nil {
		return out, err
	}

	want := posSide(direction)
	for _, p := range positions.Positions {
		if p.Symbol != symbol || p.PosSide != want {
			continue
		}
		out.Size = parseDecimal(p.SizeRq).Abs()
		out.AvgPrice = parseDecimal(p.AvgEntryPriceRp)
		out.MarkPrice = parseDecimal(p.MarkPriceRp)
		return out, nil
	}
	return out, nil
}

// -----------------------------
// TRADING METHODS
// -----------------------------
func (c *PhemexClient) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderAck, error) {
	body := map[string]interface{}{
		"symbol":     req.Symbol,
		"clOrdID":    req.ClientRef,
		"side":       phemexSide(req.Side),
		"posSide":    posSide(req.Direction),
		"orderQtyRq": req.Size.String(),
		"reduceOnly": req.ReduceOnly,
	}
	if req.Type == exchange.OrderTypeMarket {
		body["ordType"] = "Market"
		body["timeInForce"] = "ImmediateOrCancel"
	} else {
		body["ordType"] = "Limit"
		body["timeInForce"] = "GoodTillCancel"
		body["priceRp"] = req.Price.String()
	}

	b, err := json.Marshal(body)
	if err != nil {
		return exchange.OrderAck{}, err
	}

	resp, err := c.doRequest(ctx, "PlaceOrder", http.MethodPost, "/g-orders", "", b)
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"symbol":    req.Symbol,
			"clientRef": req.ClientRef,
			"side":      req.Side,
			"type":      req.Type,
		}).WithError(err).Warn("Phemex order rejected")
		return exchange.OrderAck{}, err
	}

	var placed GOrder
	if err := json.Unmarshal(resp.Data, &placed); err != nil {
		return exchange.OrderAck{}, fmt.Errorf("PlaceOrder: decode order: %w", err)
	}
	ref := placed.ClOrdID
	if ref == "" {
		ref = req.ClientRef
	}
	return exchange.OrderAck{OrderID: placed.OrderID, ClientRef: ref}, nil
}

// CancelOrder looks the order up first: hedged cancels need the position side,
// and an order that is already final needs no cancel.
func (c *PhemexClient) CancelOrder(ctx context.Context, symbol string, q exchange.OrderQuery) error {
	order, err := c.GetOrder(ctx, symbol, q)
	if errors.Is(err, exchange.ErrOrderNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if order.Status.Final() {
		return nil
	}

	query := fmt.Sprintf("symbol=%s&posSide=%s&orderID=%s", symbol, posSide(order.Direction), order.OrderID)
	_, err = c.doRequest(ctx, "CancelOrder", http.MethodDelete, "/g-orders/cancel", query, nil)
	if errors.Is(err, exchange.ErrOrderNotFound) {
		return nil
	}
	return err
}

// -----------------------------
// ORDER QUERY METHODS
// -----------------------------
func (c *PhemexClient) GetOrder(ctx context.Context, symbol string, q exchange.OrderQuery) (exchange.Order, error) {
	query := "symbol=" + symbol
	if q.OrderID != "" {
		query += "&orderID=" + q.OrderID
	} else {
		query += "&clOrdID=" + q.ClientRef
	}

	resp, err := c.doRequest(ctx, "GetOrder", http.MethodGet, "/api-data/g-futures/orders/by-order-id", query, nil)
	if err != nil {
		return exchange.Order{}, err
	}

	rows, err := decodeRows(resp.Data)
	if err != nil {
		return exchange.Order{}, fmt.Errorf("GetOrder: %w", err)
	}
	if len(rows) == 0 {
		return exchange.Order{}, exchange.ErrOrderNotFound
	}
	return c.toOrder(rows[0]), nil
}

func (c *PhemexClient) ListOpenOrders(ctx context.Context, symbol string) ([]exchange.Order, error) {
	resp, err := c.doRequest(ctx, "ListOpenOrders", http.MethodGet, "/g-orders/activeList", "symbol="+symbol, nil)
	if errors.Is(err, exchange.ErrOrderNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c.toOrders(resp.Data)
}

func (c *PhemexClient) OrderHistory(ctx context.Context, symbol string, since time.Time) ([]exchange.Order, error) {
	query := fmt.Sprintf("symbol=%s&start=%d&limit=200", symbol, since.UnixMilli())
	resp, err := c.doRequest(ctx, "OrderHistory", http.MethodGet, "/api-data/g-futures/orders", query, nil)
	if errors.Is(err, exchange.ErrOrderNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c.toOrders(resp.Data)
}

// -----------------------------
// MARKET DATA METHODS
// -----------------------------
type mdResponse struct {
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Result json.RawMessage `json:"result"`
}

func (c *PhemexClient) GetTicker(ctx context.Context, symbol string) (*APIResponse, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		Get("/md/v3/ticker/24hr")
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &exchange.TransientNetworkError{Op: "LastPrice", Err: err}
	}

	if resp.StatusCode() != http.StatusOK {
		return nil, &exchange.TransientNetworkError{
			Op:  "LastPrice",
			Err: fmt.Errorf("HTTP %d: %s", resp.StatusCode(), string(resp.Body())),
		}
	}

	var md mdResponse
	if err := json.Unmarshal(resp.Body(), &md); err != nil {
		return nil, err
	}
	if md.Error != nil {
		return nil, phemexError("LastPrice", md.Error.Code, md.Error.Message)
	}

	return &APIResponse{Code: 0, Data: md.Result}, nil
}

func (c *PhemexClient) LastPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	ticker, err := c.GetTicker(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}

	var tk struct {
		LastRp string `json:"lastRp"`
	}
	if err := json.Unmarshal(ticker.Data, &tk); err != nil {
		return decimal.Zero, err
	}

	price, err := decimal.NewFromString(tk.LastRp)
	if err != nil || !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("invalid price for %s: %q", symbol, tk.LastRp)
	}
	return price, nil
}

// GetInstrument reads the product list once per symbol and caches the result.
func (c *PhemexClient) GetInstrument(ctx context.Context, symbol string) (model.Instrument, error) {
	c.mu.Lock()
	inst, ok := c.instruments[symbol]
	c.mu.Unlock()
	if ok {
		return inst, nil
	}

	resp, err := c.http.R().SetContext(ctx).Get("/public/products")
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return model.Instrument{}, ctxErr
		}
		return model.Instrument{}, &exchange.TransientNetworkError{Op: "GetInstrument", Err: err}
	}
	if resp.StatusCode() != http.StatusOK {
		return model.Instrument{}, &exchange.TransientNetworkError{
			Op:  "GetInstrument",
			Err: fmt.Errorf("HTTP %d: %s", resp.StatusCode(), string(resp.Body())),
		}
	}

	var apiResp struct {
		Code int `json:"code"`
		Data struct {
			PerpProductsV2 []gProduct `json:"perpProductsV2"`
		} `json:"data"`
	}
	if err := json.Unmarshal(resp.Body(), &apiResp); err != nil {
		return model.Instrument{}, fmt.Errorf("GetInstrument: decode products: %w", err)
	}

	for _, p := range apiResp.Data.PerpProductsV2 {
		if p.Symbol != symbol {
			continue
		}
		step := parseDecimal(p.QtyStepSize)
		minLot := parseDecimal(p.MinQtyRq)
		if !minLot.IsPositive() {
			minLot = step
		}
		inst = model.Instrument{
			Symbol:        symbol,
			ContractValue: decimal.NewFromInt(1),
			MinLot:        minLot,
			LotStep:       step,
			TickSize:      parseDecimal(p.TickSize),
		}
		c.mu.Lock()
		c.instruments[symbol] = inst
		c.mu.Unlock()
		return inst, nil
	}

	return model.Instrument{}, &exchange.ExchangeRejectError{
		Op: "GetInstrument", Code: 11120, Msg: GetErrorMsg(11120) + " " + symbol,
	}
}

// -----------------------------
// MAPPING
// -----------------------------
func decodeRows(data json.RawMessage) ([]GOrder, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var rows []GOrder
		return rows, json.Unmarshal(data, &rows)
	}
	var wrapped gOrderRows
	return wrapped.Rows, json.Unmarshal(data, &wrapped)
}

func (c *PhemexClient) toOrders(data json.RawMessage) ([]exchange.Order, error) {
	rows, err := decodeRows(data)
	if err != nil {
		return nil, err
	}
	out := make([]exchange.Order, 0, len(rows))
	for _, r := range rows {
		out = append(out, c.toOrder(r))
	}
	return out, nil
}

func (c *PhemexClient) toOrder(r GOrder) exchange.Order {
	return toExchangeOrder(r, c.accountID)
}

func toExchangeOrder(r GOrder, accountID string) exchange.Order {
	filled := parseDecimal(r.CumQtyRq)
	avg := parseDecimal(r.AvgPriceRp)
	if avg.IsZero() && filled.IsPositive() {
		avg = parseDecimal(r.CumValueRv).Div(filled)
	}

	orderType := exchange.OrderTypeLimit
	if strings.EqualFold(r.OrdType, "Market") {
		orderType = exchange.OrderTypeMarket
	}

	direction := model.DirectionLong
	if strings.EqualFold(r.PosSide, "Short") {
		direction = model.DirectionShort
	}

	side := exchange.SideBuy
	if strings.EqualFold(r.Side, "Sell") {
		side = exchange.SideSell
	}

	updated := time.Now()
	if r.TransactTimeNs > 0 {
		updated = time.Unix(0, r.TransactTimeNs)
	}

	return exchange.Order{
		OrderID:      r.OrderID,
		ClientRef:    r.ClOrdID,
		AccountID:    accountID,
		Symbol:       r.Symbol,
		Side:         side,
		Direction:    direction,
		Type:         orderType,
		Price:        parseDecimal(r.PriceRp),
		Size:         parseDecimal(r.OrderQtyRq),
		FilledSize:   filled,
		AvgFillPrice: avg,
		Status:       phemexStatus(r.OrdStatus),
		UpdatedAt:    updated,
	}
}

func phemexStatus(s string) model.OrderStatus {
	switch s {
	case "New":
		return model.OrderStatusLive
	case "PartiallyFilled":
		return model.OrderStatusPartial
	case "Filled":
		return model.OrderStatusFilled
	case "Canceled", "Deactivated", "Expired":
		return model.OrderStatusCanceled
	case "Rejected":
		return model.OrderStatusRejected
	case "Created", "Untriggered", "Triggered":
		return model.OrderStatusPending
	}
	return model.OrderStatusMissing
}

func posSide(direction model.Direction) string {
	if direction == model.DirectionShort {
		return "Short"
	}
	return "Long"
}

func phemexSide(side exchange.Side) string {
	if side == exchange.SideSell {
		return "Sell"
	}
	return "Buy"
}

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		if f, ferr := strconv.ParseFloat(s, 64); ferr == nil {
			return decimal.NewFromFloat(f)
		}
		return decimal.Zero
	}
	return d
}
