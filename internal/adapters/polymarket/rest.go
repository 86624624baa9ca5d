// Package polymarket adapts the venue's CLOB REST and WS APIs to the core's
// ports. The adapter is a pure transport: it classifies outcomes (success,
// confirmed absence, ambiguity) but enforces no policy.
package polymarket

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/alejandrodnm/polyedge/internal/domain"
	"github.com/alejandrodnm/polyedge/internal/ports"
)

const (
	orderPath      = "/order"
	openOrdersPath = "/data/orders"
	positionsPath  = "/data/positions"
	balancePath    = "/balance-allowance"
	serverTimePath = "/time"
)

// Client is the venue REST client. A token-bucket limiter paces every call;
// each call carries its own timeout so an unresponsive venue surfaces as an
// ambiguous outcome, never as a hang.
type Client struct {
	base    string
	http    *http.Client
	limiter *rate.Limiter
	timeout time.Duration
}

// NewClient creates the REST client.
func NewClient(base string, rps float64, timeout time.Duration) *Client {
	return &Client{
		base:    base,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		timeout: timeout,
	}
}

// SubmitLimitOrder places a limit order. Timeouts and 5xx responses are
// ambiguous: the order may or may not rest on the venue.
func (c *Client) SubmitLimitOrder(ctx context.Context, req ports.SubmitRequest) (domain.Outcome, error) {
	body := map[string]any{
		"client_order_id": req.ClientOrderID,
		"token_id":        req.TokenID,
		"side":            "BUY",
		"price":           fmt.Sprintf("%.6f", req.Price),
		"size":            fmt.Sprintf("%.2f", float64(req.SizeCents)/100),
		"post_only":       req.PostOnly,
		"order_type":      orderType(req.MarketableLimit),
	}

	var resp struct {
		OrderID string `json:"orderID"`
		Status  string `json:"status"`
		Error   string `json:"errorMsg"`
		Matched string `json:"makingAmount"`
	}
	status, err := c.do(ctx, http.MethodPost, c.base+orderPath, body, &resp)
	if err != nil {
		if ambiguous(err, status) {
			return domain.Ambiguous(err.Error()), nil
		}
		return domain.Outcome{}, fmt.Errorf("polymarket.SubmitLimitOrder: %w", err)
	}
	if status >= 500 {
		return domain.Ambiguous(fmt.Sprintf("venue returned %d", status)), nil
	}
	if resp.Error != "" {
		return domain.Outcome{}, fmt.Errorf("polymarket.SubmitLimitOrder: venue rejected: %s", resp.Error)
	}

	filled := parseCents(resp.Matched)
	return domain.Success(&domain.VenueOrder{
		ClientOrderID:   req.ClientOrderID,
		ExchangeOrderID: resp.OrderID,
		MarketID:        req.MarketID,
		Side:            req.Side,
		Price:           req.Price,
		SizeCents:       req.SizeCents,
		FilledCents:     filled,
		Open:            resp.Status == "live" || resp.Status == "matched",
	}), nil
}

// CancelOrder cancels by exchange id. A 404 is a confirmed absence.
func (c *Client) CancelOrder(ctx context.Context, exchangeOrderID string) (domain.Outcome, error) {
	status, err := c.do(ctx, http.MethodDelete, c.base+orderPath+"?id="+url.QueryEscape(exchangeOrderID), nil, nil)
	if err != nil {
		if ambiguous(err, status) {
			return domain.Ambiguous(err.Error()), nil
		}
		return domain.Outcome{}, fmt.Errorf("polymarket.CancelOrder: %w", err)
	}
	switch {
	case status == http.StatusNotFound:
		return domain.AbsentConfirmed(), nil
	case status >= 500:
		return domain.Ambiguous(fmt.Sprintf("venue returned %d", status)), nil
	default:
		return domain.Success(nil), nil
	}
}

// OpenOrders lists resting orders.
func (c *Client) OpenOrders(ctx context.Context) ([]domain.VenueOrder, error) {
	var resp []wireOrder
	status, err := c.do(ctx, http.MethodGet, c.base+openOrdersPath, nil, &resp)
	if err != nil {
		return nil, fmt.Errorf("polymarket.OpenOrders: %w", err)
	}
	if status >= 400 {
		return nil, fmt.Errorf("polymarket.OpenOrders: venue returned %d", status)
	}
	out := make([]domain.VenueOrder, 0, len(resp))
	for _, w := range resp {
		out = append(out, w.toDomain())
	}
	return out, nil
}

// FindByClientOrderID looks one order up across open and recent history. A
// clean 404/empty answer is a confirmed absence.
func (c *Client) FindByClientOrderID(ctx context.Context, clientOrderID string) (domain.Outcome, error) {
	var resp []wireOrder
	status, err := c.do(ctx, http.MethodGet,
		c.base+openOrdersPath+"?client_order_id="+url.QueryEscape(clientOrderID), nil, &resp)
	if err != nil {
		if ambiguous(err, status) {
			return domain.Ambiguous(err.Error()), nil
		}
		return domain.Outcome{}, fmt.Errorf("polymarket.FindByClientOrderID: %w", err)
	}
	switch {
	case status == http.StatusNotFound || (status < 300 && len(resp) == 0):
		return domain.AbsentConfirmed(), nil
	case status >= 500:
		return domain.Ambiguous(fmt.Sprintf("venue returned %d", status)), nil
	case status >= 400:
		return domain.Outcome{}, fmt.Errorf("polymarket.FindByClientOrderID: venue returned %d", status)
	}
	vo := resp[0].toDomain()
	return domain.Success(&vo), nil
}

// Positions returns market id -> notional USD.
func (c *Client) Positions(ctx context.Context) (map[string]float64, error) {
	var resp []struct {
		Market   string `json:"market"`
		Notional string `json:"currentValue"`
	}
	status, err := c.do(ctx, http.MethodGet, c.base+positionsPath, nil, &resp)
	if err != nil {
		return nil, fmt.Errorf("polymarket.Positions: %w", err)
	}
	if status >= 400 {
		return nil, fmt.Errorf("polymarket.Positions: venue returned %d", status)
	}
	out := make(map[string]float64, len(resp))
	for _, p := range resp {
		v, _ := strconv.ParseFloat(p.Notional, 64)
		out[p.Market] += v
	}
	return out, nil
}

// Balance returns the available USD balance.
func (c *Client) Balance(ctx context.Context) (float64, error) {
	var resp struct {
		Balance string `json:"balance"`
	}
	status, err := c.do(ctx, http.MethodGet, c.base+balancePath, nil, &resp)
	if err != nil {
		return 0, fmt.Errorf("polymarket.Balance: %w", err)
	}
	if status >= 400 {
		return 0, fmt.Errorf("polymarket.Balance: venue returned %d", status)
	}
	v, err := strconv.ParseFloat(resp.Balance, 64)
	if err != nil {
		return 0, fmt.Errorf("polymarket.Balance: parse %q: %w", resp.Balance, err)
	}
	return v, nil
}

// ServerTime probes the venue clock.
func (c *Client) ServerTime(ctx context.Context) (time.Time, error) {
	var resp int64
	status, err := c.do(ctx, http.MethodGet, c.base+serverTimePath, nil, &resp)
	if err != nil {
		return time.Time{}, fmt.Errorf("polymarket.ServerTime: %w", err)
	}
	if status >= 400 {
		return time.Time{}, fmt.Errorf("polymarket.ServerTime: venue returned %d", status)
	}
	return time.Unix(resp, 0).UTC(), nil
}

// do runs one rate-limited request with the per-call timeout and decodes the
// JSON body into out when non-nil.
func (c *Client) do(ctx context.Context, method, rawURL string, body, out any) (int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// ambiguous classifies transport failures whose venue-side effect is
// unknown: timeouts, connection drops mid-request, and 5xx.
func ambiguous(err error, status int) bool {
	if status >= 500 {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func orderType(marketable bool) string {
	if marketable {
		return "FAK"
	}
	return "GTC"
}
