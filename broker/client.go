// broker/client.go
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"auto_dhan_go/config"
	"auto_dhan_go/logs"

	"github.com/go-resty/resty/v2"
)

// Ensure RESTClient implements the Client interface.
var _ Client = (*RESTClient)(nil)

// RESTClient talks to the Dhan v2 REST API.
type RESTClient struct {
	clientID string
	http     *resty.Client
}

// NewRESTClient builds a client with credential headers and a default
// per-request timeout. Individual calls tighten the timeout further via
// their context.
func NewRESTClient(env *config.EnvConfig, timeoutSeconds int) *RESTClient {
	http := resty.New().
		SetBaseURL(env.BaseURL).
		SetTimeout(time.Duration(timeoutSeconds) * time.Second).
		SetHeader("access-token", env.AccessToken).
		SetHeader("client-id", env.ClientID).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &RESTClient{clientID: env.ClientID, http: http}
}

// ClientID exposes the broker account id for order payloads.
func (c *RESTClient) ClientID() string { return c.clientID }

// unwrapList normalizes the API's two list shapes, a bare JSON array
// or an envelope {"data": [...]}, into one canonical slice.
func unwrapList(body []byte, out interface{}) error {
	if err := json.Unmarshal(body, out); err == nil {
		return nil
	}
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("unrecognized list response: %w", err)
	}
	if len(envelope.Data) == 0 {
		return nil
	}
	return json.Unmarshal(envelope.Data, out)
}

func (c *RESTClient) Positions(ctx context.Context) ([]Position, error) {
	resp, err := c.http.R().SetContext(ctx).Get("/positions")
	if err != nil {
		return nil, fmt.Errorf("positions request failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("positions API error: HTTP %d, body: %s", resp.StatusCode(), resp.String())
	}

	var positions []Position
	if err := unwrapList(resp.Body(), &positions); err != nil {
		return nil, err
	}
	for i := range positions {
		positions[i].SecurityID = positions[i].RawSecurityID.String()
	}
	return positions, nil
}

func (c *RESTClient) PlaceSuperOrder(ctx context.Context, req *SuperOrderRequest) (*OrderResult, error) {
	resp, err := c.http.R().SetContext(ctx).SetBody(req).Post("/super/orders")
	if err != nil {
		return nil, fmt.Errorf("super order request failed: %w", err)
	}
	if resp.StatusCode() != 200 && resp.StatusCode() != 201 {
		return nil, fmt.Errorf("super order rejected: HTTP %d, body: %s", resp.StatusCode(), resp.String())
	}
	return decodeOrderResult(resp.Body())
}

// decodeOrderResult accepts both the flat and the enveloped order
// placement response and requires an order ID either way.
func decodeOrderResult(body []byte) (*OrderResult, error) {
	var envelope struct {
		Data *OrderResult `json:"data"`
		OrderResult
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode order response: %w, body: %s", err, string(body))
	}
	result := envelope.OrderResult
	if envelope.Data != nil && envelope.Data.OrderID != "" {
		result = *envelope.Data
	}
	if result.OrderID == "" {
		return nil, fmt.Errorf("no order ID in response: %s", string(body))
	}
	return &result, nil
}

func (c *RESTClient) SuperOrders(ctx context.Context) ([]SuperOrder, error) {
	resp, err := c.http.R().SetContext(ctx).Get("/super/orders")
	if err != nil {
		return nil, fmt.Errorf("super orders request failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("super orders API error: HTTP %d", resp.StatusCode())
	}

	var orders []SuperOrder
	if err := unwrapList(resp.Body(), &orders); err != nil {
		return nil, err
	}
	return orders, nil
}

func (c *RESTClient) CancelSuperLeg(ctx context.Context, orderID, leg string) error {
	resp, err := c.http.R().SetContext(ctx).
		Delete(fmt.Sprintf("/super/orders/%s/%s", orderID, leg))
	if err != nil {
		return fmt.Errorf("cancel leg request failed: %w", err)
	}

	var body struct {
		OrderStatus string `json:"orderStatus"`
	}
	_ = json.Unmarshal(resp.Body(), &body)

	// 202 means accepted; a leg already cancelled/settled is not a fault.
	if resp.StatusCode() == 202 ||
		body.OrderStatus == StatusCancelled || body.OrderStatus == StatusClosed || body.OrderStatus == StatusTraded {
		logs.Infof("[Broker] %s cancelled for order %s", leg, orderID)
		return nil
	}

	logs.Debugf("[Broker] Cancel ignored: %s | HTTP %d", leg, resp.StatusCode())
	return nil
}

func (c *RESTClient) PlaceMarketOrder(ctx context.Context, req *MarketOrderRequest) (*OrderResult, error) {
	resp, err := c.http.R().SetContext(ctx).SetBody(req).Post("/orders")
	if err != nil {
		return nil, fmt.Errorf("market order request failed: %w", err)
	}
	if resp.StatusCode() != 200 && resp.StatusCode() != 201 && resp.StatusCode() != 202 {
		return nil, fmt.Errorf("market order rejected: HTTP %d, body: %s", resp.StatusCode(), resp.String())
	}
	return decodeOrderResult(resp.Body())
}

func (c *RESTClient) Funds(ctx context.Context) (float64, error) {
	resp, err := c.http.R().SetContext(ctx).Get("/fundlimit")
	if err != nil {
		return 0, fmt.Errorf("funds request failed: %w", err)
	}
	if resp.IsError() {
		return 0, fmt.Errorf("funds API error: HTTP %d", resp.StatusCode())
	}

	var body struct {
		SodLimit float64 `json:"sodLimit"`
	}
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return 0, fmt.Errorf("failed to decode fund limit: %w", err)
	}
	return body.SodLimit, nil
}

func (c *RESTClient) IntradayOHLC(ctx context.Context, req *OHLCRequest) (*OHLCSeries, error) {
	resp, err := c.http.R().SetContext(ctx).SetBody(req).Post("/charts/intraday")
	if err != nil {
		return nil, fmt.Errorf("ohlc request failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("ohlc API error: HTTP %d", resp.StatusCode())
	}

	var series OHLCSeries
	if err := json.Unmarshal(resp.Body(), &series); err != nil {
		return nil, fmt.Errorf("failed to decode ohlc response: %w", err)
	}
	return &series, nil
}

func (c *RESTClient) LastTradedPrice(ctx context.Context, exchangeSegment, securityID string) (float64, error) {
	payload := map[string][]json.Number{
		exchangeSegment: {json.Number(securityID)},
	}

	resp, err := c.http.R().SetContext(ctx).SetBody(payload).Post("/marketfeed/ltp")
	if err != nil {
		return 0, fmt.Errorf("ltp request failed: %w", err)
	}
	if resp.IsError() {
		return 0, fmt.Errorf("ltp API error: HTTP %d", resp.StatusCode())
	}

	var body struct {
		Status string                                   `json:"status"`
		Data   map[string]map[string]struct {
			LastPrice float64 `json:"last_price"`
		} `json:"data"`
	}
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return 0, fmt.Errorf("failed to decode ltp response: %w", err)
	}
	if body.Status != "success" {
		return 0, fmt.Errorf("ltp API status: %s", body.Status)
	}
	return body.Data[exchangeSegment][securityID].LastPrice, nil
}

func (c *RESTClient) ActivateKillSwitch(ctx context.Context) error {
	resp, err := c.http.R().SetContext(ctx).
		SetQueryParam("killSwitchStatus", "ACTIVATE").
		Post("/killswitch")
	if err != nil {
		return fmt.Errorf("kill switch request failed: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("kill switch API error: HTTP %d, body: %s", resp.StatusCode(), resp.String())
	}
	logs.Warn("[Broker] Broker-side kill switch activated.")
	return nil
}
