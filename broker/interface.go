// broker/interface.go
package broker

import (
	"context"
	"encoding/json"
)

// TransactionType is the order direction.
type TransactionType string

const (
	Buy  TransactionType = "BUY"
	Sell TransactionType = "SELL"
)

// ProductType selects the margin bucket for an order.
type ProductType string

const (
	Intraday ProductType = "INTRADAY"
	Margin   ProductType = "MARGIN"
)

// Super order leg names.
const (
	EntryLeg    = "ENTRY_LEG"
	StopLossLeg = "STOP_LOSS_LEG"
	TargetLeg   = "TARGET_LEG"
)

// Order states reported by the broker.
const (
	StatusPending    = "PENDING"
	StatusPartTraded = "PART_TRADED"
	StatusTraded     = "TRADED"
	StatusClosed     = "CLOSED"
	StatusCancelled  = "CANCELLED"
)

// Position is one line of the broker's position book, normalized so the
// core always sees string security IDs and plain numbers.
type Position struct {
	SecurityID       string      `json:"-"`
	RawSecurityID    json.Number `json:"securityId"`
	TradingSymbol    string      `json:"tradingSymbol"`
	ExchangeSegment  string      `json:"exchangeSegment"`
	ProductType      string      `json:"productType"`
	NetQty           int         `json:"netQty"`
	RealizedProfit   float64     `json:"realizedProfit"`
	UnrealizedProfit float64     `json:"unrealizedProfit"`
}

// SuperOrderRequest is the bracket order payload: market entry plus
// stop-loss, target and trailing jump in a single order.
type SuperOrderRequest struct {
	DhanClientID    string          `json:"dhanClientId"`
	CorrelationID   string          `json:"correlationId,omitempty"`
	TransactionType TransactionType `json:"transactionType"`
	ExchangeSegment string          `json:"exchangeSegment"`
	ProductType     ProductType     `json:"productType"`
	OrderType       string          `json:"orderType"`
	SecurityID      string          `json:"securityId"`
	Quantity        int             `json:"quantity"`
	Price           float64         `json:"price"`
	Validity        string          `json:"validity"`
	StopLossPrice   float64         `json:"stopLossPrice"`
	TargetPrice     float64         `json:"targetPrice"`
	TrailingJump    float64         `json:"trailingJump"`
}

// MarketOrderRequest is a plain market order, used for square-offs.
type MarketOrderRequest struct {
	DhanClientID    string          `json:"dhanClientId"`
	TransactionType TransactionType `json:"transactionType"`
	ExchangeSegment string          `json:"exchangeSegment"`
	ProductType     string          `json:"productType"`
	OrderType       string          `json:"orderType"`
	SecurityID      string          `json:"securityId"`
	Quantity        int             `json:"quantity"`
	Validity        string          `json:"validity"`
}

// OrderResult is the normalized response to an order placement.
type OrderResult struct {
	OrderID      string  `json:"orderId"`
	OrderStatus  string  `json:"orderStatus"`
	AveragePrice float64 `json:"averagePrice"`
	TradedPrice  float64 `json:"tradedPrice"`
}

// LegDetail is one leg of an active super order.
type LegDetail struct {
	LegName     string `json:"legName"`
	OrderStatus string `json:"orderStatus"`
}

// SuperOrder is an active bracket order as listed by the broker.
type SuperOrder struct {
	OrderID       string      `json:"orderId"`
	RawSecurityID json.Number `json:"securityId"`
	OrderStatus   string      `json:"orderStatus"`
	LegDetails    []LegDetail `json:"legDetails"`
}

// SecurityID returns the order's security ID as a string.
func (s *SuperOrder) SecurityID() string {
	return s.RawSecurityID.String()
}

// OHLCRequest asks for intraday candles used as the volatility input.
type OHLCRequest struct {
	SecurityID      string `json:"securityId"`
	ExchangeSegment string `json:"exchangeSegment"`
	Instrument      string `json:"instrument"`
	Interval        string `json:"interval"`
	OI              bool   `json:"oi"`
	FromDate        string `json:"fromDate"`
	ToDate          string `json:"toDate"`
}

// OHLCSeries carries parallel high/low/close arrays, oldest first.
type OHLCSeries struct {
	High  []float64 `json:"high"`
	Low   []float64 `json:"low"`
	Close []float64 `json:"close"`
}

// Client is the broker REST surface the core depends on. Every call
// carries a short per-call timeout via its context; none is retried
// implicitly, and transport and broker rejections surface as errors.
type Client interface {
	// Positions lists the current position book (zero-qty lines included).
	Positions(ctx context.Context) ([]Position, error)

	// PlaceSuperOrder submits a bracket order.
	PlaceSuperOrder(ctx context.Context, req *SuperOrderRequest) (*OrderResult, error)

	// SuperOrders lists active bracket orders.
	SuperOrders(ctx context.Context) ([]SuperOrder, error)

	// CancelSuperLeg cancels one pending leg of a super order. Cancelling
	// an already-settled leg is not an error.
	CancelSuperLeg(ctx context.Context, orderID, leg string) error

	// PlaceMarketOrder submits a plain market order (square-off path).
	PlaceMarketOrder(ctx context.Context, req *MarketOrderRequest) (*OrderResult, error)

	// Funds returns the available trading balance.
	Funds(ctx context.Context) (float64, error)

	// IntradayOHLC fetches candles for volatility estimation.
	IntradayOHLC(ctx context.Context, req *OHLCRequest) (*OHLCSeries, error)

	// LastTradedPrice fetches a one-shot LTP snapshot.
	LastTradedPrice(ctx context.Context, exchangeSegment, securityID string) (float64, error)

	// ActivateKillSwitch flips the broker-side kill switch.
	ActivateKillSwitch(ctx context.Context) error
}
