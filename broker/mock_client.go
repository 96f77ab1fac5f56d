// broker/mock_client.go
package broker

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
)

//
// In-memory mock broker for running and testing the engine without the
// real API.
//

// Ensure MockClient implements the Client interface.
var _ Client = (*MockClient)(nil)

// MockClient is a configurable in-memory implementation of Client.
type MockClient struct {
	mu sync.Mutex

	AccountID    string
	FundsValue   float64
	Series       *OHLCSeries
	LTPs         map[string]float64
	PositionsV   []Position
	SuperOrdersV []SuperOrder

	// Behaviour knobs.
	FailPlaceSuper  bool
	FailPositions   bool
	PlaceSuperDelay time.Duration

	// Recorded interactions.
	PlacedSuper   []SuperOrderRequest
	PlacedMarket  []MarketOrderRequest
	CancelledLegs []string
	KillSwitchOn  bool
	nextOrderID   int
}

// NewMockClient creates a mock with an empty book and no funds.
func NewMockClient() *MockClient {
	return &MockClient{
		AccountID:   "MOCK1",
		LTPs:        make(map[string]float64),
		nextOrderID: 1,
	}
}

// SetLTP sets the snapshot price returned for a security.
func (m *MockClient) SetLTP(securityID string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LTPs[securityID] = price
}

// SetPositions replaces the position book.
func (m *MockClient) SetPositions(positions []Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PositionsV = positions
}

// PlaceSuperCount reports how many bracket orders reached the broker.
func (m *MockClient) PlaceSuperCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.PlacedSuper)
}

func (m *MockClient) Positions(ctx context.Context) ([]Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailPositions {
		return nil, fmt.Errorf("mock: positions unavailable")
	}
	out := make([]Position, len(m.PositionsV))
	copy(out, m.PositionsV)
	return out, nil
}

func (m *MockClient) PlaceSuperOrder(ctx context.Context, req *SuperOrderRequest) (*OrderResult, error) {
	if m.PlaceSuperDelay > 0 {
		time.Sleep(m.PlaceSuperDelay)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailPlaceSuper {
		return nil, fmt.Errorf("mock: super order rejected")
	}

	m.PlacedSuper = append(m.PlacedSuper, *req)
	id := strconv.Itoa(m.nextOrderID)
	m.nextOrderID++

	return &OrderResult{
		OrderID:      id,
		OrderStatus:  StatusTraded,
		AveragePrice: m.LTPs[req.SecurityID],
	}, nil
}

func (m *MockClient) SuperOrders(ctx context.Context) ([]SuperOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SuperOrder, len(m.SuperOrdersV))
	copy(out, m.SuperOrdersV)
	return out, nil
}

func (m *MockClient) CancelSuperLeg(ctx context.Context, orderID, leg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CancelledLegs = append(m.CancelledLegs, orderID+"/"+leg)
	return nil
}

func (m *MockClient) PlaceMarketOrder(ctx context.Context, req *MarketOrderRequest) (*OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.PlacedMarket = append(m.PlacedMarket, *req)
	id := strconv.Itoa(m.nextOrderID)
	m.nextOrderID++

	// Market exits clear the matching position line.
	for i := range m.PositionsV {
		if m.PositionsV[i].SecurityID == req.SecurityID {
			m.PositionsV[i].NetQty = 0
		}
	}

	return &OrderResult{OrderID: id, OrderStatus: StatusTraded}, nil
}

func (m *MockClient) Funds(ctx context.Context) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.FundsValue, nil
}

func (m *MockClient) IntradayOHLC(ctx context.Context, req *OHLCRequest) (*OHLCSeries, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Series == nil {
		return nil, fmt.Errorf("mock: no candle data")
	}
	return m.Series, nil
}

func (m *MockClient) LastTradedPrice(ctx context.Context, exchangeSegment, securityID string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.LTPs[securityID], nil
}

func (m *MockClient) ActivateKillSwitch(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.KillSwitchOn = true
	return nil
}
