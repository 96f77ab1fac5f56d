// mapper/mapper.go
package mapper

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"auto_dhan_go/logs"
)

// Instrument is one contract from the instrument master file.
type Instrument struct {
	SecurityID      string  `json:"security_id"`
	Symbol          string  `json:"symbol"`
	ExchangeSegment string  `json:"exchange_segment"`
	InstrumentType  string  `json:"instrument_type"`
	Underlying      string  `json:"underlying"`
	LotSize         int     `json:"lot_size"`
	TickSize        float64 `json:"tick_size"`
	Expiry          string  `json:"expiry"` // yyyy-mm-dd
}

// Resolver maps trading symbols to contract metadata. The live master
// contract download sits behind this interface; the core never parses
// symbols beyond underlying classification.
type Resolver interface {
	// Resolve finds the contract for a full trading symbol.
	Resolve(symbol string) (*Instrument, error)

	// UnderlyingFutureID returns the nearest-expiry future for an
	// underlying, used as the liquidity proxy. ok is false when the
	// underlying has no listed future.
	UnderlyingFutureID(underlying string) (sid string, ok bool)

	// ExchangeSegment returns the segment for a known security ID,
	// empty when unknown.
	ExchangeSegment(securityID string) string
}

// UnderlyingOf classifies a trading symbol into its index underlying.
// SENSEX maps to NIFTY: BSE derivatives lack liquid futures and
// reliable depth, so the NIFTY future serves as the proxy.
func UnderlyingOf(symbol string) string {
	sym := strings.ToUpper(symbol)
	switch {
	case strings.Contains(sym, "BANKNIFTY"):
		return "BANKNIFTY"
	case strings.Contains(sym, "FINNIFTY"):
		return "FINNIFTY"
	case strings.Contains(sym, "MIDCPNIFTY"), strings.Contains(sym, "MIDCAP NIFTY"), strings.Contains(sym, "NIFTY MIDCAP"):
		return "MIDCPNIFTY"
	case strings.Contains(sym, "NIFTY"), strings.Contains(sym, "SENSEX"):
		return "NIFTY"
	default:
		fields := strings.Fields(symbol)
		if len(fields) > 0 {
			return strings.ToUpper(fields[0])
		}
		return sym
	}
}

// IsIndex reports whether a symbol is one of the most liquid index
// names, which get tighter exit thresholds.
func IsIndex(symbol string) bool {
	sym := strings.ToUpper(symbol)
	return strings.Contains(sym, "NIFTY") || strings.Contains(sym, "BANKNIFTY") || strings.Contains(sym, "SENSEX")
}

// FileResolver resolves against a static instrument JSON file.
type FileResolver struct {
	bySymbol map[string]*Instrument
	bySID    map[string]*Instrument
	futures  map[string][]*Instrument // underlying -> futures
}

var _ Resolver = (*FileResolver)(nil)

// NewFileResolver loads the instrument master from a JSON array file.
func NewFileResolver(path string) (*FileResolver, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read instruments file: %w", err)
	}

	var instruments []Instrument
	if err := json.Unmarshal(data, &instruments); err != nil {
		return nil, fmt.Errorf("failed to parse instruments file: %w", err)
	}

	r := &FileResolver{
		bySymbol: make(map[string]*Instrument),
		bySID:    make(map[string]*Instrument),
		futures:  make(map[string][]*Instrument),
	}
	for i := range instruments {
		inst := &instruments[i]
		if inst.TickSize <= 0 {
			inst.TickSize = 0.05
		}
		r.bySymbol[normalizeSymbol(inst.Symbol)] = inst
		r.bySID[inst.SecurityID] = inst
		if strings.HasPrefix(inst.InstrumentType, "FUT") {
			u := strings.ToUpper(inst.Underlying)
			r.futures[u] = append(r.futures[u], inst)
		}
	}

	logs.Infof("[Mapper] Loaded %d instruments from %s", len(instruments), path)
	return r, nil
}

func normalizeSymbol(symbol string) string {
	return strings.Join(strings.Fields(strings.ToUpper(symbol)), " ")
}

func (r *FileResolver) Resolve(symbol string) (*Instrument, error) {
	inst, ok := r.bySymbol[normalizeSymbol(symbol)]
	if !ok {
		return nil, fmt.Errorf("security ID not found for %q", symbol)
	}
	return inst, nil
}

func (r *FileResolver) UnderlyingFutureID(underlying string) (string, bool) {
	futures := r.futures[strings.ToUpper(underlying)]
	if len(futures) == 0 {
		return "", false
	}

	// Nearest unexpired contract; fall back to the first listed one.
	today := time.Now().Format("2006-01-02")
	best := futures[0]
	bestExpiry := ""
	for _, f := range futures {
		if f.Expiry >= today && (bestExpiry == "" || f.Expiry < bestExpiry) {
			best = f
			bestExpiry = f.Expiry
		}
	}
	return best.SecurityID, true
}

func (r *FileResolver) ExchangeSegment(securityID string) string {
	if inst, ok := r.bySID[securityID]; ok {
		return inst.ExchangeSegment
	}
	return ""
}
