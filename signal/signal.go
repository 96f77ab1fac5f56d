// signal/signal.go
package signal

import (
	"fmt"
	"strings"
)

// Action is the signal direction.
type Action string

const (
	Buy  Action = "BUY"
	Sell Action = "SELL"
)

// OptionType distinguishes calls from puts.
type OptionType string

const (
	Call OptionType = "CALL"
	Put  OptionType = "PUT"
)

// Signal is a structured trade instruction handed to the core by the
// external parser. Optional zero fields mean "use the computed
// default", never an error. Immutable once handed to the core.
type Signal struct {
	Symbol       string     `json:"trading_symbol"`
	Action       Action     `json:"action"`
	Strike       float64    `json:"strike"`
	OptionType   OptionType `json:"option_type"`
	TriggerPrice float64    `json:"trigger_above,omitempty"`
	StopLoss     float64    `json:"stop_loss,omitempty"`
	Target       float64    `json:"target,omitempty"`
	IsPositional bool       `json:"is_positional,omitempty"`
}

// Validate normalizes defaults and rejects structurally unusable
// signals at the boundary.
func (s *Signal) Validate() error {
	if strings.TrimSpace(s.Symbol) == "" {
		return fmt.Errorf("signal missing trading symbol")
	}
	if s.Action == "" {
		s.Action = Buy
	}
	if s.Action != Buy && s.Action != Sell {
		return fmt.Errorf("signal action must be BUY or SELL, got %q", s.Action)
	}
	if s.OptionType == "" {
		s.OptionType = InferOptionType(s.Symbol)
	}
	if s.TriggerPrice < 0 || s.StopLoss < 0 || s.Target < 0 {
		return fmt.Errorf("signal prices cannot be negative")
	}
	return nil
}

// IsPut reports whether the signal targets a put option.
func (s *Signal) IsPut() bool {
	return s.OptionType == Put
}

// InferOptionType classifies a trading symbol as a call or a put from
// its PE/PUT marker. Anything unmarked trades as a call.
func InferOptionType(symbol string) OptionType {
	sym := strings.ToUpper(symbol)
	if strings.Contains(sym, "PE") || strings.Contains(sym, "PUT") {
		return Put
	}
	return Call
}
