// engine/atr.go
package engine

import (
	"math"
	"strings"

	"auto_dhan_go/broker"
)

// WilderATR computes the Average True Range of an intraday candle
// series using Wilder's smoothing and returns the latest completed
// value. The forming (last) candle is dropped first. Returns 0 when the
// series is too short.
func WilderATR(s *broker.OHLCSeries, period int) float64 {
	if s == nil || period < 1 {
		return 0
	}

	n := len(s.High)
	if len(s.Low) < n {
		n = len(s.Low)
	}
	if len(s.Close) < n {
		n = len(s.Close)
	}

	// Drop the forming candle; need period+1 completed candles.
	n--
	if n < period+1 {
		return 0
	}

	atr := 0.0
	for i := 1; i < n; i++ {
		tr := trueRange(s.High[i], s.Low[i], s.Close[i-1])
		if i <= period {
			atr += tr
			if i == period {
				atr /= float64(period)
			}
			continue
		}
		atr = (atr*float64(period-1) + tr) / float64(period)
	}

	if math.IsNaN(atr) || math.IsInf(atr, 0) {
		return 0
	}
	return atr
}

func trueRange(high, low, prevClose float64) float64 {
	tr := high - low
	if d := math.Abs(high - prevClose); d > tr {
		tr = d
	}
	if d := math.Abs(low - prevClose); d > tr {
		tr = d
	}
	return tr
}

// atrFallback returns a conservative per-underlying volatility estimate
// for when candle data is unavailable.
func atrFallback(symbol string) float64 {
	sym := strings.ToUpper(symbol)
	if strings.Contains(sym, "BANKNIFTY") {
		return 20.0
	}
	if strings.Contains(sym, "NIFTY") || strings.Contains(sym, "SENSEX") {
		return 10.0
	}
	return 15.0
}
