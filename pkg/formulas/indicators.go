// Package formulas provides pure technical indicator and statistics
// functions over ordered price series. All functions return nil (or zero)
// when the series is too short, never an error.
package formulas

import (
	"github.com/markcheno/go-talib"
)

// SMA calculates the simple moving average over the given period.
// Returns the latest value or nil if insufficient data.
func SMA(closes []float64, period int) *float64 {
	if len(closes) < period {
		return nil
	}
	out := talib.Sma(closes, period)
	return lastValid(out)
}

// EMA calculates the exponential moving average over the given period.
// Returns the latest value or nil if insufficient data.
func EMA(closes []float64, period int) *float64 {
	if len(closes) < period {
		return nil
	}
	out := talib.Ema(closes, period)
	return lastValid(out)
}

// RSI calculates the Relative Strength Index.
//
// RSI Formula:
//
//	RSI = 100 - (100 / (1 + RS))
//	where RS = Average Gain / Average Loss over N periods
//
// Returns the current RSI value (0-100) or nil if insufficient data.
func RSI(closes []float64, period int) *float64 {
	if len(closes) < period+1 {
		return nil
	}
	out := talib.Rsi(closes, period)
	return lastValid(out)
}

// MACD calculates the MACD line (EMA12 - EMA26 by default).
// Returns the latest MACD value or nil if insufficient data.
func MACD(closes []float64, fast, slow, signal int) *float64 {
	if len(closes) < slow+signal {
		return nil
	}
	macd, _, _ := talib.Macd(closes, fast, slow, signal)
	return lastValid(macd)
}

// Bollinger calculates Bollinger Bands (period-SMA ± stddev multiplier).
// Returns the latest upper and lower band values, or nils if insufficient data.
func Bollinger(closes []float64, period int, mult float64) (upper, lower *float64) {
	if len(closes) < period {
		return nil, nil
	}
	up, _, low := talib.BBands(closes, period, mult, mult, talib.SMA)
	return lastValid(up), lastValid(low)
}

// lastValid returns a pointer to the last non-NaN value of a series.
func lastValid(series []float64) *float64 {
	if len(series) == 0 {
		return nil
	}
	v := series[len(series)-1]
	if isNaN(v) {
		return nil
	}
	return &v
}

// isNaN checks if a float64 is NaN
func isNaN(f float64) bool {
	return f != f
}
