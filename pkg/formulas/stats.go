package formulas

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// Mean calculates the arithmetic mean of a slice of float64 values
func Mean(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	return stat.Mean(data, nil)
}

// StdDev calculates the standard deviation of a slice of float64 values
func StdDev(data []float64) float64 {
	if len(data) < 2 {
		return 0
	}
	return stat.StdDev(data, nil)
}

// ZScore calculates how many standard deviations v lies from the mean of
// the reference data. Returns 0 when the data has no spread.
func ZScore(v float64, data []float64) float64 {
	sd := StdDev(data)
	if sd == 0 {
		return 0
	}
	return (v - Mean(data)) / sd
}

// PctChange calculates the fractional change from a to b.
// Returns 0 when a is zero.
func PctChange(a, b float64) float64 {
	if a == 0 {
		return 0
	}
	return (b - a) / a
}

// Returns converts a price series to fractional returns.
// Returns[i] = (Price[i] - Price[i-1]) / Price[i-1]
func Returns(prices []float64) []float64 {
	if len(prices) < 2 {
		return []float64{}
	}

	returns := make([]float64, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] != 0 {
			returns[i-1] = (prices[i] - prices[i-1]) / prices[i-1]
		}
	}

	return returns
}

// Volatility calculates the standard deviation of returns over a price
// series, or 0 if the series is too short.
func Volatility(prices []float64) float64 {
	r := Returns(prices)
	if len(r) < 2 {
		return 0
	}
	return StdDev(r)
}

// RollingMean calculates the mean of the last n values, or the mean of all
// values when fewer than n are available.
func RollingMean(data []float64, n int) float64 {
	if len(data) == 0 {
		return 0
	}
	if len(data) > n {
		data = data[len(data)-n:]
	}
	return stat.Mean(data, nil)
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
