// ABOUTME: Small numeric helpers used by the offset estimator
// ABOUTME: Mean, sample variance, standard deviation, median and sum over float64 slices
package stats

import (
	"errors"
	"math"
	"slices"
)

// ErrEmptyInput is returned by functions that are undefined for an empty slice.
var ErrEmptyInput = errors.New("stats: empty input")

// Sum returns the sum of values.
func Sum(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum
}

// Mean returns the arithmetic mean of values.
func Mean(values []float64) (float64, error) {
	if len(values) == 0 {
		return 0, ErrEmptyInput
	}
	return Sum(values) / float64(len(values)), nil
}

// Variance returns the sample variance (divisor n-1).
// It returns 0 for fewer than two values.
func Variance(values []float64) float64 {
	n := len(values)
	if n < 2 {
		return 0
	}

	mean := Sum(values) / float64(n)
	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return sq / float64(n-1)
}

// Std returns the sample standard deviation.
func Std(values []float64) float64 {
	return math.Sqrt(Variance(values))
}

// Median returns the median of values. The input slice is not reordered;
// a sorted copy is used instead.
func Median(values []float64) (float64, error) {
	n := len(values)
	switch {
	case n == 0:
		return 0, ErrEmptyInput
	case n == 1:
		return values[0], nil
	}

	sorted := slices.Clone(values)
	slices.Sort(sorted)

	if n%2 == 0 {
		return (sorted[n/2-1] + sorted[n/2]) / 2, nil
	}
	return sorted[n/2], nil
}
