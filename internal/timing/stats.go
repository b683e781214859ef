package timing

import "math"

// mean returns the arithmetic mean; NaN for an empty slice.
func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// sampleStdDev returns the sample standard deviation (denominator N-1).
// With fewer than two values the estimator is undefined and NaN is
// returned rather than dividing by zero.
func sampleStdDev(xs []float64, mean float64) float64 {
	if len(xs) < 2 {
		return math.NaN()
	}
	var sumSquares float64
	for _, x := range xs {
		diff := x - mean
		sumSquares += diff * diff
	}
	return math.Sqrt(sumSquares / float64(len(xs)-1))
}

// maxAbs returns the maximum absolute value; 0 for an empty slice.
func maxAbs(xs []float64) float64 {
	var max float64
	for _, x := range xs {
		if a := math.Abs(x); a > max {
			max = a
		}
	}
	return max
}
