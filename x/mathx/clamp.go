package mathx

import "golang.org/x/exp/constraints"

// Clamp limits v to [lo, hi]. If lo > hi, the bounds are swapped.
func Clamp[T constraints.Ordered](v, lo, hi T) T {
	if hi < lo {
		lo, hi = hi, lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Between reports lo <= v && v <= hi (order-insensitive).
func Between[T constraints.Ordered](v, lo, hi T) bool {
	if hi < lo {
		lo, hi = hi, lo
	}
	return v >= lo && v <= hi
}

func Min[T constraints.Ordered](a, b T) T {
	if a < b {
		return a
	}
	return b
}

func Max[T constraints.Ordered](a, b T) T {
	if a > b {
		return a
	}
	return b
}

// Span returns hi-lo as a float64, the divisor used by duty-cycle scaling.
func Span[T constraints.Integer](lo, hi T) float64 {
	return float64(hi) - float64(lo)
}

// Lerp returns lo + t*(hi-lo) truncated toward zero.
func Lerp[T constraints.Integer](lo, hi T, t float64) T {
	return lo + T(t*Span(lo, hi))
}
