package analysis

import (
	"math"
	"math/cmplx"
)

// fft computes an in-place radix-2 decimation-in-time FFT. len(x) must be a
// power of two.
func fft(x []complex128) {
	n := len(x)
	if n <= 1 {
		return
	}

	// bit-reversal permutation
	for i, j := 1, 0; i < n; i++ {
		bit := n >> 1
		for ; j&bit != 0; bit >>= 1 {
			j ^= bit
		}
		j |= bit
		if i < j {
			x[i], x[j] = x[j], x[i]
		}
	}

	for size := 2; size <= n; size <<= 1 {
		step := cmplx.Exp(complex(0, -2*math.Pi/float64(size)))
		for start := 0; start < n; start += size {
			w := complex(1, 0)
			for k := 0; k < size/2; k++ {
				even := x[start+k]
				odd := x[start+k+size/2] * w
				x[start+k] = even + odd
				x[start+k+size/2] = even - odd
				w *= step
			}
		}
	}
}

// hannWindow returns the periodic Hann window of length n and the sum of its
// squared coefficients, used for power normalization.
func hannWindow(n int) ([]float64, float64) {
	w := make([]float64, n)
	var sumSq float64
	for i := range w {
		w[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(n)))
		sumSq += w[i] * w[i]
	}
	return w, sumSq
}

// nextPow2Below returns the largest power of two not exceeding n, at least 2.
func nextPow2Below(n int) int {
	p := 2
	for p*2 <= n {
		p *= 2
	}
	return p
}

func isPow2(n int) bool {
	return n > 0 && n&(n-1) == 0
}
