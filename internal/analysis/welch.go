package analysis

import (
	"errors"
	"fmt"
	"math"
	"math/cmplx"
)

// ErrTooShort is returned when a signal is shorter than one analysis window.
var ErrTooShort = errors.New("analysis: signal too short")

// Spectrum is a one-sided power spectral density estimate.
type Spectrum struct {
	Freqs []float64 // Hz, ascending
	Power []float64 // power per Hz
}

// Bin returns the index of the frequency bin closest to f.
func (s *Spectrum) Bin(f float64) int {
	if len(s.Freqs) < 2 {
		return 0
	}
	df := s.Freqs[1] - s.Freqs[0]
	i := int(math.Round(f / df))
	if i < 0 {
		i = 0
	}
	if i >= len(s.Freqs) {
		i = len(s.Freqs) - 1
	}
	return i
}

// welchSegments yields the windowed FFT of each half-overlapping segment.
func welchSegments(x []float64, segSize int, window []float64, fn func(seg []complex128)) int {
	step := segSize / 2
	count := 0
	for start := 0; start+segSize <= len(x); start += step {
		seg := make([]complex128, segSize)
		for i := 0; i < segSize; i++ {
			seg[i] = complex(x[start+i]*window[i], 0)
		}
		fft(seg)
		fn(seg)
		count++
	}
	return count
}

// WelchPSD estimates the power spectral density of x by Welch's method: Hann
// windowed segments of segSize samples with 50% overlap, averaged. segSize 0
// picks the largest power of two up to 1024 that fits the data.
func WelchPSD(x []float64, sampleRate float64, segSize int) (*Spectrum, error) {
	if segSize == 0 {
		segSize = defaultSegSize(len(x))
	}
	if len(x) < segSize || segSize < 4 {
		return nil, fmt.Errorf("%w: %d samples, need %d", ErrTooShort, len(x), segSize)
	}
	if !isPow2(segSize) {
		return nil, fmt.Errorf("analysis: segment size %d is not a power of two", segSize)
	}

	window, windowSumSq := hannWindow(segSize)
	bins := segSize/2 + 1
	power := make([]float64, bins)

	count := welchSegments(x, segSize, window, func(seg []complex128) {
		for i := 0; i < bins; i++ {
			power[i] += real(seg[i])*real(seg[i]) + imag(seg[i])*imag(seg[i])
		}
	})

	norm := 1 / (sampleRate * windowSumSq * float64(count))
	for i := range power {
		power[i] *= norm
		if i != 0 && i != bins-1 {
			power[i] *= 2 // fold negative frequencies into the one-sided PSD
		}
	}

	freqs := make([]float64, bins)
	for i := range freqs {
		freqs[i] = float64(i) * sampleRate / float64(segSize)
	}
	return &Spectrum{Freqs: freqs, Power: power}, nil
}

// TransferEstimate is a closed-loop frequency response estimated from an
// input/output pair: H(f) = Sxy/Sxx with the coherence that qualifies it.
type TransferEstimate struct {
	Freqs     []float64
	H         []complex128
	Coherence []float64 // magnitude-squared coherence, [0,1]
}

// Magnitude returns |H| per bin.
func (t *TransferEstimate) Magnitude() []float64 {
	m := make([]float64, len(t.H))
	for i, h := range t.H {
		m[i] = cmplx.Abs(h)
	}
	return m
}

// PhaseDeg returns the unwrapped phase of H in degrees.
func (t *TransferEstimate) PhaseDeg() []float64 {
	p := make([]float64, len(t.H))
	prev := 0.0
	offset := 0.0
	for i, h := range t.H {
		raw := cmplx.Phase(h)
		if i > 0 {
			for raw+offset-prev > math.Pi {
				offset -= 2 * math.Pi
			}
			for raw+offset-prev < -math.Pi {
				offset += 2 * math.Pi
			}
		}
		prev = raw + offset
		p[i] = prev * 180 / math.Pi
	}
	return p
}

// WelchTransfer estimates the transfer function from input x to output y and
// its coherence, using the same segmentation as WelchPSD.
func WelchTransfer(x, y []float64, sampleRate float64, segSize int) (*TransferEstimate, error) {
	if len(y) < len(x) {
		x = x[:len(y)]
	} else {
		y = y[:len(x)]
	}
	if segSize == 0 {
		segSize = defaultSegSize(len(x))
	}
	if len(x) < segSize || segSize < 4 {
		return nil, fmt.Errorf("%w: %d samples, need %d", ErrTooShort, len(x), segSize)
	}
	if !isPow2(segSize) {
		return nil, fmt.Errorf("analysis: segment size %d is not a power of two", segSize)
	}

	window, _ := hannWindow(segSize)
	bins := segSize/2 + 1

	sxx := make([]float64, bins)
	syy := make([]float64, bins)
	sxy := make([]complex128, bins)

	step := segSize / 2
	count := 0
	for start := 0; start+segSize <= len(x); start += step {
		xs := make([]complex128, segSize)
		ys := make([]complex128, segSize)
		for i := 0; i < segSize; i++ {
			xs[i] = complex(x[start+i]*window[i], 0)
			ys[i] = complex(y[start+i]*window[i], 0)
		}
		fft(xs)
		fft(ys)

		for i := 0; i < bins; i++ {
			sxx[i] += real(xs[i])*real(xs[i]) + imag(xs[i])*imag(xs[i])
			syy[i] += real(ys[i])*real(ys[i]) + imag(ys[i])*imag(ys[i])
			sxy[i] += ys[i] * cmplx.Conj(xs[i])
		}
		count++
	}
	if count < 2 {
		return nil, fmt.Errorf("%w: need at least two overlapping segments", ErrTooShort)
	}

	t := &TransferEstimate{
		Freqs:     make([]float64, bins),
		H:         make([]complex128, bins),
		Coherence: make([]float64, bins),
	}
	for i := 0; i < bins; i++ {
		t.Freqs[i] = float64(i) * sampleRate / float64(segSize)
		if sxx[i] > 0 {
			t.H[i] = sxy[i] / complex(sxx[i], 0)
		}
		if sxx[i] > 0 && syy[i] > 0 {
			m := real(sxy[i])*real(sxy[i]) + imag(sxy[i])*imag(sxy[i])
			t.Coherence[i] = m / (sxx[i] * syy[i])
		}
	}
	return t, nil
}

func defaultSegSize(n int) int {
	if n < 8 {
		return 4
	}
	s := nextPow2Below(n)
	if s > 1024 {
		s = 1024
	}
	return s
}
