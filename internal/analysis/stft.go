package analysis

import "math"

// Spectrogram is a time-frequency power map: one row of dB values per
// analysis window, columns covering 0..Nyquist.
type Spectrogram struct {
	Freqs  []float64   // Hz per column, ascending
	Times  []float64   // seconds per row, window centers
	Rows   [][]float64 // power in dB
	MinDB  float64
	MaxDB  float64
	NumRow int
	NumCol int
}

// STFT computes a short-time Fourier transform of x with Hann windows of
// windowSize samples and 50% overlap. windowSize 0 picks the Welch default;
// other values are rounded down to a power of two.
func STFT(x []float64, sampleRate float64, windowSize int) (*Spectrogram, error) {
	if sampleRate <= 0 {
		return nil, ErrTooShort
	}
	if windowSize <= 0 {
		windowSize = defaultSegSize(len(x))
	} else if !isPow2(windowSize) {
		windowSize = nextPow2Below(windowSize)
	}
	if windowSize < 2 || len(x) < windowSize {
		return nil, ErrTooShort
	}

	window, sumSq := hannWindow(windowSize)
	norm := 1 / (sampleRate * sumSq)
	bins := windowSize / 2

	sg := &Spectrogram{
		Freqs: make([]float64, bins),
		MinDB: math.Inf(1),
		MaxDB: math.Inf(-1),
	}
	for i := range sg.Freqs {
		sg.Freqs[i] = float64(i) * sampleRate / float64(windowSize)
	}

	step := windowSize / 2
	for start := 0; start+windowSize <= len(x); start += step {
		seg := make([]complex128, windowSize)
		for i := 0; i < windowSize; i++ {
			seg[i] = complex(x[start+i]*window[i], 0)
		}
		fft(seg)

		row := make([]float64, bins)
		for i := 0; i < bins; i++ {
			p := (real(seg[i])*real(seg[i]) + imag(seg[i])*imag(seg[i])) * norm
			if i > 0 {
				p *= 2 // fold the negative frequencies, DC excluded
			}
			db := powerDB(p)
			row[i] = db
			if db < sg.MinDB {
				sg.MinDB = db
			}
			if db > sg.MaxDB {
				sg.MaxDB = db
			}
		}
		sg.Rows = append(sg.Rows, row)
		sg.Times = append(sg.Times, (float64(start)+float64(windowSize)/2)/sampleRate)
	}
	if len(sg.Rows) == 0 {
		return nil, ErrTooShort
	}

	sg.NumRow = len(sg.Rows)
	sg.NumCol = bins
	return sg, nil
}

// Duration returns the time span covered by the spectrogram rows.
func (sg *Spectrogram) Duration() float64 {
	if len(sg.Times) == 0 {
		return 0
	}
	return sg.Times[len(sg.Times)-1] - sg.Times[0]
}
