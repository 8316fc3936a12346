package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/skylark-fpv/fctuner/internal/analysis"
	"github.com/skylark-fpv/fctuner/internal/blackbox"
	"github.com/skylark-fpv/fctuner/internal/device"
)

func runAnalyze(ctx context.Context, config *Config, logPath string, logger *slog.Logger) error {
	style, err := config.Analysis.PilotStyle()
	if err != nil {
		return err
	}

	f, err := os.Open(logPath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", logPath, err)
	}
	defer f.Close()

	decoder := blackbox.NewDecoder(blackbox.WithLogger(logger))
	file, err := decoder.Decode(f)
	if err != nil {
		return fmt.Errorf("decoding %s: %w", logPath, err)
	}

	logger.Info("log decoded", slog.Int("sessions", len(file.Sessions)))

	for i, session := range file.Sessions {
		fmt.Printf("=== Session %d: %d frames, %d corrupt, %.1f kHz ===\n",
			i+1, session.Frames(), session.CorruptFrames, session.Header.SampleRate()/1000)
		if err := analyzeSession(ctx, session, style, logger); err != nil {
			return fmt.Errorf("analyzing session %d: %w", i+1, err)
		}
	}
	return nil
}

func analyzeSession(ctx context.Context, session *blackbox.Session, style analysis.Style, logger *slog.Logger) error {
	data := analysis.FromSession(session)
	filters := filtersFromHeader(session.Header)
	pids := pidsFromHeader(session.Header)

	progress := func(c analysis.Checkpoint) {
		logger.Debug("analysis progress", slog.String("checkpoint", c.String()))
	}

	noise, err := analysis.AnalyzeNoise(ctx, data, filters, progress)
	if err != nil {
		return fmt.Errorf("noise analysis: %w", err)
	}
	printNoise(noise)

	steps, err := analysis.AnalyzeSteps(ctx, data, pids, style, progress)
	if err != nil {
		return fmt.Errorf("step analysis: %w", err)
	}
	printSteps(steps)

	chirp, err := analysis.AnalyzeChirp(ctx, data, nil, progress)
	if err != nil {
		return fmt.Errorf("chirp analysis: %w", err)
	}
	printChirp(chirp)

	delay := analysis.EstimateGroupDelay(filters, 0, 0)
	printDelay(delay)
	return nil
}

func printNoise(r *analysis.NoiseResult) {
	fmt.Printf("\nNoise (quality %.0f/100, motor base %s)\n", r.Quality, formatHz(r.MotorBaseHz))
	for _, ax := range r.Axes {
		fmt.Printf("  %-5s floor %.1f dB", analysis.AxisName(ax.Axis), ax.NoiseFloorDB)
		if len(ax.Peaks) == 0 {
			fmt.Println(", no peaks")
			continue
		}
		fmt.Println()
		for _, p := range ax.Peaks {
			fmt.Printf("    peak %s  %+.1f dB  (%s)\n", formatHz(p.Frequency), p.PowerDB, p.Class)
		}
	}
	printRecommendations(r.Recommendations)
}

func printSteps(r *analysis.StepResult) {
	fmt.Printf("\nStep response (style %s, quality %.0f/100)\n", r.Style, r.Quality)
	for _, ax := range r.Axes {
		if len(ax.Steps) == 0 {
			fmt.Printf("  %-5s no usable steps\n", analysis.AxisName(ax.Axis))
			continue
		}
		fmt.Printf("  %-5s %d steps: rise %s, settle %s, overshoot %.1f%%, ringing %.1f",
			analysis.AxisName(ax.Axis), len(ax.Steps),
			ax.MeanRiseTime, ax.MeanSettling, ax.MeanOvershoot, ax.MeanRinging)
		if ax.DegenerateOnly {
			fmt.Print(" (all degenerate)")
		}
		fmt.Println()
	}
	printRecommendations(r.Recommendations)
}

func printChirp(r *analysis.ChirpResult) {
	if !r.Detected {
		fmt.Println("\nNo frequency sweep found; skipping system identification")
		return
	}
	fmt.Printf("\nSystem identification (%s axis, quality %.0f/100)\n", analysis.AxisName(r.Axis), r.Quality)
	fmt.Printf("  bandwidth (-3 dB)  %s\n", formatHz(r.Bandwidth3dB))
	fmt.Printf("  peak resonance     %+.1f dB at %s\n", r.PeakResonanceDB, formatHz(r.PeakResonanceHz))
	fmt.Printf("  phase margin       %.0f deg%s\n", r.PhaseMarginDeg, measuredSuffix(r.PhaseMarginMeasured))
	fmt.Printf("  gain margin        %.1f dB%s\n", r.GainMarginDB, measuredSuffix(r.GainMarginMeasured))
}

func printDelay(r *analysis.GroupDelayResult) {
	fmt.Printf("\nFilter group delay at %s\n", formatHz(r.ReferenceHz))
	fmt.Printf("  gyro path   %.2f ms\n", r.GyroPathMs)
	fmt.Printf("  D-term path %.2f ms\n", r.DtermPathMs)
	for _, c := range r.Contributions {
		fmt.Printf("    %-12s %.2f ms\n", c.Stage, c.DelayMs)
	}
	if r.Warning != "" {
		fmt.Printf("  WARNING: %s\n", r.Warning)
	}
}

func printRecommendations(recs []analysis.Recommendation) {
	if len(recs) == 0 {
		fmt.Println("  no changes recommended")
		return
	}
	for _, rec := range recs {
		fmt.Printf("  -> %s: %d -> %d  [%s, confidence %.0f%%]\n      %s\n",
			rec.Setting, rec.Current, rec.Recommended, rec.Impact, rec.Confidence*100, rec.Reason)
	}
}

func measuredSuffix(measured bool) string {
	if measured {
		return ""
	}
	return " (no crossover, default)"
}

func formatHz(hz float64) string {
	v, suffix := humanize.ComputeSI(hz)
	return fmt.Sprintf("%0.1f %sHz", v, suffix)
}

// filtersFromHeader reconstructs the filter configuration a log was flown
// with from its header fields. Missing fields leave stages disabled.
func filtersFromHeader(h *blackbox.Header) *device.FilterConfig {
	f := &device.FilterConfig{
		GyroLowpass1Hz:  headerUint16(h, "gyro_lowpass_hz"),
		GyroLowpass2Hz:  headerUint16(h, "gyro_lowpass2_hz"),
		DtermLowpass1Hz: headerUint16(h, "dterm_lpf_hz"),
		DtermLowpass2Hz: headerUint16(h, "dterm_lpf2_hz"),
		DynNotchMinHz:   headerUint16(h, "dyn_notch_min_hz"),
		DynNotchMaxHz:   headerUint16(h, "dyn_notch_max_hz"),
	}
	f.GyroNotch1Hz = headerUint16(h, "gyro_notch_hz")
	f.GyroNotch1Cutoff = headerUint16(h, "gyro_notch_cutoff")
	f.RPMHarmonics = uint8(headerUint16(h, "rpm_filter_harmonics"))
	return f
}

// pidsFromHeader parses the "rollPID"/"pitchPID"/"yawPID" header triples.
func pidsFromHeader(h *blackbox.Header) *device.PIDProfile {
	return &device.PIDProfile{
		Roll:  headerPID(h, "rollPID"),
		Pitch: headerPID(h, "pitchPID"),
		Yaw:   headerPID(h, "yawPID"),
	}
}

func headerUint16(h *blackbox.Header, key string) uint16 {
	v, ok := h.Raw[key]
	if !ok {
		return 0
	}
	n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 16)
	if err != nil {
		return 0
	}
	return uint16(n)
}

func headerPID(h *blackbox.Header, key string) device.PIDTerms {
	parts := strings.Split(h.Raw[key], ",")
	if len(parts) < 3 {
		return device.PIDTerms{}
	}
	parse := func(s string) uint8 {
		n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 8)
		if err != nil {
			return 0
		}
		return uint8(n)
	}
	return device.PIDTerms{P: parse(parts[0]), I: parse(parts[1]), D: parse(parts[2])}
}
