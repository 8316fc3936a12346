package tuning

import (
	"context"

	"github.com/skylark-fpv/fctuner/internal/analysis"
	"github.com/skylark-fpv/fctuner/internal/device"
)

// AnalysisPipeline is the stock Pipeline backed by the analysis package.
type AnalysisPipeline struct{}

var _ Pipeline = AnalysisPipeline{}

func (AnalysisPipeline) SegmentSteadyThrottle(throttle []float64, sampleRate float64, cfg analysis.SegmentConfig) []analysis.Segment {
	return analysis.SegmentSteadyThrottle(throttle, sampleRate, cfg)
}

func (AnalysisPipeline) AnalyzeNoise(ctx context.Context, data *analysis.FlightData, filters *device.FilterConfig, progress analysis.ProgressFunc) (*analysis.NoiseResult, error) {
	return analysis.AnalyzeNoise(ctx, data, filters, progress)
}

func (AnalysisPipeline) AnalyzeSteps(ctx context.Context, data *analysis.FlightData, pids *device.PIDProfile, style analysis.Style, progress analysis.ProgressFunc) (*analysis.StepResult, error) {
	return analysis.AnalyzeSteps(ctx, data, pids, style, progress)
}

func (AnalysisPipeline) AnalyzeChirp(ctx context.Context, data *analysis.FlightData, forced *analysis.Segment, progress analysis.ProgressFunc) (*analysis.ChirpResult, error) {
	return analysis.AnalyzeChirp(ctx, data, forced, progress)
}
