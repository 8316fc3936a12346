package analysis

import (
	"context"
)

// Checkpoint marks a coarse stage boundary inside an analysis function.
// Cancellation is honored at every checkpoint. Not every analysis passes
// through every stage: AnalyzeNoise and AnalyzeChirp emit all four, while
// AnalyzeSteps works in the time domain and never emits CheckpointSpectral.
// Consumers must not wait for a specific checkpoint.
type Checkpoint int

const (
	CheckpointSegmenting Checkpoint = iota
	CheckpointSpectral
	CheckpointScoring
	CheckpointRecommending
)

func (c Checkpoint) String() string {
	switch c {
	case CheckpointSegmenting:
		return "segmenting"
	case CheckpointSpectral:
		return "spectral"
	case CheckpointScoring:
		return "scoring"
	case CheckpointRecommending:
		return "recommending"
	default:
		return "unknown"
	}
}

// ProgressFunc receives checkpoint notifications. May be nil.
type ProgressFunc func(Checkpoint)

// checkpoint reports progress and returns the context error, if any, so each
// stage boundary is a cancellation point.
func checkpoint(ctx context.Context, progress ProgressFunc, c Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if progress != nil {
		progress(c)
	}
	return nil
}

// Impact labels what a recommendation trades.
type Impact string

const (
	ImpactLatency Impact = "latency"
	ImpactNoise   Impact = "noise"
	ImpactBoth    Impact = "both"
)

// Recommendation is one proposed settings change with its rationale.
type Recommendation struct {
	Setting     string  `json:"setting"`
	Current     int     `json:"current"`
	Recommended int     `json:"recommended"`
	Confidence  float64 `json:"confidence"` // [0,1]
	Reason      string  `json:"reason"`
	Impact      Impact  `json:"impact"`
}

// qualityScore folds analysis conditions into a 0..100 score: how much data
// there was, how much of it was usable, and how trustworthy the estimates
// are.
func qualityScore(durationSec, coverage, corruptRatio, estimateQuality float64) float64 {
	score := 100.0

	// Under a minute of flight scales the score down linearly.
	if durationSec < 60 {
		score *= durationSec / 60
	}
	score *= 0.5 + 0.5*clampF(coverage, 0, 1)
	score *= 1 - clampF(corruptRatio, 0, 1)
	score *= 0.5 + 0.5*clampF(estimateQuality, 0, 1)

	return clampF(score, 0, 100)
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
