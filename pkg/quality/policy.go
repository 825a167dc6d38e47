package quality

import (
	"math"

	"github.com/kagent-dev/sage/pkg/research"
)

// Policy scores the accumulated knowledge of a session on a 0-10 scale.
type Policy interface {
	Score(snap research.Snapshot) (float64, map[string]float64)
}

// WeightedPolicy adds up weighted coverage, volume, diversity and
// corroboration components and subtracts a penalty per contradiction.
type WeightedPolicy struct {
	Coverage      float64
	Volume        float64
	Diversity     float64
	Corroboration float64

	// DiversityTarget is the number of distinct source types that earns the
	// full diversity weight.
	DiversityTarget int

	ContradictionPenalty float64
	MaxPenalty           float64
}

// DefaultPolicy returns the standard weighting.
func DefaultPolicy() *WeightedPolicy {
	return &WeightedPolicy{
		Coverage:             4,
		Volume:               2,
		Diversity:            2,
		Corroboration:        2,
		DiversityTarget:      3,
		ContradictionPenalty: 0.5,
		MaxPenalty:           2,
	}
}

func (p *WeightedPolicy) Score(snap research.Snapshot) (float64, map[string]float64) {
	covered, corroborated := 0, 0
	keys := snap.Outline
	if len(keys) == 0 {
		keys = snap.FindingKeys
	}
	for _, key := range keys {
		switch n := len(snap.Findings[key]); {
		case n >= 2:
			corroborated++
			covered++
		case n == 1:
			covered++
		}
	}

	breakdown := map[string]float64{
		"coverage":      p.Coverage * ratio(covered, len(keys)),
		"volume":        p.Volume * ratio(len(snap.Sources), snap.Limits.MinSources),
		"diversity":     p.Diversity * ratio(len(snap.SourceTypes()), p.DiversityTarget),
		"corroboration": p.Corroboration * ratio(corroborated, len(keys)),
		"contradictions": -math.Min(p.MaxPenalty,
			p.ContradictionPenalty*float64(len(snap.Contradictions))),
	}

	score := 0.0
	for _, v := range breakdown {
		score += v
	}
	score = math.Max(0, math.Min(10, score))
	return math.Round(score*100) / 100, breakdown
}

// ratio is n/target capped at 1. A non-positive target is met by any n > 0.
func ratio(n, target int) float64 {
	if target <= 0 {
		if n > 0 {
			return 1
		}
		return 0
	}
	return math.Min(1, float64(n)/float64(target))
}
